//
// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.
//

package invocation

import (
	"errors"
	"reflect"
)

// ErrorResponse is the body posted to the error and init error endpoints and
// carried, base64 encoded, in the trailer of a failed streaming response.
type ErrorResponse struct {
	Message    string   `json:"errorMessage"`
	Type       string   `json:"errorType"`
	StackTrace []string `json:"stackTrace,omitempty"`
}

// Typed is implemented by errors that name their own errorType.
type Typed interface {
	ErrorType() string
}

// StackTracer is implemented by errors that carry a stack trace, such as
// recovered handler panics.
type StackTracer interface {
	StackTrace() []string
}

// NewErrorResponse classifies err. The errorType is taken from the first
// error in the chain implementing Typed, otherwise from err's dynamic type name.
func NewErrorResponse(err error) *ErrorResponse {
	resp := &ErrorResponse{Message: err.Error(), Type: typeName(err)}

	var typed Typed
	if errors.As(err, &typed) {
		if t := typed.ErrorType(); t != "" {
			resp.Type = t
		}
	}
	var st StackTracer
	if errors.As(err, &st) {
		resp.StackTrace = st.StackTrace()
	}
	return resp
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}

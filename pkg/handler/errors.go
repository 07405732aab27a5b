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

package handler

import (
	"fmt"
	"runtime/debug"
	"strings"

	"lambda-custom-runtime/pkg/invocation"
)

// HandlerError is a failure raised by user code, either a returned error or
// a recovered panic.
type HandlerError struct {
	Err   error
	Panic bool
	Stack []string
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Err: err}
}

// NewPanicError converts a value recovered from a panicking handler. It must
// be called from the deferred function that recovered so the stack is the
// panicking goroutine's.
func NewPanicError(recovered any) *HandlerError {
	err, ok := recovered.(error)
	if !ok {
		err = fmt.Errorf("%v", recovered)
	}
	return &HandlerError{Err: err, Panic: true, Stack: stackLines(debug.Stack())}
}

func (e *HandlerError) Error() string { return e.Err.Error() }

func (e *HandlerError) Unwrap() error { return e.Err }

// ErrorType reports Runtime.HandlerPanic for panics and otherwise the wrapped
// error's own classification.
func (e *HandlerError) ErrorType() string {
	if e.Panic {
		return "Runtime.HandlerPanic"
	}
	return invocation.NewErrorResponse(e.Err).Type
}

func (e *HandlerError) StackTrace() []string { return e.Stack }

func stackLines(stack []byte) []string {
	var lines []string
	for _, l := range strings.Split(string(stack), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

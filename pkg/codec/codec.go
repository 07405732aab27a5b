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

// Package codec provides the pluggable encode/decode strategies used between
// raw invocation payload bytes and the typed values handlers work with.
// JSON is the default strategy. Decorators add behaviour to any Codec, for
// example WithHTTPEnvelope unwraps HTTP gateway envelopes and WithSchema
// validates payloads before they are decoded.
package codec

import (
	"encoding/json"
	"errors"
)

// Codec converts between payload bytes and Go values. Implementations must
// be safe for sequential reuse across invocations.
type Codec interface {
	Decode(data []byte, v any) error
	Encode(v any) ([]byte, error)
	ContentType() string
}

// DecodeError reports a payload that could not be decoded into the handler's
// input type. The handler is never invoked when this occurs.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "unable to decode invocation payload: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrorType is the errorType reported to the control plane.
func (e *DecodeError) ErrorType() string { return "Runtime.UnmarshalError" }

// EncodeError reports a handler output that could not be encoded even though
// the handler itself succeeded.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return "unable to encode handler output: " + e.Err.Error()
}

func (e *EncodeError) Unwrap() error { return e.Err }

// ErrorType is the errorType reported to the control plane.
func (e *EncodeError) ErrorType() string { return "Runtime.MarshalError" }

// Decode calls c.Decode and guarantees any failure is a *DecodeError.
func Decode(c Codec, data []byte, v any) error {
	err := c.Decode(data, v)
	if err == nil {
		return nil
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return err
	}
	return &DecodeError{Err: err}
}

// Encode calls c.Encode and guarantees any failure is an *EncodeError.
func Encode(c Codec, v any) ([]byte, error) {
	data, err := c.Encode(v)
	if err == nil {
		return data, nil
	}
	var ee *EncodeError
	if errors.As(err, &ee) {
		return nil, err
	}
	return nil, &EncodeError{Err: err}
}

//------------------------------------------------------------------------------

type jsonCodec struct{}

// JSON returns the default encoding/json based Codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) ContentType() string { return "application/json" }

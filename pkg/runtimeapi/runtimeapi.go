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

// Package runtimeapi implements the client side of the control plane
// protocol. HTTPClient speaks the AWS Lambda Runtime API
// https://docs.aws.amazon.com/lambda/latest/dg/runtimes-api.html
// and AMQPClient carries the same operations over AMQP-RPC, with invocation
// requests consumed from a queue and replies published to each request's
// reply_to queue.
package runtimeapi

import (
	"context"
	"errors"
	"fmt"

	"lambda-custom-runtime/pkg/invocation"
	"lambda-custom-runtime/pkg/stream"
)

const (
	headerRequestID          = "Lambda-Runtime-Aws-Request-Id"
	headerDeadlineMs         = "Lambda-Runtime-Deadline-Ms"
	headerInvokedFunctionArn = "Lambda-Runtime-Invoked-Function-Arn"
	headerTraceID            = "Lambda-Runtime-Trace-Id"
	headerClientContext      = "Lambda-Runtime-Client-Context"
	headerCognitoIdentity    = "Lambda-Runtime-Cognito-Identity"
	headerErrorType          = "Lambda-Runtime-Function-Error-Type"
	headerErrorBody          = "Lambda-Runtime-Function-Error-Body"
	headerResponseMode       = "Lambda-Runtime-Function-Response-Mode"

	contentTypeJSON            = "application/json"
	contentTypeOctetStream     = "application/octet-stream"
	contentTypeHTTPIntegration = "application/vnd.awslambda.http-integration-response"
)

// Client is the control plane as seen by the invocation loop. Implementations
// are used by one goroutine at a time.
type Client interface {
	// Next blocks until an invocation is available.
	Next(ctx context.Context) (*invocation.Event, error)
	PostResponse(ctx context.Context, requestID string, body []byte) error
	PostError(ctx context.Context, requestID string, resp *invocation.ErrorResponse) error
	// PostInitError is only valid before the first successful Next.
	PostInitError(ctx context.Context, resp *invocation.ErrorResponse) error
	// OpenResponseStream starts a streamed response. prelude may be nil.
	OpenResponseStream(ctx context.Context, requestID string, prelude *stream.Prelude) (stream.Stream, error)
	Close()
}

var (
	// ErrRequestIDMismatch reports that the control plane did not recognise
	// the request id echoed back to it. The runtime and control plane are
	// desynchronised and the process cannot continue.
	ErrRequestIDMismatch = errors.New("control plane rejected request id")

	// ErrMissingRequestID reports a next response without a request id.
	ErrMissingRequestID = errors.New("control plane sent invocation without request id")
)

// TransportError is a failure communicating with the control plane.
type TransportError struct {
	Op         string
	StatusCode int // Zero when no HTTP response was received.
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("runtime api %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("runtime api %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Fatal reports whether the failure leaves the runtime unable to continue.
func (e *TransportError) Fatal() bool {
	return errors.Is(e.Err, ErrRequestIDMismatch) || errors.Is(e.Err, ErrMissingRequestID)
}

// Retriable reports whether a failed Next may succeed if attempted again:
// connection failures and 5xx responses are, protocol violations are not.
func (e *TransportError) Retriable() bool {
	if e.Fatal() || errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// The preamble written ahead of a streamed HTTP integration response body:
// the JSON prelude then eight NUL bytes.
var preludeDelimiter = make([]byte, 8)

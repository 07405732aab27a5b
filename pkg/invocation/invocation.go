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

// Package invocation holds the per-invocation data model: the immutable
// Event returned by the control plane, the read-only Context handed to
// handlers, and the ErrorResponse reported for failed invocations.
package invocation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"

	"lambda-custom-runtime/pkg/codec"
)

// Event is one invocation as returned by the control plane's next call.
type Event struct {
	RequestID          string
	Deadline           time.Time
	InvokedFunctionArn string
	TraceID            string
	ClientContext      string // Raw JSON, may be empty.
	CognitoIdentity    string // Raw JSON, may be empty.
	Payload            []byte
}

// Function describes the function this runtime is executing. It is fixed
// for the lifetime of the process.
type Function struct {
	Name          string
	Version       string
	MemoryLimitMB int
}

// Context is the read-only handle a handler receives for one invocation.
// It is built fresh for every invocation and must not be retained after the
// handler returns.
type Context struct {
	RequestID          string
	Deadline           time.Time
	InvokedFunctionArn string
	TraceID            string
	Function           Function

	// ClientContext and Identity are nil unless the control plane sent them.
	ClientContext *lambdacontext.ClientContext
	Identity      *lambdacontext.CognitoIdentity

	// Logger is pre-populated with the request id (and trace id if present).
	Logger *slog.Logger

	now func() time.Time
}

// NewContext builds the Context for ev. Malformed client context or identity
// JSON is reported as a *codec.DecodeError.
func NewContext(ev *Event, fn Function, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("requestId", ev.RequestID)
	if ev.TraceID != "" {
		logger = logger.With("traceId", ev.TraceID)
	}

	lc := &Context{
		RequestID:          ev.RequestID,
		Deadline:           ev.Deadline,
		InvokedFunctionArn: ev.InvokedFunctionArn,
		TraceID:            ev.TraceID,
		Function:           fn,
		Logger:             logger,
		now:                time.Now,
	}

	if ev.ClientContext != "" {
		var cc lambdacontext.ClientContext
		if err := json.Unmarshal([]byte(ev.ClientContext), &cc); err != nil {
			return nil, &codec.DecodeError{Err: fmt.Errorf("malformed client context: %w", err)}
		}
		lc.ClientContext = &cc
	}
	if ev.CognitoIdentity != "" {
		var id lambdacontext.CognitoIdentity
		if err := json.Unmarshal([]byte(ev.CognitoIdentity), &id); err != nil {
			return nil, &codec.DecodeError{Err: fmt.Errorf("malformed cognito identity: %w", err)}
		}
		lc.Identity = &id
	}
	return lc, nil
}

// RemainingTime returns the time left before the invocation deadline, never
// negative. A zero Deadline means no deadline was supplied.
func (c *Context) RemainingTime() time.Duration {
	if c.Deadline.IsZero() {
		return 0
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	if d := c.Deadline.Sub(now()); d > 0 {
		return d
	}
	return 0
}

// LambdaContext returns the metadata in the shape used by the
// aws-lambda-go lambdacontext package.
func (c *Context) LambdaContext() *lambdacontext.LambdaContext {
	lc := &lambdacontext.LambdaContext{
		AwsRequestID:       c.RequestID,
		InvokedFunctionArn: c.InvokedFunctionArn,
	}
	if c.Identity != nil {
		lc.Identity = *c.Identity
	}
	if c.ClientContext != nil {
		lc.ClientContext = *c.ClientContext
	}
	return lc
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying lc, and lc's lambdacontext form
// so libraries written against aws-lambda-go can read it too.
func WithContext(ctx context.Context, lc *Context) context.Context {
	ctx = context.WithValue(ctx, contextKey{}, lc)
	return lambdacontext.NewContext(ctx, lc.LambdaContext())
}

// FromContext returns the Context stored in ctx by WithContext.
func FromContext(ctx context.Context) (*Context, bool) {
	lc, ok := ctx.Value(contextKey{}).(*Context)
	return lc, ok
}

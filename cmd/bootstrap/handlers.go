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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"lambda-custom-runtime/pkg/codec"
	"lambda-custom-runtime/pkg/handler"
	"lambda-custom-runtime/pkg/invocation"
	"lambda-custom-runtime/pkg/stream"
)

// entry is one handler bundled into the bootstrap executable.
type entry struct {
	name        string
	description string
	factory     handler.Factory
}

var bundle = []entry{
	{"reverse", "Reverses a JSON string", newReverse},
	{"greeting", "Greets a person, JSON schema validated, accepts HTTP envelopes", newGreeting},
	{"counter", "Streams the numbers 1 to count", newCounter},
	{"echo", "Returns the event unchanged", newEcho},
	{"echo-cbor", "Returns a CBOR encoded event unchanged", newEchoCBOR},
	{"delayed", "Echoes a message after a delay, bounded by the remaining time", newDelayed},
	{"audit", "Logs each event and produces no output", newAudit},
}

func newRegistry() *handler.Registry {
	registry := handler.NewRegistry()
	for _, e := range bundle {
		registry.MustRegister(e.name, e.factory)
	}
	return registry
}

//------------------------------------------------------------------------------

func newReverse(ctx context.Context) (handler.Handler, error) {
	return handler.Buffered(func(ctx context.Context, lc *invocation.Context, in string) (string, error) {
		r := []rune(in)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return string(r), nil
	}), nil
}

//------------------------------------------------------------------------------

const greetingSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"age":  {"type": "integer", "minimum": 0}
	},
	"required": ["name", "age"]
}`

type greetingRequest struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

type greetingResponse struct {
	Greetings string `json:"greetings"`
}

func greet(ctx context.Context, lc *invocation.Context, in greetingRequest) (greetingResponse, error) {
	if in.Age > 30 {
		return greetingResponse{fmt.Sprintf("Hello %s. You look younger than your age.", in.Name)}, nil
	}
	return greetingResponse{fmt.Sprintf("Hello %s.", in.Name)}, nil
}

func newGreeting(ctx context.Context) (handler.Handler, error) {
	c, err := codec.WithSchema(codec.JSON(), greetingSchema)
	if err != nil {
		return nil, err
	}
	return handler.Buffered(greet, handler.WithCodec(codec.WithHTTPEnvelope(c))), nil
}

//------------------------------------------------------------------------------

type counterRequest struct {
	Count   int `json:"count"`
	DelayMs int `json:"delayMs"`
}

// count streams each number as its own chunk, stopping early if the
// invocation is cancelled.
func count(ctx context.Context, lc *invocation.Context, in counterRequest, w *stream.Writer) error {
	if in.Count == 0 {
		in.Count = 3
	}
	if err := w.WriteStatusAndHeaders(200, map[string]string{"Content-Type": "text/plain"}, nil); err != nil {
		return err
	}
	for i := 1; i <= in.Count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.WriteChunk([]byte(strconv.Itoa(i))); err != nil {
			return err
		}
		if in.DelayMs > 0 {
			time.Sleep(time.Duration(in.DelayMs) * time.Millisecond)
		}
	}
	return w.Finish()
}

func newCounter(ctx context.Context) (handler.Handler, error) {
	return handler.Streaming(count), nil
}

//------------------------------------------------------------------------------

func echo(ctx context.Context, lc *invocation.Context, event any) (any, error) {
	return event, nil
}

func newEcho(ctx context.Context) (handler.Handler, error) {
	return handler.Buffered(echo), nil
}

func newEchoCBOR(ctx context.Context) (handler.Handler, error) {
	return handler.Buffered(echo, handler.WithCodec(codec.CBOR())), nil
}

//------------------------------------------------------------------------------

type delayedRequest struct {
	Message string `json:"message"`
	DelayMs int    `json:"delayMs"`
}

// Time kept back from the invocation deadline to report a timeout.
const deadlineMargin = 100 * time.Millisecond

// delayed stands in for a call to an upstream that may ignore cancellation.
// The call is raced against the time remaining before the deadline.
func delayed(ctx context.Context, lc *invocation.Context, in delayedRequest) (string, error) {
	budget := lc.RemainingTime() - deadlineMargin
	if lc.Deadline.IsZero() {
		budget = time.Minute
	}
	if budget <= 0 {
		return "", handler.ErrRaceTimeout
	}
	return handler.Race(ctx, budget, func(ctx context.Context) (string, error) {
		select {
		case <-time.After(time.Duration(in.DelayMs) * time.Millisecond):
			return in.Message, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
}

func newDelayed(ctx context.Context) (handler.Handler, error) {
	return handler.Buffered(delayed), nil
}

//------------------------------------------------------------------------------

type auditEvent struct {
	Actor  string `json:"actor"`
	Action string `json:"action"`
}

// auditor is the handler state for audit, kept across invocations.
type auditor struct {
	logger *slog.Logger
	seen   int
}

func (a *auditor) record(ctx context.Context, lc *invocation.Context, ev auditEvent) error {
	if ev.Actor == "" || ev.Action == "" {
		return errors.New("audit event requires actor and action")
	}
	a.seen++
	lc.Logger.Info("Audit", slog.String("actor", ev.Actor), slog.String("action", ev.Action))
	return nil
}

func (a *auditor) summary(ctx context.Context) error {
	a.logger.Info("Audit handler shutting down", slog.Int("events", a.seen))
	return nil
}

func newAudit(ctx context.Context) (handler.Handler, error) {
	a := &auditor{logger: slog.Default().With(slog.String("handler", "audit"))}
	return handler.Void(a.record, handler.OnShutdown(a.summary)), nil
}

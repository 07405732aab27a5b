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

// Package loop runs the invocation cycle: fetch an event from the control
// plane, dispatch it to the handler, report exactly one outcome, repeat.
// Exactly one invocation is in flight at a time and its outcome is reported
// before the next event is requested.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"lambda-custom-runtime/pkg/handler"
	"lambda-custom-runtime/pkg/invocation"
	"lambda-custom-runtime/pkg/metrics"
	"lambda-custom-runtime/pkg/runtimeapi"
	"lambda-custom-runtime/pkg/stream"
	"lambda-custom-runtime/pkg/telemetry"
)

// The X-Ray SDKs read the active trace header from this variable.
const traceIDEnv = "_X_AMZN_TRACE_ID"

// How long the forced report of a timed out invocation may take.
const forcedReportTimeout = 500 * time.Millisecond

// State is the loop's position in the invocation cycle.
type State int32

const (
	Idle State = iota
	HasEvent
	Invoking
	Reporting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case HasEvent:
		return "HasEvent"
	case Invoking:
		return "Invoking"
	case Reporting:
		return "Reporting"
	case Stopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type shutdownTimeoutError struct{}

func (shutdownTimeoutError) Error() string {
	return "invocation did not complete within the shutdown grace period"
}

func (shutdownTimeoutError) ErrorType() string { return "Runtime.ShutdownTimeout" }

// ErrShutdownTimeout is reported for an invocation still running when the
// shutdown grace period expires, and returned by Run after reporting it.
var ErrShutdownTimeout error = shutdownTimeoutError{}

// Option configures a Loop.
type Option func(*Loop)

// WithFunction sets the function metadata exposed to handlers.
func WithFunction(fn invocation.Function) Option {
	return func(l *Loop) {
		l.function = fn
	}
}

// WithShutdownGrace sets how long an in-flight invocation may run after Stop.
func WithShutdownGrace(d time.Duration) Option {
	return func(l *Loop) {
		l.grace = d
	}
}

// WithLogger sets the logger for loop events, slog.Default() by default.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithMetrics records invocation counts, durations and errors on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) {
		l.metrics = m
	}
}

// WithTelemetry traces each invocation as a span on p.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(l *Loop) {
		l.telemetry = p
	}
}

// Loop drives one handler against one control plane client.
type Loop struct {
	client    runtimeapi.Client
	handler   handler.Handler
	function  invocation.Function
	grace     time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	telemetry *telemetry.Provider

	state    atomic.Int32
	stopping context.Context // Done once Stop has been called.
	stop     context.CancelFunc
	count    int

	mu      sync.Mutex
	running chan struct{} // Closed once the handler call returns.
}

// A channel that is always ready, for when no handler call is running.
var released = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// New returns a Loop dispatching events from client to h.
func New(client runtimeapi.Client, h handler.Handler, opts ...Option) *Loop {
	l := &Loop{
		client:  client,
		handler: h,
		grace:   2 * time.Second,
		logger:  slog.Default(),
		running: released,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.telemetry == nil {
		l.telemetry = telemetry.Noop()
	}
	l.stopping, l.stop = context.WithCancel(context.Background())
	return l
}

// State returns the loop's current state. Safe to call from any goroutine.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Invocations returns the number of invocations dispatched so far. Only
// meaningful once Run has returned.
func (l *Loop) Invocations() int {
	return l.count
}

// Stop asks the loop to stop at its next safe point. A pending next call is
// abandoned; an in-flight invocation is given the shutdown grace period to
// complete. Safe to call from any goroutine, more than once.
func (l *Loop) Stop() {
	l.stop()
}

// Released returns a channel that is closed once no handler call is running.
// After ErrShutdownTimeout the abandoned call may still be inside the
// handler, and the handler's state must not be touched until it is closed.
func (l *Loop) Released() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Run processes invocations until Stop is called, ctx is cancelled or a
// fatal error occurs. It returns nil after a clean stop, ErrShutdownTimeout
// if the in-flight invocation had to be abandoned, and otherwise the fatal
// error.
func (l *Loop) Run(ctx context.Context) error {
	unregister := context.AfterFunc(ctx, l.Stop)
	defer unregister()
	defer l.setState(Stopped)

	// Invocations are not cancelled by ctx, they are drained within the
	// grace period instead.
	base := context.WithoutCancel(ctx)

	for {
		l.setState(Idle)
		if l.stopping.Err() != nil {
			l.logger.Info("Invocation loop stopped", slog.Int("invocations", l.count))
			return nil
		}

		ev, err := l.client.Next(l.stopping)
		if err != nil {
			if l.stopping.Err() != nil {
				l.logger.Info("Invocation loop stopped while waiting for next invocation",
					slog.Int("invocations", l.count))
				return nil
			}
			l.transportError(err)
			return fmt.Errorf("next invocation: %w", err)
		}

		l.setState(HasEvent)
		l.count++
		if err := l.invoke(base, ev); err != nil {
			return err
		}
	}
}

// invoke runs one invocation through to its reported outcome. A non nil
// return stops the loop.
func (l *Loop) invoke(base context.Context, ev *invocation.Event) error {
	start := time.Now()
	if l.metrics != nil {
		l.metrics.InvocationStarted()
	}

	ctx, span := l.telemetry.StartInvocation(base, ev.RequestID,
		ev.InvokedFunctionArn, ev.TraceID, l.count == 1)

	out := &outcome{sink: &sink{client: l.client, requestID: ev.RequestID}}
	w := stream.NewWriter(ctx, out.sink)

	lc, err := invocation.NewContext(ev, l.function, l.logger)
	if err != nil {
		l.logger.Warn("Rejecting invocation with malformed metadata",
			slog.String("requestId", ev.RequestID), slog.Any("error", err))
		err = l.settle(ctx, ev.RequestID, w, err, out)
	} else {
		err = l.dispatch(ctx, lc, ev, w, out)
	}

	streamed := out.sink.opened.Load()
	telemetry.EndInvocation(span, out.err, out.errorType, streamed)
	if l.metrics != nil {
		mode := metrics.ModeBuffered
		if streamed {
			mode = metrics.ModeStreaming
		}
		l.metrics.InvocationFinished(out.errorType, time.Since(start), mode, w.BytesWritten())
	}
	return err
}

// dispatch runs the handler on its own goroutine so a shutdown can bound how
// long the loop waits for it.
func (l *Loop) dispatch(ctx context.Context, lc *invocation.Context, ev *invocation.Event, w *stream.Writer, out *outcome) error {
	hctx := invocation.WithContext(ctx, lc)
	var cancelDeadline context.CancelFunc = func() {}
	if !ev.Deadline.IsZero() {
		hctx, cancelDeadline = context.WithDeadline(hctx, ev.Deadline)
	}
	hctx, cancel := context.WithCancel(hctx)
	defer cancel()
	defer cancelDeadline()

	if ev.TraceID != "" {
		os.Setenv(traceIDEnv, ev.TraceID)
		defer os.Unsetenv(traceIDEnv)
	}

	l.setState(Invoking)
	lc.Logger.Debug("Invoking handler", slog.Int("payloadSize", len(ev.Payload)))

	running := make(chan struct{})
	l.mu.Lock()
	l.running = running
	l.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		defer close(running)
		defer func() {
			if r := recover(); r != nil {
				done <- handler.NewPanicError(r)
			}
		}()
		done <- l.handler.Handle(hctx, lc, ev.Payload, w)
	}()

	// The grace timer channel is nil, so never ready, until Stop is called.
	var graceCh <-chan time.Time
	stopping := l.stopping.Done()
	for {
		select {
		case err := <-done:
			return l.settle(ctx, ev.RequestID, w, err, out)

		case <-stopping:
			lc.Logger.Info("Shutdown requested, waiting for in-flight invocation",
				slog.Duration("grace", l.grace))
			stopping = nil
			timer := time.NewTimer(l.grace)
			defer timer.Stop()
			graceCh = timer.C

		case <-graceCh:
			lc.Logger.Error("Invocation did not complete within the shutdown grace period")
			cancel()
			rctx, rcancel := context.WithTimeout(ctx, forcedReportTimeout)
			defer rcancel()
			// Closing the stream with its trailer is bounded too.
			stop := context.AfterFunc(rctx, w.Cancel)
			defer stop()
			if err := l.settle(rctx, ev.RequestID, w, ErrShutdownTimeout, out); err != nil {
				return err
			}
			return ErrShutdownTimeout
		}
	}
}

// settle turns the handler's result into exactly one reported outcome,
// depending on how far the response got:
//
//	NotStarted, HeadersSent  nothing visible yet, post an invocation error
//	Streaming                close the stream with a trailing error
//	Finished                 delivered, the failure can only be logged
//
// A handler that returns nil without finishing its response is finished
// here. Only a fatal transport error is returned.
func (l *Loop) settle(ctx context.Context, requestID string, w *stream.Writer, err error, out *outcome) error {
	l.setState(Reporting)
	logger := l.logger.With(slog.String("requestId", requestID))

	if err == nil {
		if w.State() != stream.Finished {
			err = w.Finish()
		}
		if err == nil {
			return nil
		}
	}
	if fatal := l.fatal(err); fatal != nil {
		return fatal
	}

	resp := invocation.NewErrorResponse(err)
	out.err, out.errorType = err, resp.Type

	prev, closeErr := w.Abort(resp)
	interrupted := errors.Is(closeErr, stream.ErrInterrupted)
	if interrupted {
		logger.Warn("Cancelled control plane call still in progress", slog.String("writerState", prev.String()))
		if prev == stream.Finished {
			// The delivery of the response was cut short.
			prev = stream.NotStarted
		}
	}
	switch prev {
	case stream.NotStarted, stream.HeadersSent:
		logger.Warn("Invocation failed", slog.String("errorType", resp.Type),
			slog.String("errorMessage", resp.Message))
		if postErr := l.client.PostError(ctx, requestID, resp); postErr != nil {
			if fatal := l.fatal(postErr); fatal != nil {
				return fatal
			}
			logger.Error("Failed to report invocation error", slog.Any("error", postErr))
		}
	case stream.Streaming:
		logger.Warn("Streamed invocation failed after partial response",
			slog.String("errorType", resp.Type), slog.String("errorMessage", resp.Message),
			slog.Int("bytesWritten", w.BytesWritten()))
		if closeErr != nil && !interrupted {
			if fatal := l.fatal(closeErr); fatal != nil {
				return fatal
			}
			logger.Error("Failed to close response stream", slog.Any("error", closeErr))
		}
	case stream.Finished:
		var te *runtimeapi.TransportError
		if errors.As(err, &te) {
			logger.Error("Failed to report invocation response", slog.Any("error", err))
		} else {
			logger.Error("Invocation failed after its response was delivered",
				slog.String("errorType", resp.Type), slog.String("errorMessage", resp.Message))
		}
	}
	return nil
}

// fatal returns err wrapped if it is a transport error the loop cannot
// continue after, counting every transport error it sees.
func (l *Loop) fatal(err error) error {
	var te *runtimeapi.TransportError
	if !errors.As(err, &te) {
		return nil
	}
	l.transportError(te)
	if te.Fatal() {
		return fmt.Errorf("report outcome: %w", err)
	}
	return nil
}

func (l *Loop) transportError(err error) {
	var te *runtimeapi.TransportError
	if l.metrics != nil && errors.As(err, &te) {
		l.metrics.TransportError(te.Op)
	}
}

// outcome records what settle decided for telemetry and metrics.
type outcome struct {
	sink      *sink
	err       error
	errorType string
}

// sink delivers a Writer's response for one request id.
type sink struct {
	client    runtimeapi.Client
	requestID string
	opened    atomic.Bool // Set by the handler goroutine.
}

func (s *sink) Send(ctx context.Context, body []byte) error {
	return s.client.PostResponse(ctx, s.requestID, body)
}

func (s *sink) Open(ctx context.Context, prelude *stream.Prelude) (stream.Stream, error) {
	st, err := s.client.OpenResponseStream(ctx, s.requestID, prelude)
	if err == nil {
		s.opened.Store(true)
	}
	return st, err
}

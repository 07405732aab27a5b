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

// Package lifecycle wraps the invocation loop with one-time handler
// initialisation and signal driven graceful shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	// According to https://pkg.go.dev/syscall the syscall package is deprecated
	// and callers should use the corresponding package in the golang.org/x/sys
	// repository instead.
	syscall "golang.org/x/sys/unix"

	"lambda-custom-runtime/pkg/handler"
	"lambda-custom-runtime/pkg/invocation"
	"lambda-custom-runtime/pkg/loop"
	"lambda-custom-runtime/pkg/metrics"
	"lambda-custom-runtime/pkg/runtimeapi"
	"lambda-custom-runtime/pkg/telemetry"
)

const defaultFinalizeTimeout = 5 * time.Second

// InitError is a failure to construct the handler. It has been reported to
// the control plane's init error endpoint and the process must exit.
type InitError struct {
	Err error
}

func (e *InitError) Error() string { return "handler initialisation failed: " + e.Err.Error() }

func (e *InitError) Unwrap() error { return e.Err }

func (e *InitError) ErrorType() string { return "Runtime.InitError" }

var errAlreadyRun = errors.New("coordinator has already been run")

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLoopOptions passes options through to the invocation loop.
func WithLoopOptions(opts ...loop.Option) Option {
	return func(c *Coordinator) {
		c.loopOpts = append(c.loopOpts, opts...)
	}
}

// WithMetrics records init duration on m and marks srv, if not nil, ready
// once the handler is constructed. srv is closed during shutdown.
func WithMetrics(m *metrics.Metrics, srv *metrics.Server) Option {
	return func(c *Coordinator) {
		c.metrics = m
		c.server = srv
		c.loopOpts = append(c.loopOpts, loop.WithMetrics(m))
	}
}

// WithTelemetry traces invocations with p and shuts it down on exit.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(c *Coordinator) {
		c.telemetry = p
		c.loopOpts = append(c.loopOpts, loop.WithTelemetry(p))
	}
}

// WithSignals replaces the termination signals, SIGTERM and SIGINT by default.
func WithSignals(signals ...os.Signal) Option {
	return func(c *Coordinator) {
		c.signals = signals
	}
}

// WithFinalizeTimeout bounds the handler's finalize hook.
func WithFinalizeTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.finalizeTimeout = d
	}
}

// WithLogger sets the logger for lifecycle and loop events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
		c.loopOpts = append(c.loopOpts, loop.WithLogger(logger))
	}
}

// Coordinator owns the process wide handler and the resources the runtime
// holds open for its lifetime.
type Coordinator struct {
	client          runtimeapi.Client
	factory         handler.Factory
	loopOpts        []loop.Option
	metrics         *metrics.Metrics
	server          *metrics.Server
	telemetry       *telemetry.Provider
	signals         []os.Signal
	finalizeTimeout time.Duration
	logger          *slog.Logger

	started atomic.Bool
	handler handler.Handler
}

// New returns a Coordinator that will construct its handler with factory
// and serve invocations from client.
func New(client runtimeapi.Client, factory handler.Factory, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:          client,
		factory:         factory,
		signals:         []os.Signal{syscall.SIGTERM, syscall.SIGINT},
		finalizeTimeout: defaultFinalizeTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run initialises the handler, then serves invocations until a termination
// signal arrives, ctx is cancelled or the loop fails. It may only be called
// once. The returned error is an *InitError if initialisation failed,
// loop.ErrShutdownTimeout if the in-flight invocation was abandoned, a fatal
// transport error, or nil after a clean shutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errAlreadyRun
	}
	defer c.close()

	// The os/signal package does not block sending to sigchan, so it is
	// buffered to avoid missing a signal. A signal arriving during init is
	// held until the loop can be stopped.
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, c.signals...)
	defer signal.Stop(sigchan)

	if err := c.init(ctx); err != nil {
		return err
	}

	l := loop.New(c.client, c.handler, c.loopOpts...)

	loopDone := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(loopDone)
		return l.Run(ctx)
	})
	g.Go(func() error {
		select {
		case s := <-sigchan:
			c.logger.Info(fmt.Sprintf("Received %s signal shutting down", s),
				slog.String("loopState", l.State().String()))
			l.Stop()
		case <-loopDone:
		}
		return nil
	})
	err := g.Wait()

	switch {
	case err == nil:
		c.logger.Info("Invocation loop finished", slog.Int("invocations", l.Invocations()))
	case errors.Is(err, loop.ErrShutdownTimeout):
		c.logger.Warn("Abandoned in-flight invocation at shutdown")
	default:
		c.logger.Error("Invocation loop failed", slog.Any("error", err))
	}

	c.finalize(ctx, l.Released())
	return err
}

// init constructs the handler exactly once. A failure, including a panic in
// the factory, is posted to the init error endpoint.
func (c *Coordinator) init(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = c.initFailed(ctx, handler.NewPanicError(r))
		}
	}()

	h, err := c.factory(ctx)
	if err == nil && h == nil {
		err = errors.New("handler factory returned no handler")
	}
	if err != nil {
		return c.initFailed(ctx, err)
	}
	c.handler = h

	elapsed := time.Since(start)
	c.logger.Info("Handler initialised", slog.Duration("initDuration", elapsed))
	if c.metrics != nil {
		c.metrics.ObserveInit(elapsed)
	}
	if c.server != nil {
		c.server.SetReady(true)
	}
	return nil
}

func (c *Coordinator) initFailed(ctx context.Context, cause error) error {
	ierr := &InitError{Err: cause}
	resp := invocation.NewErrorResponse(ierr)
	c.logger.Error("Handler initialisation failed",
		slog.String("errorType", resp.Type), slog.String("errorMessage", resp.Message))
	if err := c.client.PostInitError(ctx, resp); err != nil {
		c.logger.Error("Failed to report init error", slog.Any("error", err))
	}
	return ierr
}

// finalize runs the handler's finalize hook once released is closed, so it
// never overlaps an abandoned handler call. It is skipped if the call is
// still running when the finalize timeout expires.
func (c *Coordinator) finalize(ctx context.Context, released <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.finalizeTimeout)
	defer cancel()
	select {
	case <-released:
	case <-ctx.Done():
		c.logger.Warn("Skipping handler finalize, abandoned invocation is still running")
		return
	}
	if err := c.handler.Finalize(ctx); err != nil {
		c.logger.Warn("Handler finalize failed", slog.Any("error", err))
	}
}

// close releases the runtime's resources once the handler is done with them.
func (c *Coordinator) close() {
	c.client.Close()
	if c.telemetry != nil {
		if err := c.telemetry.Shutdown(context.Background()); err != nil {
			c.logger.Warn("Telemetry shutdown", slog.Any("error", err))
		}
	}
	if c.server != nil {
		c.server.Close()
	}
}

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

// Package stream implements the per-invocation streaming response writer.
// A Writer moves strictly forward through NotStarted, HeadersSent, Streaming
// and Finished. Writes are serialised, so write order equals wire order, and
// any call that is illegal in the current state fails with ErrInvalidState.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"lambda-custom-runtime/pkg/invocation"
)

type State int

const (
	NotStarted State = iota
	HeadersSent
	Streaming
	Finished
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case HeadersSent:
		return "HeadersSent"
	case Streaming:
		return "Streaming"
	case Finished:
		return "Finished"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrInvalidState is matched (via errors.Is) by every ProtocolError.
var ErrInvalidState = errors.New("invalid stream writer state")

// ProtocolError reports misuse of a Writer, such as a second Finish or a
// write after Finish.
type ProtocolError struct {
	Op    string
	State State
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s is not permitted in state %s", ErrInvalidState, e.Op, e.State)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrInvalidState }

// ErrorType is the errorType reported when a ProtocolError escapes a handler.
func (e *ProtocolError) ErrorType() string { return "Runtime.StreamError" }

// Prelude is the status and headers frame sent ahead of the body of a
// streamed HTTP integration response.
type Prelude struct {
	StatusCode        int                 `json:"statusCode"`
	Headers           map[string]string   `json:"headers,omitempty"`
	MultiValueHeaders map[string][]string `json:"multiValueHeaders,omitempty"`
	Cookies           []string            `json:"cookies,omitempty"`
}

// Stream is an open streamed response on the control plane.
type Stream interface {
	Write(p []byte) error
	// Close ends the stream. A non nil trailer signals that the response
	// failed after data may already have been delivered.
	Close(trailer *invocation.ErrorResponse) error
}

// Sink delivers one invocation's response to the control plane, either as a
// single buffered body or as a stream.
type Sink interface {
	Send(ctx context.Context, body []byte) error
	// Open starts a streamed response. prelude is nil when the handler never
	// wrote a status and headers.
	Open(ctx context.Context, prelude *Prelude) (Stream, error)
}

// ErrInterrupted is returned by Abort when a control plane call was in
// progress and had to be cancelled, so whatever it was delivering is lost.
var ErrInterrupted = errors.New("stream writer interrupted during a control plane call")

// Writer is the handle a handler uses to produce its response.
type Writer struct {
	ctx    context.Context
	cancel context.CancelFunc
	sink   Sink

	// state is only advanced with mu held, except by Abort, which may move
	// it to Finished while another call is blocked on the control plane.
	state atomic.Int32

	mu      sync.Mutex
	prelude *Prelude
	stream  Stream
	written atomic.Int64
}

// NewWriter returns a Writer delivering to sink. ctx bounds every control
// plane call the writer makes.
func NewWriter(ctx context.Context, sink Sink) *Writer {
	ctx, cancel := context.WithCancel(ctx)
	return &Writer{ctx: ctx, cancel: cancel, sink: sink}
}

// State returns the current state.
func (w *Writer) State() State {
	return State(w.state.Load())
}

// BytesWritten returns the number of body bytes handed to the control plane.
func (w *Writer) BytesWritten() int {
	return int(w.written.Load())
}

// advance moves from one state to the next, failing if Abort got there
// first. Callers hold mu.
func (w *Writer) advance(op string, from, to State) error {
	if !w.state.CompareAndSwap(int32(from), int32(to)) {
		return &ProtocolError{Op: op, State: w.State()}
	}
	return nil
}

// WriteStatusAndHeaders records the HTTP status and headers to send ahead of
// the body. It may be called at most once and only before any chunk. Any
// Set-Cookie values in multiValueHeaders are moved into the prelude's cookies.
func (w *Writer) WriteStatusAndHeaders(status int, headers map[string]string, multiValueHeaders map[string][]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st := w.State(); st != NotStarted {
		return &ProtocolError{Op: "WriteStatusAndHeaders", State: st}
	}
	if status == 0 {
		status = http.StatusOK
	}

	p := &Prelude{StatusCode: status, Headers: headers}
	for k, v := range multiValueHeaders {
		if http.CanonicalHeaderKey(k) == "Set-Cookie" {
			p.Cookies = append(p.Cookies, v...)
			continue
		}
		if p.MultiValueHeaders == nil {
			p.MultiValueHeaders = make(map[string][]string, len(multiValueHeaders))
		}
		p.MultiValueHeaders[k] = v
	}
	if err := w.advance("WriteStatusAndHeaders", NotStarted, HeadersSent); err != nil {
		return err
	}
	w.prelude = p
	return nil
}

// WriteChunk appends p to the streamed response, opening the stream on first
// use.
func (w *Writer) WriteChunk(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st := w.State(); st == Finished {
		return &ProtocolError{Op: "WriteChunk", State: st}
	}
	if err := w.open("WriteChunk"); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if err := w.stream.Write(p); err != nil {
		return err
	}
	w.written.Add(int64(len(p)))
	return nil
}

// Write implements io.Writer on top of WriteChunk.
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.WriteChunk(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Finish completes the response. It must be called exactly once. With nothing
// written it sends an empty buffered response.
func (w *Writer) Finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch st := w.State(); st {
	case Finished:
		return &ProtocolError{Op: "Finish", State: st}
	case NotStarted:
		if err := w.advance("Finish", NotStarted, Finished); err != nil {
			return err
		}
		return w.sink.Send(w.ctx, nil)
	case HeadersSent:
		if err := w.open("Finish"); err != nil {
			return err
		}
	}
	if err := w.advance("Finish", Streaming, Finished); err != nil {
		return err
	}
	return w.stream.Close(nil)
}

// WriteAndFinish sends p as the complete response. Before any status and
// headers the response is buffered and all-or-nothing. It is not permitted
// once a chunk has been written or the writer has finished.
func (w *Writer) WriteAndFinish(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch st := w.State(); st {
	case Streaming, Finished:
		return &ProtocolError{Op: "WriteAndFinish", State: st}
	case NotStarted:
		if err := w.advance("WriteAndFinish", NotStarted, Finished); err != nil {
			return err
		}
		if err := w.sink.Send(w.ctx, p); err != nil {
			return err
		}
		w.written.Add(int64(len(p)))
		return nil
	}

	if err := w.open("WriteAndFinish"); err != nil {
		return err
	}
	if err := w.advance("WriteAndFinish", Streaming, Finished); err != nil {
		return err
	}
	if len(p) > 0 {
		if err := w.stream.Write(p); err != nil {
			w.stream.Close(invocation.NewErrorResponse(err))
			return err
		}
		w.written.Add(int64(len(p)))
	}
	return w.stream.Close(nil)
}

// Fail closes an open stream with a trailing error. It is only permitted
// while Streaming; before that the failure must be reported as a whole
// invocation error, and after Finish the bytes cannot be retracted.
func (w *Writer) Fail(resp *invocation.ErrorResponse) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.advance("Fail", Streaming, Finished); err != nil {
		return err
	}
	return w.stream.Close(resp)
}

// Abort moves the writer to Finished and returns the state it was in, so the
// caller becomes responsible for the invocation's outcome. An open stream is
// closed with resp as its trailer. Any later call by the handler fails with
// ErrInvalidState.
//
// Abort never waits for a call blocked on the control plane. It cancels the
// writer's context instead, which tears down an open stream, and returns
// ErrInterrupted.
func (w *Writer) Abort(resp *invocation.ErrorResponse) (State, error) {
	if !w.mu.TryLock() {
		prev := State(w.state.Swap(int32(Finished)))
		w.cancel()
		return prev, ErrInterrupted
	}
	defer w.mu.Unlock()
	defer w.cancel()
	prev := State(w.state.Swap(int32(Finished)))
	if prev == Streaming {
		return prev, w.stream.Close(resp)
	}
	return prev, nil
}

// Cancel tears down any control plane call the writer has in progress.
// The writer is unusable afterwards.
func (w *Writer) Cancel() {
	w.cancel()
}

// open starts the stream if needed. Callers hold mu.
func (w *Writer) open(op string) error {
	if w.stream != nil {
		return nil
	}
	from := w.State()
	s, err := w.sink.Open(w.ctx, w.prelude)
	if err != nil {
		return err
	}
	w.stream = s
	if err := w.advance(op, from, Streaming); err != nil {
		// Aborted while opening.
		s.Close(&invocation.ErrorResponse{Type: "Runtime.StreamError", Message: ErrInterrupted.Error()})
		return err
	}
	return nil
}

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

// Package handler adapts user functions of different shapes to the single
// Handler interface the invocation loop dispatches to. Adapters are chosen by
// the caller at construction time:
//
//	Buffered   decoded input -> one encoded output
//	Streaming  decoded input -> zero or more chunks on a stream.Writer
//	StreamingRaw  raw payload bytes -> stream.Writer
//	Void       decoded input -> no output
//
// Each adapter composes a codec.Codec (JSON unless WithCodec is given) with
// the user function, so the loop always sees raw bytes in and a Writer out.
package handler

import (
	"context"

	"lambda-custom-runtime/pkg/codec"
	"lambda-custom-runtime/pkg/invocation"
	"lambda-custom-runtime/pkg/stream"
)

// Handler is the uniform contract between the invocation loop and user code.
// Handle is called once per invocation, never concurrently. Finalize is
// called once when the runtime shuts down.
type Handler interface {
	Handle(ctx context.Context, lc *invocation.Context, payload []byte, w *stream.Writer) error
	Finalize(ctx context.Context) error
}

type (
	Func[In, Out any]  func(ctx context.Context, lc *invocation.Context, in In) (Out, error)
	StreamFunc[In any] func(ctx context.Context, lc *invocation.Context, in In, w *stream.Writer) error
	RawStreamFunc      func(ctx context.Context, lc *invocation.Context, payload []byte, w *stream.Writer) error
	VoidFunc[In any]   func(ctx context.Context, lc *invocation.Context, in In) error
	FinalizeFunc       func(ctx context.Context) error
)

type options struct {
	codec    codec.Codec
	finalize FinalizeFunc
}

type Option func(*options)

// WithCodec selects the Codec used to decode input and encode output.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// OnShutdown registers fn as the handler's finalize hook.
func OnShutdown(fn FinalizeFunc) Option {
	return func(o *options) {
		o.finalize = fn
	}
}

func newOptions(opts []Option) options {
	o := options{codec: codec.JSON()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) Finalize(ctx context.Context) error {
	if o.finalize == nil {
		return nil
	}
	return o.finalize(ctx)
}

//------------------------------------------------------------------------------

type buffered[In, Out any] struct {
	options
	fn Func[In, Out]
}

// Buffered adapts fn, whose output is encoded and sent as one all-or-nothing
// response.
func Buffered[In, Out any](fn Func[In, Out], opts ...Option) Handler {
	return &buffered[In, Out]{options: newOptions(opts), fn: fn}
}

func (h *buffered[In, Out]) Handle(ctx context.Context, lc *invocation.Context, payload []byte, w *stream.Writer) error {
	var in In
	if err := codec.Decode(h.codec, payload, &in); err != nil {
		return err
	}
	out, err := h.fn(ctx, lc, in)
	if err != nil {
		return wrap(err)
	}
	data, err := codec.Encode(h.codec, out)
	if err != nil {
		return err
	}
	return w.WriteAndFinish(data)
}

type streaming[In any] struct {
	options
	fn StreamFunc[In]
}

// Streaming adapts fn, which writes its output to w. fn may keep working
// after calling w.Finish; the runtime waits for it to return before fetching
// the next invocation.
func Streaming[In any](fn StreamFunc[In], opts ...Option) Handler {
	return &streaming[In]{options: newOptions(opts), fn: fn}
}

func (h *streaming[In]) Handle(ctx context.Context, lc *invocation.Context, payload []byte, w *stream.Writer) error {
	var in In
	if err := codec.Decode(h.codec, payload, &in); err != nil {
		return err
	}
	return wrap(h.fn(ctx, lc, in, w))
}

type streamingRaw struct {
	options
	fn RawStreamFunc
}

// StreamingRaw adapts fn, which receives the undecoded payload. The codec
// option is ignored.
func StreamingRaw(fn RawStreamFunc, opts ...Option) Handler {
	return &streamingRaw{options: newOptions(opts), fn: fn}
}

func (h *streamingRaw) Handle(ctx context.Context, lc *invocation.Context, payload []byte, w *stream.Writer) error {
	return wrap(h.fn(ctx, lc, payload, w))
}

type void[In any] struct {
	options
	fn VoidFunc[In]
}

// Void adapts fn, which produces no output. An empty response is sent when
// it succeeds.
func Void[In any](fn VoidFunc[In], opts ...Option) Handler {
	return &void[In]{options: newOptions(opts), fn: fn}
}

func (h *void[In]) Handle(ctx context.Context, lc *invocation.Context, payload []byte, w *stream.Writer) error {
	var in In
	if err := codec.Decode(h.codec, payload, &in); err != nil {
		return err
	}
	if err := h.fn(ctx, lc, in); err != nil {
		return wrap(err)
	}
	return w.WriteAndFinish(nil)
}

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
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lambda-custom-runtime/pkg/codec"
	"lambda-custom-runtime/pkg/invocation"
	"lambda-custom-runtime/pkg/stream"
)

type sink struct {
	buffered [][]byte
	chunks   []string
	closed   bool
}

func (s *sink) Send(ctx context.Context, body []byte) error {
	s.buffered = append(s.buffered, body)
	return nil
}

func (s *sink) Open(ctx context.Context, prelude *stream.Prelude) (stream.Stream, error) {
	return s, nil
}

func (s *sink) Write(p []byte) error {
	s.chunks = append(s.chunks, string(p))
	return nil
}

func (s *sink) Close(trailer *invocation.ErrorResponse) error {
	s.closed = true
	return nil
}

func run(t *testing.T, h Handler, payload string) (*sink, *stream.Writer, error) {
	t.Helper()
	s := &sink{}
	w := stream.NewWriter(context.Background(), s)
	lc := &invocation.Context{RequestID: "test-request"}
	return s, w, h.Handle(context.Background(), lc, []byte(payload), w)
}

func reverse(ctx context.Context, lc *invocation.Context, in string) (string, error) {
	r := []rune(in)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r), nil
}

type greetingRequest struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

type greetingResponse struct {
	Greetings string `json:"greetings"`
}

func TestBufferedReverse(t *testing.T) {
	s, w, err := run(t, Buffered(reverse), `"hello"`)
	require.NoError(t, err)
	assert.Equal(t, stream.Finished, w.State())
	require.Len(t, s.buffered, 1)
	assert.Equal(t, `"olleh"`, string(s.buffered[0]))
	assert.Empty(t, s.chunks)
}

func TestBufferedGreeting(t *testing.T) {
	greet := func(ctx context.Context, lc *invocation.Context, in greetingRequest) (greetingResponse, error) {
		if in.Age > 30 {
			return greetingResponse{Greetings: fmt.Sprintf("Hello %s. You look younger than your age.", in.Name)}, nil
		}
		return greetingResponse{Greetings: fmt.Sprintf("Hello %s.", in.Name)}, nil
	}

	s, _, err := run(t, Buffered(greet), `{"name":"Seb","age":50}`)
	require.NoError(t, err)
	require.Len(t, s.buffered, 1)
	assert.JSONEq(t, `{"greetings":"Hello Seb. You look younger than your age."}`, string(s.buffered[0]))
}

func TestDecodeFailureSkipsHandler(t *testing.T) {
	calls := 0
	h := Buffered(func(ctx context.Context, lc *invocation.Context, in greetingRequest) (greetingResponse, error) {
		calls++
		return greetingResponse{}, nil
	})

	s, w, err := run(t, h, `{"name":`)
	require.Error(t, err)

	var de *codec.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Runtime.UnmarshalError", invocation.NewErrorResponse(err).Type)
	assert.Equal(t, 0, calls)
	assert.Equal(t, stream.NotStarted, w.State())
	assert.Empty(t, s.buffered)
}

func TestRoundTrip(t *testing.T) {
	type item struct {
		ID    string            `json:"id" cbor:"id"`
		Tags  []string          `json:"tags" cbor:"tags"`
		Attrs map[string]string `json:"attrs" cbor:"attrs"`
	}
	identity := func(ctx context.Context, lc *invocation.Context, in item) (item, error) {
		return in, nil
	}
	x := item{ID: "a-1", Tags: []string{"x", "y"}, Attrs: map[string]string{"k": "v"}}

	for name, c := range map[string]codec.Codec{"json": codec.JSON(), "cbor": codec.CBOR()} {
		t.Run(name, func(t *testing.T) {
			payload, err := c.Encode(x)
			require.NoError(t, err)

			s, _, err := run(t, Buffered(identity, WithCodec(c)), string(payload))
			require.NoError(t, err)
			require.Len(t, s.buffered, 1)

			var got item
			require.NoError(t, c.Decode(s.buffered[0], &got))
			assert.Equal(t, x, got)
		})
	}
}

type quotaExceeded struct{ limit int }

func (e *quotaExceeded) Error() string { return "quota " + strconv.Itoa(e.limit) + " exceeded" }

func TestHandlerErrorIsWrapped(t *testing.T) {
	h := Buffered(func(ctx context.Context, lc *invocation.Context, in string) (string, error) {
		return "", &quotaExceeded{limit: 10}
	})

	s, w, err := run(t, h, `"x"`)
	var he *HandlerError
	require.True(t, errors.As(err, &he))
	assert.False(t, he.Panic)

	resp := invocation.NewErrorResponse(err)
	assert.Equal(t, "quotaExceeded", resp.Type)
	assert.Equal(t, "quota 10 exceeded", resp.Message)
	assert.Equal(t, stream.NotStarted, w.State())
	assert.Empty(t, s.buffered)
}

func TestEncodeFailureIsDistinct(t *testing.T) {
	h := Buffered(func(ctx context.Context, lc *invocation.Context, in string) (chan int, error) {
		return make(chan int), nil
	})

	_, w, err := run(t, h, `"x"`)
	var ee *codec.EncodeError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "Runtime.MarshalError", invocation.NewErrorResponse(err).Type)
	assert.Equal(t, stream.NotStarted, w.State())
}

func TestStreamingCounter(t *testing.T) {
	h := Streaming(func(ctx context.Context, lc *invocation.Context, n int, w *stream.Writer) error {
		for i := 1; i <= n; i++ {
			if err := w.WriteChunk([]byte(strconv.Itoa(i))); err != nil {
				return err
			}
		}
		return w.Finish()
	})

	s, w, err := run(t, h, `3`)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, s.chunks)
	assert.True(t, s.closed)
	assert.Equal(t, stream.Finished, w.State())
}

func TestStreamingMisuseSurfaces(t *testing.T) {
	h := StreamingRaw(func(ctx context.Context, lc *invocation.Context, payload []byte, w *stream.Writer) error {
		if err := w.Finish(); err != nil {
			return err
		}
		return w.WriteChunk(payload)
	})

	s, _, err := run(t, h, `late`)
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrInvalidState)
	assert.Equal(t, "Runtime.StreamError", invocation.NewErrorResponse(err).Type)
	assert.Empty(t, s.chunks)
}

func TestStreamingRawGetsPayload(t *testing.T) {
	var got []byte
	h := StreamingRaw(func(ctx context.Context, lc *invocation.Context, payload []byte, w *stream.Writer) error {
		got = payload
		return w.WriteAndFinish(payload)
	})

	s, _, err := run(t, h, `not json at all`)
	require.NoError(t, err)
	assert.Equal(t, "not json at all", string(got))
	assert.Equal(t, [][]byte{[]byte("not json at all")}, s.buffered)
}

func TestVoid(t *testing.T) {
	var seen []string
	h := Void(func(ctx context.Context, lc *invocation.Context, in []string) error {
		seen = in
		return nil
	})

	s, w, err := run(t, h, `["a","b"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Equal(t, stream.Finished, w.State())
	require.Len(t, s.buffered, 1)
	assert.Empty(t, s.buffered[0])
}

func TestFinalize(t *testing.T) {
	assert.NoError(t, Buffered(reverse).Finalize(context.Background()))

	closed := false
	h := Void(func(ctx context.Context, lc *invocation.Context, in any) error { return nil },
		OnShutdown(func(ctx context.Context) error {
			closed = true
			return errors.New("close failed")
		}))
	assert.EqualError(t, h.Finalize(context.Background()), "close failed")
	assert.True(t, closed)
}

func TestPanicError(t *testing.T) {
	var he *HandlerError
	func() {
		defer func() {
			he = NewPanicError(recover())
		}()
		panic("boom")
	}()

	assert.True(t, he.Panic)
	assert.Equal(t, "boom", he.Error())
	assert.NotEmpty(t, he.StackTrace())

	resp := invocation.NewErrorResponse(he)
	assert.Equal(t, "Runtime.HandlerPanic", resp.Type)
	assert.NotEmpty(t, resp.StackTrace)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	factory := func(ctx context.Context) (Handler, error) { return Buffered(reverse), nil }

	require.NoError(t, r.Register("reverse", factory))
	assert.Error(t, r.Register("reverse", factory))
	assert.Error(t, r.Register("", factory))

	_, err := r.Lookup("")
	assert.NoError(t, err, "single registration is the default")

	r.MustRegister("echo", factory)
	assert.Equal(t, []string{"echo", "reverse"}, r.Names())

	for _, selector := range []string{"reverse", "bootstrap.reverse", "echo"} {
		_, err := r.Lookup(selector)
		assert.NoError(t, err, selector)
	}
	for _, selector := range []string{"", "missing", "bootstrap.missing"} {
		_, err := r.Lookup(selector)
		assert.ErrorIs(t, err, ErrUnknownHandler, selector)
	}
	assert.Panics(t, func() { r.MustRegister("echo", factory) })

	h, err := r.Resolve("bootstrap.echo")(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h)
	_, err = r.Resolve("missing")(context.Background())
	assert.ErrorIs(t, err, ErrUnknownHandler)
}

func TestRaceWorkWins(t *testing.T) {
	v, err := Race(context.Background(), time.Second, func(ctx context.Context) (string, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestRaceTimeoutCancelsWork(t *testing.T) {
	cancelled := make(chan struct{})
	_, err := Race(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		close(cancelled)
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, ErrRaceTimeout)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("losing work was not cancelled")
	}
}

func TestRaceParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Race(ctx, time.Minute, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, nil
	})
	// Either branch may win once both are ready, but never the timer.
	assert.NotErrorIs(t, err, ErrRaceTimeout)
}

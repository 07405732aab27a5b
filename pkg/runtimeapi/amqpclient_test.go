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

package runtimeapi

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lambda-custom-runtime/pkg/invocation"
	"lambda-custom-runtime/pkg/messaging"
	"lambda-custom-runtime/pkg/stream"
)

type fakeConsumer struct {
	queue chan messaging.Message
}

func (f *fakeConsumer) Name() string                   { return "custom-runtime" }
func (f *fakeConsumer) Capacity() int                  { return 1 }
func (f *fakeConsumer) SetCapacity(capacity int) error { return nil }
func (f *fakeConsumer) Consume() <-chan messaging.Message {
	return f.queue
}

type fakeProducer struct {
	sent []messaging.Message
	err  error
}

func (f *fakeProducer) Name() string { return "" }

func (f *fakeProducer) Send(ctx context.Context, msg messaging.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type acker struct {
	acked    int
	rejected int
}

func (a *acker) Ack(tag uint64, multiple bool) error                { a.acked++; return nil }
func (a *acker) Nack(tag uint64, multiple bool, requeue bool) error { return nil }
func (a *acker) Reject(tag uint64, requeue bool) error              { a.rejected++; return nil }

func newTestAMQPClient(t *testing.T) (*AMQPClient, chan messaging.Message, *fakeProducer) {
	queue := make(chan messaging.Message, 4)
	producer := &fakeProducer{}
	closed := false
	c := newAMQPClient(&fakeConsumer{queue: queue}, producer, "custom-runtime", 3*time.Second,
		func() { closed = true })
	t.Cleanup(func() {
		c.Close()
		assert.True(t, closed)
	})
	return c, queue, producer
}

func TestAMQPNextAndResponse(t *testing.T) {
	c, queue, producer := newTestAMQPClient(t)
	ack := &acker{}
	sent := time.Now().Add(-time.Second)
	queue <- messaging.Message{
		Acknowledger:  ack,
		CorrelationID: "req-1",
		ReplyTo:       "amq.gen-reply",
		Timestamp:     sent,
		Headers: map[string]any{
			"X-Amz-Client-Context": base64.StdEncoding.EncodeToString([]byte(`{"custom":{"k":"v"}}`)),
			"X-Amzn-Trace-Id":      "Root=1-abc",
		},
		Body: []byte(`"hello"`),
	}

	ev, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, `"hello"`, string(ev.Payload))
	assert.Equal(t, "Root=1-abc", ev.TraceID)
	assert.Equal(t, `{"custom":{"k":"v"}}`, ev.ClientContext)
	assert.Equal(t, "custom-runtime", ev.InvokedFunctionArn)
	assert.Equal(t, sent.Add(3*time.Second), ev.Deadline)

	require.NoError(t, c.PostResponse(context.Background(), ev.RequestID, []byte(`"olleh"`)))
	require.Len(t, producer.sent, 1)
	assert.Equal(t, "amq.gen-reply", producer.sent[0].Subject)
	assert.Equal(t, "req-1", producer.sent[0].CorrelationID)
	assert.Equal(t, `"olleh"`, string(producer.sent[0].Body))
	assert.Equal(t, 1, ack.acked)

	// The request id is consumed by the first reply.
	err = c.PostResponse(context.Background(), ev.RequestID, []byte(`"again"`))
	assert.ErrorIs(t, err, ErrRequestIDMismatch)
}

func TestAMQPGeneratedRequestIDAndExpiration(t *testing.T) {
	c, queue, _ := newTestAMQPClient(t)
	sent := time.Now()
	queue <- messaging.Message{Acknowledger: &acker{}, Timestamp: sent, Expiration: "1500"}

	ev, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, ev.RequestID)
	assert.Equal(t, sent.Add(1500*time.Millisecond), ev.Deadline)
}

func TestAMQPPostError(t *testing.T) {
	c, queue, producer := newTestAMQPClient(t)
	queue <- messaging.Message{Acknowledger: &acker{}, CorrelationID: "req-2", ReplyTo: "reply"}

	ev, err := c.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.PostError(context.Background(), ev.RequestID,
		&invocation.ErrorResponse{Message: "boom", Type: "Runtime.HandlerPanic"}))

	require.Len(t, producer.sent, 1)
	assert.JSONEq(t, `{"errorMessage":"boom","errorType":"Runtime.HandlerPanic"}`, string(producer.sent[0].Body))
	assert.Equal(t, "Runtime.HandlerPanic", producer.sent[0].Headers["Lambda-Runtime-Function-Error-Type"])
}

func TestAMQPAsyncInvocationOnlyAcknowledged(t *testing.T) {
	c, queue, producer := newTestAMQPClient(t)
	ack := &acker{}
	queue <- messaging.Message{Acknowledger: ack, CorrelationID: "req-3"}

	ev, err := c.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.PostResponse(context.Background(), ev.RequestID, nil))
	assert.Empty(t, producer.sent)
	assert.Equal(t, 1, ack.acked)
}

func TestAMQPSendFailureRequeues(t *testing.T) {
	c, queue, producer := newTestAMQPClient(t)
	producer.err = errors.New("channel closed")
	ack := &acker{}
	queue <- messaging.Message{Acknowledger: ack, CorrelationID: "req-4", ReplyTo: "reply"}

	ev, err := c.Next(context.Background())
	require.NoError(t, err)
	err = c.PostResponse(context.Background(), ev.RequestID, []byte("x"))

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.False(t, te.Fatal())
	assert.Equal(t, 1, ack.rejected)
	assert.Equal(t, 0, ack.acked)
}

func TestAMQPBufferedStream(t *testing.T) {
	c, queue, producer := newTestAMQPClient(t)
	queue <- messaging.Message{Acknowledger: &acker{}, CorrelationID: "req-5", ReplyTo: "reply"}
	queue <- messaging.Message{Acknowledger: &acker{}, CorrelationID: "req-6", ReplyTo: "reply"}

	ev, err := c.Next(context.Background())
	require.NoError(t, err)
	s, err := c.OpenResponseStream(context.Background(), ev.RequestID, &stream.Prelude{StatusCode: 200})
	require.NoError(t, err)
	for _, chunk := range []string{"1", "2", "3"} {
		require.NoError(t, s.Write([]byte(chunk)))
	}
	assert.Empty(t, producer.sent, "nothing is published before close")
	require.NoError(t, s.Close(nil))

	require.Len(t, producer.sent, 1)
	assert.Equal(t, "application/vnd.awslambda.http-integration-response", producer.sent[0].ContentType)
	assert.Equal(t, `{"statusCode":200}`+"\x00\x00\x00\x00\x00\x00\x00\x00"+"123", string(producer.sent[0].Body))

	// A trailing error replaces the buffered body with an error reply.
	ev, err = c.Next(context.Background())
	require.NoError(t, err)
	s, err = c.OpenResponseStream(context.Background(), ev.RequestID, nil)
	require.NoError(t, err)
	s.Write([]byte("partial"))
	require.NoError(t, s.Close(&invocation.ErrorResponse{Message: "late", Type: "LateError"}))
	require.Len(t, producer.sent, 2)
	assert.Equal(t, "LateError", producer.sent[1].Headers["Lambda-Runtime-Function-Error-Type"])
}

func TestAMQPNextConsumerClosed(t *testing.T) {
	c, queue, _ := newTestAMQPClient(t)
	close(queue)

	_, err := c.Next(context.Background())
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, errConsumerClosed)
}

func TestAMQPNextCancelled(t *testing.T) {
	c, _, _ := newTestAMQPClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAMQPInitErrorIsLogged(t *testing.T) {
	c, _, producer := newTestAMQPClient(t)
	assert.NoError(t, c.PostInitError(context.Background(), &invocation.ErrorResponse{Message: "x", Type: "Runtime.InitError"}))
	assert.Empty(t, producer.sent)
}

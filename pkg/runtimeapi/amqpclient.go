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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/docker/distribution/uuid"

	"lambda-custom-runtime/pkg/invocation"
	"lambda-custom-runtime/pkg/messaging"
	"lambda-custom-runtime/pkg/stream"
)

// AMQP application headers carrying invocation metadata, as set by AMQP-RPC
// invokers such as the Lambda Server.
const (
	amqpClientContext = "X-Amz-Client-Context" // base64 JSON
	amqpTraceID       = "X-Amzn-Trace-Id"
	amqpCognito       = "X-Amz-Cognito-Identity"
	amqpFunctionArn   = "X-Amz-Invoked-Function-Arn"
)

var errConsumerClosed = errors.New("invocation consumer closed")

// AMQPClient receives invocations from a queue named after the function and
// publishes each outcome to the request's ReplyTo queue using the default
// direct exchange, with the request id as CorrelationID.
type AMQPClient struct {
	close    func()
	requests <-chan messaging.Message
	closed   <-chan error
	reply    messaging.Producer
	function string
	timeout  time.Duration
	pending  map[string]messaging.Message
	m        sync.Mutex
}

// NewAMQPClient connects to the broker at uri and starts consuming the
// request queue for function. timeout is the function timeout used to derive
// each invocation's deadline from its message timestamp.
func NewAMQPClient(ctx context.Context, uri, function string, timeout time.Duration) (*AMQPClient, error) {
	// Separate connections for consuming requests and publishing replies so
	// TCP pushback on publishing cannot stall consumption.
	cConnection, err := messaging.NewConnection(uri,
		messaging.Context(ctx),
		messaging.ConnectionName("Runtime Consumer Connection"),
	)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	pConnection, err := messaging.NewConnection(uri,
		messaging.Context(ctx),
		messaging.ConnectionName("Runtime Producer Connection"),
	)
	if err != nil {
		cConnection.Close()
		return nil, &TransportError{Op: "connect", Err: err}
	}

	closeAll := func() {
		pConnection.Close()
		cConnection.Close()
	}

	cSession, err := cConnection.Session(messaging.SessionName("Runtime Consumer Session"))
	if err != nil {
		closeAll()
		return nil, &TransportError{Op: "connect", Err: err}
	}
	pSession, err := pConnection.Session(messaging.SessionName("Runtime Producer Session"))
	if err != nil {
		closeAll()
		return nil, &TransportError{Op: "connect", Err: err}
	}

	consumer, err := cSession.Consumer(function + `; {"node": {"auto-delete": true}}`)
	if err != nil {
		closeAll()
		return nil, &TransportError{Op: "connect", Err: err}
	}
	// The "" address means the default direct exchange, the Message Subject
	// (the request's ReplyTo) is used as the routing key.
	reply, err := pSession.Producer("")
	if err != nil {
		closeAll()
		return nil, &TransportError{Op: "connect", Err: err}
	}

	c := newAMQPClient(consumer, reply, function, timeout, func() {
		pSession.Close()
		cSession.Close()
		closeAll()
	})
	c.closed = cConnection.CloseNotify()
	return c, nil
}

func newAMQPClient(consumer messaging.Consumer, reply messaging.Producer, function string, timeout time.Duration, closeFn func()) *AMQPClient {
	return &AMQPClient{
		close:    closeFn,
		requests: consumer.Consume(),
		reply:    reply,
		function: function,
		timeout:  timeout,
		pending:  make(map[string]messaging.Message),
	}
}

func (c *AMQPClient) Next(ctx context.Context) (*invocation.Event, error) {
	select {
	case msg, ok := <-c.requests:
		if !ok {
			return nil, &TransportError{Op: "next", Err: errConsumerClosed}
		}
		return c.event(msg), nil
	case err, ok := <-c.closed:
		if !ok || err == nil {
			err = errConsumerClosed
		}
		return nil, &TransportError{Op: "next", Err: err}
	case <-ctx.Done():
		return nil, &TransportError{Op: "next", Err: ctx.Err()}
	}
}

func (c *AMQPClient) event(msg messaging.Message) *invocation.Event {
	id := msg.CorrelationID
	if id == "" {
		id = uuid.Generate().String()
	}

	start := msg.Timestamp // May be zero or may be set by the invoker
	if start.IsZero() {
		start = time.Now()
	}
	deadline := start.Add(c.timeout)
	if msg.Expiration != "" {
		if ms, err := strconv.ParseInt(msg.Expiration, 10, 64); err == nil {
			deadline = start.Add(time.Duration(ms) * time.Millisecond)
		}
	}

	// The client context travels base64 encoded, the runtime expects JSON.
	clientContext := msg.Header(amqpClientContext)
	if decoded, err := base64.StdEncoding.DecodeString(clientContext); err == nil {
		clientContext = string(decoded)
	}

	arn := msg.Header(amqpFunctionArn)
	if arn == "" {
		arn = c.function
	}

	c.m.Lock()
	c.pending[id] = msg
	c.m.Unlock()

	return &invocation.Event{
		RequestID:          id,
		Deadline:           deadline,
		InvokedFunctionArn: arn,
		TraceID:            msg.Header(amqpTraceID),
		ClientContext:      clientContext,
		CognitoIdentity:    msg.Header(amqpCognito),
		Payload:            msg.Body,
	}
}

func (c *AMQPClient) PostResponse(ctx context.Context, requestID string, body []byte) error {
	return c.send(ctx, "response", requestID, messaging.Message{
		ContentType: contentTypeOctetStream,
		Body:        body,
	})
}

func (c *AMQPClient) PostError(ctx context.Context, requestID string, resp *invocation.ErrorResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return &TransportError{Op: "error", Err: err}
	}
	return c.send(ctx, "error", requestID, messaging.Message{
		ContentType: contentTypeJSON,
		Headers:     map[string]any{headerErrorType: resp.Type},
		Body:        body,
	})
}

// PostInitError has no reply destination over AMQP, so it is only logged.
func (c *AMQPClient) PostInitError(ctx context.Context, resp *invocation.ErrorResponse) error {
	slog.Error("Runtime initialisation failed",
		slog.String("errorType", resp.Type),
		slog.String("errorMessage", resp.Message))
	return nil
}

// OpenResponseStream buffers the streamed response, AMQP messages cannot be
// streamed, and publishes it as one reply when the stream is closed.
func (c *AMQPClient) OpenResponseStream(ctx context.Context, requestID string, prelude *stream.Prelude) (stream.Stream, error) {
	s := &bufferedStream{ctx: ctx, client: c, requestID: requestID, contentType: contentTypeOctetStream}
	if prelude != nil {
		data, err := json.Marshal(prelude)
		if err != nil {
			return nil, &TransportError{Op: "stream", Err: err}
		}
		s.buf.Write(data)
		s.buf.Write(preludeDelimiter)
		s.contentType = contentTypeHTTPIntegration
	}
	return s, nil
}

// send publishes msg as the reply to requestID and acknowledges the request.
// A request without ReplyTo was an asynchronous invocation and is only
// acknowledged.
func (c *AMQPClient) send(ctx context.Context, op, requestID string, msg messaging.Message) error {
	c.m.Lock()
	request, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.m.Unlock()
	if !ok {
		return &TransportError{Op: op, Err: ErrRequestIDMismatch}
	}

	if request.ReplyTo != "" {
		msg.Subject = request.ReplyTo
		msg.CorrelationID = request.CorrelationID
		if msg.CorrelationID == "" {
			msg.CorrelationID = requestID
		}
		if err := c.reply.Send(ctx, msg); err != nil {
			// Requeue so another runtime instance may serve the request.
			request.Reject(true)
			return &TransportError{Op: op, Err: err}
		}
	}
	if err := request.Acknowledge(messaging.Multiple(false)); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

func (c *AMQPClient) Close() {
	c.close()
}

type bufferedStream struct {
	ctx         context.Context
	client      *AMQPClient
	requestID   string
	contentType string
	buf         bytes.Buffer
}

func (s *bufferedStream) Write(p []byte) error {
	s.buf.Write(p)
	return nil
}

func (s *bufferedStream) Close(trailer *invocation.ErrorResponse) error {
	if trailer != nil {
		return s.client.PostError(s.ctx, s.requestID, trailer)
	}
	return s.client.send(s.ctx, "response", s.requestID, messaging.Message{
		ContentType: s.contentType,
		Body:        s.buf.Bytes(),
	})
}

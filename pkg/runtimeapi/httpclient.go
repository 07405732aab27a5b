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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"lambda-custom-runtime/pkg/invocation"
	"lambda-custom-runtime/pkg/stream"
)

const (
	apiVersion = "2018-06-01"
	userAgent  = "lambda-custom-runtime/1.0"

	defaultInitialInterval = 100 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
)

// HTTPClient talks to the Runtime API at AWS_LAMBDA_RUNTIME_API.
type HTTPClient struct {
	close      func()
	baseURL    string
	client     *http.Client
	retries    int
	newBackOff func() backoff.BackOff
}

type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the http.Client used for all requests.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithNextRetries sets the number of extra attempts made when Next fails
// with a retriable TransportError.
func WithNextRetries(retries int) HTTPOption {
	return func(c *HTTPClient) {
		c.retries = retries
	}
}

// WithBackOff sets the factory for the delay policy between Next attempts.
func WithBackOff(newBackOff func() backoff.BackOff) HTTPOption {
	return func(c *HTTPClient) {
		c.newBackOff = newBackOff
	}
}

// NewHTTPClient returns a client for the Runtime API at runtimeAPI, given as
// host:port.
func NewHTTPClient(runtimeAPI string, opts ...HTTPOption) *HTTPClient {
	// No client Timeout as next is a long poll that may block indefinitely.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4

	c := &HTTPClient{
		baseURL: "http://" + runtimeAPI + "/" + apiVersion,
		client:  &http.Client{Transport: transport},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = defaultInitialInterval
			b.MaxInterval = defaultMaxInterval
			b.MaxElapsedTime = 0 // Bounded by retry count instead.
			return b
		},
	}
	for _, applyOptionTo := range opts {
		applyOptionTo(c)
	}

	// Concrete close implementation releases idle keep-alive connections.
	c.close = func() {
		c.client.CloseIdleConnections()
	}
	return c
}

// Next fetches the next invocation, retrying transient failures with
// exponential backoff up to the configured number of extra attempts.
func (c *HTTPClient) Next(ctx context.Context) (*invocation.Event, error) {
	var ev *invocation.Event
	operation := func() error {
		var err error
		ev, err = c.next(ctx)
		if te, ok := err.(*TransportError); ok && !te.Retriable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		slog.Warn("Retrying next invocation",
			slog.Any("error", err), slog.Duration("delay", delay))
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), uint64(c.retries)), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return ev, nil
}

// https://docs.aws.amazon.com/lambda/latest/dg/runtimes-api.html#runtimes-api-next
func (c *HTTPClient) next(ctx context.Context) (*invocation.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/runtime/invocation/next", nil)
	if err != nil {
		return nil, &TransportError{Op: "next", Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "next", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "next", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "next", StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected response: %s", bytes.TrimSpace(body))}
	}

	ev := &invocation.Event{
		RequestID:          resp.Header.Get(headerRequestID),
		InvokedFunctionArn: resp.Header.Get(headerInvokedFunctionArn),
		TraceID:            resp.Header.Get(headerTraceID),
		ClientContext:      resp.Header.Get(headerClientContext),
		CognitoIdentity:    resp.Header.Get(headerCognitoIdentity),
		Payload:            body,
	}
	if ev.RequestID == "" {
		return nil, &TransportError{Op: "next", Err: ErrMissingRequestID}
	}
	if ms := resp.Header.Get(headerDeadlineMs); ms != "" {
		if value, err := strconv.ParseInt(ms, 10, 64); err == nil {
			ev.Deadline = time.UnixMilli(value)
		} else {
			slog.Warn("Ignoring malformed deadline",
				slog.String("requestId", ev.RequestID), slog.String(headerDeadlineMs, ms))
		}
	}
	return ev, nil
}

// https://docs.aws.amazon.com/lambda/latest/dg/runtimes-api.html#runtimes-api-response
func (c *HTTPClient) PostResponse(ctx context.Context, requestID string, body []byte) error {
	return c.post(ctx, "response", "/runtime/invocation/"+requestID+"/response",
		bytes.NewReader(body), http.Header{"Content-Type": {contentTypeOctetStream}})
}

// https://docs.aws.amazon.com/lambda/latest/dg/runtimes-api.html#runtimes-api-invokeerror
func (c *HTTPClient) PostError(ctx context.Context, requestID string, resp *invocation.ErrorResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return &TransportError{Op: "error", Err: err}
	}
	return c.post(ctx, "error", "/runtime/invocation/"+requestID+"/error",
		bytes.NewReader(body), http.Header{
			"Content-Type":  {contentTypeJSON},
			headerErrorType: {resp.Type},
		})
}

// https://docs.aws.amazon.com/lambda/latest/dg/runtimes-api.html#runtimes-api-initerror
func (c *HTTPClient) PostInitError(ctx context.Context, resp *invocation.ErrorResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return &TransportError{Op: "init error", Err: err}
	}
	return c.post(ctx, "init error", "/runtime/init/error",
		bytes.NewReader(body), http.Header{
			"Content-Type":  {contentTypeJSON},
			headerErrorType: {resp.Type},
		})
}

func (c *HTTPClient) post(ctx context.Context, op, path string, body io.Reader, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	return checkPostResponse(op, resp)
}

// The Runtime API answers a successful post with 202 Accepted. An unknown
// request id is answered with 400 and errorType InvalidRequestID.
func checkPostResponse(op string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var apiErr invocation.ErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Type == "InvalidRequestID" {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: ErrRequestIDMismatch}
	}
	return &TransportError{Op: op, StatusCode: resp.StatusCode,
		Err: fmt.Errorf("unexpected response: %s", bytes.TrimSpace(body))}
}

// OpenResponseStream starts a chunked POST to the response endpoint in
// streaming response mode. The request body is fed through a pipe as the
// handler writes, and failures after the first byte are reported in the
// Lambda-Runtime-Function-Error-Type/Body trailers.
func (c *HTTPClient) OpenResponseStream(ctx context.Context, requestID string, prelude *stream.Prelude) (stream.Stream, error) {
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/runtime/invocation/"+requestID+"/response", pr)
	if err != nil {
		return nil, &TransportError{Op: "stream", Err: err}
	}
	req.ContentLength = -1 // Chunked transfer encoding
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(headerResponseMode, "streaming")
	if prelude != nil {
		req.Header.Set("Content-Type", contentTypeHTTPIntegration)
	} else {
		req.Header.Set("Content-Type", contentTypeOctetStream)
	}
	// Trailer keys must be declared before the request is sent, values are
	// filled in by Close before the body reaches EOF.
	req.Trailer = http.Header{headerErrorType: nil, headerErrorBody: nil}

	s := &httpStream{pw: pw, req: req, done: make(chan error, 1)}
	// A cancelled ctx unblocks a writer waiting on the pipe.
	s.stop = context.AfterFunc(ctx, func() {
		pw.CloseWithError(ctx.Err())
	})
	go func() {
		resp, err := c.client.Do(req)
		if err != nil {
			pr.CloseWithError(err)
			s.done <- &TransportError{Op: "stream", Err: err}
			return
		}
		defer resp.Body.Close()
		err = checkPostResponse("stream", resp)
		// Unblocks a writer if the control plane answered before EOF.
		pr.CloseWithError(io.ErrClosedPipe)
		s.done <- err
	}()

	if prelude != nil {
		data, err := json.Marshal(prelude)
		if err != nil {
			pw.CloseWithError(err)
			<-s.done
			s.stop()
			return nil, &TransportError{Op: "stream", Err: err}
		}
		if err := s.Write(append(data, preludeDelimiter...)); err != nil {
			pw.CloseWithError(err)
			<-s.done
			s.stop()
			return nil, err
		}
	}
	return s, nil
}

type httpStream struct {
	pw   *io.PipeWriter
	req  *http.Request
	done chan error
	stop func() bool
}

func (s *httpStream) Write(p []byte) error {
	if _, err := s.pw.Write(p); err != nil {
		return &TransportError{Op: "stream", Err: err}
	}
	return nil
}

func (s *httpStream) Close(trailer *invocation.ErrorResponse) error {
	if trailer != nil {
		body, err := json.Marshal(trailer)
		if err == nil {
			s.req.Trailer.Set(headerErrorType, trailer.Type)
			s.req.Trailer.Set(headerErrorBody, base64.StdEncoding.EncodeToString(body))
		}
	}
	s.pw.Close()
	err := <-s.done
	s.stop()
	return err
}

func (c *HTTPClient) Close() {
	c.close()
}

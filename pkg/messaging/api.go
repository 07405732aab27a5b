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

// Provides a JMS-like Connection/Session/Producer/Consumer/Message abstraction
// for AMQP 0.9.1 connections (to RabbitMQ, though may work with other brokers).
// It is a thin wrapper around github.com/rabbitmq/amqp091-go used by the AMQP
// control plane binding: one Consumer receives invocation requests and one
// Producer publishes replies to each request's ReplyTo queue.
//
// NewConnection will retry the initial connection up to connection_attempts
// times, separated by retry_delay seconds, both taken from the URI query.

package messaging

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultHeartbeat          = 10 * time.Second
	defaultConnectionAttempts = 1
	defaultRetryDelay         = 2.0 * time.Second
	defaultCapacity           = 1 // One invocation in flight per process
	defaultLocale             = "en_US"
)

// ErrUnsupported is returned when the NewConnection URL specifies a protocol
// that is currently not supported. Currently only AMQP 0.9.1 is supported
type ErrUnsupported string

func (e ErrUnsupported) Error() string {
	return "unsupported messaging protocol: " + string(e)
}

var (
	errDeliveryNotInitialized = errors.New("delivery not initialized")
	errConnectionCancelled    = errors.New("connection attempt cancelled")
)

//------------------------------------------------------------------------------

// Holds optional fields used by the NewConnection factory, for example:
// connection, err := messaging.NewConnection("amqp://localhost:5672",
// messaging.Context(ctx), messaging.ConnectionName("Runtime Connection"))
type connectionOpts struct {
	ctx  context.Context
	name string
}

// Apply the supplied Context to the Connection to enable cancellation.
func Context(ctx context.Context) func(*connectionOpts) {
	return func(c *connectionOpts) {
		c.ctx = ctx
	}
}

// Apply a name to the Connection that may make log messages more meaningful,
// the default name is "Connection".
func ConnectionName(name string) func(*connectionOpts) {
	return func(c *connectionOpts) {
		c.name = name
	}
}

type sessionOpts struct {
	name    string
	autoAck bool
}

// Apply a name to the Session, the default name is "Session".
func SessionName(name string) func(*sessionOpts) {
	return func(s *sessionOpts) {
		s.name = name
	}
}

func AutoAck(s *sessionOpts) {
	s.autoAck = true
}

//------------------------------------------------------------------------------

type Connection interface {
	// Creates a Session, a context for producing and consuming messages.
	Session(opts ...func(*sessionOpts)) (Session, error)
	Close()
	IsClosed() bool

	// CloseNotify registers a listener for the error that closed an
	// established connection. Each call creates and registers a new chan,
	// so do not call it in a loop.
	CloseNotify() <-chan error
}

type Session interface {
	// Creates a Message Producer sending to the named exchange, "" being
	// the default direct exchange where the Message Subject is the queue.
	Producer(address string) (Producer, error)

	// Creates a Message Consumer for the queue described by address.
	// The address format is <name> [ ; <options> ] as described on
	// parseAddress.
	Consumer(address string) (Consumer, error)

	Close()
}

type Producer interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

type Consumer interface {
	// Returns the name of the queue being consumed from.
	Name() string

	// Get the Consumer Capacity, AKA prefetch size or QoS
	Capacity() int

	// Set the Consumer Capacity, AKA prefetch size or QoS
	SetCapacity(capacity int) error

	// Consume returns a go channel that Messages will be dispatched to. The
	// channel is closed when the underlying AMQP channel closes.
	Consume() <-chan Message
}

//------------------------------------------------------------------------------

// Creates an open connection.
// The supported URI scheme is based on the Pika Python RabbitMQ scheme:
// https://pika.readthedocs.io/en/stable/examples/using_urlparameters.html
// and currently supports heartbeat, connection_attempts and retry_delay
// URI query string values, for example:
// amqp://localhost:5672?connection_attempts=20&retry_delay=10&heartbeat=0
func NewConnection(uri string, opts ...func(*connectionOpts)) (Connection, error) {
	u, err := url.Parse(uri)
	if err != nil {
		slog.Error("url.Parse() failed", slog.Any("error", err))
		return nil, err
	}

	c := connectionOpts{ctx: context.Background(), name: "Connection"}
	for _, applyOptionTo := range opts {
		applyOptionTo(&c)
	}

	// Wait until after url.Parse() as we want to log the *redacted* URI.
	slog.Info("Creating "+c.name, slog.String("url", u.Redacted()))

	if !strings.Contains(u.Scheme, "amqp") {
		return nil, ErrUnsupported(u.Scheme)
	}

	params := u.Query()
	connection := &connectionAMQP091{
		ctx:                c.ctx,
		name:               c.name,
		uri:                stripQuery(u),
		heartbeat:          durationParam(params, "heartbeat", defaultHeartbeat),
		connectionAttempts: defaultConnectionAttempts,
		retryDelay:         durationParam(params, "retry_delay", defaultRetryDelay),
	}
	if ca := params.Get("connection_attempts"); ca != "" {
		if value, err := strconv.ParseFloat(ca, 64); err == nil && value >= 1 {
			connection.connectionAttempts = int(value)
		}
	}

	return connection, connection.connect()
}

// The Pika style parameters are not understood by amqp091-go.
func stripQuery(u *url.URL) string {
	stripped := *u
	stripped.RawQuery = ""
	return stripped.String()
}

func durationParam(params url.Values, key string, fallback time.Duration) time.Duration {
	if v := params.Get(key); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return fallback
}

// Message is a common type for both published and received messages, which
// amqp091-go models separately as amqp.Publishing and amqp.Delivery.
type Message struct {
	Acknowledger amqp.Acknowledger // the channel from which this delivery arrived

	Headers amqp.Table // Application or header exchange table

	// Properties
	ContentType     string    // MIME content type
	ContentEncoding string    // MIME content encoding
	CorrelationID   string    // application use - correlation identifier
	ReplyTo         string    // application use - address to reply to (ex: RPC)
	Expiration      string    // String value in milliseconds e.g. "1000"
	MessageID       string    // application use - message identifier
	Timestamp       time.Time // application use - message timestamp
	Type            string    // application use - message type name

	// AMQP 0.9.1 has no Message subject. Producers use it as the routing key.
	Subject string

	Body []byte

	DeliveryTag uint64

	Redelivered bool // Set if Message has been redelivered by broker
}

// Header returns the string value of an application header, or "".
func (msg *Message) Header(key string) string {
	if v, ok := msg.Headers[key]; ok {
		// AMQP headers are interface types, so type assert to string.
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

type Multiple bool

// If a client attempts to call Acknowledge when AutoAck is set it will fail
// with "PRECONDITION_FAILED - unknown delivery tag 1". It is more "friendly"
// to instead simply ignore any explicit Acknowledge, so we set this dummy
// Acknowledger instead of the regular one when AutoAck is set.
type autoAcknowledger struct{}

func (a autoAcknowledger) Ack(tag uint64, multiple bool) error {
	return nil
}

func (a autoAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	return nil
}

func (a autoAcknowledger) Reject(tag uint64, requeue bool) error {
	return nil
}

// Acknowledge acknowledges the Message. By default this acknowledges this
// message and all prior unacknowledged messages on the same Session. This
// may be changed by explicitly setting Multiple(false) e.g.
// message.Acknowledge(messaging.Multiple(false))
func (msg *Message) Acknowledge(opts ...Multiple) error {
	if msg.Acknowledger == nil {
		return errDeliveryNotInitialized
	}

	multiple := true
	if len(opts) == 1 && !opts[0] {
		multiple = false
	}

	return msg.Acknowledger.Ack(msg.DeliveryTag, multiple)
}

// Reject returns the Message to the broker, requeued if requested.
func (msg *Message) Reject(requeue bool) error {
	if msg.Acknowledger == nil {
		return errDeliveryNotInitialized
	}
	return msg.Acknowledger.Reject(msg.DeliveryTag, requeue)
}

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

package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

//------------------------------------------------------------------------------

// Implements Connection interface
type connectionAMQP091 struct {
	ctx                context.Context
	connection         *amqp.Connection
	name               string // Primarily used for logging
	uri                string // Connection URL to AMQP broker
	closeListeners     []chan error
	connectionAttempts int
	heartbeat          time.Duration
	retryDelay         time.Duration
	m                  sync.Mutex
}

func (conn *connectionAMQP091) connect() error {
	conn.m.Lock()
	defer conn.m.Unlock()

	var err error
	for i := 0; i < conn.connectionAttempts; i++ {
		if i == 0 {
			slog.Info("Opening " + conn.name)
		} else {
			slog.Info("Opening "+conn.name, slog.Int("retry", i))
		}

		// https://pkg.go.dev/github.com/rabbitmq/amqp091-go#DialConfig
		conn.connection, err = amqp.DialConfig(conn.uri, amqp.Config{
			Heartbeat: conn.heartbeat,
			Locale:    defaultLocale,
		})
		if err == nil {
			break
		}

		// Cancellable Sleep, equivalent to time.Sleep(conn.retryDelay)
		select {
		case <-time.After(conn.retryDelay):
		case <-conn.ctx.Done():
			return errConnectionCancelled
		}
	}
	if err != nil {
		slog.Info(conn.name+" failed", slog.Any("error", err))
		return err
	}

	slog.Info(conn.name + " established")
	closed := conn.connection.NotifyClose(make(chan *amqp.Error, 1))
	go conn.closeListener(closed)
	return nil
}

// Forwards an unexpected close to CloseNotify listeners. A clean Close()
// closes the amqp chan without an error and listeners are simply closed.
func (conn *connectionAMQP091) closeListener(closed <-chan *amqp.Error) {
	amqpErr, ok := <-closed
	conn.m.Lock()
	defer conn.m.Unlock()
	for _, c := range conn.closeListeners {
		if ok && amqpErr != nil {
			c <- amqpErr
		}
		close(c)
	}
	conn.closeListeners = nil
}

func (conn *connectionAMQP091) Session(opts ...func(*sessionOpts)) (Session, error) {
	s := sessionOpts{name: "Session"}
	for _, applyOptionTo := range opts {
		applyOptionTo(&s)
	}

	slog.Info("Opening " + s.name)
	// https://pkg.go.dev/github.com/rabbitmq/amqp091-go#Connection.Channel
	channel, err := conn.connection.Channel()
	if err != nil {
		return nil, err
	}
	return &sessionAMQP091{connection: conn, channel: channel, sessionOpts: s}, nil
}

// Close requests and waits for the response to close the AMQP connection.
func (conn *connectionAMQP091) Close() {
	if conn.connection != nil && !conn.connection.IsClosed() {
		conn.connection.Close()
		slog.Info(conn.name + " closed")
	}
}

func (conn *connectionAMQP091) IsClosed() bool {
	return conn.connection == nil || conn.connection.IsClosed()
}

func (conn *connectionAMQP091) CloseNotify() <-chan error {
	conn.m.Lock()
	defer conn.m.Unlock()

	// Use buffer to ensure close event is sent even if receiver is blocked.
	ch := make(chan error, 1)
	conn.closeListeners = append(conn.closeListeners, ch)
	return ch
}

//------------------------------------------------------------------------------

// Implements Session interface
type sessionAMQP091 struct {
	connection  *connectionAMQP091
	channel     *amqp.Channel
	sessionOpts // Embed the session options
}

func (sess *sessionAMQP091) Producer(address string) (Producer, error) {
	slog.Info("Creating Producer", slog.String("address", address))
	return &producerAMQP091{session: sess, name: address}, nil
}

func (sess *sessionAMQP091) Consumer(address string) (Consumer, error) {
	cons := &consumerAMQP091{session: sess, capacity: defaultCapacity}
	if err := cons.open(address); err != nil {
		return nil, err
	}
	return cons, nil
}

func (sess *sessionAMQP091) Close() {
	if !sess.channel.IsClosed() {
		sess.channel.Close()
		slog.Info(sess.name + " closed")
	}
}

//------------------------------------------------------------------------------

// Describes fields from the "x-declare" map used to configure QueueDeclare.
// The fields are exported so json.Unmarshal can populate them.
type declare struct {
	Arguments  amqp.Table `json:"arguments,omitempty"`
	Durable    bool       `json:"durable,omitempty"`
	Exclusive  bool       `json:"exclusive,omitempty"`
	AutoDelete bool       `json:"auto-delete,omitempty"`
}

type node struct {
	Declare    declare `json:"x-declare,omitempty"`
	Durable    bool    `json:"durable,omitempty"`
	AutoDelete bool    `json:"auto-delete,omitempty"`
}

type options struct {
	Node node `json:"node,omitempty"`
}

// Parses an address string with the format <name> [ ; <options> ] where
// options is a JSON object, for example:
//
//	my-function; {"node": {"auto-delete": true}}
//	my-function; {"node": {"x-declare": {"durable": true, "exclusive": true}}}
//
// The node shorthands durable and auto-delete are merged into x-declare.
func parseAddress(address string) (string, *declare, error) {
	name, opts, _ := strings.Cut(address, ";")
	name = strings.TrimSpace(name)
	opts = strings.TrimSpace(opts)

	o := options{}
	if opts != "" {
		if err := json.Unmarshal([]byte(opts), &o); err != nil {
			return "", nil, err
		}
	}
	d := o.Node.Declare
	d.Durable = d.Durable || o.Node.Durable
	d.AutoDelete = d.AutoDelete || o.Node.AutoDelete
	return name, &d, nil
}

//------------------------------------------------------------------------------

type producerAMQP091 struct {
	session *sessionAMQP091
	name    string
}

// Returns the name of the exchange the Producer publishes to.
func (prod *producerAMQP091) Name() string {
	return prod.name
}

func (prod *producerAMQP091) Send(ctx context.Context, msg Message) error {
	// https://pkg.go.dev/github.com/rabbitmq/amqp091-go#Channel.PublishWithContext
	return prod.session.channel.PublishWithContext(
		ctx,
		prod.name,   // exchange
		msg.Subject, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			Headers:         msg.Headers,
			ContentType:     msg.ContentType,
			ContentEncoding: msg.ContentEncoding,
			CorrelationId:   msg.CorrelationID,
			ReplyTo:         msg.ReplyTo,
			Expiration:      msg.Expiration,
			MessageId:       msg.MessageID,
			Timestamp:       msg.Timestamp,
			Type:            msg.Type,
			Body:            msg.Body,
		},
	)
}

//------------------------------------------------------------------------------

type consumerAMQP091 struct {
	session  *sessionAMQP091
	name     string
	capacity int
	queue    chan Message
	m        sync.Mutex
}

func (cons *consumerAMQP091) open(address string) error {
	slog.Info("Creating Consumer", slog.String("address", address))

	name, declare, err := parseAddress(address)
	if err != nil {
		return err
	}
	if name == "" {
		// A broker assigned queue name is always AutoDelete.
		declare.AutoDelete = true
	}

	if err := cons.SetCapacity(cons.capacity); err != nil {
		return err
	}

	// https://pkg.go.dev/github.com/rabbitmq/amqp091-go#Channel.QueueDeclare
	result, err := cons.session.channel.QueueDeclare(
		name,               // name
		declare.Durable,    // durable
		declare.AutoDelete, // autoDelete
		declare.Exclusive,  // exclusive
		false,              // noWait
		declare.Arguments,  // arguments
	)
	if err != nil {
		return err
	}

	// Deals with server created names when "" is passed to QueueDeclare
	cons.name = result.Name
	return nil
}

func (cons *consumerAMQP091) Name() string {
	return cons.name
}

func (cons *consumerAMQP091) Capacity() int {
	return cons.capacity
}

func (cons *consumerAMQP091) SetCapacity(capacity int) error {
	cons.capacity = capacity
	// https://pkg.go.dev/github.com/rabbitmq/amqp091-go#Channel.Qos
	if err := cons.session.channel.Qos(cons.capacity, 0, false); err != nil {
		slog.Error("SetCapacity failed when setting Qos", slog.Any("error", err))
		return err
	}
	return nil
}

func (cons *consumerAMQP091) Consume() <-chan Message {
	cons.m.Lock() // Avoid potential race on creating cons.queue chan
	defer cons.m.Unlock()

	if cons.queue == nil {
		cons.queue = make(chan Message)
		go cons.start()
	}
	return cons.queue
}

func (cons *consumerAMQP091) start() {
	defer close(cons.queue)

	autoAck := cons.session.autoAck
	// https://pkg.go.dev/github.com/rabbitmq/amqp091-go#Channel.Consume
	deliveries, err := cons.session.channel.Consume(
		cons.name, // queue
		"",        // consumer tag, generated by the library
		autoAck,   // autoAck
		false,     // exclusive
		false,     // noLocal
		false,     // noWait
		nil,       // args
	)
	if err != nil {
		slog.Error("Consume failed", slog.String("queue", cons.name), slog.Any("error", err))
		return
	}

	for d := range deliveries {
		msg := Message{
			Acknowledger:    d.Acknowledger,
			Headers:         d.Headers,
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Expiration:      d.Expiration,
			MessageID:       d.MessageId,
			Timestamp:       d.Timestamp,
			Type:            d.Type,
			Subject:         d.RoutingKey,
			Body:            d.Body,
			DeliveryTag:     d.DeliveryTag,
			Redelivered:     d.Redelivered,
		}
		if autoAck {
			msg.Acknowledger = autoAcknowledger{}
		}
		cons.queue <- msg
	}
}

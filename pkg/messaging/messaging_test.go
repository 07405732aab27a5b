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
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		address    string
		name       string
		durable    bool
		autoDelete bool
		exclusive  bool
		err        bool
	}{
		{"my-function", "my-function", false, false, false, false},
		{`my-function; {"node": {"auto-delete": true}}`, "my-function", false, true, false, false},
		{`my-function; {"node": {"x-declare": {"durable": true, "exclusive": true}}}`, "my-function", true, false, true, false},
		{`; {"node": {"durable": true}}`, "", true, false, false, false},
		{`my-function; {"node": `, "", false, false, false, true},
	}

	for _, test := range tests {
		name, d, err := parseAddress(test.address)
		if test.err {
			if err == nil {
				t.Errorf("parseAddress(%q) expected error", test.address)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseAddress(%q) unexpected error: %v", test.address, err)
			continue
		}
		if name != test.name || d.Durable != test.durable ||
			d.AutoDelete != test.autoDelete || d.Exclusive != test.exclusive {
			t.Errorf("parseAddress(%q) = %q %+v", test.address, name, *d)
		}
	}
}

type recordingAcknowledger struct {
	acked    []uint64
	multiple bool
	rejected bool
	requeue  bool
}

func (r *recordingAcknowledger) Ack(tag uint64, multiple bool) error {
	r.acked = append(r.acked, tag)
	r.multiple = multiple
	return nil
}

func (r *recordingAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	return nil
}

func (r *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	r.rejected = true
	r.requeue = requeue
	return nil
}

func TestAcknowledge(t *testing.T) {
	msg := Message{}
	if err := msg.Acknowledge(); err != errDeliveryNotInitialized {
		t.Errorf("Acknowledge() without Acknowledger = %v", err)
	}

	ack := &recordingAcknowledger{}
	msg = Message{Acknowledger: ack, DeliveryTag: 7}
	msg.Acknowledge(Multiple(false))
	if len(ack.acked) != 1 || ack.acked[0] != 7 || ack.multiple {
		t.Errorf("Acknowledge(Multiple(false)) recorded %+v", ack)
	}
	msg.Acknowledge()
	if !ack.multiple {
		t.Error("Acknowledge() should default to multiple")
	}
	msg.Reject(true)
	if !ack.rejected || !ack.requeue {
		t.Errorf("Reject(true) recorded %+v", ack)
	}
}

func TestHeader(t *testing.T) {
	msg := Message{Headers: amqp.Table{"X-Amzn-Trace-Id": "Root=1-abc", "count": int32(3)}}
	if got := msg.Header("X-Amzn-Trace-Id"); got != "Root=1-abc" {
		t.Errorf("Header() = %q", got)
	}
	if got := msg.Header("count"); got != "" {
		t.Errorf("Header() for non string = %q", got)
	}
	if got := msg.Header("missing"); got != "" {
		t.Errorf("Header() for missing = %q", got)
	}
}

func TestNewConnectionUnsupportedScheme(t *testing.T) {
	_, err := NewConnection("kafka://localhost:9092")
	if _, ok := err.(ErrUnsupported); !ok {
		t.Errorf("NewConnection() error = %v, want ErrUnsupported", err)
	}
}

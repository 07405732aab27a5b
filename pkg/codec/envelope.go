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

package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"reflect"

	"github.com/aws/aws-lambda-go/events"
)

type envelopeCodec struct {
	inner Codec
}

// WithHTTPEnvelope decorates inner so that payloads wrapped in an HTTP gateway
// envelope (API Gateway REST and HTTP APIs, function URLs, ALB targets) are
// unwrapped before decoding. The envelope's body, base64 decoded when flagged,
// is decoded with inner. If the payload is not an envelope, or unwrapping or
// decoding the body fails, the raw payload is decoded instead and only that
// attempt's error is reported.
// Encoding is delegated to inner unchanged.
func WithHTTPEnvelope(inner Codec) Codec {
	return &envelopeCodec{inner: inner}
}

func (c *envelopeCodec) Decode(data []byte, v any) error {
	if !isEnvelopeTarget(v) {
		if body, ok := unwrapHTTPEnvelope(data); ok {
			if err := c.inner.Decode(body, v); err == nil {
				return nil
			}
			// Drop anything the failed attempt left behind.
			if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && !rv.IsNil() {
				rv.Elem().SetZero()
			}
		}
	}
	return c.inner.Decode(data, v)
}

func (c *envelopeCodec) Encode(v any) ([]byte, error) {
	return c.inner.Encode(v)
}

func (c *envelopeCodec) ContentType() string { return c.inner.ContentType() }

// A handler asking for the envelope itself gets it verbatim.
func isEnvelopeTarget(v any) bool {
	switch v.(type) {
	case *events.APIGatewayV2HTTPRequest, *events.APIGatewayProxyRequest,
		*events.LambdaFunctionURLRequest, *events.ALBTargetGroupRequest:
		return true
	}
	return false
}

// unwrapHTTPEnvelope returns the body carried by an HTTP envelope. ok is false
// when data is not recognisably an envelope, carries no body, or the body is
// flagged base64 but is not valid base64.
func unwrapHTTPEnvelope(data []byte) (body []byte, ok bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' || !bytes.Contains(trimmed, []byte(`"body"`)) {
		return nil, false
	}

	var v2 events.APIGatewayV2HTTPRequest
	if err := json.Unmarshal(trimmed, &v2); err == nil &&
		(v2.RequestContext.HTTP.Method != "" || v2.RawPath != "") {
		return envelopeBody(v2.Body, v2.IsBase64Encoded)
	}

	// REST API proxy and ALB events share httpMethod/body/isBase64Encoded.
	var v1 events.APIGatewayProxyRequest
	if err := json.Unmarshal(trimmed, &v1); err == nil && v1.HTTPMethod != "" {
		return envelopeBody(v1.Body, v1.IsBase64Encoded)
	}
	return nil, false
}

func envelopeBody(body string, isBase64 bool) ([]byte, bool) {
	if body == "" {
		return nil, false
	}
	if !isBase64 {
		return []byte(body), true
	}
	decoded, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, false
	}
	return decoded, true
}

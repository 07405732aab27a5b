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
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	Name string `json:"name" cbor:"name"`
	Age  int    `json:"age" cbor:"age"`
}

const personSchema = `{
	"type": "object",
	"required": ["name", "age"],
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	}
}`

func TestJSONRoundTrip(t *testing.T) {
	c := JSON()
	in := person{Name: "Seb", Age: 32}

	data, err := Encode(c, in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Seb","age":32}`, string(data))

	var out person
	require.NoError(t, Decode(c, data, &out))
	assert.Equal(t, in, out)
	assert.Equal(t, "application/json", c.ContentType())
}

func TestDecodeFailureIsDecodeError(t *testing.T) {
	var out person
	err := Decode(JSON(), []byte(`{"name":`), &out)
	require.Error(t, err)

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Runtime.UnmarshalError", de.ErrorType())
}

func TestEncodeFailureIsEncodeError(t *testing.T) {
	_, err := Encode(JSON(), map[string]any{"ch": make(chan int)})
	require.Error(t, err)

	var ee *EncodeError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "Runtime.MarshalError", ee.ErrorType())
}

func TestCBORRoundTripIsDeterministic(t *testing.T) {
	c := CBOR()
	in := map[string]int{"b": 2, "a": 1, "c": 3}

	first, err := c.Encode(in)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := c.Encode(in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	var out map[string]int
	require.NoError(t, c.Decode(first, &out))
	assert.Equal(t, in, out)
	assert.Equal(t, "application/cbor", c.ContentType())
}

func TestCBORRejectsJSON(t *testing.T) {
	var out person
	err := Decode(CBOR(), []byte(`{"name":"Seb"}`), &out)
	var de *DecodeError
	assert.True(t, errors.As(err, &de))
}

func TestHTTPEnvelope(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(`{"name":"Ann","age":41}`))

	tests := []struct {
		name    string
		payload string
		want    person
	}{
		{
			name:    "plain payload",
			payload: `{"name":"Seb","age":32}`,
			want:    person{Name: "Seb", Age: 32},
		},
		{
			name: "http api v2",
			payload: `{"version":"2.0","rawPath":"/hello","requestContext":{"http":{"method":"POST","path":"/hello"}},` +
				`"body":"{\"name\":\"Seb\",\"age\":32}","isBase64Encoded":false}`,
			want: person{Name: "Seb", Age: 32},
		},
		{
			name:    "rest api base64 body",
			payload: `{"httpMethod":"POST","path":"/hello","body":"` + encoded + `","isBase64Encoded":true}`,
			want:    person{Name: "Ann", Age: 41},
		},
	}

	c := WithHTTPEnvelope(JSON())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out person
			require.NoError(t, c.Decode([]byte(tt.payload), &out))
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestHTTPEnvelopeBadBase64FallsBackToRaw(t *testing.T) {
	payload := `{"httpMethod":"POST","body":"%%%not-base64%%%","isBase64Encoded":true}`

	var out map[string]any
	require.NoError(t, WithHTTPEnvelope(JSON()).Decode([]byte(payload), &out))
	assert.Equal(t, "POST", out["httpMethod"])
}

func TestHTTPEnvelopeUndecodableBodyFallsBackToRaw(t *testing.T) {
	payload := `{"httpMethod":"POST","path":"/hello","body":"name=Seb&age=32"}`

	var out map[string]any
	require.NoError(t, WithHTTPEnvelope(JSON()).Decode([]byte(payload), &out))
	assert.Equal(t, "POST", out["httpMethod"])
	assert.Equal(t, "name=Seb&age=32", out["body"])
}

func TestHTTPEnvelopeFallbackReportsRawError(t *testing.T) {
	// Body is not valid JSON for the target, and neither is the raw payload.
	var out []int
	err := Decode(WithHTTPEnvelope(JSON()), []byte(`{"httpMethod":"GET","body":"oops"}`), &out)
	var de *DecodeError
	assert.True(t, errors.As(err, &de))
}

func TestHTTPEnvelopeTargetIsNotUnwrapped(t *testing.T) {
	payload := `{"httpMethod":"PUT","path":"/items","body":"{\"name\":\"x\"}"}`

	var req events.APIGatewayProxyRequest
	require.NoError(t, WithHTTPEnvelope(JSON()).Decode([]byte(payload), &req))
	assert.Equal(t, "PUT", req.HTTPMethod)
	assert.Equal(t, `{"name":"x"}`, req.Body)
}

func TestSchema(t *testing.T) {
	c, err := WithSchema(JSON(), personSchema)
	require.NoError(t, err)

	var ok person
	require.NoError(t, Decode(c, []byte(`{"name":"Seb","age":32}`), &ok))
	assert.Equal(t, person{Name: "Seb", Age: 32}, ok)

	for _, payload := range []string{`{"name":"Seb"}`, `{"name":"Seb","age":-1}`, `not json`} {
		var out person
		err := Decode(c, []byte(payload), &out)
		var de *DecodeError
		assert.True(t, errors.As(err, &de), payload)
	}

	var out person
	err = Decode(c, []byte(`{"name":"Seb"}`), &out)
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.NotEmpty(t, se.Violations)
}

func TestInvalidSchema(t *testing.T) {
	_, err := WithSchema(JSON(), `{"type": 12}`)
	assert.Error(t, err)
	assert.Panics(t, func() { MustWithSchema(JSON(), `{"type": 12}`) })
}

func TestEnvelopeWithSchema(t *testing.T) {
	c := WithHTTPEnvelope(MustWithSchema(JSON(), personSchema))
	payload := `{"httpMethod":"POST","body":"{\"name\":\"Seb\",\"age\":32}"}`

	var out person
	require.NoError(t, Decode(c, []byte(payload), &out))
	assert.Equal(t, 32, out.Age)
}

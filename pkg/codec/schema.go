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
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type schemaCodec struct {
	inner  Codec
	schema *gojsonschema.Schema
}

// WithSchema decorates inner so payloads are validated against the supplied
// JSON Schema document before being decoded. A payload that fails validation
// is reported as a *DecodeError. The schema is compiled once, here.
func WithSchema(inner Codec, schema string) (Codec, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON schema: %w", err)
	}
	return &schemaCodec{inner: inner, schema: s}, nil
}

// MustWithSchema is like WithSchema but panics on an invalid schema. Intended
// for package level handler definitions with literal schemas.
func MustWithSchema(inner Codec, schema string) Codec {
	c, err := WithSchema(inner, schema)
	if err != nil {
		panic(err)
	}
	return c
}

// SchemaError lists the validation failures for a payload.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return "payload does not match schema: " + strings.Join(e.Violations, "; ")
}

func (c *schemaCodec) Decode(data []byte, v any) error {
	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		// Not parseable as JSON at all.
		return &DecodeError{Err: err}
	}
	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			violations = append(violations, re.String())
		}
		return &DecodeError{Err: &SchemaError{Violations: violations}}
	}
	return c.inner.Decode(data, v)
}

func (c *schemaCodec) Encode(v any) ([]byte, error) {
	return c.inner.Encode(v)
}

func (c *schemaCodec) ContentType() string { return c.inner.ContentType() }

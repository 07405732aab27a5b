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
	"github.com/fxamacker/cbor/v2"
)

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a Codec using RFC 8949 CBOR with deterministic (core) encoding,
// so equal values always encode to identical bytes.
func CBOR() Codec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		// Only fails for invalid option combinations, the preset is valid.
		panic(err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return &cborCodec{enc: enc, dec: dec}
}

func (c *cborCodec) Decode(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

func (c *cborCodec) Encode(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *cborCodec) ContentType() string { return "application/cbor" }

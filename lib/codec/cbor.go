// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR configuration shared by the terminal
// attach protocol. Centralizing the modes keeps every control frame on
// one deterministic wire form, so the daemon and attach clients never
// disagree about encoding details.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer forms, no indefinite-length items. The same
// logical frame always encodes to identical bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields so older
// clients keep working when the protocol grows a field.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// Any-typed decode targets get map[string]any rather than the
		// CBOR default map[any]any; the protocol only ever writes
		// string keys and callers hand decoded values to encoding/json.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

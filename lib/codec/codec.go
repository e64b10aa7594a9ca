// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the orchestrator's standard CBOR encoding
// configuration.
//
// Two serialization formats are used, with a clear boundary:
//
//   - JSON for external interfaces: the daemon socket protocol, CLI
//     --json output, the generated port map (read by the preview
//     proxy), and tenant site manifests (npm-strict package.json).
//   - CBOR for internal on-disk state: the per-site switch journal
//     that survives a crash mid-switch.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical state always produces identical bytes, so state files
// can be compared byte-for-byte.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

// decMode accepts standard CBOR. Unknown fields are silently ignored
// for forward compatibility with journals written by newer builds.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// State files never use non-string map keys. When decoding
		// into any-typed targets the decoder must pick a concrete map
		// type; the CBOR default map[interface{}]interface{} is
		// incompatible with encoding/json and most Go code.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Package codec is the wire encoding for broker messages.
//
// Envelopes and payloads are CBOR with Core Deterministic Encoding, so the
// same logical message always produces identical bytes.
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Payloads decoded into any should look like JSON-shaped maps.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is an encoded value whose decoding is deferred to the receiver.
type RawMessage = cbor.RawMessage

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Unknown fields are ignored.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Raw encodes v and returns it as a RawMessage. A nil v yields a nil message.
func Raw(v any) (RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(RawMessage); ok {
		return raw, nil
	}
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return RawMessage(data), nil
}

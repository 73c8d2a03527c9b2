// Package codec holds the CBOR configuration shared by every hyponome
// wire message. Encoding is Core Deterministic (RFC 8949 §4.2), so the
// same message always produces the same bytes.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// MaxMessageSize bounds a single encoded message on any transport.
const MaxMessageSize = 64 << 20

// EnvelopeOverhead is room reserved for every message field other than
// the payload bytes.
const EnvelopeOverhead = 4 << 10

// MaxPayloadSize is the largest payload a single message can carry.
const MaxPayloadSize = MaxMessageSize - EnvelopeOverhead

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Peers may send fields newer than this build; ignore them.
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

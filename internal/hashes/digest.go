package hashes

import (
	"crypto/subtle"

	"edu/hyponome/pkg/hexcodec"
)

// Digest is the output of one hash computation, tagged with the algorithm
// that produced it.
type Digest struct {
	Algorithm string `json:"algorithm"`
	Value     []byte `json:"value"`
}

// Hex returns the canonical lowercase hex form of the digest value.
func (d Digest) Hex() string { return hexcodec.Bin2Hex(d.Value) }

func (d Digest) Size() int { return len(d.Value) }

// Equal compares algorithm and value; the value comparison is constant time.
func (d Digest) Equal(o Digest) bool {
	return d.Algorithm == o.Algorithm &&
		len(d.Value) == len(o.Value) &&
		subtle.ConstantTimeCompare(d.Value, o.Value) == 1
}

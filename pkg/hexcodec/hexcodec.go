// Package hexcodec converts between binary digests and their canonical
// lowercase hexadecimal text form.
//
// Output is always lowercase. Input is accepted in either case. Both
// functions are pure and safe for concurrent use.
package hexcodec

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrFormat is matched by every error Hex2Bin returns.
var ErrFormat = errors.New("malformed hex")

// FormatError describes why a string is not valid hex text.
type FormatError struct {
	// Offset is the byte position of the offending character, or the
	// input length when the length itself is odd.
	Offset int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed hex at offset %d: %s", e.Offset, e.Reason)
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// Bin2Hex returns the lowercase hex encoding of b. The result is exactly
// twice as long as b; an empty input yields an empty string.
func Bin2Hex(b []byte) string {
	return hex.EncodeToString(b)
}

// Hex2Bin decodes hex text produced by Bin2Hex or any upper/mixed case
// equivalent. Odd-length input and characters outside 0-9a-fA-F fail
// with *FormatError.
func Hex2Bin(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, &FormatError{Offset: len(s), Reason: fmt.Sprintf("odd length %d", len(s))}
	}
	for i := 0; i < len(s); i++ {
		if !isHex(s[i]) {
			return nil, &FormatError{Offset: i, Reason: fmt.Sprintf("invalid character %q", s[i])}
		}
	}
	out := make([]byte, len(s)/2)
	if _, err := hex.Decode(out, []byte(s)); err != nil {
		return nil, &FormatError{Offset: len(s), Reason: err.Error()}
	}
	return out, nil
}

// Valid reports whether s is well-formed hex text of any case.
func Valid(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isHex(s[i]) {
			return false
		}
	}
	return true
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

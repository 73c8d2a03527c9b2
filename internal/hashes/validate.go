package hashes

import (
	"fmt"
	"strings"

	"edu/hyponome/pkg/hexcodec"
)

// ValidateDigest checks that text is a well-formed hex digest for algo.
func ValidateDigest(algo, text string) error {
	a, err := Get(algo)
	if err != nil {
		return err
	}
	t := strings.TrimSpace(text)
	if _, err := hexcodec.Hex2Bin(t); err != nil {
		return fmt.Errorf("%s digest: %w", a.Name(), err)
	}
	if len(t) != 2*a.Size() {
		return fmt.Errorf("%s digest must be %d hex chars, got %d", a.Name(), 2*a.Size(), len(t))
	}
	return nil
}

// Candidates lists the registered algorithms whose digest length matches
// the hex text, e.g. every 64-char digest maps to the 32-byte algorithms.
func Candidates(text string) []string {
	t := strings.TrimSpace(text)
	if t == "" || !hexcodec.Valid(t) {
		return nil
	}
	var out []string
	for _, name := range List() {
		if registry[name].Size()*2 == len(t) {
			out = append(out, name)
		}
	}
	return out
}

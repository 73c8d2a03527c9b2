package hashes

import (
	"fmt"
	"hash"
	"sort"
	"strings"
)

// Algorithm is a deterministic hash function with a fixed output length.
type Algorithm interface {
	Name() string
	// Size is the digest length in bytes.
	Size() int
	New() Digester
}

// Digester is one incremental digest computation. Close releases whatever
// the digester holds (SIMD lanes, buffers); it is safe to call twice.
type Digester interface {
	hash.Hash
	Close() error
}

var registry = map[string]Algorithm{}

func Register(a Algorithm) { registry[a.Name()] = a }

func Get(name string) (Algorithm, error) {
	if a, ok := registry[strings.ToLower(strings.TrimSpace(name))]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("unknown algorithm: %s", name)
}

func List() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

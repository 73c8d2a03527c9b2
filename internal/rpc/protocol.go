// Package rpc carries hasher calls over a bidirectional message stream
// using a small capability protocol with promise pipelining.
//
// Every message is one CBOR value. A client sends "call" messages, each
// naming a fresh question id and the exported capability it targets. The
// server answers with exactly one "return" per question unless the
// question was cancelled. A call may name an earlier question in its
// pipeline field instead of carrying data; the server waits for that
// question's digest and hashes it, so a chain of dependent calls costs a
// single round trip. The client sends "finish" to release a question,
// cancelling it if it is still running.
package rpc

import (
	"edu/hyponome/internal/hasher"
)

type Kind string

const (
	KindCall   Kind = "call"
	KindReturn Kind = "return"
	KindFinish Kind = "finish"
)

// MethodHash is the single method of the hasher capability.
const MethodHash = "hash"

// BootstrapCapability is the id under which a connection exports the
// hasher.
const BootstrapCapability uint32 = 0

type Message struct {
	Kind     Kind   `cbor:"kind"`
	Question uint32 `cbor:"question"`

	// call
	Capability uint32  `cbor:"capability,omitempty"`
	Method     string  `cbor:"method,omitempty"`
	Data       []byte  `cbor:"data,omitempty"`
	Pipeline   *uint32 `cbor:"pipeline,omitempty"`

	// return
	Algorithm string     `cbor:"algorithm,omitempty"`
	Digest    []byte     `cbor:"digest,omitempty"`
	Hex       string     `cbor:"hex,omitempty"`
	Error     *WireError `cbor:"error,omitempty"`
}

type WireError struct {
	Code    hasher.Code `cbor:"code"`
	Message string      `cbor:"message"`
}

func errorReturn(question uint32, err error) *Message {
	return &Message{
		Kind:     KindReturn,
		Question: question,
		Error:    &WireError{Code: hasher.CodeOf(err), Message: err.Error()},
	}
}

func resultReturn(question uint32, r hasher.Result) *Message {
	return &Message{
		Kind:      KindReturn,
		Question:  question,
		Algorithm: r.Digest.Algorithm,
		Digest:    r.Digest.Value,
		Hex:       r.Hex,
	}
}

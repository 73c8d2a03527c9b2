package hashes

import (
	"errors"
	"fmt"
)

// DefaultChunkSize bounds the unit of work between two yields of an
// incremental computation.
const DefaultChunkSize = 64 * 1024

var ErrStreamDone = errors.New("hashes: stream already finished")

// Engine computes digests with one algorithm, either in one call or
// incrementally in chunks of at most ChunkSize bytes.
type Engine struct {
	alg       Algorithm
	chunkSize int
}

func NewEngine(algorithm string, chunkSize int) (*Engine, error) {
	a, err := Get(algorithm)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Engine{alg: a, chunkSize: chunkSize}, nil
}

func (e *Engine) Algorithm() Algorithm { return e.alg }
func (e *Engine) ChunkSize() int       { return e.chunkSize }

// Digest hashes data in one go. Identical input always yields an
// identical digest of Algorithm().Size() bytes.
func (e *Engine) Digest(data []byte) Digest {
	s := e.Start()
	defer s.Close()
	for _, chunk := range e.Chunks(data) {
		_ = s.Update(chunk)
	}
	d, _ := s.Finish()
	return d
}

// Chunks splits data into consecutive sub-slices of at most ChunkSize
// bytes. The slices alias data.
func (e *Engine) Chunks(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(data)+e.chunkSize-1)/e.chunkSize)
	for start := 0; start < len(data); start += e.chunkSize {
		end := start + e.chunkSize
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[start:end:end])
	}
	return out
}

// Start opens an incremental computation. The caller owns the stream and
// must Close it if it does not reach Finish.
func (e *Engine) Start() *Stream {
	return &Stream{alg: e.alg.Name(), size: e.alg.Size(), d: e.alg.New()}
}

// Stream is a single incremental digest computation. It is not safe for
// concurrent use.
type Stream struct {
	alg  string
	size int
	d    Digester
	done bool
}

func (s *Stream) Update(chunk []byte) error {
	if s.done {
		return ErrStreamDone
	}
	_, err := s.d.Write(chunk)
	return err
}

// Finish returns the digest of everything written and releases the
// stream.
func (s *Stream) Finish() (Digest, error) {
	if s.done {
		return Digest{}, ErrStreamDone
	}
	sum := s.d.Sum(nil)
	if err := s.Close(); err != nil {
		return Digest{}, err
	}
	if len(sum) != s.size {
		return Digest{}, fmt.Errorf("hashes: %s produced %d bytes, want %d", s.alg, len(sum), s.size)
	}
	return Digest{Algorithm: s.alg, Value: sum}, nil
}

// Close releases the digester. Calling it after Finish is a no-op.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.d.Close()
}

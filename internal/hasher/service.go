// Package hasher implements the hashing capability: a long-lived service
// that accepts payloads, validates them synchronously and computes their
// digests on a worker pool, delivering each outcome through a
// PendingCall.
package hasher

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	"edu/hyponome/internal/hashes"
	"edu/hyponome/pkg/workerpool"
)

// Hasher is the remotely exposed capability: hash(data) -> digest.
type Hasher interface {
	Hash(ctx context.Context, data []byte) *PendingCall
}

type Config struct {
	Algorithm  string
	MaxPayload int
	ChunkSize  int
	Workers    int
	QueueDepth int
	HexResult  bool
}

func DefaultConfig() Config {
	return Config{
		Algorithm:  "sha256",
		MaxPayload: 16 << 20,
		ChunkSize:  hashes.DefaultChunkSize,
		Workers:    runtime.NumCPU(),
		HexResult:  true,
	}
}

// Stats is a snapshot of the service counters.
type Stats struct {
	Received    uint64
	Resolved    uint64
	Rejected    uint64
	Cancelled   uint64
	InFlight    int64
	OpenStreams int64
}

type job struct {
	ctx  context.Context
	call *PendingCall
}

// Service is safe for concurrent use. Its configuration never changes
// after New; all per-call state lives in the PendingCall.
type Service struct {
	cfg    Config
	engine *hashes.Engine
	pool   *workerpool.Pool[job]
	logger *zap.Logger

	received    atomic.Uint64
	resolved    atomic.Uint64
	rejected    atomic.Uint64
	cancelled   atomic.Uint64
	inFlight    atomic.Int64
	openStreams atomic.Int64

	// afterChunk runs after each chunk is fed to the engine. Tests use it
	// to hold a call mid-computation.
	afterChunk func(call *PendingCall, chunk int)
}

var _ Hasher = (*Service)(nil)

func New(cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.MaxPayload <= 0 {
		return nil, fmt.Errorf("max payload must be positive, got %d", cfg.MaxPayload)
	}
	engine, err := hashes.NewEngine(cfg.Algorithm, cfg.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("configuring hash engine: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:    cfg,
		engine: engine,
		logger: logger.With(zap.String("algorithm", engine.Algorithm().Name())),
	}
	s.pool = workerpool.New(context.Background(), cfg.Workers, cfg.QueueDepth, s.run)
	return s, nil
}

func (s *Service) Algorithm() string { return s.engine.Algorithm().Name() }
func (s *Service) DigestSize() int   { return s.engine.Algorithm().Size() }
func (s *Service) MaxPayload() int   { return s.cfg.MaxPayload }

// Hash starts hashing data and returns immediately with the pending
// result, except while the job queue is full. Oversized payloads come back
// already rejected with ErrInvalidArgument. Cancelling ctx abandons the
// call: it ends Cancelled and delivers nothing.
func (s *Service) Hash(ctx context.Context, data []byte) *PendingCall {
	call := newPendingCall(data, s.finished)
	s.received.Add(1)
	s.inFlight.Add(1)

	if len(data) > s.cfg.MaxPayload {
		call.reject(fmt.Errorf("%w: payload of %d bytes exceeds limit of %d", ErrInvalidArgument, len(data), s.cfg.MaxPayload))
		return call
	}
	call.advance(StateValidated)

	if err := s.pool.Submit(ctx, job{ctx: ctx, call: call}); err != nil {
		if errors.Is(err, workerpool.ErrClosed) {
			call.reject(fmt.Errorf("%w: hasher is shut down", ErrInternal))
		} else {
			call.cancel()
		}
	}
	return call
}

func (s *Service) run(_ context.Context, j job) {
	call := j.call
	if j.ctx.Err() != nil {
		call.cancel()
		return
	}
	if !call.advance(StateComputing) {
		return
	}

	result, err := s.compute(j.ctx, call)
	switch {
	case errors.Is(err, ErrCancelled):
		call.cancel()
	case err != nil:
		call.reject(err)
	default:
		call.resolve(result)
	}
}

// compute feeds the payload to a fresh engine stream chunk by chunk,
// yielding between chunks and checking ctx at every yield. The stream is
// released before compute returns.
func (s *Service) compute(ctx context.Context, call *PendingCall) (result Result, err error) {
	stream := s.engine.Start()
	s.openStreams.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("hash engine fault", zap.Any("panic", r))
			result, err = Result{}, fmt.Errorf("%w: engine fault: %v", ErrInternal, r)
		}
		stream.Close()
		s.openStreams.Add(-1)
	}()

	data, size := call.payload(), s.engine.ChunkSize()
	for i, off := 0, 0; off < len(data); i, off = i+1, off+size {
		chunk := data[off:min(off+size, len(data))]
		if i > 0 {
			runtime.Gosched()
		}
		if ctx.Err() != nil {
			return Result{}, ErrCancelled
		}
		if err := stream.Update(chunk); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if s.afterChunk != nil {
			s.afterChunk(call, i)
		}
	}

	digest, err := stream.Finish()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if ctx.Err() != nil {
		return Result{}, ErrCancelled
	}

	result = Result{Digest: digest}
	if s.cfg.HexResult {
		result.Hex = digest.Hex()
	}
	return result, nil
}

func (s *Service) finished(state State) {
	s.inFlight.Add(-1)
	switch state {
	case StateResolved:
		s.resolved.Add(1)
	case StateRejected:
		s.rejected.Add(1)
	case StateCancelled:
		s.cancelled.Add(1)
		s.logger.Debug("call cancelled")
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Received:    s.received.Load(),
		Resolved:    s.resolved.Load(),
		Rejected:    s.rejected.Load(),
		Cancelled:   s.cancelled.Load(),
		InFlight:    s.inFlight.Load(),
		OpenStreams: s.openStreams.Load(),
	}
}

// Close waits for queued calls to finish and stops the workers. Calls
// made afterwards are rejected with ErrInternal.
func (s *Service) Close() {
	s.pool.Close()
}

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"edu/hyponome/internal/hasher"
	"edu/hyponome/internal/logging"
)

const outboundQueue = 128

var connSeq atomic.Uint64

// answer is the server's record of one question. It lives in the answer
// table until the client finishes it, so later calls can pipeline on it.
type answer struct {
	cancel context.CancelFunc
	done   chan struct{}
	result hasher.Result
	err    error
}

func (a *answer) settle(r hasher.Result, err error) {
	a.result, a.err = r, err
	close(a.done)
}

// Conn serves exported capabilities to one peer. The read loop never
// blocks on the peer; every call runs in its own goroutine and all
// outbound messages go through a single writer.
type Conn struct {
	id      string
	stream  MessageStream
	logger  *zap.Logger
	exports map[uint32]Capability

	out chan *Message

	mu      sync.Mutex
	answers map[uint32]*answer

	calls sync.WaitGroup
}

func NewConn(stream MessageStream, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		id:      "c" + strconv.FormatUint(connSeq.Add(1), 10),
		stream:  stream,
		logger:  logger,
		exports: make(map[uint32]Capability),
		out:     make(chan *Message, outboundQueue),
		answers: make(map[uint32]*answer),
	}
}

func (c *Conn) ID() string { return c.id }

// Export makes capability reachable under id. It must be called before
// Serve.
func (c *Conn) Export(id uint32, capability Capability) {
	c.exports[id] = capability
}

// Serve handles messages until the peer disconnects, the stream fails, or
// ctx is cancelled. On return every outstanding call has been cancelled
// and the stream is closed.
func (c *Conn) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(logging.WithConnID(ctx, c.id))
	defer cancel()

	logger := logging.WithCtx(ctx, c.logger)
	logger.Debug("connection opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx, cancel)
	}()

	// Unblock Recv when the server shuts down or the writer fails.
	stop := context.AfterFunc(ctx, func() { _ = c.stream.Close() })
	defer stop()

	err := c.readLoop(ctx)

	cancel()
	c.calls.Wait()
	<-writerDone
	_ = c.stream.Close()

	c.mu.Lock()
	outstanding := len(c.answers)
	c.answers = make(map[uint32]*answer)
	c.mu.Unlock()

	if err != nil {
		logger.Warn("connection failed", zap.Error(err), zap.Int("outstanding", outstanding))
		return err
	}
	logger.Debug("connection closed", zap.Int("outstanding", outstanding))
	return nil
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		var m Message
		if err := c.stream.Recv(&m); err != nil {
			if ctx.Err() != nil || isDisconnect(err) {
				return nil
			}
			return fmt.Errorf("reading from %s: %w", c.id, err)
		}

		switch m.Kind {
		case KindCall:
			c.handleCall(ctx, &m)
		case KindFinish:
			c.handleFinish(m.Question)
		default:
			logging.WithCtx(ctx, c.logger).Debug("ignoring message", zap.String("kind", string(m.Kind)))
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context, fail context.CancelFunc) {
	for {
		select {
		case m := <-c.out:
			if err := c.stream.Send(m); err != nil {
				if !isDisconnect(err) {
					logging.WithCtx(ctx, c.logger).Warn("write failed", zap.Error(err))
				}
				fail()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) send(ctx context.Context, m *Message) {
	select {
	case c.out <- m:
	case <-ctx.Done():
	}
}

func (c *Conn) handleCall(ctx context.Context, m *Message) {
	c.mu.Lock()
	if _, dup := c.answers[m.Question]; dup {
		c.mu.Unlock()
		err := fmt.Errorf("%w: question %d already in use", hasher.ErrInvalidArgument, m.Question)
		c.goSend(ctx, errorReturn(m.Question, err))
		return
	}

	callCtx, cancel := context.WithCancel(logging.WithQuestion(ctx, m.Question))
	a := &answer{cancel: cancel, done: make(chan struct{})}
	c.answers[m.Question] = a

	var (
		dep  *answer
		fail error
	)
	capability, ok := c.exports[m.Capability]
	if !ok {
		fail = fmt.Errorf("%w: unknown capability %d", hasher.ErrInvalidArgument, m.Capability)
	}
	if fail == nil && m.Pipeline != nil {
		if dep = c.answers[*m.Pipeline]; dep == nil || *m.Pipeline == m.Question {
			fail = fmt.Errorf("%w: unknown pipeline target %d", hasher.ErrInvalidArgument, *m.Pipeline)
		}
	}
	c.mu.Unlock()

	c.calls.Add(1)
	go func() {
		defer c.calls.Done()
		defer cancel()

		if fail != nil {
			a.settle(hasher.Result{}, fail)
			c.send(ctx, errorReturn(m.Question, fail))
			return
		}
		c.runCall(callCtx, m, a, capability, dep)
	}()
}

// goSend delivers a message without blocking the read loop.
func (c *Conn) goSend(ctx context.Context, m *Message) {
	c.calls.Add(1)
	go func() {
		defer c.calls.Done()
		c.send(ctx, m)
	}()
}

func (c *Conn) runCall(ctx context.Context, m *Message, a *answer, capability Capability, dep *answer) {
	logger := logging.WithCtx(ctx, c.logger)
	data := m.Data

	if dep != nil {
		select {
		case <-dep.done:
		case <-ctx.Done():
			a.settle(hasher.Result{}, fmt.Errorf("%w: %w", hasher.ErrCancelled, context.Cause(ctx)))
			logger.Debug("call cancelled while waiting on pipeline")
			return
		}
		if dep.err != nil {
			err := fmt.Errorf("pipelined question %d: %w", *m.Pipeline, dep.err)
			a.settle(hasher.Result{}, err)
			if hasher.CodeOf(err) != hasher.CodeCancelled {
				c.send(ctx, errorReturn(m.Question, err))
			}
			return
		}
		data = dep.result.Digest.Value
	}

	call, err := capability.Dispatch(ctx, m.Method, data)
	if err != nil {
		a.settle(hasher.Result{}, err)
		c.send(ctx, errorReturn(m.Question, err))
		return
	}

	<-call.Done()
	result, err := call.Result()
	a.settle(result, err)

	switch {
	case err == nil:
		c.send(ctx, resultReturn(m.Question, result))
	case hasher.CodeOf(err) == hasher.CodeCancelled:
		logger.Debug("call cancelled")
	default:
		logger.Debug("call rejected", zap.Error(err))
		c.send(ctx, errorReturn(m.Question, err))
	}
}

func (c *Conn) handleFinish(question uint32) {
	c.mu.Lock()
	a := c.answers[question]
	delete(c.answers, question)
	c.mu.Unlock()

	if a != nil {
		a.cancel()
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

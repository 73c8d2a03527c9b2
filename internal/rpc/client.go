package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"edu/hyponome/internal/codec"
	"edu/hyponome/internal/hasher"
	"edu/hyponome/internal/hashes"
	"edu/hyponome/pkg/hexcodec"
)

type ClientOption func(*Client)

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Client calls the bootstrap hasher exported by a remote Conn. It is safe
// for concurrent use.
type Client struct {
	stream MessageStream
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan *Message
	done   chan struct{}

	// mu orders questions and finishes on the outbound queue, so a
	// pipelined call always reaches the server before the finish of the
	// question it depends on.
	mu       sync.Mutex
	next     uint32
	answers  map[uint32]*Answer
	closeErr error
}

// Answer is the client side promise for one question.
type Answer struct {
	question uint32
	done     chan struct{}
	stop     func() bool

	// guarded by client.mu
	settled    bool
	result     hasher.Result
	err        error
	dependents []*Answer
}

func NewClient(stream MessageStream, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		stream:  stream,
		logger:  zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan *Message, outboundQueue),
		done:    make(chan struct{}),
		next:    1,
		answers: make(map[uint32]*Answer),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.writeLoop()
	go c.readLoop()
	return c
}

// Hash asks the server for the digest of data. Cancelling ctx before the
// answer arrives releases the question on the server.
func (c *Client) Hash(ctx context.Context, data []byte) *Answer {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.newAnswerLocked(ctx)
	if a.settled {
		return a
	}
	if len(data) > codec.MaxPayloadSize {
		c.settleLocked(a, hasher.Result{}, fmt.Errorf("%w: payload of %d bytes, at most %d fit in a message",
			ErrMessageTooLarge, len(data), codec.MaxPayloadSize))
		return a
	}
	c.enqueueLocked(&Message{
		Kind:       KindCall,
		Question:   a.question,
		Capability: BootstrapCapability,
		Method:     MethodHash,
		Data:       data,
	})
	return a
}

// Pipeline asks for the digest of prev's digest without waiting for prev
// to resolve. If prev fails, so does the returned answer.
func (c *Client) Pipeline(ctx context.Context, prev *Answer) *Answer {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.newAnswerLocked(ctx)
	if a.settled {
		return a
	}

	m := &Message{
		Kind:       KindCall,
		Question:   a.question,
		Capability: BootstrapCapability,
		Method:     MethodHash,
	}
	switch {
	case prev.settled && prev.err != nil:
		c.settleLocked(a, hasher.Result{}, fmt.Errorf("pipelined question %d: %w", prev.question, prev.err))
		return a
	case prev.settled:
		// Already finished on the server; send the digest itself.
		m.Data = prev.result.Digest.Value
	default:
		m.Pipeline = &prev.question
		prev.dependents = append(prev.dependents, a)
	}
	c.enqueueLocked(m)
	return a
}

// Close tears down the connection. Unsettled answers fail with ErrClosed.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	err := c.stream.Close()
	<-c.done
	return err
}

func (c *Client) newAnswerLocked(ctx context.Context) *Answer {
	a := &Answer{question: c.next, done: make(chan struct{})}
	c.next++

	if c.closeErr != nil {
		c.settleLocked(a, hasher.Result{}, c.closeErr)
		return a
	}
	if err := ctx.Err(); err != nil {
		c.settleLocked(a, hasher.Result{}, fmt.Errorf("%w: %w", hasher.ErrCancelled, err))
		return a
	}

	c.answers[a.question] = a
	a.stop = context.AfterFunc(ctx, func() { c.abandon(a, context.Cause(ctx)) })
	return a
}

// settleLocked delivers the outcome of a and forgets it.
func (c *Client) settleLocked(a *Answer, r hasher.Result, err error) {
	if a.settled {
		return
	}
	a.settled = true
	a.result, a.err = r, err
	delete(c.answers, a.question)
	if a.stop != nil {
		a.stop()
	}
	close(a.done)
}

func (c *Client) enqueueLocked(m *Message) {
	select {
	case c.out <- m:
	case <-c.ctx.Done():
	}
}

// abandon gives up on a and every call pipelined on it. The server learns
// through finish messages.
func (c *Client) abandon(a *Answer, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abandonLocked(a, cause)
}

func (c *Client) abandonLocked(a *Answer, cause error) {
	if a.settled {
		return
	}
	c.settleLocked(a, hasher.Result{}, fmt.Errorf("%w: %w", hasher.ErrCancelled, cause))
	c.enqueueLocked(&Message{Kind: KindFinish, Question: a.question})
	for _, d := range a.dependents {
		c.abandonLocked(d, cause)
	}
}

// reject fails a question the server never saw, along with every call
// pipelined on it.
func (c *Client) reject(question uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a := c.answers[question]; a != nil {
		c.rejectLocked(a, err)
	}
}

func (c *Client) rejectLocked(a *Answer, err error) {
	if a.settled {
		return
	}
	c.settleLocked(a, hasher.Result{}, err)
	for _, d := range a.dependents {
		if !d.settled {
			c.enqueueLocked(&Message{Kind: KindFinish, Question: d.question})
		}
		c.rejectLocked(d, fmt.Errorf("pipelined question %d: %w", a.question, err))
	}
}

func (c *Client) shutdown(err error) {
	// Cancel first: it releases any goroutine blocked in enqueueLocked
	// while holding mu.
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeErr != nil {
		return
	}
	c.closeErr = err
	for _, a := range c.answers {
		c.settleLocked(a, hasher.Result{}, err)
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case m := <-c.out:
			err := c.stream.Send(m)
			if errors.Is(err, ErrMessageTooLarge) && m.Kind == KindCall {
				// Nothing reached the wire; only this question fails.
				go c.reject(m.Question, err)
				continue
			}
			if err != nil {
				c.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
				_ = c.stream.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var m Message
		if err := c.stream.Recv(&m); err != nil {
			if isDisconnect(err) {
				c.shutdown(ErrClosed)
			} else {
				c.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
			}
			return
		}
		if m.Kind != KindReturn {
			c.logger.Debug("ignoring message", zap.String("kind", string(m.Kind)))
			continue
		}
		c.handleReturn(&m)
	}
}

func (c *Client) handleReturn(m *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.answers[m.Question]
	if a == nil {
		// Abandoned; its finish is already on the way.
		return
	}

	result, err := decodeReturn(m)
	c.settleLocked(a, result, err)
	c.enqueueLocked(&Message{Kind: KindFinish, Question: m.Question})
}

func decodeReturn(m *Message) (hasher.Result, error) {
	if m.Error != nil {
		return hasher.Result{}, &RemoteError{Code: m.Error.Code, Message: m.Error.Message}
	}

	d := hashes.Digest{Algorithm: m.Algorithm, Value: m.Digest}
	if m.Hex == "" {
		return hasher.Result{Digest: d, Hex: d.Hex()}, nil
	}
	raw, err := hexcodec.Hex2Bin(m.Hex)
	if err != nil || !bytes.Equal(raw, m.Digest) {
		return hasher.Result{}, fmt.Errorf("%w: hex does not match digest for question %d", hasher.ErrInternal, m.Question)
	}
	return hasher.Result{Digest: d, Hex: m.Hex}, nil
}

// Question is the wire id of the answer.
func (a *Answer) Question() uint32 { return a.question }

func (a *Answer) Done() <-chan struct{} { return a.done }

// Await blocks until the answer settles or ctx ends. Ending ctx only stops
// the wait; cancel the context given to Hash to abandon the call.
func (a *Answer) Await(ctx context.Context) (hasher.Result, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		return hasher.Result{}, ctx.Err()
	}
	return a.result, a.err
}

package hasher

import (
	"context"
	"errors"
	"sync"

	"edu/hyponome/internal/hashes"
)

// State is a step of a call's lifecycle:
//
//	Received -> Validated -> Computing -> Resolved | Rejected | Cancelled
//
// A payload that fails validation goes from Received straight to
// Rejected. A validated call still waiting for a worker may be Cancelled.
type State uint8

const (
	StateReceived State = iota
	StateValidated
	StateComputing
	StateResolved
	StateRejected
	StateCancelled
)

var stateNames = [...]string{"received", "validated", "computing", "resolved", "rejected", "cancelled"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) Terminal() bool { return s >= StateResolved }

var transitions = map[State][]State{
	StateReceived:  {StateValidated, StateRejected},
	StateValidated: {StateComputing, StateRejected, StateCancelled},
	StateComputing: {StateResolved, StateRejected, StateCancelled},
}

var errNotDone = errors.New("hasher: call not finished")

// Result is what a resolved call delivers. Hex is empty unless the
// service is configured to return text digests.
type Result struct {
	Digest hashes.Digest
	Hex    string
}

// PendingCall tracks one invocation from receipt to a terminal state. It
// owns the request payload until then. Only the worker driving the call
// moves it forward; any goroutine may observe it.
type PendingCall struct {
	mu     sync.Mutex
	state  State
	data   []byte
	result Result
	err    error
	done   chan struct{}

	onTerminal func(State)
}

func newPendingCall(data []byte, onTerminal func(State)) *PendingCall {
	return &PendingCall{
		state:      StateReceived,
		data:       data,
		done:       make(chan struct{}),
		onTerminal: onTerminal,
	}
}

func (c *PendingCall) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the call reaches a terminal state.
func (c *PendingCall) Done() <-chan struct{} { return c.done }

// Result returns the outcome of a finished call. A cancelled call reports
// ErrCancelled.
func (c *PendingCall) Result() (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Terminal() {
		return Result{}, errNotDone
	}
	return c.result, c.err
}

// Await blocks until the call finishes or ctx ends. Abandoning an Await
// does not cancel the call; cancel the context passed to Hash for that.
func (c *PendingCall) Await(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *PendingCall) payload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

func (c *PendingCall) advance(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moveLocked(to)
}

func (c *PendingCall) resolve(r Result) bool {
	return c.finish(StateResolved, r, nil)
}

func (c *PendingCall) reject(err error) bool {
	return c.finish(StateRejected, Result{}, err)
}

func (c *PendingCall) cancel() bool {
	return c.finish(StateCancelled, Result{}, ErrCancelled)
}

func (c *PendingCall) finish(to State, r Result, err error) bool {
	c.mu.Lock()
	if !c.moveLocked(to) {
		c.mu.Unlock()
		return false
	}
	c.result = r
	c.err = err
	c.data = nil
	c.mu.Unlock()

	if c.onTerminal != nil {
		c.onTerminal(to)
	}
	close(c.done)
	return true
}

func (c *PendingCall) moveLocked(to State) bool {
	for _, allowed := range transitions[c.state] {
		if allowed == to {
			c.state = to
			return true
		}
	}
	return false
}

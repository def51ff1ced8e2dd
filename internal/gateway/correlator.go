package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout is returned when no reply arrives within the deadline.
	ErrTimeout = errors.New("gateway: response timeout")
	// ErrConnectionClosed fails outstanding requests on teardown.
	ErrConnectionClosed = errors.New("gateway: connection closed")
	// ErrCorrelatorClosed is returned for requests after Close.
	ErrCorrelatorClosed = errors.New("gateway: correlator closed")
)

// result settles a pending request exactly once.
type result struct {
	reply *AgentReply
	err   error
}

type pendingRequest struct {
	id      string
	created time.Time
	done    chan result
}

type corrOpKind int

const (
	opRegister corrOpKind = iota
	opResolve
	opExpire
	opCancel
	opFailAll
)

type corrOp struct {
	kind    corrOpKind
	id      string
	pending *pendingRequest
	reply   *AgentReply
	err     error
	matched chan bool
}

// Correlator maps outbound request ids to pending completions. The map is
// owned by a single run goroutine; all mutation flows through the ops
// channel, so callers never touch shared state directly. Each completion
// settles exactly once: settling removes the record first.
type Correlator struct {
	timeout   time.Duration
	ops       chan corrOp
	closed    chan struct{}
	closeOnce sync.Once
	pending   atomic.Int64
}

// NewCorrelator creates a correlator whose requests time out after timeout
// (default 60s) and starts its run loop.
func NewCorrelator(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Correlator{
		timeout: timeout,
		ops:     make(chan corrOp),
		closed:  make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Correlator) run() {
	requests := make(map[string]*pendingRequest)
	timers := make(map[string]*time.Timer)

	settle := func(id string, res result) {
		req, ok := requests[id]
		if !ok {
			return
		}
		delete(requests, id)
		if t, ok := timers[id]; ok {
			t.Stop()
			delete(timers, id)
		}
		c.pending.Add(-1)
		req.done <- res
	}

	for {
		var op corrOp
		select {
		case <-c.closed:
			for id := range requests {
				req := requests[id]
				delete(requests, id)
				c.pending.Add(-1)
				req.done <- result{err: ErrCorrelatorClosed}
			}
			return
		case op = <-c.ops:
		}

		switch op.kind {
		case opRegister:
			requests[op.id] = op.pending
			c.pending.Add(1)
			id := op.id
			timers[id] = time.AfterFunc(c.timeout, func() {
				select {
				case c.ops <- corrOp{kind: opExpire, id: id}:
				case <-c.closed:
				}
			})

		case opResolve:
			_, matched := requests[op.id]
			settle(op.id, result{reply: op.reply})
			if op.matched != nil {
				op.matched <- matched
			}

		case opExpire:
			settle(op.id, result{err: ErrTimeout})

		case opCancel:
			// Caller gave up (send failure or context cancellation); drop
			// the record without signalling the done channel again.
			if _, ok := requests[op.id]; ok {
				delete(requests, op.id)
				if t, ok := timers[op.id]; ok {
					t.Stop()
					delete(timers, op.id)
				}
				c.pending.Add(-1)
			}

		case opFailAll:
			for id := range requests {
				settle(id, result{err: op.err})
			}
		}
	}
}

func (c *Correlator) submit(op corrOp) bool {
	select {
	case c.ops <- op:
		return true
	case <-c.closed:
		return false
	}
}

// Register records a pending request and returns the channel its result will
// arrive on.
func (c *Correlator) Register(id string) (<-chan result, bool) {
	req := &pendingRequest{id: id, created: time.Now(), done: make(chan result, 1)}
	if !c.submit(corrOp{kind: opRegister, id: id, pending: req}) {
		return nil, false
	}
	return req.done, true
}

// Resolve settles the pending request matching reply's message id. Returns
// false when no request was waiting (an unsolicited reply).
func (c *Correlator) Resolve(reply *AgentReply) bool {
	matched := make(chan bool, 1)
	if !c.submit(corrOp{kind: opResolve, id: reply.MessageID, reply: reply, matched: matched}) {
		return false
	}
	return <-matched
}

// Cancel discards a pending request without settling it, used when the send
// itself failed or the caller stopped waiting.
func (c *Correlator) Cancel(id string) {
	c.submit(corrOp{kind: opCancel, id: id})
}

// FailAll fails every outstanding request immediately with err.
func (c *Correlator) FailAll(err error) {
	c.submit(corrOp{kind: opFailAll, err: err})
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	return int(c.pending.Load())
}

// Await blocks until the request settles, the context is cancelled, or the
// correlator closes.
func (c *Correlator) Await(ctx context.Context, id string, done <-chan result) (*AgentReply, error) {
	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return res.reply, nil
	case <-ctx.Done():
		c.Cancel(id)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrCorrelatorClosed
	}
}

// Close stops the run loop and fails any remaining requests.
func (c *Correlator) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

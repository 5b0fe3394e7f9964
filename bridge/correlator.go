package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind is a logical category of correlated request/response, distinct
// from the raw message type tag.
type Kind string

const (
	KindVerifyPin Kind = "pin-verify"
	KindChangePin Kind = "pin-change"
)

// Response is the outcome of a correlated request, built from the
// content's response message.
type Response struct {
	Success bool
	Error   string
	Payload json.RawMessage
}

type requestResult struct {
	resp Response
	err  error
}

type pendingRequest struct {
	ch chan requestResult
}

// Correlator turns the one-shot, non-multiplexed message channel into
// request/response semantics. There is no request ID on the wire:
// correlation relies on message type tags being unique per kind and on
// at most one outstanding request per kind. A future kind that needs
// concurrency requires ID-tagged correlation instead.
type Correlator struct {
	mu      sync.Mutex
	pending map[Kind]*pendingRequest

	gate         *Gate
	send         func(Message) error
	readyTimeout time.Duration
	log          zerolog.Logger
}

// NewCorrelator creates a correlator that waits on gate before sending
// through send. readyTimeout bounds the readiness wait of each request.
func NewCorrelator(gate *Gate, send func(Message) error, readyTimeout time.Duration, logger zerolog.Logger) *Correlator {
	return &Correlator{
		pending:      make(map[Kind]*pendingRequest),
		gate:         gate,
		send:         send,
		readyTimeout: readyTimeout,
		log:          logger,
	}
}

// Request sends msg and waits for the matching response of the same
// kind. A second request of an already-outstanding kind fails
// immediately with ErrRequestInProgress; different kinds are independent
// and may be outstanding concurrently. The slot is claimed before the
// readiness wait so the duplicate check never races the gate.
func (c *Correlator) Request(ctx context.Context, kind Kind, msg Message, timeout time.Duration) (Response, error) {
	c.mu.Lock()
	if _, exists := c.pending[kind]; exists {
		c.mu.Unlock()
		return Response{}, ErrRequestInProgress
	}
	p := &pendingRequest{ch: make(chan requestResult, 1)}
	c.pending[kind] = p
	c.mu.Unlock()

	readyCtx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	err := c.gate.Wait(readyCtx)
	cancel()
	if err != nil {
		c.clear(kind, p)
		return Response{}, err
	}

	if err := c.send(msg); err != nil {
		c.clear(kind, p)
		return Response{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.ch:
		if res.err != nil {
			return Response{}, res.err
		}
		return res.resp, nil
	case <-timer.C:
		c.clear(kind, p)
		c.log.Warn().Str("kind", string(kind)).Msg("Correlated request timed out")
		return Response{}, ErrRequestTimeout
	case <-ctx.Done():
		c.clear(kind, p)
		return Response{}, ctx.Err()
	}
}

// Resolve completes the outstanding request of the given kind. Returns
// false when no request is waiting, in which case the response is
// dropped by the caller.
func (c *Correlator) Resolve(kind Kind, resp Response) bool {
	c.mu.Lock()
	p, ok := c.pending[kind]
	if ok {
		delete(c.pending, kind)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- requestResult{resp: resp}
	return true
}

// FailAll rejects every outstanding request with err. Used on bridge
// reset so no caller hangs across a backgrounding or reload.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[Kind]*pendingRequest)
	c.mu.Unlock()
	for kind, p := range pending {
		c.log.Debug().Str("kind", string(kind)).Msg("Failing outstanding request")
		p.ch <- requestResult{err: err}
	}
}

// clear removes the slot only if it still belongs to this request.
func (c *Correlator) clear(kind Kind, p *pendingRequest) {
	c.mu.Lock()
	if cur, ok := c.pending[kind]; ok && cur == p {
		delete(c.pending, kind)
	}
	c.mu.Unlock()
}

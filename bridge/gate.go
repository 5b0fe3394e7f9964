package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Gate tracks whether the embedded content has signaled that it finished
// initializing. The only transition source is the explicit content-ready
// signal; timing or visibility heuristics never set this state.
//
// States: NotReady -> Ready -> (Reset) -> NotReady. Reset re-enters
// NotReady on host backgrounding or content reload and fails every
// parked waiter with ErrGateReset so nothing hangs on stale state.
type Gate struct {
	mu      sync.Mutex
	ready   bool
	waiters []chan error
}

// NewGate creates a gate in the NotReady state.
func NewGate() *Gate {
	return &Gate{}
}

// Ready reports the current state.
func (g *Gate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// SignalReady transitions to Ready and releases every parked waiter.
// Idempotent.
func (g *Gate) SignalReady() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = true
	g.releaseLocked(nil)
}

// Reset transitions back to NotReady and fails every parked waiter with
// ErrGateReset. Idempotent.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = false
	g.releaseLocked(ErrGateReset)
}

// Wait returns nil immediately if the gate is Ready, otherwise parks
// until the next Ready transition, a Reset, or the context deadline.
// Caller-initiated cancellation is passed through unwrapped so it stays
// distinguishable from a readiness timeout.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: readiness wait: %v", ErrNotReady, ctx.Err())
	}
}

// releaseLocked resolves or rejects all waiters together. Channels are
// buffered so a waiter that already gave up on its context never blocks
// the release.
func (g *Gate) releaseLocked(err error) {
	for _, ch := range g.waiters {
		ch <- err
	}
	g.waiters = nil
}

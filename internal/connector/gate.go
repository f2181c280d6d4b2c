package connector

import (
	"context"
	"sync"
)

// ConnectGate makes Connect idempotent: concurrent callers share one
// in-flight attempt, and a completed successful attempt is remembered
// until Reset.
type ConnectGate struct {
	mu      sync.Mutex
	done    chan struct{}
	err     error
	settled bool
}

// Do runs fn once; concurrent callers block on the same attempt and all
// receive its result. After a failed attempt the next caller retries.
func (g *ConnectGate) Do(ctx context.Context, fn func() error) error {
	g.mu.Lock()
	if g.settled && g.err == nil {
		g.mu.Unlock()
		return nil
	}
	if g.done != nil {
		done := g.done
		g.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		g.mu.Lock()
		err := g.err
		g.mu.Unlock()
		return err
	}
	g.done = make(chan struct{})
	g.settled = false
	done := g.done
	g.mu.Unlock()

	err := fn()

	g.mu.Lock()
	g.err = err
	g.settled = true
	g.done = nil
	g.mu.Unlock()
	close(done)
	return err
}

// Reset forgets the last attempt, so the next Do runs fn again.
func (g *ConnectGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done == nil {
		g.settled = false
		g.err = nil
	}
}

// Connected reports whether the last completed attempt succeeded.
func (g *ConnectGate) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settled && g.err == nil
}

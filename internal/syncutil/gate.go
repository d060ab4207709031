// Package syncutil provides synchronization helpers.
package syncutil

import "context"

// Gate is a mutex backed by a buffered channel, so waiting for it can be
// abandoned on context cancellation and it can be probed without blocking.
type Gate struct {
	ch chan struct{}
}

// NewGate creates an unlocked gate.
func NewGate() *Gate {
	g := &Gate{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{}
	return g
}

// LockContext waits for the gate. On success the caller MUST call the
// returned unlock func.
func (g *Gate) LockContext(ctx context.Context) (func(), error) {
	select {
	case <-g.ch:
		return g.unlock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock takes the gate if it is free.
func (g *Gate) TryLock() (func(), bool) {
	select {
	case <-g.ch:
		return g.unlock, true
	default:
		return nil, false
	}
}

// Busy reports whether the gate is currently held.
func (g *Gate) Busy() bool {
	return len(g.ch) == 0
}

func (g *Gate) unlock() {
	g.ch <- struct{}{}
}

package llmq

import (
	"context"
	"sync"
)

// Gate bounds the number of concurrent backend calls. The limit moves at
// runtime: raising it wakes blocked acquirers, lowering it only affects
// new acquisitions. Calls already running are never interrupted.
type Gate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	limit    int
	inFlight int
	closed   bool
}

func NewGate(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	g := &Gate{limit: limit}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Acquire blocks until a slot is free and reports whether one was
// granted. It returns false once the gate is closed or ctx is done;
// cancellation is observed on every wake-up.
func (g *Gate) Acquire(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for g.inFlight >= g.limit && !g.closed {
		if ctx.Err() != nil {
			return false
		}
		g.cond.Wait()
	}
	if g.closed || ctx.Err() != nil {
		return false
	}
	g.inFlight++
	return true
}

// Release frees a slot taken by a successful Acquire.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight > 0 {
		g.inFlight--
	}
	g.cond.Broadcast()
}

// SetLimit moves the concurrency limit, clamped to at least one.
func (g *Gate) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = limit
	g.cond.Broadcast()
}

func (g *Gate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// Free reports how many more calls may start right now. It is negative
// right after the limit was lowered below the in-flight count.
func (g *Gate) Free() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit - g.inFlight
}

// Close wakes every blocked acquirer and refuses further acquisitions.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.cond.Broadcast()
}

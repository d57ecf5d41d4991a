package ctxsync

import (
	"context"
	"sync"
)

// Pending counts in-flight work items and lets callers wait, with a
// context, until the count drains to zero. Unlike a WaitGroup it may go up
// again after reaching zero, which suits queue-style producers.
type Pending struct {
	mu    sync.Mutex
	count int
	zero  chan struct{}
}

// NewPending creates a drained Pending counter.
func NewPending() *Pending {
	p := &Pending{zero: make(chan struct{})}
	close(p.zero)
	return p
}

// Add increments the in-flight count.
func (p *Pending) Add(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count == 0 && delta > 0 {
		p.zero = make(chan struct{})
	}
	p.count += delta
	if p.count < 0 {
		panic("ctxsync: negative pending count")
	}
	if p.count == 0 {
		close(p.zero)
	}
}

// Done decrements the in-flight count.
func (p *Pending) Done() { p.Add(-1) }

// WaitWithContext blocks until the count reaches zero or ctx is done.
func (p *Pending) WaitWithContext(ctx context.Context) error {
	for {
		p.mu.Lock()
		zero := p.zero
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-zero:
		}
		p.mu.Lock()
		drained := p.count == 0
		p.mu.Unlock()
		if drained {
			return nil
		}
	}
}

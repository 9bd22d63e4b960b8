// Package pool enforces the global browser-page concurrency budget.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/metrics"
)

// Pool is the single scheduling authority for browser-page slots. Session
// batches and ad-hoc jobs acquire through the same pool, so the system-wide
// ceiling of browserInstances × pagesPerBrowser is never exceeded.
type Pool struct {
	slots  chan struct{}
	size   int
	active atomic.Int64
}

// New builds a Pool sized from the pool configuration.
func New(cfg gallery.PoolConfig) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool config: %w", err)
	}
	size := cfg.Slots()
	return &Pool{
		slots: make(chan struct{}, size),
		size:  size,
	}, nil
}

// Acquire blocks until a slot is free or the context ends. Each held slot
// represents ownership of one browser page for one task run.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		metrics.SetPoolActiveSlots(int(p.active.Add(1)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("slot wait canceled: %w", ctx.Err())
	}
}

// Release frees a slot. Safe to call once per successful Acquire.
func (p *Pool) Release() {
	select {
	case <-p.slots:
		metrics.SetPoolActiveSlots(int(p.active.Add(-1)))
	default:
	}
}

// Go runs fn on its own goroutine once a slot is acquired, releasing the
// slot when fn returns. The WaitGroup is incremented before return so
// callers can wait for in-flight work.
func (p *Pool) Go(ctx context.Context, wg *sync.WaitGroup, fn func(ctx context.Context)) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer p.Release()
		fn(ctx)
	}()
	return nil
}

// Active reports the number of currently held slots.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Size reports the hard slot ceiling.
func (p *Pool) Size() int {
	return p.size
}

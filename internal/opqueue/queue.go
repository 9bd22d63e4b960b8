// Package opqueue serializes backing-store writes behind a retrying FIFO.
package opqueue

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/templio/gallery-engine/internal/metrics"
)

// Queue-level sentinel errors.
var (
	ErrQueueClosed      = errors.New("operation queue closed")
	ErrQueueFailed      = errors.New("operation queue failed")
	ErrReconnectTimeout = errors.New("backing store reconnection timed out")
)

// Prober checks backing-store connectivity between retries.
type Prober interface {
	Ping(ctx context.Context) error
}

// Operation is one unit of work against the backing store.
type Operation struct {
	Name       string
	MaxRetries int
	Do         func(ctx context.Context) error
}

// Config tunes retry backoff and outage handling.
type Config struct {
	Depth             int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	ReconnectInterval time.Duration
	ReconnectTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Depth <= 0 {
		c.Depth = 256
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 250 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 2 * time.Second
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = 2 * time.Minute
	}
	return c
}

type pending struct {
	op   Operation
	done chan error
}

// Queue processes operations strictly in submission order with at most one
// in flight. A sustained connectivity outage pauses the whole queue, not
// just the failed operation.
type Queue struct {
	cfg    Config
	prober Prober
	logger *zap.Logger

	ch chan pending
	wg sync.WaitGroup

	mu       sync.Mutex
	started  bool
	closed   bool
	terminal error
}

// New constructs a Queue. Start must be called before Submit.
func New(prober Prober, cfg Config, logger *zap.Logger) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:    cfg,
		prober: prober,
		logger: logger,
		ch:     make(chan pending, cfg.Depth),
	}
}

// Start launches the single consumer goroutine.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.consume(ctx)
}

// Submit enqueues an operation and returns a channel resolved with its
// terminal outcome. Submission order is execution order.
func (q *Queue) Submit(ctx context.Context, op Operation) (<-chan error, error) {
	if op.Do == nil {
		return nil, fmt.Errorf("operation %q has no body", op.Name)
	}
	p := pending{op: op, done: make(chan error, 1)}
	// The closed check and the send share the lock so a concurrent Close
	// cannot close the channel between them.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.terminal != nil {
		return nil, q.terminal
	}
	if q.closed {
		return nil, ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("submit %q canceled: %w", op.Name, ctx.Err())
	case q.ch <- p:
		metrics.SetOpqueueDepth(len(q.ch))
		return p.done, nil
	}
}

// SubmitWait enqueues and blocks until the operation resolves.
func (q *Queue) SubmitWait(ctx context.Context, op Operation) error {
	done, err := q.Submit(ctx, op)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait for %q canceled: %w", op.Name, ctx.Err())
	case err := <-done:
		return err
	}
}

// Close stops accepting work and waits for queued operations to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}

// Err returns the terminal queue error, if any.
func (q *Queue) Err() error {
	return q.failure()
}

// Depth reports the number of queued, not-yet-resolved operations.
func (q *Queue) Depth() int {
	return len(q.ch)
}

func (q *Queue) failure() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.terminal != nil {
		return q.terminal
	}
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}

func (q *Queue) fail(err error) {
	q.mu.Lock()
	if q.terminal == nil {
		q.terminal = fmt.Errorf("%w: %v", ErrQueueFailed, err)
	}
	q.mu.Unlock()
}

func (q *Queue) consume(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			q.drainInto(ctx.Err())
			return
		case p, ok := <-q.ch:
			if !ok {
				return
			}
			metrics.SetOpqueueDepth(len(q.ch))
			err := q.execute(ctx, p.op)
			p.done <- err
			if err != nil && (errors.Is(err, ErrReconnectTimeout) || ctx.Err() != nil) {
				q.fail(err)
				q.drainInto(err)
				return
			}
		}
	}
}

// drainInto resolves any remaining queued operations with err so that
// waiters never block on an abandoned queue.
func (q *Queue) drainInto(err error) {
	for {
		select {
		case p, ok := <-q.ch:
			if !ok {
				return
			}
			p.done <- fmt.Errorf("operation %q abandoned: %w", p.op.Name, err)
		default:
			return
		}
	}
}

func (q *Queue) execute(ctx context.Context, op Operation) error {
	var lastErr error
	for attempt := 0; attempt <= op.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("operation %q canceled: %w", op.Name, ctx.Err())
		}
		err := op.Do(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == op.MaxRetries {
			break
		}
		metrics.ObserveOpqueueRetry()
		delay := q.backoff(attempt)
		q.logger.Warn("operation failed, backing off",
			zap.String("op", op.Name),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("operation %q canceled: %w", op.Name, err)
		}
		if err := q.ensureConnectivity(ctx, op.Name); err != nil {
			return err
		}
	}
	return fmt.Errorf("operation %q exhausted %d retries: %w", op.Name, op.MaxRetries, lastErr)
}

// ensureConnectivity blocks while the backing store is unreachable, bounded
// by the overall reconnection timeout.
func (q *Queue) ensureConnectivity(ctx context.Context, opName string) error {
	if q.prober == nil {
		return nil
	}
	if err := q.prober.Ping(ctx); err == nil {
		return nil
	}
	q.logger.Warn("backing store unreachable, pausing queue", zap.String("op", opName))
	deadline := time.Now().Add(q.cfg.ReconnectTimeout)
	for {
		if err := sleep(ctx, q.cfg.ReconnectInterval); err != nil {
			return fmt.Errorf("reconnect wait canceled: %w", err)
		}
		if err := q.prober.Ping(ctx); err == nil {
			q.logger.Info("backing store reachable again, resuming queue")
			return nil
		}
		if time.Now().After(deadline) {
			return ErrReconnectTimeout
		}
	}
}

// backoff computes min(base·2^attempt, cap) plus jitter in [0, delay/2).
func (q *Queue) backoff(attempt int) time.Duration {
	delay := float64(q.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(q.cfg.MaxDelay) {
		delay = float64(q.cfg.MaxDelay)
	}
	return time.Duration(delay) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

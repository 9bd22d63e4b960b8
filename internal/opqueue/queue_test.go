package opqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/templio/gallery-engine/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeProber struct {
	mu   sync.Mutex
	errs []error
}

func (p *fakeProber) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) == 0 {
		return nil
	}
	err := p.errs[0]
	p.errs = p.errs[1:]
	return err
}

func testConfig() Config {
	return Config{
		BaseDelay:         time.Millisecond,
		MaxDelay:          8 * time.Millisecond,
		ReconnectInterval: time.Millisecond,
		ReconnectTimeout:  20 * time.Millisecond,
	}
}

func TestQueuePreservesSubmissionOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(&fakeProber{}, testConfig(), zap.NewNop())
	q.Start(ctx)
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var dones []<-chan error
	for i := 0; i < 10; i++ {
		i := i
		done, err := q.Submit(ctx, Operation{
			Name: "op",
			Do: func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			},
		})
		require.NoError(t, err)
		dones = append(dones, done)
	}
	for _, done := range dones {
		require.NoError(t, <-done)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		require.Equal(t, i, got)
	}
}

func TestQueueRetriesExactlyMaxRetries(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(&fakeProber{}, testConfig(), zap.NewNop())
	q.Start(ctx)
	defer q.Close()

	var calls atomic.Int32
	opErr := errors.New("write refused")
	err := q.SubmitWait(ctx, Operation{
		Name:       "failing",
		MaxRetries: 3,
		Do: func(context.Context) error {
			calls.Add(1)
			return opErr
		},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, opErr)
	// One initial attempt plus exactly MaxRetries retries.
	require.Equal(t, int32(4), calls.Load())
}

func TestQueueBackoffMonotoneUpToCap(t *testing.T) {
	t.Parallel()

	q := New(nil, Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, zap.NewNop())

	var prevFloor time.Duration
	for attempt := 0; attempt < 8; attempt++ {
		delay := q.backoff(attempt)
		floor := time.Duration(float64(100*time.Millisecond) * float64(int(1)<<attempt))
		if floor > time.Second {
			floor = time.Second
		}
		require.GreaterOrEqual(t, delay, floor)
		require.LessOrEqual(t, delay, floor+floor/2)
		require.GreaterOrEqual(t, floor, prevFloor)
		prevFloor = floor
	}
}

func TestQueuePausesUntilReconnect(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	down := errors.New("connection refused")
	prober := &fakeProber{errs: []error{down, down, down}}
	q := New(prober, testConfig(), zap.NewNop())
	q.Start(ctx)
	defer q.Close()

	var calls atomic.Int32
	err := q.SubmitWait(ctx, Operation{
		Name:       "flaky",
		MaxRetries: 2,
		Do: func(context.Context) error {
			if calls.Add(1) == 1 {
				return down
			}
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestQueueFailsRunOnReconnectTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	down := errors.New("connection refused")
	// Prober that never recovers.
	prober := &fakeProber{}
	for i := 0; i < 1000; i++ {
		prober.errs = append(prober.errs, down)
	}
	q := New(prober, testConfig(), zap.NewNop())
	q.Start(ctx)
	defer q.Close()

	err := q.SubmitWait(ctx, Operation{
		Name:       "doomed",
		MaxRetries: 5,
		Do:         func(context.Context) error { return down },
	})
	require.ErrorIs(t, err, ErrReconnectTimeout)

	// The queue is now terminal; later submissions are refused.
	require.Eventually(t, func() bool {
		_, err := q.Submit(ctx, Operation{Name: "late", Do: func(context.Context) error { return nil }})
		return errors.Is(err, ErrQueueFailed)
	}, time.Second, 5*time.Millisecond)
}

func TestQueueLaterOpWaitsForEarlierRetries(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(&fakeProber{}, testConfig(), zap.NewNop())
	q.Start(ctx)
	defer q.Close()

	var firstDone atomic.Bool
	var overtaken atomic.Bool

	var attempts atomic.Int32
	d1, err := q.Submit(ctx, Operation{
		Name:       "slow",
		MaxRetries: 3,
		Do: func(context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("not yet")
			}
			firstDone.Store(true)
			return nil
		},
	})
	require.NoError(t, err)
	d2, err := q.Submit(ctx, Operation{
		Name: "fast",
		Do: func(context.Context) error {
			if !firstDone.Load() {
				overtaken.Store(true)
			}
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, <-d1)
	require.NoError(t, <-d2)
	require.False(t, overtaken.Load(), "later operation overtook an unresolved earlier one")
}

func TestQueueSubmitDuringCloseNeverPanics(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(&fakeProber{}, testConfig(), zap.NewNop())
	q.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := q.Submit(ctx, Operation{
					Name: "op",
					Do:   func(context.Context) error { return nil },
				})
				if err != nil {
					require.ErrorIs(t, err, ErrQueueClosed)
					return
				}
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	q.Close()
	wg.Wait()

	_, err := q.Submit(ctx, Operation{
		Name: "late",
		Do:   func(context.Context) error { return nil },
	})
	require.ErrorIs(t, err, ErrQueueClosed)
}

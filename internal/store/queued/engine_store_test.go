package queued

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/metrics"
	"github.com/templio/gallery-engine/internal/opqueue"
	"github.com/templio/gallery-engine/internal/store"
	"github.com/templio/gallery-engine/internal/store/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

// flakyStores fails the first failures calls of every write, then delegates.
type flakyStores struct {
	*memory.EngineStore

	mu       sync.Mutex
	failures int
	writes   int
}

func (f *flakyStores) blip() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("store blip")
	}
	return nil
}

func (f *flakyStores) UpdateTask(ctx context.Context, task gallery.TemplateTask) error {
	if err := f.blip(); err != nil {
		return err
	}
	return f.EngineStore.UpdateTask(ctx, task)
}

func newQueued(t *testing.T, inner EngineStores, maxRetries int) *EngineStore {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	q := opqueue.New(nil, opqueue.Config{
		BaseDelay:         time.Millisecond,
		MaxDelay:          4 * time.Millisecond,
		ReconnectInterval: time.Millisecond,
		ReconnectTimeout:  20 * time.Millisecond,
	}, zap.NewNop())
	q.Start(ctx)
	t.Cleanup(func() {
		q.Close()
		cancel()
	})
	return New(inner, q, maxRetries)
}

func TestEngineStoreWritesFlowThroughQueue(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewEngineStore()
	s := newQueued(t, inner, 3)

	require.NoError(t, s.CreateSession(ctx, gallery.ScrapeSession{
		ID:           "sess-1",
		Type:         gallery.SessionTypeFull,
		Status:       gallery.SessionPending,
		TotalBatches: 1,
	}))
	require.NoError(t, s.UpdateSessionStatus(ctx, "sess-1", gallery.SessionRunning, ""))
	require.NoError(t, s.CreateBatches(ctx, []gallery.ScrapeBatch{
		{ID: "b-1", SessionID: "sess-1", Number: 1, Status: gallery.BatchPending},
	}))
	require.NoError(t, s.CreateTasks(ctx, []gallery.TemplateTask{
		{ID: "t-1", BatchID: "b-1", Slug: "alpha", Status: gallery.TaskPending},
	}))
	require.NoError(t, s.SaveResumePoint(ctx, gallery.ResumePoint{SessionID: "sess-1"}))

	// Every write above must be visible through the inner store.
	sess, err := inner.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, gallery.SessionRunning, sess.Status)

	tasks, err := s.ListTasks(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	_, err = s.GetResumePoint(ctx, "sess-1")
	require.NoError(t, err)
}

func TestEngineStoreRetriesTransientWriteFailures(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStores{EngineStore: memory.NewEngineStore(), failures: 2}
	s := newQueued(t, inner, 3)

	require.NoError(t, inner.CreateTasks(ctx, []gallery.TemplateTask{
		{ID: "t-1", BatchID: "b-1", Slug: "alpha", Status: gallery.TaskPending},
	}))

	require.NoError(t, s.UpdateTask(ctx, gallery.TemplateTask{
		ID: "t-1", BatchID: "b-1", Slug: "alpha", Status: gallery.TaskCompleted,
	}))

	inner.mu.Lock()
	writes := inner.writes
	inner.mu.Unlock()
	require.Equal(t, 3, writes, "two blips then the succeeding attempt")

	tasks, err := s.ListTasks(ctx, "b-1")
	require.NoError(t, err)
	require.Equal(t, gallery.TaskCompleted, tasks[0].Status)
}

func TestEngineStorePreservesSentinelErrors(t *testing.T) {
	ctx := context.Background()
	s := newQueued(t, memory.NewEngineStore(), 0)

	err := s.UpdateTask(ctx, gallery.TemplateTask{ID: "t-9", BatchID: "b-9"})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetSession(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngineStoreReadsBypassClosedQueue(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewEngineStore()

	q := opqueue.New(nil, opqueue.Config{BaseDelay: time.Millisecond}, zap.NewNop())
	q.Start(ctx)
	s := New(inner, q, 1)

	require.NoError(t, s.CreateSession(ctx, gallery.ScrapeSession{
		ID:     "sess-1",
		Type:   gallery.SessionTypeFull,
		Status: gallery.SessionPending,
	}))
	q.Close()

	_, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)

	err = s.UpdateSessionStatus(ctx, "sess-1", gallery.SessionRunning, "")
	require.ErrorIs(t, err, opqueue.ErrQueueClosed)
}

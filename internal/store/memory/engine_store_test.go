package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/store"
)

func newSession(id string) gallery.ScrapeSession {
	return gallery.ScrapeSession{
		ID:           id,
		Type:         gallery.SessionTypeFull,
		Status:       gallery.SessionPending,
		BatchSize:    2,
		TotalBatches: 3,
	}
}

func TestEngineStoreSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewEngineStore()

	require.NoError(t, s.CreateSession(ctx, newSession("sess-1")))
	require.Error(t, s.CreateSession(ctx, newSession("sess-1")), "duplicate IDs rejected")

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, gallery.SessionPending, got.Status)

	_, err = s.GetSession(ctx, "sess-missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.UpdateSessionStatus(ctx, "sess-1", gallery.SessionRunning, ""))
	got, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got.Started)
	assert.Nil(t, got.Completed)

	require.NoError(t, s.UpdateSessionStatus(ctx, "sess-1", gallery.SessionPaused, ""))
	got, _ = s.GetSession(ctx, "sess-1")
	require.NotNil(t, got.Paused)

	require.NoError(t, s.UpdateSessionStatus(ctx, "sess-1", gallery.SessionRunning, ""))
	got, _ = s.GetSession(ctx, "sess-1")
	require.NotNil(t, got.Resumed)

	require.NoError(t, s.UpdateSessionStatus(ctx, "sess-1", gallery.SessionCompleted, ""))
	got, _ = s.GetSession(ctx, "sess-1")
	require.NotNil(t, got.Completed)

	err = s.UpdateSessionStatus(ctx, "sess-1", gallery.SessionRunning, "")
	require.Error(t, err, "terminal sessions never restart")
}

func TestEngineStoreRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	s := NewEngineStore()
	require.NoError(t, s.CreateSession(ctx, newSession("sess-1")))

	err := s.UpdateSessionStatus(ctx, "sess-1", gallery.SessionPaused, "")
	require.ErrorContains(t, err, "illegal transition")
}

func TestEngineStoreSessionProgress(t *testing.T) {
	ctx := context.Background()
	s := NewEngineStore()
	require.NoError(t, s.CreateSession(ctx, newSession("sess-1")))

	counters := gallery.SessionCounters{Total: 6, Processed: 2, Succeeded: 1, Failed: 1}
	require.NoError(t, s.UpdateSessionProgress(ctx, "sess-1", counters, 1))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, counters, got.Counters)
	assert.Equal(t, 1, got.CurrentBatch)

	bad := gallery.SessionCounters{Total: 6, Processed: 3, Succeeded: 1}
	require.Error(t, s.UpdateSessionProgress(ctx, "sess-1", bad, 1))

	require.Error(t, s.UpdateSessionProgress(ctx, "sess-1", counters, 4),
		"batch index beyond total rejected")
}

func TestEngineStoreActiveSession(t *testing.T) {
	ctx := context.Background()
	s := NewEngineStore()

	_, err := s.ActiveSession(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.CreateSession(ctx, newSession("sess-1")))
	require.NoError(t, s.UpdateSessionStatus(ctx, "sess-1", gallery.SessionCancelled, ""))
	_, err = s.ActiveSession(ctx)
	require.ErrorIs(t, err, store.ErrNotFound, "terminal sessions are not active")

	require.NoError(t, s.CreateSession(ctx, newSession("sess-2")))
	got, err := s.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", got.ID)
}

func TestEngineStoreBatchesOrderedByNumber(t *testing.T) {
	ctx := context.Background()
	s := NewEngineStore()

	require.NoError(t, s.CreateBatches(ctx, []gallery.ScrapeBatch{
		{ID: "b-2", SessionID: "sess-1", Number: 2, Status: gallery.BatchPending},
		{ID: "b-1", SessionID: "sess-1", Number: 1, Status: gallery.BatchPending},
	}))

	batches, err := s.ListBatches(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, 1, batches[0].Number)
	assert.Equal(t, 2, batches[1].Number)

	running := batches[0]
	running.Status = gallery.BatchRunning
	require.NoError(t, s.UpdateBatch(ctx, running))

	completed := running
	completed.Status = gallery.BatchCompleted
	require.NoError(t, s.UpdateBatch(ctx, completed))

	bad := batches[1]
	bad.Status = gallery.BatchCompleted
	require.ErrorContains(t, s.UpdateBatch(ctx, bad), "illegal transition")

	missing := gallery.ScrapeBatch{ID: "b-9", SessionID: "sess-1", Status: gallery.BatchRunning}
	require.ErrorIs(t, s.UpdateBatch(ctx, missing), store.ErrNotFound)
}

func TestEngineStoreTasks(t *testing.T) {
	ctx := context.Background()
	s := NewEngineStore()

	require.NoError(t, s.CreateTasks(ctx, []gallery.TemplateTask{
		{ID: "t-1", BatchID: "b-1", Slug: "alpha", Status: gallery.TaskPending},
		{ID: "t-2", BatchID: "b-1", Slug: "beta", Status: gallery.TaskPending},
	}))

	tasks, err := s.ListTasks(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "alpha", tasks[0].Slug)

	done := tasks[0]
	done.Status = gallery.TaskCompleted
	require.NoError(t, s.UpdateTask(ctx, done))

	tasks, _ = s.ListTasks(ctx, "b-1")
	assert.Equal(t, gallery.TaskCompleted, tasks[0].Status)

	require.ErrorIs(t, s.UpdateTask(ctx, gallery.TemplateTask{ID: "t-9", BatchID: "b-1"}), store.ErrNotFound)
}

func TestEngineStoreResumePoint(t *testing.T) {
	ctx := context.Background()
	s := NewEngineStore()

	_, err := s.GetResumePoint(ctx, "sess-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveResumePoint(ctx, gallery.ResumePoint{
		SessionID:     "sess-1",
		RemainingURLs: []string{"https://example.com/t/beta"},
	}))
	require.NoError(t, s.SaveResumePoint(ctx, gallery.ResumePoint{
		SessionID:     "sess-1",
		LastBatchID:   "b-1",
		RemainingURLs: nil,
	}))

	point, err := s.GetResumePoint(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "b-1", point.LastBatchID)
	assert.Empty(t, point.RemainingURLs, "checkpoint overwrites, never merges")
}

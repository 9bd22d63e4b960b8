// Package queued decorates the engine stores so every write flows through
// the operation queue.
package queued

import (
	"context"

	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/opqueue"
	"github.com/templio/gallery-engine/internal/store"
)

// EngineStores bundles the four engine-state stores the decorator wraps.
type EngineStores interface {
	store.SessionStore
	store.BatchStore
	store.TaskStore
	store.ResumeStore
}

// EngineStore delegates reads straight to the inner store and serializes
// every mutation through the operation queue, so session, batch, task and
// resume-point persists get the same retry and outage-pause behavior as
// catalog writes.
type EngineStore struct {
	inner   EngineStores
	ops     *opqueue.Queue
	retries int
}

// New wraps inner. maxRetries bounds per-write retry attempts.
func New(inner EngineStores, ops *opqueue.Queue, maxRetries int) *EngineStore {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &EngineStore{inner: inner, ops: ops, retries: maxRetries}
}

func (s *EngineStore) submit(ctx context.Context, name string, do func(ctx context.Context) error) error {
	return s.ops.SubmitWait(ctx, opqueue.Operation{
		Name:       name,
		MaxRetries: s.retries,
		Do:         do,
	})
}

// CreateSession queues the session insert.
func (s *EngineStore) CreateSession(ctx context.Context, session gallery.ScrapeSession) error {
	return s.submit(ctx, "create-session", func(opCtx context.Context) error {
		return s.inner.CreateSession(opCtx, session)
	})
}

// GetSession fetches a session directly.
func (s *EngineStore) GetSession(ctx context.Context, id string) (gallery.ScrapeSession, error) {
	return s.inner.GetSession(ctx, id)
}

// UpdateSessionStatus queues the status transition.
func (s *EngineStore) UpdateSessionStatus(
	ctx context.Context,
	id string,
	status gallery.SessionStatus,
	errText string,
) error {
	return s.submit(ctx, "update-session-status", func(opCtx context.Context) error {
		return s.inner.UpdateSessionStatus(opCtx, id, status, errText)
	})
}

// UpdateSessionProgress queues the counter rollup.
func (s *EngineStore) UpdateSessionProgress(
	ctx context.Context,
	id string,
	counters gallery.SessionCounters,
	currentBatch int,
) error {
	return s.submit(ctx, "update-session-progress", func(opCtx context.Context) error {
		return s.inner.UpdateSessionProgress(opCtx, id, counters, currentBatch)
	})
}

// ActiveSession reads directly.
func (s *EngineStore) ActiveSession(ctx context.Context) (gallery.ScrapeSession, error) {
	return s.inner.ActiveSession(ctx)
}

// CreateBatches queues the batch inserts.
func (s *EngineStore) CreateBatches(ctx context.Context, batches []gallery.ScrapeBatch) error {
	return s.submit(ctx, "create-batches", func(opCtx context.Context) error {
		return s.inner.CreateBatches(opCtx, batches)
	})
}

// ListBatches reads directly.
func (s *EngineStore) ListBatches(ctx context.Context, sessionID string) ([]gallery.ScrapeBatch, error) {
	return s.inner.ListBatches(ctx, sessionID)
}

// UpdateBatch queues the batch update.
func (s *EngineStore) UpdateBatch(ctx context.Context, batch gallery.ScrapeBatch) error {
	return s.submit(ctx, "update-batch", func(opCtx context.Context) error {
		return s.inner.UpdateBatch(opCtx, batch)
	})
}

// CreateTasks queues the task inserts.
func (s *EngineStore) CreateTasks(ctx context.Context, tasks []gallery.TemplateTask) error {
	return s.submit(ctx, "create-tasks", func(opCtx context.Context) error {
		return s.inner.CreateTasks(opCtx, tasks)
	})
}

// ListTasks reads directly.
func (s *EngineStore) ListTasks(ctx context.Context, batchID string) ([]gallery.TemplateTask, error) {
	return s.inner.ListTasks(ctx, batchID)
}

// UpdateTask queues the task update.
func (s *EngineStore) UpdateTask(ctx context.Context, task gallery.TemplateTask) error {
	return s.submit(ctx, "update-task", func(opCtx context.Context) error {
		return s.inner.UpdateTask(opCtx, task)
	})
}

// SaveResumePoint queues the checkpoint upsert.
func (s *EngineStore) SaveResumePoint(ctx context.Context, point gallery.ResumePoint) error {
	return s.submit(ctx, "save-resume-point", func(opCtx context.Context) error {
		return s.inner.SaveResumePoint(opCtx, point)
	})
}

// GetResumePoint reads directly.
func (s *EngineStore) GetResumePoint(ctx context.Context, sessionID string) (gallery.ResumePoint, error) {
	return s.inner.GetResumePoint(ctx, sessionID)
}

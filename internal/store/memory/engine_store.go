// Package memory provides in-memory stores for development and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/store"
)

// EngineStore implements the session, batch, task and resume stores with
// mutex-guarded maps.
type EngineStore struct {
	mu       sync.RWMutex
	sessions map[string]gallery.ScrapeSession
	batches  map[string][]gallery.ScrapeBatch
	tasks    map[string][]gallery.TemplateTask
	resumes  map[string]gallery.ResumePoint
}

// NewEngineStore constructs an empty EngineStore.
func NewEngineStore() *EngineStore {
	return &EngineStore{
		sessions: make(map[string]gallery.ScrapeSession),
		batches:  make(map[string][]gallery.ScrapeBatch),
		tasks:    make(map[string][]gallery.TemplateTask),
		resumes:  make(map[string]gallery.ResumePoint),
	}
}

// CreateSession stores a new session.
func (s *EngineStore) CreateSession(_ context.Context, session gallery.ScrapeSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	s.sessions[session.ID] = session
	return nil
}

// GetSession fetches a session by ID.
func (s *EngineStore) GetSession(_ context.Context, id string) (gallery.ScrapeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return gallery.ScrapeSession{}, store.ErrNotFound
	}
	return session, nil
}

// UpdateSessionStatus validates and applies a status transition.
func (s *EngineStore) UpdateSessionStatus(
	_ context.Context,
	id string,
	status gallery.SessionStatus,
	errText string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if session.Status != status && !session.Status.CanTransition(status) {
		return fmt.Errorf("session %s: illegal transition %s -> %s", id, session.Status, status)
	}
	now := time.Now().UTC()
	switch {
	case status == gallery.SessionRunning && session.Status == gallery.SessionPaused:
		session.Resumed = pointerTime(now)
	case status == gallery.SessionRunning && session.Started == nil:
		session.Started = pointerTime(now)
	case status == gallery.SessionPaused:
		session.Paused = pointerTime(now)
	}
	if status.Terminal() {
		session.Completed = pointerTime(now)
	}
	session.Status = status
	session.ErrorText = errText
	s.sessions[id] = session
	return nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

// UpdateSessionProgress writes counters and the current batch index.
func (s *EngineStore) UpdateSessionProgress(
	_ context.Context,
	id string,
	counters gallery.SessionCounters,
	currentBatch int,
) error {
	if !counters.Consistent() {
		return fmt.Errorf("session %s: inconsistent counters %+v", id, counters)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if currentBatch > session.TotalBatches {
		return fmt.Errorf("session %s: batch index %d exceeds total %d", id, currentBatch, session.TotalBatches)
	}
	session.Counters = counters
	session.CurrentBatch = currentBatch
	s.sessions[id] = session
	return nil
}

// ActiveSession returns the single non-terminal session, if any.
func (s *EngineStore) ActiveSession(_ context.Context) (gallery.ScrapeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.sessions {
		if !session.Status.Terminal() {
			return session, nil
		}
	}
	return gallery.ScrapeSession{}, store.ErrNotFound
}

// CreateBatches stores the batches for a session.
func (s *EngineStore) CreateBatches(_ context.Context, batches []gallery.ScrapeBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range batches {
		s.batches[b.SessionID] = append(s.batches[b.SessionID], b)
	}
	return nil
}

// ListBatches returns a session's batches ordered by number.
func (s *EngineStore) ListBatches(_ context.Context, sessionID string) ([]gallery.ScrapeBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batches := s.batches[sessionID]
	out := make([]gallery.ScrapeBatch, len(batches))
	copy(out, batches)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// UpdateBatch replaces a stored batch after validating the transition.
func (s *EngineStore) UpdateBatch(_ context.Context, batch gallery.ScrapeBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batches := s.batches[batch.SessionID]
	for i, b := range batches {
		if b.ID != batch.ID {
			continue
		}
		if b.Status != batch.Status && !b.Status.CanTransition(batch.Status) {
			return fmt.Errorf("batch %s: illegal transition %s -> %s", batch.ID, b.Status, batch.Status)
		}
		batches[i] = batch
		return nil
	}
	return store.ErrNotFound
}

// CreateTasks stores the tasks for a batch.
func (s *EngineStore) CreateTasks(_ context.Context, tasks []gallery.TemplateTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.tasks[t.BatchID] = append(s.tasks[t.BatchID], t)
	}
	return nil
}

// ListTasks returns a batch's tasks in creation order.
func (s *EngineStore) ListTasks(_ context.Context, batchID string) ([]gallery.TemplateTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := s.tasks[batchID]
	out := make([]gallery.TemplateTask, len(tasks))
	copy(out, tasks)
	return out, nil
}

// UpdateTask replaces a stored task.
func (s *EngineStore) UpdateTask(_ context.Context, task gallery.TemplateTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.tasks[task.BatchID]
	for i, t := range tasks {
		if t.ID == task.ID {
			tasks[i] = task
			return nil
		}
	}
	return store.ErrNotFound
}

// SaveResumePoint overwrites the session's checkpoint.
func (s *EngineStore) SaveResumePoint(_ context.Context, point gallery.ResumePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes[point.SessionID] = point
	return nil
}

// GetResumePoint fetches the session's checkpoint.
func (s *EngineStore) GetResumePoint(_ context.Context, sessionID string) (gallery.ResumePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	point, ok := s.resumes[sessionID]
	if !ok {
		return gallery.ResumePoint{}, store.ErrNotFound
	}
	return point, nil
}

// Package scheduler drives scrape sessions batch by batch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/templio/gallery-engine/internal/discovery"
	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/metrics"
	"github.com/templio/gallery-engine/internal/pool"
	"github.com/templio/gallery-engine/internal/store"
	"github.com/templio/gallery-engine/internal/task"
)

// Scheduler-level sentinel errors.
var (
	ErrSessionActive   = errors.New("another session is already active")
	ErrNoActiveSession = errors.New("no active session")
	ErrNotPaused       = errors.New("session is not paused")
)

// TaskRunner executes one task's state machine.
type TaskRunner interface {
	Run(ctx context.Context, t *gallery.TemplateTask, rc task.RunContext) error
}

// SessionSpec describes one requested scrape run. FeaturedURLs are scheduled
// ahead of URLs; both lists keep their given order.
type SessionSpec struct {
	Type         gallery.SessionType
	FeaturedURLs []string
	URLs         []string
	BatchSize    int
	Capture      gallery.CaptureConfig
	Pool         gallery.PoolConfig
}

// Config tunes scheduler defaults.
type Config struct {
	DefaultBatchSize int
}

func (c Config) withDefaults() Config {
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = 25
	}
	return c
}

// control states for a running session loop.
const (
	ctrlRunning int32 = iota
	ctrlPausing
	ctrlCancelling
)

type run struct {
	sessionID string
	ctrl      atomic.Int32
	done      chan struct{}
}

// Scheduler turns URL lists into sessions and executes their batches
// strictly in order. At most one session is active at a time.
type Scheduler struct {
	sessions store.SessionStore
	batches  store.BatchStore
	tasks    store.TaskStore
	resume   store.ResumeStore
	catalog  store.TemplateCatalog
	filters  store.FilterStore
	runner   TaskRunner
	pool     *pool.Pool
	ids      gallery.IDGenerator
	clock    gallery.Clock
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	baseCtx context.Context
	current *run

	pub      gallery.Publisher
	pubTopic string
}

// New constructs a Scheduler.
func New(
	sessions store.SessionStore,
	batches store.BatchStore,
	tasks store.TaskStore,
	resume store.ResumeStore,
	catalog store.TemplateCatalog,
	filters store.FilterStore,
	runner TaskRunner,
	p *pool.Pool,
	ids gallery.IDGenerator,
	clock gallery.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		sessions: sessions,
		batches:  batches,
		tasks:    tasks,
		resume:   resume,
		catalog:  catalog,
		filters:  filters,
		runner:   runner,
		pool:     p,
		ids:      ids,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		baseCtx:  context.Background(),
	}
}

// Start records the lifetime context for session run loops. Loops outlive
// the request that started them, so they run on this context, not the
// caller's.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx = ctx
}

// SetPublisher enables best-effort session lifecycle events on the topic.
func (s *Scheduler) SetPublisher(pub gallery.Publisher, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pub = pub
	s.pubTopic = topic
}

func (s *Scheduler) publishLifecycle(ctx context.Context, sessionID string, status gallery.SessionStatus) {
	s.mu.Lock()
	pub, topic := s.pub, s.pubTopic
	s.mu.Unlock()
	if pub == nil || topic == "" {
		return
	}
	payload := map[string]any{
		"session_id": sessionID,
		"status":     string(status),
		"timestamp":  s.clock.Now().Format(time.RFC3339),
	}
	if _, err := pub.Publish(ctx, topic, payload); err != nil {
		s.logger.Warn("publish session event failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// StartSession persists a new session with its batches and tasks, then
// begins executing it in the background. Returns ErrSessionActive when a
// pending, running or paused session already exists.
func (s *Scheduler) StartSession(ctx context.Context, spec SessionSpec) (gallery.ScrapeSession, error) {
	if !spec.Type.Valid() {
		return gallery.ScrapeSession{}, fmt.Errorf("unknown session type %q", spec.Type)
	}
	urls := dedupe(append(append([]string{}, spec.FeaturedURLs...), spec.URLs...))
	if len(urls) == 0 {
		return gallery.ScrapeSession{}, fmt.Errorf("session has no URLs")
	}
	if spec.BatchSize <= 0 {
		spec.BatchSize = s.cfg.DefaultBatchSize
	}
	if spec.Capture == (gallery.CaptureConfig{}) {
		spec.Capture = gallery.DefaultCaptureConfig()
	}
	if err := spec.Capture.Validate(); err != nil {
		return gallery.ScrapeSession{}, fmt.Errorf("capture config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return gallery.ScrapeSession{}, ErrSessionActive
	}
	if _, err := s.sessions.ActiveSession(ctx); err == nil {
		return gallery.ScrapeSession{}, ErrSessionActive
	} else if !errors.Is(err, store.ErrNotFound) {
		return gallery.ScrapeSession{}, fmt.Errorf("check active session: %w", err)
	}

	sess, err := s.seedSession(ctx, spec, urls)
	if err != nil {
		return gallery.ScrapeSession{}, err
	}

	if err := s.sessions.UpdateSessionStatus(ctx, sess.ID, gallery.SessionRunning, ""); err != nil {
		return gallery.ScrapeSession{}, fmt.Errorf("start session: %w", err)
	}
	sess.Status = gallery.SessionRunning

	s.launch(sess)
	return sess, nil
}

// Pause asks the active session to stop dispatching. In-flight tasks finish
// naturally; the run loop then checkpoints and parks the session paused.
func (s *Scheduler) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoActiveSession
	}
	s.current.ctrl.CompareAndSwap(ctrlRunning, ctrlPausing)
	return nil
}

// Resume re-enters a paused session at its first non-terminal batch.
// Terminal tasks are never re-executed; interrupted tasks re-enter pending.
func (s *Scheduler) Resume(ctx context.Context) (gallery.ScrapeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return gallery.ScrapeSession{}, ErrSessionActive
	}

	sess, err := s.sessions.ActiveSession(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return gallery.ScrapeSession{}, ErrNoActiveSession
		}
		return gallery.ScrapeSession{}, fmt.Errorf("load active session: %w", err)
	}
	if sess.Status != gallery.SessionPaused {
		return gallery.ScrapeSession{}, ErrNotPaused
	}

	s.verifyCheckpoint(ctx, sess.ID)

	if err := s.sessions.UpdateSessionStatus(ctx, sess.ID, gallery.SessionRunning, ""); err != nil {
		return gallery.ScrapeSession{}, fmt.Errorf("resume session: %w", err)
	}
	sess.Status = gallery.SessionRunning

	s.launch(sess)
	return sess, nil
}

// verifyCheckpoint reloads the persisted resume point and cross-checks its
// remaining URLs against the live task rows. Drift is logged, not fatal; the
// task rows stay authoritative.
func (s *Scheduler) verifyCheckpoint(ctx context.Context, sessionID string) {
	point, err := s.resume.GetResumePoint(ctx, sessionID)
	if err != nil {
		s.logger.Warn("resume point load failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	batches, err := s.batches.ListBatches(ctx, sessionID)
	if err != nil {
		s.logger.Warn("resume point check failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	live := 0
	for i := range batches {
		tasks, err := s.tasks.ListTasks(ctx, batches[i].ID)
		if err != nil {
			s.logger.Warn("resume point check failed", zap.String("batch_id", batches[i].ID), zap.Error(err))
			return
		}
		for _, t := range tasks {
			if !t.Status.Terminal() {
				live++
			}
		}
	}
	if live != len(point.RemainingURLs) {
		s.logger.Warn("resume point drift",
			zap.String("session_id", sessionID),
			zap.Int("checkpoint_remaining", len(point.RemainingURLs)),
			zap.Int("live_remaining", live),
		)
		return
	}
	s.logger.Info("resuming from checkpoint",
		zap.String("session_id", sessionID),
		zap.String("last_batch_id", point.LastBatchID),
		zap.Int("remaining", live),
	)
}

// Cancel terminates the active session. When a run loop is live it stops
// dispatching and lets in-flight tasks finish; still-pending tasks and
// queued batches are marked off. A paused session is cancelled in place.
func (s *Scheduler) Cancel(ctx context.Context) error {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	if cur != nil {
		cur.ctrl.Store(ctrlCancelling)
		return nil
	}

	sess, err := s.sessions.ActiveSession(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoActiveSession
		}
		return fmt.Errorf("load active session: %w", err)
	}
	return s.cancelSession(ctx, sess.ID)
}

// Session fetches one session by ID.
func (s *Scheduler) Session(ctx context.Context, id string) (gallery.ScrapeSession, error) {
	return s.sessions.GetSession(ctx, id)
}

// Active returns the pending, running or paused session, if any.
func (s *Scheduler) Active(ctx context.Context) (gallery.ScrapeSession, error) {
	return s.sessions.ActiveSession(ctx)
}

// Wait blocks until the current run loop, if any, has exited. Test and
// shutdown helper.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur != nil {
		<-cur.done
	}
}

func (s *Scheduler) seedSession(ctx context.Context, spec SessionSpec, urls []string) (gallery.ScrapeSession, error) {
	sessionID, err := s.ids.NewID()
	if err != nil {
		return gallery.ScrapeSession{}, fmt.Errorf("session id: %w", err)
	}

	totalBatches := int(math.Ceil(float64(len(urls)) / float64(spec.BatchSize)))
	sess := gallery.ScrapeSession{
		ID:              sessionID,
		Type:            spec.Type,
		Status:          gallery.SessionPending,
		Counters:        gallery.SessionCounters{Total: len(urls)},
		BatchSize:       spec.BatchSize,
		TotalBatches:    totalBatches,
		SitemapSnapshot: urls,
		Capture:         spec.Capture,
		Pool:            spec.Pool,
		Created:         s.clock.Now(),
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return gallery.ScrapeSession{}, fmt.Errorf("create session: %w", err)
	}

	var allBatches []gallery.ScrapeBatch
	var allTasks []gallery.TemplateTask
	for number := 1; number <= totalBatches; number++ {
		lo := (number - 1) * spec.BatchSize
		hi := min(lo+spec.BatchSize, len(urls))

		batchID, err := s.ids.NewID()
		if err != nil {
			return gallery.ScrapeSession{}, fmt.Errorf("batch id: %w", err)
		}
		allBatches = append(allBatches, gallery.ScrapeBatch{
			ID:        batchID,
			SessionID: sessionID,
			Number:    number,
			Status:    gallery.BatchPending,
			Counters:  gallery.SessionCounters{Total: hi - lo},
		})

		for _, url := range urls[lo:hi] {
			taskID, err := s.ids.NewID()
			if err != nil {
				return gallery.ScrapeSession{}, fmt.Errorf("task id: %w", err)
			}
			allTasks = append(allTasks, gallery.TemplateTask{
				ID:        taskID,
				BatchID:   batchID,
				SessionID: sessionID,
				SourceURL: url,
				Slug:      discovery.SlugFromURL(url),
				Status:    gallery.TaskPending,
			})
		}
	}

	if err := s.batches.CreateBatches(ctx, allBatches); err != nil {
		return gallery.ScrapeSession{}, fmt.Errorf("create batches: %w", err)
	}
	if err := s.tasks.CreateTasks(ctx, allTasks); err != nil {
		return gallery.ScrapeSession{}, fmt.Errorf("create tasks: %w", err)
	}

	point := gallery.ResumePoint{
		SessionID:     sessionID,
		RemainingURLs: urls,
		UpdatedAt:     s.clock.Now(),
	}
	if err := s.resume.SaveResumePoint(ctx, point); err != nil {
		return gallery.ScrapeSession{}, fmt.Errorf("seed resume point: %w", err)
	}
	return sess, nil
}

func (s *Scheduler) launch(sess gallery.ScrapeSession) {
	r := &run{sessionID: sess.ID, done: make(chan struct{})}
	s.current = r

	ctx := s.baseCtx
	go func() {
		defer close(r.done)
		defer func() {
			s.mu.Lock()
			s.current = nil
			s.mu.Unlock()
		}()
		s.runSession(ctx, r, sess)
	}()
}

func (s *Scheduler) runSession(ctx context.Context, r *run, sess gallery.ScrapeSession) {
	rc, err := s.buildRunContext(ctx, sess)
	if err != nil {
		s.failSession(ctx, sess.ID, err)
		return
	}

	batches, err := s.batches.ListBatches(ctx, sess.ID)
	if err != nil {
		s.failSession(ctx, sess.ID, fmt.Errorf("list batches: %w", err))
		return
	}

	for i := range batches {
		batch := &batches[i]
		if batch.Status.Terminal() {
			continue
		}

		switch r.ctrl.Load() {
		case ctrlPausing:
			s.pauseSession(ctx, sess.ID)
			return
		case ctrlCancelling:
			s.cancelSession(ctx, sess.ID)
			return
		}

		if err := s.runBatch(ctx, r, sess, batch, rc); err != nil {
			s.failSession(ctx, sess.ID, err)
			return
		}
		s.checkpoint(ctx, sess.ID, batches, batch.Number)

		if batch.Status == gallery.BatchPaused {
			s.pauseSession(ctx, sess.ID)
			return
		}
		if batch.Status == gallery.BatchCancelled {
			s.cancelSession(ctx, sess.ID)
			return
		}
	}

	if err := s.sessions.UpdateSessionStatus(ctx, sess.ID, gallery.SessionCompleted, ""); err != nil {
		s.logger.Error("complete session failed", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	metrics.ObserveSession(string(gallery.SessionCompleted))
	s.publishLifecycle(ctx, sess.ID, gallery.SessionCompleted)
	s.logger.Info("session completed", zap.String("session_id", sess.ID))
}

// runBatch dispatches the batch's runnable tasks through the pool in waves.
// A task re-entering pending after a retry lands in the next wave. The batch
// is terminal (or paused) when runBatch returns.
func (s *Scheduler) runBatch(
	ctx context.Context,
	r *run,
	sess gallery.ScrapeSession,
	batch *gallery.ScrapeBatch,
	rc task.RunContext,
) error {
	if err := s.updateBatchStatus(ctx, batch, gallery.BatchRunning); err != nil {
		return err
	}
	s.logger.Info("batch started",
		zap.String("session_id", sess.ID),
		zap.String("batch_id", batch.ID),
		zap.Int("number", batch.Number),
	)

	tasks, err := s.tasks.ListTasks(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("list batch tasks: %w", err)
	}

	var (
		mu      sync.Mutex
		queue   []*gallery.TemplateTask
		stopped bool
		loopErr error
	)
	for i := range tasks {
		t := &tasks[i]
		if t.Status.Terminal() {
			continue
		}
		// An interrupted mid-phase task restarts its pipeline.
		if t.Status != gallery.TaskPending {
			t.Status = gallery.TaskPending
			if err := s.tasks.UpdateTask(ctx, *t); err != nil {
				return fmt.Errorf("reset task %s: %w", t.ID, err)
			}
		}
		queue = append(queue, t)
	}

	for {
		mu.Lock()
		wave := queue
		queue = nil
		mu.Unlock()
		if len(wave) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, t := range wave {
			if err := s.pool.Acquire(ctx); err != nil {
				stopped = true
				break
			}
			// Checked after the slot so a pause or cancel issued while
			// the pool was saturated stops dispatch immediately.
			if r.ctrl.Load() != ctrlRunning {
				s.pool.Release()
				stopped = true
				break
			}
			t := t
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.pool.Release()
				runErr := s.runner.Run(ctx, t, rc)
				switch {
				case errors.Is(runErr, task.ErrRetryScheduled):
					mu.Lock()
					queue = append(queue, t)
					mu.Unlock()
				case runErr != nil && !t.Status.Terminal():
					// The runner terminates tasks itself; an error that
					// leaves one mid-phase means its status persist broke.
					// Force the task failed so the batch never completes
					// around a live task.
					if ctx.Err() != nil {
						return
					}
					t.Status = gallery.TaskFailed
					t.ErrorText = runErr.Error()
					if err := s.tasks.UpdateTask(ctx, *t); err != nil {
						mu.Lock()
						if loopErr == nil {
							loopErr = fmt.Errorf("record task %s failure: %w", t.ID, err)
						}
						mu.Unlock()
						return
					}
					metrics.ObserveTask(string(gallery.TaskFailed))
					s.logger.Error("task runner error",
						zap.String("task_id", t.ID),
						zap.String("url", t.SourceURL),
						zap.Error(runErr),
					)
				}
			}()
		}
		wg.Wait()
		mu.Lock()
		err := loopErr
		mu.Unlock()
		if err != nil {
			return err
		}
		if stopped {
			break
		}
	}

	batch.Counters = tally(tasks)
	if !stopped {
		if err := s.updateBatchStatus(ctx, batch, gallery.BatchCompleted); err != nil {
			return err
		}
		return nil
	}

	switch r.ctrl.Load() {
	case ctrlCancelling:
		s.skipPending(ctx, tasks, "session cancelled")
		batch.Counters = tally(tasks)
		return s.updateBatchStatus(ctx, batch, gallery.BatchCancelled)
	default:
		return s.updateBatchStatus(ctx, batch, gallery.BatchPaused)
	}
}

func (s *Scheduler) buildRunContext(ctx context.Context, sess gallery.ScrapeSession) (task.RunContext, error) {
	entries, err := s.filters.Blacklist(ctx)
	if err != nil {
		return task.RunContext{}, fmt.Errorf("load blacklist: %w", err)
	}
	blacklist := make(map[string]string, len(entries))
	for _, e := range entries {
		blacklist[e.Slug] = e.Reason
	}

	var known map[string]struct{}
	if sess.Type == gallery.SessionTypeIncremental {
		known, err = s.catalog.KnownSlugs(ctx)
		if err != nil {
			return task.RunContext{}, fmt.Errorf("load known slugs: %w", err)
		}
	}

	return task.RunContext{
		SessionType: sess.Type,
		Capture:     sess.Capture,
		Blacklist:   blacklist,
		KnownSlugs:  known,
	}, nil
}

// checkpoint persists the resume point and rolled-up session counters after
// one batch reaches a terminal (or paused) state.
func (s *Scheduler) checkpoint(ctx context.Context, sessionID string, batches []gallery.ScrapeBatch, currentBatch int) {
	var (
		counters  gallery.SessionCounters
		remaining []string
		lastBatch string
		lastTask  string
	)
	for i := range batches {
		b := &batches[i]
		tasks, err := s.tasks.ListTasks(ctx, b.ID)
		if err != nil {
			s.logger.Error("checkpoint task listing failed", zap.String("batch_id", b.ID), zap.Error(err))
			return
		}
		for _, t := range tasks {
			counters.Total++
			if t.Status.Terminal() {
				lastBatch = b.ID
				lastTask = t.ID
				counters.Processed++
				switch t.Status {
				case gallery.TaskCompleted:
					counters.Succeeded++
				case gallery.TaskFailed:
					counters.Failed++
				case gallery.TaskSkipped:
					counters.Skipped++
				}
			} else {
				remaining = append(remaining, t.SourceURL)
			}
		}
	}

	if err := s.sessions.UpdateSessionProgress(ctx, sessionID, counters, currentBatch); err != nil {
		s.logger.Error("session progress update failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	point := gallery.ResumePoint{
		SessionID:     sessionID,
		LastBatchID:   lastBatch,
		LastTaskID:    lastTask,
		RemainingURLs: remaining,
		UpdatedAt:     s.clock.Now(),
	}
	if err := s.resume.SaveResumePoint(ctx, point); err != nil {
		s.logger.Error("resume point save failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Scheduler) pauseSession(ctx context.Context, sessionID string) {
	if err := s.sessions.UpdateSessionStatus(ctx, sessionID, gallery.SessionPaused, ""); err != nil {
		s.logger.Error("pause session failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	s.publishLifecycle(ctx, sessionID, gallery.SessionPaused)
	s.logger.Info("session paused", zap.String("session_id", sessionID))
}

// cancelSession marks every non-terminal task skipped and every non-terminal
// batch cancelled, then cancels the session itself.
func (s *Scheduler) cancelSession(ctx context.Context, sessionID string) error {
	batches, err := s.batches.ListBatches(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list batches: %w", err)
	}
	for i := range batches {
		b := &batches[i]
		if b.Status.Terminal() {
			continue
		}
		tasks, err := s.tasks.ListTasks(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("list batch tasks: %w", err)
		}
		s.skipPending(ctx, tasks, "session cancelled")
		b.Counters = tally(tasks)
		if err := s.updateBatchStatus(ctx, b, gallery.BatchCancelled); err != nil {
			s.logger.Error("cancel batch failed", zap.String("batch_id", b.ID), zap.Error(err))
		}
	}

	currentBatch := 0
	if sess, err := s.sessions.GetSession(ctx, sessionID); err == nil {
		currentBatch = sess.CurrentBatch
	}
	s.checkpoint(ctx, sessionID, batches, currentBatch)
	if err := s.sessions.UpdateSessionStatus(ctx, sessionID, gallery.SessionCancelled, ""); err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	metrics.ObserveSession(string(gallery.SessionCancelled))
	s.publishLifecycle(ctx, sessionID, gallery.SessionCancelled)
	s.logger.Info("session cancelled", zap.String("session_id", sessionID))
	return nil
}

func (s *Scheduler) failSession(ctx context.Context, sessionID string, cause error) {
	s.logger.Error("session failed", zap.String("session_id", sessionID), zap.Error(cause))
	if err := s.sessions.UpdateSessionStatus(ctx, sessionID, gallery.SessionFailed, cause.Error()); err != nil {
		s.logger.Error("record session failure failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	metrics.ObserveSession(string(gallery.SessionFailed))
	s.publishLifecycle(ctx, sessionID, gallery.SessionFailed)
}

func (s *Scheduler) skipPending(ctx context.Context, tasks []gallery.TemplateTask, reason string) {
	for i := range tasks {
		t := &tasks[i]
		if t.Status.Terminal() {
			continue
		}
		t.Status = gallery.TaskSkipped
		t.ErrorText = reason
		if err := s.tasks.UpdateTask(ctx, *t); err != nil {
			s.logger.Error("skip task failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) updateBatchStatus(ctx context.Context, batch *gallery.ScrapeBatch, to gallery.BatchStatus) error {
	if !batch.Status.CanTransition(to) {
		return fmt.Errorf("batch %s: illegal transition %s -> %s", batch.ID, batch.Status, to)
	}
	now := s.clock.Now()
	switch to {
	case gallery.BatchRunning:
		if batch.Started == nil {
			batch.Started = &now
		}
	case gallery.BatchCompleted, gallery.BatchFailed, gallery.BatchCancelled:
		batch.Finished = &now
	}
	batch.Status = to
	if err := s.batches.UpdateBatch(ctx, *batch); err != nil {
		return fmt.Errorf("persist batch %s: %w", batch.ID, err)
	}
	return nil
}

func tally(tasks []gallery.TemplateTask) gallery.SessionCounters {
	var c gallery.SessionCounters
	c.Total = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case gallery.TaskCompleted:
			c.Succeeded++
		case gallery.TaskFailed:
			c.Failed++
		case gallery.TaskSkipped:
			c.Skipped++
		default:
			continue
		}
		c.Processed++
	}
	return c
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := urls[:0]
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

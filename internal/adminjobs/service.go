// Package adminjobs runs operator-triggered single-purpose jobs.
package adminjobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/metrics"
	"github.com/templio/gallery-engine/internal/pool"
	"github.com/templio/gallery-engine/internal/store"
)

// Service-level sentinel errors.
var (
	ErrUnknownJobType  = errors.New("unknown job type")
	ErrMissingSelector = errors.New("selector is required for this job type")
	ErrMissingHomepage = errors.New("homepage URL is required for this job type")
	ErrMissingTarget   = errors.New("target id is required")
	ErrNoTargets       = errors.New("job resolved no targets")
)

// JobRunner is the slice of the task runner ad-hoc jobs share.
type JobRunner interface {
	Retake(ctx context.Context, ref store.TemplateRef, extraSelector string, cfg gallery.CaptureConfig) (string, error)
	ChangeHomepage(ctx context.Context, ref store.TemplateRef, homepageURL string, cfg gallery.CaptureConfig) (string, error)
}

// ExclusionWriter persists a new exclusion rule. Catalogs that cannot write
// rules simply don't implement it.
type ExclusionWriter interface {
	AddExclusion(ctx context.Context, rule gallery.ExclusionRule) error
}

// SubmitRequest is one operator job submission.
type SubmitRequest struct {
	Type            gallery.JobType       `json:"type"`
	TargetID        string                `json:"target_id"`
	Selector        string                `json:"selector,omitempty"`
	HomepageURL     string                `json:"homepage_url,omitempty"`
	PersistToAuthor bool                  `json:"persist_to_author,omitempty"`
	Capture         gallery.CaptureConfig `json:"capture,omitempty"`
}

// Snapshot is the polled job-queue view.
type Snapshot struct {
	Active  *gallery.AdminJob  `json:"active"`
	Queue   []gallery.AdminJob `json:"queue"`
	History []gallery.AdminJob `json:"history"`
}

// Config tunes the service.
type Config struct {
	HistoryLimit int
	Capture      gallery.CaptureConfig
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.Capture == (gallery.CaptureConfig{}) {
		c.Capture = gallery.DefaultCaptureConfig()
	}
	return c
}

// Service owns the FIFO of ad-hoc jobs. Exactly one job is active at a
// time; its items are dispatched through the shared slot pool, so ad-hoc
// work competes with session batches for the same global budget.
type Service struct {
	runner  JobRunner
	catalog store.TemplateCatalog
	filters store.FilterStore
	pool    *pool.Pool
	ids     gallery.IDGenerator
	clock   gallery.Clock
	cfg     Config
	logger  *zap.Logger

	mu      sync.Mutex
	active  *gallery.AdminJob
	queue   []*gallery.AdminJob
	history []*gallery.AdminJob
	wake    chan struct{}
}

// New constructs a Service. Start must be called before Submit.
func New(
	runner JobRunner,
	catalog store.TemplateCatalog,
	filters store.FilterStore,
	p *pool.Pool,
	ids gallery.IDGenerator,
	clock gallery.Clock,
	cfg Config,
	logger *zap.Logger,
) *Service {
	return &Service{
		runner:  runner,
		catalog: catalog,
		filters: filters,
		pool:    p,
		ids:     ids,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the single job-execution loop.
func (s *Service) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Submit validates the request, resolves its target items and enqueues the
// job. The returned job is a snapshot copy.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (gallery.AdminJob, error) {
	if !req.Type.Valid() {
		return gallery.AdminJob{}, fmt.Errorf("%w: %q", ErrUnknownJobType, req.Type)
	}
	if req.TargetID == "" {
		return gallery.AdminJob{}, ErrMissingTarget
	}
	switch req.Type {
	case gallery.JobRetakeScreenshotRemoveSelector, gallery.JobRetakeAuthorRemoveSelector:
		if req.Selector == "" {
			return gallery.AdminJob{}, ErrMissingSelector
		}
	case gallery.JobChangeHomepage:
		if req.HomepageURL == "" {
			return gallery.AdminJob{}, ErrMissingHomepage
		}
	}

	items, err := s.resolveItems(ctx, req)
	if err != nil {
		return gallery.AdminJob{}, err
	}

	if req.Type == gallery.JobRetakeAuthorRemoveSelector && req.PersistToAuthor {
		if err := s.persistSelector(ctx, req); err != nil {
			return gallery.AdminJob{}, err
		}
	}

	id, err := s.ids.NewID()
	if err != nil {
		return gallery.AdminJob{}, fmt.Errorf("job id: %w", err)
	}
	job := &gallery.AdminJob{
		ID:          id,
		Type:        req.Type,
		Items:       items,
		Status:      gallery.JobQueued,
		Progress:    gallery.JobProgress{Total: len(items)},
		Selector:    req.Selector,
		HomepageURL: req.HomepageURL,
		Capture:     s.cfg.Capture.Merge(req.Capture),
		Submitted:   s.clock.Now(),
	}

	s.mu.Lock()
	s.queue = append(s.queue, job)
	snapshot := *job
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.logger.Info("admin job queued",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("items", len(items)),
	)
	return snapshot, nil
}

// Snapshot returns the active job, the waiting queue and the bounded
// history, newest history entry first.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	if s.active != nil {
		cp := copyJob(s.active)
		snap.Active = &cp
	}
	for _, j := range s.queue {
		snap.Queue = append(snap.Queue, copyJob(j))
	}
	for _, j := range s.history {
		snap.History = append(snap.History, copyJob(j))
	}
	return snap
}

// CancelAll marks the active job's remaining items and every queued job
// canceled. Terminal items keep their status. Idempotent; returns the
// post-cancel snapshot.
func (s *Service) CancelAll() Snapshot {
	s.mu.Lock()
	now := s.clock.Now()

	if s.active != nil && !s.active.Status.Terminal() {
		s.active.Status = gallery.JobCanceled
		for i := range s.active.Items {
			if !s.active.Items[i].Status.Terminal() {
				s.active.Items[i].Status = gallery.JobCanceled
			}
		}
	}
	for _, j := range s.queue {
		j.Status = gallery.JobCanceled
		j.Finished = &now
		for i := range j.Items {
			j.Items[i].Status = gallery.JobCanceled
		}
		s.pushHistory(j)
	}
	s.queue = nil
	s.mu.Unlock()

	s.logger.Info("all admin jobs cancelled")
	return s.Snapshot()
}

func (s *Service) resolveItems(ctx context.Context, req SubmitRequest) ([]gallery.AdminJobItem, error) {
	var refs []store.TemplateRef
	switch req.Type {
	case gallery.JobRetakeAuthorRemoveSelector:
		authorRefs, err := s.catalog.TemplatesByAuthor(ctx, req.TargetID)
		if err != nil {
			return nil, fmt.Errorf("resolve author templates: %w", err)
		}
		refs = authorRefs
	default:
		ref, err := s.catalog.Template(ctx, req.TargetID)
		if err != nil {
			return nil, fmt.Errorf("resolve template: %w", err)
		}
		refs = []store.TemplateRef{ref}
	}
	if len(refs) == 0 {
		return nil, ErrNoTargets
	}

	items := make([]gallery.AdminJobItem, 0, len(refs))
	for _, ref := range refs {
		items = append(items, gallery.AdminJobItem{
			TemplateID: ref.ID,
			Name:       ref.Name,
			Slug:       ref.Slug,
			Status:     gallery.JobQueued,
		})
	}
	return items, nil
}

func (s *Service) persistSelector(ctx context.Context, req SubmitRequest) error {
	writer, ok := s.filters.(ExclusionWriter)
	if !ok {
		return fmt.Errorf("filter store cannot persist exclusion rules")
	}
	err := writer.AddExclusion(ctx, gallery.ExclusionRule{
		Selector: req.Selector,
		Scope:    gallery.ScopeAuthor,
		AuthorID: req.TargetID,
	})
	if err != nil {
		return fmt.Errorf("persist author exclusion: %w", err)
	}
	return nil
}

func (s *Service) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for {
			job := s.popNext()
			if job == nil {
				break
			}
			s.runJob(ctx, job)
		}
	}
}

func (s *Service) popNext() *gallery.AdminJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	job := s.queue[0]
	s.queue = s.queue[1:]
	s.active = job
	job.Status = gallery.JobRunning
	return job
}

func (s *Service) runJob(ctx context.Context, job *gallery.AdminJob) {
	s.logger.Info("admin job started",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
	)

	var wg sync.WaitGroup
	for i := range job.Items {
		s.mu.Lock()
		cancelled := job.Status == gallery.JobCanceled || job.Items[i].Status.Terminal()
		s.mu.Unlock()
		if cancelled {
			continue
		}

		if err := s.pool.Acquire(ctx); err != nil {
			s.finishItem(job, i, "", fmt.Errorf("slot wait: %w", err))
			continue
		}
		s.mu.Lock()
		if job.Status == gallery.JobCanceled {
			s.mu.Unlock()
			s.pool.Release()
			continue
		}
		job.Items[i].Status = gallery.JobRunning
		s.mu.Unlock()

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer s.pool.Release()
			path, err := s.runItem(ctx, job, i)
			s.finishItem(job, i, path, err)
		}(i)
	}
	wg.Wait()

	s.mu.Lock()
	now := s.clock.Now()
	job.Finished = &now
	if job.Status != gallery.JobCanceled {
		job.Status = deriveJobStatus(job)
	}
	final := job.Status
	s.pushHistory(job)
	s.active = nil
	s.mu.Unlock()

	metrics.ObserveAdminJob(string(final))
	s.logger.Info("admin job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(final)),
	)
}

func (s *Service) runItem(ctx context.Context, job *gallery.AdminJob, i int) (string, error) {
	s.mu.Lock()
	templateID := job.Items[i].TemplateID
	jobType := job.Type
	selector := job.Selector
	homepage := job.HomepageURL
	capture := job.Capture
	s.mu.Unlock()

	ref, err := s.catalog.Template(ctx, templateID)
	if err != nil {
		return "", fmt.Errorf("load template: %w", err)
	}

	switch jobType {
	case gallery.JobRetakeScreenshot:
		return s.runner.Retake(ctx, ref, "", capture)
	case gallery.JobRetakeScreenshotRemoveSelector, gallery.JobRetakeAuthorRemoveSelector:
		return s.runner.Retake(ctx, ref, selector, capture)
	case gallery.JobChangeHomepage:
		return s.runner.ChangeHomepage(ctx, ref, homepage, capture)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
}

func (s *Service) finishItem(job *gallery.AdminJob, i int, path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Progress.Processed++
	if err != nil {
		job.Items[i].Status = gallery.JobFailed
		job.Items[i].ErrorText = err.Error()
		job.LastError = err.Error()
		return
	}
	job.Items[i].Status = gallery.JobSucceeded
	job.Items[i].ScreenshotPath = path
}

// pushHistory prepends; callers hold s.mu.
func (s *Service) pushHistory(job *gallery.AdminJob) {
	s.history = append([]*gallery.AdminJob{job}, s.history...)
	if len(s.history) > s.cfg.HistoryLimit {
		s.history = s.history[:s.cfg.HistoryLimit]
	}
}

func deriveJobStatus(job *gallery.AdminJob) gallery.JobStatus {
	anySucceeded := false
	for _, item := range job.Items {
		if item.Status == gallery.JobSucceeded {
			anySucceeded = true
		}
	}
	if !anySucceeded {
		return gallery.JobFailed
	}
	return gallery.JobSucceeded
}

func copyJob(job *gallery.AdminJob) gallery.AdminJob {
	cp := *job
	cp.Items = append([]gallery.AdminJobItem(nil), job.Items...)
	return cp
}

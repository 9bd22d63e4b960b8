// Package task drives one URL through the capture pipeline.
package task

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/templio/gallery-engine/internal/discovery"
	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/metrics"
	"github.com/templio/gallery-engine/internal/opqueue"
	"github.com/templio/gallery-engine/internal/store"
)

// Config controls Runner behavior.
type Config struct {
	// RetryCeiling bounds per-task retries before the task terminates failed.
	RetryCeiling int
	// OpRetries bounds retry attempts for queued backing-store writes.
	OpRetries  int
	BlobPrefix string
	Topic      string
}

func (c Config) withDefaults() Config {
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 2
	}
	if c.OpRetries <= 0 {
		c.OpRetries = 3
	}
	return c
}

// RunContext carries per-session inputs shared by every task in a batch.
// Blacklist and KnownSlugs are loaded once by the scheduler, not per task.
type RunContext struct {
	SessionType gallery.SessionType
	Capture     gallery.CaptureConfig
	Blacklist   map[string]string
	KnownSlugs  map[string]struct{}
}

// ErrRetryScheduled reports that a task re-entered pending for another
// attempt instead of terminating.
var ErrRetryScheduled = fmt.Errorf("task retry scheduled")

// Runner executes the per-URL state machine. It owns phase transitions and
// their persistence; batch ordering and slot budgeting live elsewhere.
type Runner struct {
	scraper   gallery.DetailScraper
	capturer  gallery.Capturer
	encoder   gallery.ThumbnailEncoder
	blobs     gallery.BlobStore
	catalog   store.TemplateCatalog
	filters   store.FilterStore
	tasks     store.TaskStore
	ops       *opqueue.Queue
	publisher gallery.Publisher
	clock     gallery.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Runner.
func New(
	scraper gallery.DetailScraper,
	capturer gallery.Capturer,
	encoder gallery.ThumbnailEncoder,
	blobs gallery.BlobStore,
	catalog store.TemplateCatalog,
	filters store.FilterStore,
	tasks store.TaskStore,
	ops *opqueue.Queue,
	publisher gallery.Publisher,
	clock gallery.Clock,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		scraper:   scraper,
		capturer:  capturer,
		encoder:   encoder,
		blobs:     blobs,
		catalog:   catalog,
		filters:   filters,
		tasks:     tasks,
		ops:       ops,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Run drives one task from pending to a terminal state. A task-level failure
// below the retry ceiling re-enters pending and returns ErrRetryScheduled so
// the caller can requeue it within the current batch.
func (r *Runner) Run(ctx context.Context, t *gallery.TemplateTask, rc RunContext) error {
	if t.Slug == "" {
		t.Slug = discovery.SlugFromURL(t.SourceURL)
	}

	if reason, ok := rc.Blacklist[t.Slug]; ok {
		return r.skip(ctx, t, fmt.Sprintf("blacklisted: %s", reason))
	}
	if rc.SessionType == gallery.SessionTypeIncremental {
		if _, known := rc.KnownSlugs[t.Slug]; known {
			return r.skip(ctx, t, "slug already present")
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.transition(ctx, t, gallery.TaskScrapingDetails); err != nil {
		return err
	}
	details, err := r.scraper.ScrapeDetails(ctx, t.SourceURL)
	if err != nil {
		return r.retryOrFail(ctx, t, fmt.Errorf("scrape details: %w", err))
	}
	if details.Slug != "" {
		t.Slug = strings.ToLower(details.Slug)
	}
	t.Name = details.Name
	t.DetailURL = details.DetailURL

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.transition(ctx, t, gallery.TaskTakingScreenshot); err != nil {
		return err
	}
	shot, err := r.capture(ctx, t, details, rc.Capture)
	if err != nil {
		return r.retryOrFail(ctx, t, fmt.Errorf("capture screenshot: %w", err))
	}
	if shot.TimedOut {
		r.logger.Warn("page never settled, captured anyway",
			zap.String("task_id", t.ID),
			zap.String("url", t.SourceURL),
			zap.Duration("waited", shot.SettleTime),
		)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.transition(ctx, t, gallery.TaskProcessingThumbnail); err != nil {
		return err
	}
	thumb, err := r.encoder.EncodeThumbnail(ctx, shot.JPEG, rc.Capture.WebPQuality)
	if err != nil {
		return r.retryOrFail(ctx, t, fmt.Errorf("encode thumbnail: %w", err))
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.transition(ctx, t, gallery.TaskSaving); err != nil {
		return err
	}
	recordID, err := r.persist(ctx, t, details, shot.JPEG, thumb)
	if err != nil {
		return r.retryOrFail(ctx, t, fmt.Errorf("persist template: %w", err))
	}
	t.RecordID = recordID

	if err := r.transition(ctx, t, gallery.TaskCompleted); err != nil {
		return err
	}
	r.logger.Debug("task completed",
		zap.String("task_id", t.ID),
		zap.String("slug", t.Slug),
		zap.String("record_id", recordID),
	)
	return nil
}

// Retake captures a fresh screenshot for one existing template and replaces
// its stored URI. Ad-hoc jobs share this path; extraSelector is removed on
// top of the template's usual exclusion rules.
func (r *Runner) Retake(
	ctx context.Context,
	ref store.TemplateRef,
	extraSelector string,
	cfg gallery.CaptureConfig,
) (string, error) {
	if ref.HomepageURL == "" {
		return "", fmt.Errorf("template %s has no homepage URL", ref.ID)
	}

	selectors, err := r.selectors(ctx, ref.AuthorID, "")
	if err != nil {
		return "", err
	}
	if extraSelector != "" {
		selectors = append(selectors, extraSelector)
	}

	shot, err := r.capturer.Capture(ctx, gallery.CaptureRequest{
		URL:        ref.HomepageURL,
		Exclusions: selectors,
		Config:     cfg,
	})
	if err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}

	uri, err := r.blobs.Put(ctx, r.blobPath("screenshots", ref.Slug, "jpg"), "image/jpeg", shot.JPEG)
	if err != nil {
		return "", fmt.Errorf("put screenshot: %w", err)
	}

	err = r.ops.SubmitWait(ctx, opqueue.Operation{
		Name:       "update-screenshot",
		MaxRetries: r.cfg.OpRetries,
		Do: func(opCtx context.Context) error {
			return r.catalog.UpdateScreenshot(opCtx, ref.ID, uri)
		},
	})
	if err != nil {
		return "", fmt.Errorf("update screenshot record: %w", err)
	}
	return uri, nil
}

// ChangeHomepage rewrites the capture homepage for one template, then
// retakes its screenshot against the new URL.
func (r *Runner) ChangeHomepage(
	ctx context.Context,
	ref store.TemplateRef,
	homepageURL string,
	cfg gallery.CaptureConfig,
) (string, error) {
	if homepageURL == "" {
		return "", fmt.Errorf("homepage URL is required")
	}
	err := r.ops.SubmitWait(ctx, opqueue.Operation{
		Name:       "update-homepage",
		MaxRetries: r.cfg.OpRetries,
		Do: func(opCtx context.Context) error {
			return r.catalog.UpdateHomepage(opCtx, ref.ID, homepageURL)
		},
	})
	if err != nil {
		return "", fmt.Errorf("update homepage record: %w", err)
	}
	ref.HomepageURL = homepageURL
	return r.Retake(ctx, ref, "", cfg)
}

func (r *Runner) capture(
	ctx context.Context,
	t *gallery.TemplateTask,
	details gallery.TemplateDetails,
	cfg gallery.CaptureConfig,
) (gallery.CaptureResult, error) {
	selectors, err := r.selectors(ctx, details.AuthorID, t.ID)
	if err != nil {
		return gallery.CaptureResult{}, err
	}

	url := details.HomepageURL
	if url == "" {
		url = t.SourceURL
	}
	return r.capturer.Capture(ctx, gallery.CaptureRequest{
		URL:        url,
		Exclusions: selectors,
		Config:     cfg,
	})
}

func (r *Runner) selectors(ctx context.Context, authorID, taskID string) ([]string, error) {
	rules, err := r.filters.Exclusions(ctx, authorID, taskID)
	if err != nil {
		return nil, fmt.Errorf("load exclusions: %w", err)
	}
	selectors := make([]string, 0, len(rules))
	for _, rule := range rules {
		selectors = append(selectors, rule.Selector)
	}
	return selectors, nil
}

func (r *Runner) persist(
	ctx context.Context,
	t *gallery.TemplateTask,
	details gallery.TemplateDetails,
	jpeg, thumb []byte,
) (string, error) {
	shotURI, err := r.blobs.Put(ctx, r.blobPath("screenshots", t.Slug, "jpg"), "image/jpeg", jpeg)
	if err != nil {
		return "", fmt.Errorf("put screenshot: %w", err)
	}
	thumbExt, thumbType := r.encoder.Format()
	thumbURI, err := r.blobs.Put(ctx, r.blobPath("thumbnails", t.Slug, thumbExt), thumbType, thumb)
	if err != nil {
		return "", fmt.Errorf("put thumbnail: %w", err)
	}

	details.Slug = t.Slug
	var recordID string
	err = r.ops.SubmitWait(ctx, opqueue.Operation{
		Name:       "save-template",
		MaxRetries: r.cfg.OpRetries,
		Do: func(opCtx context.Context) error {
			id, saveErr := r.catalog.SaveTemplate(opCtx, details, shotURI, thumbURI)
			if saveErr != nil {
				return saveErr
			}
			recordID = id
			return nil
		},
	})
	if err != nil {
		return "", err
	}

	r.publishSaved(ctx, t, recordID, shotURI)
	return recordID, nil
}

func (r *Runner) publishSaved(ctx context.Context, t *gallery.TemplateTask, recordID, shotURI string) {
	if r.cfg.Topic == "" || r.publisher == nil {
		return
	}
	payload := map[string]any{
		"template_id": recordID,
		"session_id":  t.SessionID,
		"slug":        t.Slug,
		"blob_uri":    shotURI,
		"timestamp":   r.clock.Now().Format(time.RFC3339),
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.Topic, payload); err != nil {
		r.logger.Warn("publish template event failed",
			zap.String("task_id", t.ID),
			zap.Error(err),
		)
	}
}

func (r *Runner) blobPath(kind, slug, ext string) string {
	prefix := strings.Trim(r.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.%s", kind, slug, ext)
	}
	return fmt.Sprintf("%s/%s/%s.%s", prefix, kind, slug, ext)
}

func (r *Runner) skip(ctx context.Context, t *gallery.TemplateTask, reason string) error {
	t.ErrorText = reason
	if err := r.transition(ctx, t, gallery.TaskSkipped); err != nil {
		return err
	}
	r.logger.Debug("task skipped",
		zap.String("task_id", t.ID),
		zap.String("slug", t.Slug),
		zap.String("reason", reason),
	)
	return nil
}

// retryOrFail records the phase error and either re-enters pending for
// another attempt or terminates the task failed.
func (r *Runner) retryOrFail(ctx context.Context, t *gallery.TemplateTask, phaseErr error) error {
	t.ErrorText = phaseErr.Error()

	if t.Retries < r.cfg.RetryCeiling {
		t.Retries++
		if err := r.transition(ctx, t, gallery.TaskPending); err != nil {
			return err
		}
		r.logger.Warn("task retry scheduled",
			zap.String("task_id", t.ID),
			zap.String("url", t.SourceURL),
			zap.Int("retries", t.Retries),
			zap.Error(phaseErr),
		)
		return ErrRetryScheduled
	}

	if err := r.transition(ctx, t, gallery.TaskFailed); err != nil {
		return err
	}
	r.logger.Error("task failed",
		zap.String("task_id", t.ID),
		zap.String("url", t.SourceURL),
		zap.Int("retries", t.Retries),
		zap.Error(phaseErr),
	)
	return phaseErr
}

// transition moves the task to the target status, stamping phase timing and
// persisting the task. Illegal transitions are rejected.
func (r *Runner) transition(ctx context.Context, t *gallery.TemplateTask, to gallery.TaskStatus) error {
	if !t.Status.CanTransition(to) {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, t.Status, to)
	}
	now := r.clock.Now()
	if t.PhaseStarted != nil {
		t.PhaseDuration += now.Sub(*t.PhaseStarted)
	}
	t.PhaseStarted = &now
	t.Status = to

	if err := r.tasks.UpdateTask(ctx, *t); err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	if to.Terminal() {
		metrics.ObserveTask(string(to))
	}
	return nil
}

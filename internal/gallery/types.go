// Package gallery defines core types shared across the scrape engine.
package gallery

import "time"

// SessionCounters tracks per-session progress totals. The processed count is
// always the sum of succeeded, failed and skipped.
type SessionCounters struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Consistent reports whether the counters satisfy the processed-sum invariant.
func (c SessionCounters) Consistent() bool {
	return c.Processed == c.Succeeded+c.Failed+c.Skipped && c.Processed <= c.Total
}

// ScrapeSession is one discovery-to-completion run. Sessions are never
// deleted, only superseded by a newer session.
type ScrapeSession struct {
	ID              string          `json:"id"`
	Type            SessionType     `json:"type"`
	Status          SessionStatus   `json:"status"`
	Counters        SessionCounters `json:"counters"`
	BatchSize       int             `json:"batch_size"`
	TotalBatches    int             `json:"total_batches"`
	CurrentBatch    int             `json:"current_batch"`
	SitemapSnapshot []string        `json:"sitemap_snapshot,omitempty"`
	Capture         CaptureConfig   `json:"capture"`
	Pool            PoolConfig      `json:"pool"`
	ErrorText       string          `json:"error_text,omitempty"`
	Created         time.Time       `json:"created_at"`
	Started         *time.Time      `json:"started_at,omitempty"`
	Paused          *time.Time      `json:"paused_at,omitempty"`
	Resumed         *time.Time      `json:"resumed_at,omitempty"`
	Completed       *time.Time      `json:"completed_at,omitempty"`
}

// ScrapeBatch is an ordered partition of a session's work. Numbers are
// 1-based and contiguous within a session.
type ScrapeBatch struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Number    int             `json:"number"`
	Status    BatchStatus     `json:"status"`
	Counters  SessionCounters `json:"counters"`
	Started   *time.Time      `json:"started_at,omitempty"`
	Finished  *time.Time      `json:"finished_at,omitempty"`
}

// TemplateTask is one URL's journey through the pipeline.
type TemplateTask struct {
	ID            string        `json:"id"`
	BatchID       string        `json:"batch_id"`
	SessionID     string        `json:"session_id"`
	SourceURL     string        `json:"source_url"`
	Slug          string        `json:"slug"`
	Name          string        `json:"name"`
	DetailURL     string        `json:"detail_url,omitempty"`
	Status        TaskStatus    `json:"status"`
	PhaseStarted  *time.Time    `json:"phase_started_at,omitempty"`
	PhaseDuration time.Duration `json:"phase_duration"`
	Retries       int           `json:"retries"`
	ErrorText     string        `json:"error_text,omitempty"`
	RecordID      string        `json:"record_id,omitempty"`
}

// ResumePoint is the persisted checkpoint for one session. RemainingURLs is
// always a suffix of the original discovery ordering and is recomputed after
// every batch completion.
type ResumePoint struct {
	SessionID     string    `json:"session_id"`
	LastBatchID   string    `json:"last_batch_id,omitempty"`
	LastTaskID    string    `json:"last_task_id,omitempty"`
	RemainingURLs []string  `json:"remaining_urls"`
	Payload       []byte    `json:"payload,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// JobType identifies the operator-triggered ad-hoc job variants.
type JobType string

// Ad-hoc job types.
const (
	JobRetakeScreenshot               JobType = "retake-screenshot"
	JobRetakeScreenshotRemoveSelector JobType = "retake-screenshot-remove-selector"
	JobRetakeAuthorRemoveSelector     JobType = "retake-author-remove-selector"
	JobChangeHomepage                 JobType = "change-homepage"
)

// Valid reports whether the job type is recognized.
func (t JobType) Valid() bool {
	switch t {
	case JobRetakeScreenshot, JobRetakeScreenshotRemoveSelector,
		JobRetakeAuthorRemoveSelector, JobChangeHomepage:
		return true
	default:
		return false
	}
}

// JobProgress is exposed on status snapshots for polling clients.
type JobProgress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// AdminJobItem is one target inside an ad-hoc job.
type AdminJobItem struct {
	TemplateID     string    `json:"template_id"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	Status         JobStatus `json:"status"`
	ErrorText      string    `json:"error,omitempty"`
	ScreenshotPath string    `json:"screenshot_path,omitempty"`
}

// AdminJob is an operator-triggered single-purpose job. Jobs run strictly one
// at a time; their items share the global browser slot budget.
type AdminJob struct {
	ID          string         `json:"id"`
	Type        JobType        `json:"type"`
	Items       []AdminJobItem `json:"items"`
	Status      JobStatus      `json:"status"`
	Progress    JobProgress    `json:"progress"`
	LastError   string         `json:"last_error,omitempty"`
	Selector    string         `json:"selector,omitempty"`
	HomepageURL string         `json:"homepage_url,omitempty"`
	Capture     CaptureConfig  `json:"capture"`
	Submitted   time.Time      `json:"submitted_at"`
	Finished    *time.Time     `json:"finished_at,omitempty"`
}

// BlacklistEntry marks a domain slug the pipeline must skip.
type BlacklistEntry struct {
	Slug   string `json:"slug"`
	Reason string `json:"reason,omitempty"`
}

// ExclusionScope bounds where an exclusion rule applies.
type ExclusionScope string

// Exclusion rule scopes.
const (
	ScopeGlobal ExclusionScope = "global"
	ScopeAuthor ExclusionScope = "author"
	ScopeTask   ExclusionScope = "task"
)

// ExclusionRule is a DOM selector removed from a page before capture.
type ExclusionRule struct {
	Selector string         `json:"selector"`
	Scope    ExclusionScope `json:"scope"`
	AuthorID string         `json:"author_id,omitempty"`
	TaskID   string         `json:"task_id,omitempty"`
}

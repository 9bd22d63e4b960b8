// Package store defines persistence contracts for the scrape engine.
package store

import (
	"context"
	"errors"

	"github.com/templio/gallery-engine/internal/gallery"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SessionStore persists scrape sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session gallery.ScrapeSession) error
	GetSession(ctx context.Context, id string) (gallery.ScrapeSession, error)
	UpdateSessionStatus(ctx context.Context, id string, status gallery.SessionStatus, errText string) error
	UpdateSessionProgress(ctx context.Context, id string, counters gallery.SessionCounters, currentBatch int) error
	// ActiveSession returns the session currently pending, running or
	// paused; ErrNotFound when there is none. At most one exists.
	ActiveSession(ctx context.Context) (gallery.ScrapeSession, error)
}

// BatchStore persists session batches.
type BatchStore interface {
	CreateBatches(ctx context.Context, batches []gallery.ScrapeBatch) error
	// ListBatches returns a session's batches ordered by batch number.
	ListBatches(ctx context.Context, sessionID string) ([]gallery.ScrapeBatch, error)
	UpdateBatch(ctx context.Context, batch gallery.ScrapeBatch) error
}

// TaskStore persists per-URL tasks.
type TaskStore interface {
	CreateTasks(ctx context.Context, tasks []gallery.TemplateTask) error
	ListTasks(ctx context.Context, batchID string) ([]gallery.TemplateTask, error)
	UpdateTask(ctx context.Context, task gallery.TemplateTask) error
}

// ResumeStore persists the per-session checkpoint.
type ResumeStore interface {
	SaveResumePoint(ctx context.Context, point gallery.ResumePoint) error
	GetResumePoint(ctx context.Context, sessionID string) (gallery.ResumePoint, error)
}

// TemplateRef identifies one persisted template record.
type TemplateRef struct {
	ID          string
	Name        string
	Slug        string
	AuthorID    string
	HomepageURL string
}

// TemplateCatalog is the engine's view of the marketplace template table.
// Writes in the pipeline path are serialized through the operation queue.
type TemplateCatalog interface {
	KnownSlugs(ctx context.Context) (map[string]struct{}, error)
	SaveTemplate(ctx context.Context, details gallery.TemplateDetails, screenshotURI, thumbnailURI string) (string, error)
	UpdateScreenshot(ctx context.Context, templateID, screenshotURI string) error
	UpdateHomepage(ctx context.Context, templateID, homepageURL string) error
	Template(ctx context.Context, templateID string) (TemplateRef, error)
	TemplatesByAuthor(ctx context.Context, authorID string) ([]TemplateRef, error)
}

// FilterStore exposes operator-managed skip and exclusion records. The
// engine only ever reads them.
type FilterStore interface {
	Blacklist(ctx context.Context) ([]gallery.BlacklistEntry, error)
	Exclusions(ctx context.Context, authorID, taskID string) ([]gallery.ExclusionRule, error)
}

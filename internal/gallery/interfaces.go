package gallery

import (
	"context"
	"time"
)

// CaptureRequest carries everything needed to capture one page.
type CaptureRequest struct {
	URL        string
	Exclusions []string
	Config     CaptureConfig
}

// CaptureResult is the settled screenshot plus observability data.
type CaptureResult struct {
	JPEG       []byte
	FinalURL   string
	SettleTime time.Duration
	TimedOut   bool
}

// Capturer waits for a page to settle and takes a screenshot.
type Capturer interface {
	Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error)
}

// TemplateDetails is the metadata extracted from a template detail page.
// Extraction rules live outside the engine.
type TemplateDetails struct {
	Name        string
	Slug        string
	AuthorID    string
	DetailURL   string
	HomepageURL string
}

// DetailScraper extracts template metadata for one source URL.
type DetailScraper interface {
	ScrapeDetails(ctx context.Context, url string) (TemplateDetails, error)
}

// ThumbnailEncoder derives the persisted thumbnail from a raw JPEG capture.
// Encoding internals live outside the engine; quality is the thumbnail dial.
// Format reports the extension and content type of the encoded output.
type ThumbnailEncoder interface {
	EncodeThumbnail(ctx context.Context, jpeg []byte, quality int) ([]byte, error)
	Format() (ext string, contentType string)
}

// BlobStore writes screenshot artifacts and returns a URI.
type BlobStore interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

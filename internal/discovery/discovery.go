// Package discovery finds candidate template pages from a sitemap.
package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// DefaultDenylist excludes the non-template sections present in every
// gallery sitemap observed so far.
var DefaultDenylist = []string{"/blog/", "/post/", "/article/"}

// Candidate is one sitemap URL that survived the denylist.
type Candidate struct {
	URL  string `json:"url"`
	Slug string `json:"slug"`
}

// Result is the outcome of one discovery pass. A fetch or parse failure is
// reported through ErrorText with an empty candidate set; discovery never
// aborts the surrounding run.
type Result struct {
	// Candidates is every URL that survived the denylist, in sitemap order.
	// NewTemplates is the subset whose slug is not yet in the catalog.
	Candidates     []Candidate `json:"candidates"`
	NewTemplates   []Candidate `json:"new_templates"`
	ExistingCount  int         `json:"existing_count"`
	TotalInSitemap int         `json:"total_in_sitemap"`
	ErrorText      string      `json:"error,omitempty"`
}

// Catalog exposes the slugs already represented in the backing store.
type Catalog interface {
	KnownSlugs(ctx context.Context) (map[string]struct{}, error)
}

// Config tunes the discoverer.
type Config struct {
	Timeout   time.Duration
	UserAgent string
	Denylist  []string
}

// Discoverer fetches a sitemap and diffs it against the catalog.
type Discoverer struct {
	catalog Catalog
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Discoverer.
func New(catalog Catalog, cfg Config, logger *zap.Logger) *Discoverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Denylist == nil {
		cfg.Denylist = DefaultDenylist
	}
	return &Discoverer{catalog: catalog, cfg: cfg, logger: logger}
}

// Discover fetches the sitemap, extracts location entries, filters the
// denylist and splits the remainder into new and already-known sets.
func (d *Discoverer) Discover(ctx context.Context, sitemapURL string) Result {
	locs, err := d.fetchLocations(ctx, sitemapURL)
	if err != nil {
		d.logger.Warn("sitemap discovery failed",
			zap.String("sitemap", sitemapURL),
			zap.Error(err),
		)
		return Result{ErrorText: err.Error()}
	}

	known, err := d.catalog.KnownSlugs(ctx)
	if err != nil {
		d.logger.Warn("catalog lookup failed", zap.Error(err))
		return Result{TotalInSitemap: len(locs), ErrorText: err.Error()}
	}

	result := Result{TotalInSitemap: len(locs)}
	seen := make(map[string]struct{}, len(locs))
	for _, loc := range locs {
		if d.denied(loc) {
			continue
		}
		slug := SlugFromURL(loc)
		if slug == "" {
			continue
		}
		if _, dup := seen[slug]; dup {
			continue
		}
		seen[slug] = struct{}{}
		result.Candidates = append(result.Candidates, Candidate{URL: loc, Slug: slug})
		if _, ok := known[slug]; ok {
			result.ExistingCount++
			continue
		}
		result.NewTemplates = append(result.NewTemplates, Candidate{URL: loc, Slug: slug})
	}

	d.logger.Info("sitemap discovery finished",
		zap.String("sitemap", sitemapURL),
		zap.Int("total", result.TotalInSitemap),
		zap.Int("new", len(result.NewTemplates)),
		zap.Int("existing", result.ExistingCount),
	)
	return result
}

func (d *Discoverer) fetchLocations(ctx context.Context, sitemapURL string) ([]string, error) {
	if strings.TrimSpace(sitemapURL) == "" {
		return nil, fmt.Errorf("sitemap url is required")
	}

	opts := []colly.CollectorOption{}
	if d.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(d.cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(d.cfg.Timeout)

	var locs []string
	var fetchErr error
	c.OnXML("//loc", func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.Text)
		if loc != "" {
			locs = append(locs, loc)
		}
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})

	if err := c.Visit(sitemapURL); err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	c.Wait()
	if fetchErr != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", fetchErr)
	}
	if len(locs) == 0 {
		return nil, fmt.Errorf("sitemap %s contained no location entries", sitemapURL)
	}
	return locs, nil
}

func (d *Discoverer) denied(loc string) bool {
	lower := strings.ToLower(loc)
	for _, pattern := range d.cfg.Denylist {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// SlugFromURL derives the canonical template slug: the last non-empty path
// segment, lowercased.
func SlugFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if seg := strings.TrimSpace(segments[i]); seg != "" {
			return strings.ToLower(seg)
		}
	}
	return ""
}

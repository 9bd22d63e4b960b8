// Package scrape extracts template metadata from gallery detail pages.
package scrape

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/templio/gallery-engine/internal/discovery"
	"github.com/templio/gallery-engine/internal/gallery"
)

// Selectors names the DOM locations the scraper reads. Extraction rules are
// configuration, not code, so galleries with different markup only need new
// selectors.
type Selectors struct {
	Name     string
	Author   string
	Homepage string
}

// DefaultSelectors matches the gallery markup shipped today.
func DefaultSelectors() Selectors {
	return Selectors{
		Name:     `meta[property="og:title"]`,
		Author:   `[data-template-author]`,
		Homepage: `a[data-live-preview]`,
	}
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Selectors Selectors
}

// Scraper implements gallery.DetailScraper using a Colly collector.
type Scraper struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Scraper.
func New(cfg Config, logger *zap.Logger) *Scraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors()
	}
	return &Scraper{cfg: cfg, logger: logger}
}

// ScrapeDetails fetches one detail page and extracts template metadata.
// Name falls back to the document title, homepage to the canonical link.
func (s *Scraper) ScrapeDetails(ctx context.Context, url string) (gallery.TemplateDetails, error) {
	opts := []colly.CollectorOption{}
	if s.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(s.cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(s.cfg.Timeout)

	details := gallery.TemplateDetails{
		Slug:      discovery.SlugFromURL(url),
		DetailURL: url,
	}
	var fetchErr error

	c.OnHTML(s.cfg.Selectors.Name, func(e *colly.HTMLElement) {
		if details.Name == "" {
			details.Name = elementValue(e)
		}
	})
	c.OnHTML("title", func(e *colly.HTMLElement) {
		if details.Name == "" {
			details.Name = strings.TrimSpace(e.Text)
		}
	})
	c.OnHTML(s.cfg.Selectors.Author, func(e *colly.HTMLElement) {
		if details.AuthorID == "" {
			details.AuthorID = elementValue(e)
		}
	})
	c.OnHTML(s.cfg.Selectors.Homepage, func(e *colly.HTMLElement) {
		if details.HomepageURL == "" {
			details.HomepageURL = e.Request.AbsoluteURL(e.Attr("href"))
		}
	})
	c.OnHTML(`link[rel="canonical"]`, func(e *colly.HTMLElement) {
		if details.HomepageURL == "" {
			details.HomepageURL = e.Attr("href")
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

	if err := c.Visit(url); err != nil {
		return gallery.TemplateDetails{}, fmt.Errorf("fetch detail page: %w", err)
	}
	c.Wait()
	if fetchErr != nil {
		return gallery.TemplateDetails{}, fmt.Errorf("fetch detail page: %w", fetchErr)
	}
	if err := ctx.Err(); err != nil {
		return gallery.TemplateDetails{}, err
	}
	if details.Name == "" {
		return gallery.TemplateDetails{}, fmt.Errorf("detail page %s yielded no template name", url)
	}

	s.logger.Debug("detail page scraped",
		zap.String("url", url),
		zap.String("slug", details.Slug),
		zap.String("name", details.Name),
	)
	return details, nil
}

// elementValue reads meta content when present, element text otherwise.
func elementValue(e *colly.HTMLElement) string {
	if content := e.Attr("content"); content != "" {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(e.Text)
}

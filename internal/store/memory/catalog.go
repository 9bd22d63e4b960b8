package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/store"
)

// Catalog implements store.TemplateCatalog and store.FilterStore in memory.
type Catalog struct {
	mu         sync.RWMutex
	nextID     int
	templates  map[string]store.TemplateRef
	shots      map[string]string
	thumbs     map[string]string
	blacklist  []gallery.BlacklistEntry
	exclusions []gallery.ExclusionRule
}

// NewCatalog constructs an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		templates: make(map[string]store.TemplateRef),
		shots:     make(map[string]string),
		thumbs:    make(map[string]string),
	}
}

// Seed inserts a template directly; test setup helper.
func (c *Catalog) Seed(ref store.TemplateRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[ref.ID] = ref
}

// SetFilters replaces blacklist and exclusion records; test setup helper.
func (c *Catalog) SetFilters(blacklist []gallery.BlacklistEntry, exclusions []gallery.ExclusionRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blacklist = blacklist
	c.exclusions = exclusions
}

// KnownSlugs returns the set of persisted template slugs.
func (c *Catalog) KnownSlugs(context.Context) (map[string]struct{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]struct{}, len(c.templates))
	for _, ref := range c.templates {
		out[strings.ToLower(ref.Slug)] = struct{}{}
	}
	return out, nil
}

// SaveTemplate inserts a template row and records its artifact URIs.
func (c *Catalog) SaveTemplate(
	_ context.Context,
	details gallery.TemplateDetails,
	screenshotURI, thumbnailURI string,
) (string, error) {
	if details.Slug == "" {
		return "", fmt.Errorf("template slug is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("tpl-%d", c.nextID)
	c.templates[id] = store.TemplateRef{
		ID:          id,
		Name:        details.Name,
		Slug:        strings.ToLower(details.Slug),
		AuthorID:    details.AuthorID,
		HomepageURL: details.HomepageURL,
	}
	c.shots[id] = screenshotURI
	c.thumbs[id] = thumbnailURI
	return id, nil
}

// UpdateScreenshot replaces the stored screenshot URI.
func (c *Catalog) UpdateScreenshot(_ context.Context, templateID, screenshotURI string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.templates[templateID]; !ok {
		return store.ErrNotFound
	}
	c.shots[templateID] = screenshotURI
	return nil
}

// UpdateHomepage replaces the capture homepage for a template.
func (c *Catalog) UpdateHomepage(_ context.Context, templateID, homepageURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.templates[templateID]
	if !ok {
		return store.ErrNotFound
	}
	ref.HomepageURL = homepageURL
	c.templates[templateID] = ref
	return nil
}

// Template fetches one template by ID.
func (c *Catalog) Template(_ context.Context, templateID string) (store.TemplateRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.templates[templateID]
	if !ok {
		return store.TemplateRef{}, store.ErrNotFound
	}
	return ref, nil
}

// TemplatesByAuthor lists all templates belonging to one author.
func (c *Catalog) TemplatesByAuthor(_ context.Context, authorID string) ([]store.TemplateRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []store.TemplateRef
	for _, ref := range c.templates {
		if ref.AuthorID == authorID {
			out = append(out, ref)
		}
	}
	return out, nil
}

// Blacklist returns the domain-slug skip records.
func (c *Catalog) Blacklist(context.Context) ([]gallery.BlacklistEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]gallery.BlacklistEntry, len(c.blacklist))
	copy(out, c.blacklist)
	return out, nil
}

// Exclusions returns the selector-removal rules applicable to the given
// author and task scope, global rules included.
func (c *Catalog) Exclusions(_ context.Context, authorID, taskID string) ([]gallery.ExclusionRule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []gallery.ExclusionRule
	for _, rule := range c.exclusions {
		switch rule.Scope {
		case gallery.ScopeGlobal:
			out = append(out, rule)
		case gallery.ScopeAuthor:
			if rule.AuthorID != "" && rule.AuthorID == authorID {
				out = append(out, rule)
			}
		case gallery.ScopeTask:
			if rule.TaskID != "" && rule.TaskID == taskID {
				out = append(out, rule)
			}
		}
	}
	return out, nil
}

// AddExclusion appends a selector-removal rule.
func (c *Catalog) AddExclusion(_ context.Context, rule gallery.ExclusionRule) error {
	if rule.Selector == "" {
		return fmt.Errorf("exclusion selector is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exclusions = append(c.exclusions, rule)
	return nil
}

// ScreenshotURI returns the stored screenshot URI; test inspection helper.
func (c *Catalog) ScreenshotURI(templateID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shots[templateID]
}

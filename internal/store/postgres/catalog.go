package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/store"
)

// Catalog implements store.TemplateCatalog and store.FilterStore over the
// marketplace template tables.
type Catalog struct {
	pool dbPool
}

// NewCatalog connects a pool for the given DSN.
func NewCatalog(ctx context.Context, dsn string) (*Catalog, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &Catalog{pool: pool}, nil
}

// NewCatalogWithPool constructs a Catalog from an existing pool, primarily
// for testing.
func NewCatalogWithPool(pool dbPool) (*Catalog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Catalog{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (c *Catalog) Close() {
	if c == nil || c.pool == nil {
		return
	}
	c.pool.Close()
}

// KnownSlugs returns every persisted template slug, lowercased.
func (c *Catalog) KnownSlugs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := c.pool.Query(ctx, `SELECT slug FROM templates;`)
	if err != nil {
		return nil, fmt.Errorf("list template slugs: %w", err)
	}
	defer rows.Close()

	slugs := make(map[string]struct{})
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("scan slug: %w", err)
		}
		slugs[strings.ToLower(slug)] = struct{}{}
	}
	return slugs, rows.Err()
}

// SaveTemplate upserts a template row keyed by slug and returns its ID.
func (c *Catalog) SaveTemplate(
	ctx context.Context,
	details gallery.TemplateDetails,
	screenshotURI, thumbnailURI string,
) (string, error) {
	if details.Slug == "" {
		return "", fmt.Errorf("template slug is required")
	}
	query := `
		INSERT INTO templates (slug, name, author_id, detail_url, homepage_url, screenshot_uri, thumbnail_uri)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			detail_url = EXCLUDED.detail_url,
			homepage_url = EXCLUDED.homepage_url,
			screenshot_uri = EXCLUDED.screenshot_uri,
			thumbnail_uri = EXCLUDED.thumbnail_uri
		RETURNING id;
	`
	var id string
	err := c.pool.QueryRow(ctx, query,
		strings.ToLower(details.Slug), details.Name, details.AuthorID,
		details.DetailURL, details.HomepageURL, screenshotURI, thumbnailURI,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert template: %w", err)
	}
	return id, nil
}

// UpdateScreenshot replaces the stored screenshot URI for one template.
func (c *Catalog) UpdateScreenshot(ctx context.Context, templateID, screenshotURI string) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE templates SET screenshot_uri = $2 WHERE id = $1;`,
		templateID, screenshotURI,
	)
	if err != nil {
		return fmt.Errorf("update screenshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateHomepage replaces the capture homepage for one template.
func (c *Catalog) UpdateHomepage(ctx context.Context, templateID, homepageURL string) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE templates SET homepage_url = $2 WHERE id = $1;`,
		templateID, homepageURL,
	)
	if err != nil {
		return fmt.Errorf("update homepage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const templateColumns = `id, name, slug, author_id, homepage_url`

// Template fetches one template by ID.
func (c *Catalog) Template(ctx context.Context, templateID string) (store.TemplateRef, error) {
	var ref store.TemplateRef
	err := c.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE id = $1;`, templateID,
	).Scan(&ref.ID, &ref.Name, &ref.Slug, &ref.AuthorID, &ref.HomepageURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TemplateRef{}, store.ErrNotFound
		}
		return store.TemplateRef{}, fmt.Errorf("get template: %w", err)
	}
	return ref, nil
}

// TemplatesByAuthor lists templates belonging to one author.
func (c *Catalog) TemplatesByAuthor(ctx context.Context, authorID string) ([]store.TemplateRef, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE author_id = $1 ORDER BY slug;`, authorID,
	)
	if err != nil {
		return nil, fmt.Errorf("list author templates: %w", err)
	}
	defer rows.Close()

	var refs []store.TemplateRef
	for rows.Next() {
		var ref store.TemplateRef
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.Slug, &ref.AuthorID, &ref.HomepageURL); err != nil {
			return nil, fmt.Errorf("scan template row: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Blacklist returns the domain-slug skip records.
func (c *Catalog) Blacklist(ctx context.Context) ([]gallery.BlacklistEntry, error) {
	rows, err := c.pool.Query(ctx, `SELECT slug, reason FROM scrape_blacklist;`)
	if err != nil {
		return nil, fmt.Errorf("list blacklist: %w", err)
	}
	defer rows.Close()

	var entries []gallery.BlacklistEntry
	for rows.Next() {
		var e gallery.BlacklistEntry
		if err := rows.Scan(&e.Slug, &e.Reason); err != nil {
			return nil, fmt.Errorf("scan blacklist row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddExclusion inserts a selector-removal rule.
func (c *Catalog) AddExclusion(ctx context.Context, rule gallery.ExclusionRule) error {
	if rule.Selector == "" {
		return fmt.Errorf("exclusion selector is required")
	}
	_, err := c.pool.Exec(ctx,
		`INSERT INTO exclusion_rules (selector, scope, author_id, task_id) VALUES ($1,$2,$3,$4);`,
		rule.Selector, string(rule.Scope), rule.AuthorID, rule.TaskID,
	)
	if err != nil {
		return fmt.Errorf("insert exclusion: %w", err)
	}
	return nil
}

// Exclusions returns selector-removal rules for the author/task scope,
// global rules included.
func (c *Catalog) Exclusions(ctx context.Context, authorID, taskID string) ([]gallery.ExclusionRule, error) {
	query := `
		SELECT selector, scope, author_id, task_id
		FROM exclusion_rules
		WHERE scope = 'global'
			OR (scope = 'author' AND author_id = $1)
			OR (scope = 'task' AND task_id = $2);
	`
	rows, err := c.pool.Query(ctx, query, authorID, taskID)
	if err != nil {
		return nil, fmt.Errorf("list exclusions: %w", err)
	}
	defer rows.Close()

	var rules []gallery.ExclusionRule
	for rows.Next() {
		var r gallery.ExclusionRule
		if err := rows.Scan(&r.Selector, &r.Scope, &r.AuthorID, &r.TaskID); err != nil {
			return nil, fmt.Errorf("scan exclusion row: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

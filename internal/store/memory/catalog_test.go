package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/store"
)

func TestCatalogSaveTemplate(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog()

	id, err := c.SaveTemplate(ctx, gallery.TemplateDetails{
		Name:        "Alpha",
		Slug:        "Alpha-Site",
		AuthorID:    "auth-1",
		HomepageURL: "https://alpha.example.com",
	}, "memory://gallery/screenshots/alpha.jpg", "memory://gallery/thumbnails/alpha.jpg")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ref, err := c.Template(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alpha-site", ref.Slug, "slugs stored lowercase")
	assert.Equal(t, "auth-1", ref.AuthorID)
	assert.Equal(t, "memory://gallery/screenshots/alpha.jpg", c.ScreenshotURI(id))

	_, err = c.SaveTemplate(ctx, gallery.TemplateDetails{Name: "No Slug"}, "", "")
	require.Error(t, err)
}

func TestCatalogKnownSlugs(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog()
	c.Seed(store.TemplateRef{ID: "tpl-1", Slug: "Alpha"})
	c.Seed(store.TemplateRef{ID: "tpl-2", Slug: "beta"})

	known, err := c.KnownSlugs(ctx)
	require.NoError(t, err)
	require.Len(t, known, 2)
	assert.Contains(t, known, "alpha")
	assert.Contains(t, known, "beta")
}

func TestCatalogUpdates(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog()
	c.Seed(store.TemplateRef{ID: "tpl-1", Slug: "alpha", HomepageURL: "https://old.example.com"})

	require.NoError(t, c.UpdateScreenshot(ctx, "tpl-1", "memory://gallery/screenshots/alpha-v2.jpg"))
	assert.Equal(t, "memory://gallery/screenshots/alpha-v2.jpg", c.ScreenshotURI("tpl-1"))

	require.NoError(t, c.UpdateHomepage(ctx, "tpl-1", "https://new.example.com"))
	ref, err := c.Template(ctx, "tpl-1")
	require.NoError(t, err)
	assert.Equal(t, "https://new.example.com", ref.HomepageURL)

	require.ErrorIs(t, c.UpdateScreenshot(ctx, "tpl-9", "x"), store.ErrNotFound)
	require.ErrorIs(t, c.UpdateHomepage(ctx, "tpl-9", "x"), store.ErrNotFound)
	_, err = c.Template(ctx, "tpl-9")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCatalogTemplatesByAuthor(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog()
	c.Seed(store.TemplateRef{ID: "tpl-1", Slug: "alpha", AuthorID: "auth-1"})
	c.Seed(store.TemplateRef{ID: "tpl-2", Slug: "beta", AuthorID: "auth-2"})
	c.Seed(store.TemplateRef{ID: "tpl-3", Slug: "gamma", AuthorID: "auth-1"})

	refs, err := c.TemplatesByAuthor(ctx, "auth-1")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	for _, ref := range refs {
		assert.Equal(t, "auth-1", ref.AuthorID)
	}
}

func TestCatalogExclusionScoping(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog()
	c.SetFilters(nil, []gallery.ExclusionRule{
		{Selector: ".cookie-banner", Scope: gallery.ScopeGlobal},
		{Selector: ".author-badge", Scope: gallery.ScopeAuthor, AuthorID: "auth-1"},
		{Selector: ".promo", Scope: gallery.ScopeAuthor, AuthorID: "auth-2"},
		{Selector: "#overlay", Scope: gallery.ScopeTask, TaskID: "t-1"},
	})

	rules, err := c.Exclusions(ctx, "auth-1", "t-1")
	require.NoError(t, err)
	selectors := make([]string, 0, len(rules))
	for _, r := range rules {
		selectors = append(selectors, r.Selector)
	}
	assert.ElementsMatch(t, []string{".cookie-banner", ".author-badge", "#overlay"}, selectors)

	rules, err = c.Exclusions(ctx, "auth-3", "")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, gallery.ScopeGlobal, rules[0].Scope)
}

func TestCatalogAddExclusion(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog()

	require.Error(t, c.AddExclusion(ctx, gallery.ExclusionRule{Scope: gallery.ScopeGlobal}))

	require.NoError(t, c.AddExclusion(ctx, gallery.ExclusionRule{
		Selector: ".chat-widget",
		Scope:    gallery.ScopeAuthor,
		AuthorID: "auth-1",
	}))
	rules, err := c.Exclusions(ctx, "auth-1", "")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, ".chat-widget", rules[0].Selector)
}

func TestCatalogBlacklistCopies(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog()
	c.SetFilters([]gallery.BlacklistEntry{{Slug: "spam-site", Reason: "takedown"}}, nil)

	entries, err := c.Blacklist(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries[0].Slug = "mutated"
	again, err := c.Blacklist(ctx)
	require.NoError(t, err)
	assert.Equal(t, "spam-site", again[0].Slug)
}

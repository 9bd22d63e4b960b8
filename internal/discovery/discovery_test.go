package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCatalog struct {
	slugs map[string]struct{}
	err   error
}

func (c *fakeCatalog) KnownSlugs(context.Context) (map[string]struct{}, error) {
	return c.slugs, c.err
}

func sitemapBody(urls []string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><urlset>`)
	for _, u := range urls {
		fmt.Fprintf(&b, "<url><loc>%s</loc></url>", u)
	}
	b.WriteString("</urlset>")
	return b.String()
}

func TestDiscoverFiltersDenylistAndDiffs(t *testing.T) {
	t.Parallel()

	var urls []string
	for i := 0; i < 95; i++ {
		urls = append(urls, fmt.Sprintf("https://gallery.test/templates/site-%03d", i))
	}
	for i := 0; i < 25; i++ {
		urls = append(urls, fmt.Sprintf("https://gallery.test/blog/entry-%03d", i))
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, sitemapBody(urls))
	}))
	defer srv.Close()

	known := map[string]struct{}{
		"site-000": {},
		"site-001": {},
		"site-002": {},
	}
	d := New(&fakeCatalog{slugs: known}, Config{Timeout: 5 * time.Second}, zap.NewNop())
	result := d.Discover(context.Background(), srv.URL)

	require.Empty(t, result.ErrorText)
	require.Equal(t, 120, result.TotalInSitemap)
	require.Equal(t, 3, result.ExistingCount)
	require.Len(t, result.NewTemplates, 92)
	require.Len(t, result.Candidates, 95)
	require.Equal(t, "site-003", result.NewTemplates[0].Slug)
	require.Equal(t, "site-000", result.Candidates[0].Slug)
}

func TestDiscoverFailsSoftOnFetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := New(&fakeCatalog{}, Config{Timeout: time.Second}, zap.NewNop())
	result := d.Discover(context.Background(), srv.URL)

	require.NotEmpty(t, result.ErrorText)
	require.Empty(t, result.NewTemplates)
	require.Zero(t, result.TotalInSitemap)
}

func TestDiscoverDeduplicatesSlugs(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, sitemapBody([]string{
			"https://gallery.test/templates/alpha",
			"https://gallery.test/templates/Alpha/",
			"https://gallery.test/templates/beta",
		}))
	}))
	defer srv.Close()

	d := New(&fakeCatalog{}, Config{Timeout: time.Second}, zap.NewNop())
	result := d.Discover(context.Background(), srv.URL)

	require.Equal(t, 3, result.TotalInSitemap)
	require.Len(t, result.NewTemplates, 2)
}

func TestSlugFromURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://gallery.test/templates/portfolio-x": "portfolio-x",
		"https://gallery.test/templates/Shop/":       "shop",
		"https://gallery.test/":                      "",
		"://bad":                                     "",
	}
	for raw, want := range cases {
		require.Equal(t, want, SlugFromURL(raw), raw)
	}
}

package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/metrics"
	"github.com/templio/gallery-engine/internal/opqueue"
	"github.com/templio/gallery-engine/internal/store"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeScraper struct {
	details gallery.TemplateDetails
	err     error
	calls   int
}

func (f *fakeScraper) ScrapeDetails(_ context.Context, _ string) (gallery.TemplateDetails, error) {
	f.calls++
	if f.err != nil {
		return gallery.TemplateDetails{}, f.err
	}
	return f.details, nil
}

type fakeCapturer struct {
	result gallery.CaptureResult
	err    error

	mu       sync.Mutex
	requests []gallery.CaptureRequest
}

func (f *fakeCapturer) Capture(_ context.Context, req gallery.CaptureRequest) (gallery.CaptureResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return gallery.CaptureResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeCapturer) lastRequest() gallery.CaptureRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeEncoder struct {
	out []byte
	err error
}

func (f *fakeEncoder) EncodeThumbnail(_ context.Context, _ []byte, _ int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeEncoder) Format() (string, string) { return "webp", "image/webp" }

type fakeBlobStore struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeBlobStore) Put(_ context.Context, path, _ string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	return "mem://" + path, nil
}

type fakeCatalog struct {
	saveID    string
	saveErr   error
	saveBlips int
	saveCalls int
	saved     []gallery.TemplateDetails

	screenshotURIs map[string]string
	homepages      map[string]string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		saveID:         "tpl-1",
		screenshotURIs: make(map[string]string),
		homepages:      make(map[string]string),
	}
}

func (f *fakeCatalog) KnownSlugs(_ context.Context) (map[string]struct{}, error) {
	return nil, nil
}

func (f *fakeCatalog) SaveTemplate(_ context.Context, details gallery.TemplateDetails, _, _ string) (string, error) {
	f.saveCalls++
	if f.saveBlips > 0 {
		f.saveBlips--
		return "", fmt.Errorf("catalog unavailable")
	}
	if f.saveErr != nil {
		return "", f.saveErr
	}
	f.saved = append(f.saved, details)
	return f.saveID, nil
}

func (f *fakeCatalog) UpdateScreenshot(_ context.Context, templateID, uri string) error {
	f.screenshotURIs[templateID] = uri
	return nil
}

func (f *fakeCatalog) UpdateHomepage(_ context.Context, templateID, url string) error {
	f.homepages[templateID] = url
	return nil
}

func (f *fakeCatalog) Template(_ context.Context, _ string) (store.TemplateRef, error) {
	return store.TemplateRef{}, store.ErrNotFound
}

func (f *fakeCatalog) TemplatesByAuthor(_ context.Context, _ string) ([]store.TemplateRef, error) {
	return nil, nil
}

type fakeFilters struct {
	rules []gallery.ExclusionRule
}

func (f *fakeFilters) Blacklist(_ context.Context) ([]gallery.BlacklistEntry, error) {
	return nil, nil
}

func (f *fakeFilters) Exclusions(_ context.Context, _, _ string) ([]gallery.ExclusionRule, error) {
	return f.rules, nil
}

type fakeTaskStore struct {
	mu      sync.Mutex
	history []gallery.TaskStatus
}

func (f *fakeTaskStore) CreateTasks(_ context.Context, _ []gallery.TemplateTask) error { return nil }

func (f *fakeTaskStore) ListTasks(_ context.Context, _ string) ([]gallery.TemplateTask, error) {
	return nil, nil
}

func (f *fakeTaskStore) UpdateTask(_ context.Context, task gallery.TemplateTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, task.Status)
	return nil
}

func (f *fakeTaskStore) statuses() []gallery.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gallery.TaskStatus, len(f.history))
	copy(out, f.history)
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(100 * time.Millisecond)
	return f.now
}

type upProber struct{}

func (upProber) Ping(_ context.Context) error { return nil }

type runnerFixture struct {
	runner   *Runner
	scraper  *fakeScraper
	capturer *fakeCapturer
	blobs    *fakeBlobStore
	catalog  *fakeCatalog
	filters  *fakeFilters
	tasks    *fakeTaskStore
}

func newRunnerFixture(t *testing.T, cfg Config) *runnerFixture {
	t.Helper()

	ops := opqueue.New(upProber{}, opqueue.Config{
		BaseDelay: time.Millisecond,
		MaxDelay:  4 * time.Millisecond,
	}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ops.Start(ctx)
	t.Cleanup(ops.Close)

	f := &runnerFixture{
		scraper: &fakeScraper{
			details: gallery.TemplateDetails{
				Name:        "Alpha",
				Slug:        "alpha",
				AuthorID:    "auth-1",
				DetailURL:   "https://gallery.test/templates/alpha",
				HomepageURL: "https://alpha.example",
			},
		},
		capturer: &fakeCapturer{result: gallery.CaptureResult{JPEG: []byte("jpeg")}},
		blobs:    &fakeBlobStore{},
		catalog:  newFakeCatalog(),
		filters:  &fakeFilters{},
		tasks:    &fakeTaskStore{},
	}
	f.runner = New(
		f.scraper,
		f.capturer,
		&fakeEncoder{out: []byte("webp")},
		f.blobs,
		f.catalog,
		f.filters,
		f.tasks,
		ops,
		nil,
		&fakeClock{now: time.Unix(100, 0)},
		cfg,
		zap.NewNop(),
	)
	return f
}

func newTask() *gallery.TemplateTask {
	return &gallery.TemplateTask{
		ID:        "task-1",
		BatchID:   "batch-1",
		SessionID: "sess-1",
		SourceURL: "https://gallery.test/templates/alpha",
		Status:    gallery.TaskPending,
	}
}

func TestRunner_Run_SuccessFlow(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, Config{BlobPrefix: "gallery"})
	task := newTask()

	err := f.runner.Run(context.Background(), task, RunContext{
		SessionType: gallery.SessionTypeFull,
		Capture:     gallery.DefaultCaptureConfig(),
	})
	require.NoError(t, err)

	require.Equal(t, gallery.TaskCompleted, task.Status)
	require.Equal(t, "tpl-1", task.RecordID)
	require.Equal(t, []gallery.TaskStatus{
		gallery.TaskScrapingDetails,
		gallery.TaskTakingScreenshot,
		gallery.TaskProcessingThumbnail,
		gallery.TaskSaving,
		gallery.TaskCompleted,
	}, f.tasks.statuses())
	require.Equal(t, []string{
		"gallery/screenshots/alpha.jpg",
		"gallery/thumbnails/alpha.webp",
	}, f.blobs.paths)
	require.Len(t, f.catalog.saved, 1)
	require.Positive(t, task.PhaseDuration)
}

func TestRunner_Run_SkipsBlacklistedSlug(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, Config{})
	task := newTask()

	err := f.runner.Run(context.Background(), task, RunContext{
		SessionType: gallery.SessionTypeFull,
		Capture:     gallery.DefaultCaptureConfig(),
		Blacklist:   map[string]string{"alpha": "copyright complaint"},
	})
	require.NoError(t, err)

	require.Equal(t, gallery.TaskSkipped, task.Status)
	require.Contains(t, task.ErrorText, "copyright complaint")
	require.Zero(t, f.scraper.calls)
}

func TestRunner_Run_IncrementalSkipsKnownSlug(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, Config{})
	task := newTask()

	err := f.runner.Run(context.Background(), task, RunContext{
		SessionType: gallery.SessionTypeIncremental,
		Capture:     gallery.DefaultCaptureConfig(),
		KnownSlugs:  map[string]struct{}{"alpha": {}},
	})
	require.NoError(t, err)
	require.Equal(t, gallery.TaskSkipped, task.Status)

	// A full session captures the same slug again.
	f2 := newRunnerFixture(t, Config{})
	task2 := newTask()
	err = f2.runner.Run(context.Background(), task2, RunContext{
		SessionType: gallery.SessionTypeFull,
		Capture:     gallery.DefaultCaptureConfig(),
		KnownSlugs:  map[string]struct{}{"alpha": {}},
	})
	require.NoError(t, err)
	require.Equal(t, gallery.TaskCompleted, task2.Status)
}

func TestRunner_Run_RetryBelowCeilingReentersPending(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, Config{RetryCeiling: 2})
	f.capturer.err = errors.New("net::ERR_CONNECTION_RESET")
	task := newTask()

	err := f.runner.Run(context.Background(), task, RunContext{
		SessionType: gallery.SessionTypeFull,
		Capture:     gallery.DefaultCaptureConfig(),
	})
	require.ErrorIs(t, err, ErrRetryScheduled)
	require.Equal(t, gallery.TaskPending, task.Status)
	require.Equal(t, 1, task.Retries)
	require.Contains(t, task.ErrorText, "ERR_CONNECTION_RESET")
}

func TestRunner_Run_FailsAtRetryCeiling(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, Config{RetryCeiling: 2})
	f.capturer.err = errors.New("page load failed")
	task := newTask()
	rc := RunContext{
		SessionType: gallery.SessionTypeFull,
		Capture:     gallery.DefaultCaptureConfig(),
	}

	require.ErrorIs(t, f.runner.Run(context.Background(), task, rc), ErrRetryScheduled)
	require.ErrorIs(t, f.runner.Run(context.Background(), task, rc), ErrRetryScheduled)

	err := f.runner.Run(context.Background(), task, rc)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRetryScheduled)
	require.Equal(t, gallery.TaskFailed, task.Status)
	require.Equal(t, 2, task.Retries)
	require.NotEmpty(t, task.ErrorText)
}

func TestRunner_Run_PassesExclusionSelectors(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, Config{})
	f.filters.rules = []gallery.ExclusionRule{
		{Selector: ".cookie-banner", Scope: gallery.ScopeGlobal},
		{Selector: ".author-badge", Scope: gallery.ScopeAuthor, AuthorID: "auth-1"},
	}
	task := newTask()

	err := f.runner.Run(context.Background(), task, RunContext{
		SessionType: gallery.SessionTypeFull,
		Capture:     gallery.DefaultCaptureConfig(),
	})
	require.NoError(t, err)

	req := f.capturer.lastRequest()
	require.Equal(t, "https://alpha.example", req.URL)
	require.Equal(t, []string{".cookie-banner", ".author-badge"}, req.Exclusions)
}

func TestRunner_Run_CancelledContextStopsAtPhaseBoundary(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, Config{})
	task := newTask()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.runner.Run(ctx, task, RunContext{
		SessionType: gallery.SessionTypeFull,
		Capture:     gallery.DefaultCaptureConfig(),
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, task.Status.Terminal())
}

func TestRunner_Retake_AppendsExtraSelector(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, Config{BlobPrefix: "gallery"})
	f.filters.rules = []gallery.ExclusionRule{
		{Selector: ".cookie-banner", Scope: gallery.ScopeGlobal},
	}

	uri, err := f.runner.Retake(context.Background(), store.TemplateRef{
		ID:          "tpl-9",
		Slug:        "omega",
		AuthorID:    "auth-2",
		HomepageURL: "https://omega.example",
	}, "#chat-widget", gallery.DefaultCaptureConfig())
	require.NoError(t, err)

	require.Equal(t, "mem://gallery/screenshots/omega.jpg", uri)
	require.Equal(t, uri, f.catalog.screenshotURIs["tpl-9"])
	req := f.capturer.lastRequest()
	require.Equal(t, []string{".cookie-banner", "#chat-widget"}, req.Exclusions)
}

func TestRunner_ChangeHomepage_UpdatesRecordThenRetakes(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, Config{})

	uri, err := f.runner.ChangeHomepage(context.Background(), store.TemplateRef{
		ID:          "tpl-9",
		Slug:        "omega",
		HomepageURL: "https://old.example",
	}, "https://new.example", gallery.DefaultCaptureConfig())
	require.NoError(t, err)

	require.Equal(t, "https://new.example", f.catalog.homepages["tpl-9"])
	require.Equal(t, uri, f.catalog.screenshotURIs["tpl-9"])
	require.Equal(t, "https://new.example", f.capturer.lastRequest().URL)
}

func TestRunner_Run_ConfiguredOpRetriesBoundSaveAttempts(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, Config{OpRetries: 2})
	f.catalog.saveBlips = 2

	task := newTask()
	require.NoError(t, f.runner.Run(context.Background(), task, RunContext{
		SessionType: gallery.SessionTypeFull,
		Capture:     gallery.DefaultCaptureConfig(),
	}))

	require.Equal(t, 3, f.catalog.saveCalls, "two blips then the succeeding attempt")
	require.Equal(t, gallery.TaskCompleted, task.Status)
	require.Len(t, f.catalog.saved, 1)
}

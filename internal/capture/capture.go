// Package capture produces settled screenshots of template pages.
package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/metrics"
)

// Config controls the browser environment shared by all captures.
type Config struct {
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
}

// Service implements gallery.Capturer with chromedp. One exec allocator is
// shared; every capture runs in its own page context.
type Service struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New launches the shared browser allocator.
func New(cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1440
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 900
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Service{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context.
func (s *Service) Close() {
	s.allocCancel()
}

// Capture navigates to the page, removes excluded selectors, runs the
// nudge-and-settle sequence and returns the JPEG frame. The whole run is
// bounded by the navigation timeout plus the fixed pre-waits plus the
// stability max wait.
func (s *Service) Capture(ctx context.Context, req gallery.CaptureRequest) (gallery.CaptureResult, error) {
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return gallery.CaptureResult{}, fmt.Errorf("capture config: %w", err)
	}

	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()

	budget := cfg.NavigationTimeout + fixedPreWait(cfg) + msToDuration(cfg.StabilityMaxWaitMs)
	taskCtx, cancel := context.WithTimeout(taskCtx, budget)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	var (
		frame    []byte
		finalURL string
		settled  settleOutcome
	)
	start := time.Now()
	actions := []chromedp.Action{
		emulation.SetUserAgentOverride(userAgentOrDefault(s.cfg.UserAgent)),
		chromedp.EmulateViewport(int64(s.cfg.ViewportWidth), int64(s.cfg.ViewportHeight)),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		s.removeExclusionsAction(req.Exclusions),
		chromedp.Sleep(msToDuration(cfg.AnimationWaitMs)),
		s.nudgeAction(cfg),
		s.settleAction(cfg, &settled),
		chromedp.Location(&finalURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			frame, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(int64(cfg.JPEGQuality)).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("capture screenshot: %w", err)
			}
			return nil
		}),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return gallery.CaptureResult{}, fmt.Errorf("chromedp run: %w", err)
	}

	metrics.ObserveCapture(time.Since(start), settled.waited)
	s.logger.Debug("page captured",
		zap.String("url", req.URL),
		zap.Duration("settle", settled.waited),
		zap.Bool("timed_out", settled.timedOut),
		zap.Duration("total", time.Since(start)),
	)
	return gallery.CaptureResult{
		JPEG:       frame,
		FinalURL:   finalURL,
		SettleTime: settled.waited,
		TimedOut:   settled.timedOut,
	}, nil
}

// removeExclusionsAction deletes every matching DOM node before the settle
// sequence so the removal itself does not count as layout churn.
func (s *Service) removeExclusionsAction(selectors []string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, sel := range selectors {
			sel = strings.TrimSpace(sel)
			if sel == "" {
				continue
			}
			script := fmt.Sprintf(
				`document.querySelectorAll(%q).forEach(function(n){n.remove()});`, sel)
			if err := chromedp.Evaluate(script, nil).Do(ctx); err != nil {
				return fmt.Errorf("remove selector %q: %w", sel, err)
			}
		}
		return nil
	})
}

// nudgeAction scrolls down by a viewport fraction and back, forcing
// lazy-loaded content to materialize and settle before the stability poll.
func (s *Service) nudgeAction(cfg gallery.CaptureConfig) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		down := fmt.Sprintf("window.scrollBy(0, Math.round(window.innerHeight*%f));", cfg.NudgeScrollRatio)
		if err := chromedp.Evaluate(down, nil).Do(ctx); err != nil {
			return fmt.Errorf("nudge scroll: %w", err)
		}
		if err := chromedp.Sleep(msToDuration(cfg.NudgeWaitMs)).Do(ctx); err != nil {
			return err
		}
		if err := chromedp.Evaluate("window.scrollTo(0, 0);", nil).Do(ctx); err != nil {
			return fmt.Errorf("nudge scroll home: %w", err)
		}
		return chromedp.Sleep(msToDuration(cfg.NudgeAfterMs)).Do(ctx)
	})
}

// layoutFingerprintJS summarizes the rendered state cheaply: document
// height, node count and a capped markup length. Any visual or layout
// change moves at least one of the three.
const layoutFingerprintJS = `(function(){
	var b = document.body;
	var h = Math.max(b.scrollHeight, document.documentElement.scrollHeight);
	var n = document.getElementsByTagName('*').length;
	var l = Math.min(b.innerHTML.length, 2000000);
	return h + ':' + n + ':' + l;
})()`

func (s *Service) settleAction(cfg gallery.CaptureConfig, out *settleOutcome) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		sample := func(ctx context.Context) (string, error) {
			var fp string
			if err := chromedp.Evaluate(layoutFingerprintJS, &fp).Do(ctx); err != nil {
				return "", fmt.Errorf("layout fingerprint: %w", err)
			}
			return fp, nil
		}
		result, err := settle(ctx, sample, cfg)
		if err != nil {
			return err
		}
		*out = result
		return nil
	})
}

type settleOutcome struct {
	waited   time.Duration
	timedOut bool
}

// settle polls the sampler until the fingerprint is unchanged for a
// continuous stable window or the max wait elapses, whichever comes first.
func settle(
	ctx context.Context,
	sample func(ctx context.Context) (string, error),
	cfg gallery.CaptureConfig,
) (settleOutcome, error) {
	interval := msToDuration(cfg.StabilityCheckIntervalMs)
	stableFor := msToDuration(cfg.StabilityStableMs)
	maxWait := msToDuration(cfg.StabilityMaxWaitMs)

	start := time.Now()
	last, err := sample(ctx)
	if err != nil {
		return settleOutcome{}, err
	}
	stableSince := time.Now()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return settleOutcome{}, fmt.Errorf("settle wait canceled: %w", ctx.Err())
		case <-ticker.C:
		}

		current, err := sample(ctx)
		if err != nil {
			return settleOutcome{}, err
		}
		now := time.Now()
		if current != last {
			last = current
			stableSince = now
		}

		if now.Sub(stableSince) >= stableFor {
			return settleOutcome{waited: now.Sub(start)}, nil
		}
		if now.Sub(start) >= maxWait {
			return settleOutcome{waited: now.Sub(start), timedOut: true}, nil
		}
	}
}

func fixedPreWait(cfg gallery.CaptureConfig) time.Duration {
	return msToDuration(cfg.AnimationWaitMs + cfg.NudgeWaitMs + cfg.NudgeAfterMs)
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func userAgentOrDefault(ua string) string {
	if ua != "" {
		return ua
	}
	return "gallery-engine/1.0"
}

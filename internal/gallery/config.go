package gallery

import (
	"fmt"
	"time"
)

// CaptureConfig holds the timing and quality dials for the stability
// capturer. Persisted defaults may be overridden per session or per job.
type CaptureConfig struct {
	NavigationTimeout        time.Duration `json:"navigation_timeout" mapstructure:"navigation_timeout"`
	AnimationWaitMs          int           `json:"screenshot_animation_wait_ms" mapstructure:"animation_wait_ms"`
	NudgeScrollRatio         float64       `json:"screenshot_nudge_scroll_ratio" mapstructure:"nudge_scroll_ratio"`
	NudgeWaitMs              int           `json:"screenshot_nudge_wait_ms" mapstructure:"nudge_wait_ms"`
	NudgeAfterMs             int           `json:"screenshot_nudge_after_ms" mapstructure:"nudge_after_ms"`
	StabilityStableMs        int           `json:"screenshot_stability_stable_ms" mapstructure:"stability_stable_ms"`
	StabilityMaxWaitMs       int           `json:"screenshot_stability_max_wait_ms" mapstructure:"stability_max_wait_ms"`
	StabilityCheckIntervalMs int           `json:"screenshot_stability_check_interval_ms" mapstructure:"stability_check_interval_ms"`
	// JPEGQuality applies to the raw browser capture, WebPQuality to the
	// persisted thumbnail derivative. The formats differ, so the dials do.
	JPEGQuality int `json:"screenshot_jpeg_quality" mapstructure:"jpeg_quality"`
	WebPQuality int `json:"screenshot_webp_quality" mapstructure:"webp_quality"`
}

// DefaultCaptureConfig returns the persisted global defaults.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		NavigationTimeout:        45 * time.Second,
		AnimationWaitMs:          1500,
		NudgeScrollRatio:         0.6,
		NudgeWaitMs:              700,
		NudgeAfterMs:             500,
		StabilityStableMs:        1200,
		StabilityMaxWaitMs:       12000,
		StabilityCheckIntervalMs: 250,
		JPEGQuality:              85,
		WebPQuality:              80,
	}
}

// Validate enforces sane dial ranges.
func (c CaptureConfig) Validate() error {
	if c.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation_timeout must be > 0")
	}
	if c.NudgeScrollRatio < 0 || c.NudgeScrollRatio > 1 {
		return fmt.Errorf("nudge_scroll_ratio must be within [0,1]")
	}
	if c.StabilityCheckIntervalMs <= 0 {
		return fmt.Errorf("stability_check_interval_ms must be > 0")
	}
	if c.StabilityStableMs <= 0 || c.StabilityMaxWaitMs <= 0 {
		return fmt.Errorf("stability windows must be > 0")
	}
	if c.StabilityStableMs > c.StabilityMaxWaitMs {
		return fmt.Errorf("stability_stable_ms must not exceed stability_max_wait_ms")
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 || c.WebPQuality <= 0 || c.WebPQuality > 100 {
		return fmt.Errorf("quality dials must be within (0,100]")
	}
	return nil
}

// Merge overlays non-zero override fields onto c.
func (c CaptureConfig) Merge(o CaptureConfig) CaptureConfig {
	out := c
	if o.NavigationTimeout > 0 {
		out.NavigationTimeout = o.NavigationTimeout
	}
	if o.AnimationWaitMs > 0 {
		out.AnimationWaitMs = o.AnimationWaitMs
	}
	if o.NudgeScrollRatio > 0 {
		out.NudgeScrollRatio = o.NudgeScrollRatio
	}
	if o.NudgeWaitMs > 0 {
		out.NudgeWaitMs = o.NudgeWaitMs
	}
	if o.NudgeAfterMs > 0 {
		out.NudgeAfterMs = o.NudgeAfterMs
	}
	if o.StabilityStableMs > 0 {
		out.StabilityStableMs = o.StabilityStableMs
	}
	if o.StabilityMaxWaitMs > 0 {
		out.StabilityMaxWaitMs = o.StabilityMaxWaitMs
	}
	if o.StabilityCheckIntervalMs > 0 {
		out.StabilityCheckIntervalMs = o.StabilityCheckIntervalMs
	}
	if o.JPEGQuality > 0 {
		out.JPEGQuality = o.JPEGQuality
	}
	if o.WebPQuality > 0 {
		out.WebPQuality = o.WebPQuality
	}
	return out
}

// PoolConfig sizes the shared browser-page slot pool and batching.
type PoolConfig struct {
	BrowserInstances int `json:"browser_instances" mapstructure:"browser_instances"`
	PagesPerBrowser  int `json:"pages_per_browser" mapstructure:"pages_per_browser"`
	BatchSize        int `json:"batch_size" mapstructure:"batch_size"`
}

// DefaultPoolConfig returns the persisted global defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		BrowserInstances: 2,
		PagesPerBrowser:  3,
		BatchSize:        20,
	}
}

// FromSpeed derives both pool factors from a single simple-mode value.
// Speed 1 is one page total; higher speeds widen both dimensions.
func FromSpeed(speed, batchSize int) PoolConfig {
	if speed < 1 {
		speed = 1
	}
	cfg := PoolConfig{BrowserInstances: 1, PagesPerBrowser: speed, BatchSize: batchSize}
	if speed > 4 {
		cfg.BrowserInstances = (speed + 3) / 4
		cfg.PagesPerBrowser = 4
	}
	return cfg
}

// Slots is the hard global concurrency ceiling.
func (p PoolConfig) Slots() int {
	return p.BrowserInstances * p.PagesPerBrowser
}

// Validate enforces required pool sizing.
func (p PoolConfig) Validate() error {
	if p.BrowserInstances <= 0 {
		return fmt.Errorf("browser_instances must be > 0")
	}
	if p.PagesPerBrowser <= 0 {
		return fmt.Errorf("pages_per_browser must be > 0")
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0")
	}
	return nil
}

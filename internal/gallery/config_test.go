package gallery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureConfigValidate(t *testing.T) {
	require.NoError(t, DefaultCaptureConfig().Validate())

	cases := map[string]func(*CaptureConfig){
		"zero navigation timeout":   func(c *CaptureConfig) { c.NavigationTimeout = 0 },
		"scroll ratio above one":    func(c *CaptureConfig) { c.NudgeScrollRatio = 1.2 },
		"negative scroll ratio":     func(c *CaptureConfig) { c.NudgeScrollRatio = -0.1 },
		"zero check interval":       func(c *CaptureConfig) { c.StabilityCheckIntervalMs = 0 },
		"zero stable window":        func(c *CaptureConfig) { c.StabilityStableMs = 0 },
		"stable exceeds max wait":   func(c *CaptureConfig) { c.StabilityStableMs = 20000 },
		"jpeg quality out of range": func(c *CaptureConfig) { c.JPEGQuality = 101 },
		"zero webp quality":         func(c *CaptureConfig) { c.WebPQuality = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultCaptureConfig()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestCaptureConfigMerge(t *testing.T) {
	base := DefaultCaptureConfig()

	merged := base.Merge(CaptureConfig{
		NavigationTimeout: 90 * time.Second,
		StabilityStableMs: 3000,
		JPEGQuality:       60,
	})

	assert.Equal(t, 90*time.Second, merged.NavigationTimeout)
	assert.Equal(t, 3000, merged.StabilityStableMs)
	assert.Equal(t, 60, merged.JPEGQuality)

	// Zero-valued override fields keep the base values.
	assert.Equal(t, base.AnimationWaitMs, merged.AnimationWaitMs)
	assert.Equal(t, base.StabilityMaxWaitMs, merged.StabilityMaxWaitMs)
	assert.Equal(t, base.WebPQuality, merged.WebPQuality)

	// Empty override is an identity.
	assert.Equal(t, base, base.Merge(CaptureConfig{}))
}

func TestPoolConfigSlots(t *testing.T) {
	assert.Equal(t, 6, DefaultPoolConfig().Slots())
	assert.Equal(t, 12, PoolConfig{BrowserInstances: 3, PagesPerBrowser: 4}.Slots())
}

func TestPoolConfigValidate(t *testing.T) {
	require.NoError(t, DefaultPoolConfig().Validate())
	require.Error(t, PoolConfig{BrowserInstances: 0, PagesPerBrowser: 3, BatchSize: 20}.Validate())
	require.Error(t, PoolConfig{BrowserInstances: 2, PagesPerBrowser: 0, BatchSize: 20}.Validate())
	require.Error(t, PoolConfig{BrowserInstances: 2, PagesPerBrowser: 3, BatchSize: 0}.Validate())
}

func TestFromSpeed(t *testing.T) {
	cases := []struct {
		speed    int
		browsers int
		pages    int
	}{
		{0, 1, 1}, // clamped to speed 1
		{1, 1, 1},
		{3, 1, 3},
		{4, 1, 4},
		{5, 2, 4},
		{8, 2, 4},
		{9, 3, 4},
	}
	for _, tc := range cases {
		cfg := FromSpeed(tc.speed, 25)
		assert.Equal(t, tc.browsers, cfg.BrowserInstances, "speed %d", tc.speed)
		assert.Equal(t, tc.pages, cfg.PagesPerBrowser, "speed %d", tc.speed)
		assert.Equal(t, 25, cfg.BatchSize, "speed %d", tc.speed)
		require.NoError(t, cfg.Validate())
	}
}

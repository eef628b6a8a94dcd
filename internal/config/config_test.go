package config

import (
	"testing"
	"time"

	"github.com/ahrdadan/callrepro/internal/browser"
	"github.com/ahrdadan/callrepro/internal/repro"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultsMatchScenario(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, repro.DefaultScenario(), cfg.Scenario())
	assert.Equal(t, "http://localhost:8000", cfg.BaseURL)

	opts := cfg.BrowserOptions()
	assert.Equal(t, browser.EngineRod, opts.Engine)
	assert.True(t, opts.Headless)
	assert.False(t, opts.NoSandbox)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]string{
		"--url", "http://127.0.0.1:4173/",
		"--log", "out/error.log",
		"--settle", "2s",
		"--engine", "playwright",
		"--headless=false",
		"--no-sandbox",
		"--host", "127.0.0.1",
		"--port", "9000",
	})
	require.NoError(t, err)

	sc := cfg.Scenario()
	assert.Equal(t, "http://127.0.0.1:4173/", sc.TargetURL)
	assert.Equal(t, "out/error.log", sc.LogPath)
	assert.Equal(t, 2*time.Second, sc.Timeouts.Settle)
	assert.Equal(t, repro.DefaultTimeouts().Feed, sc.Timeouts.Feed)
	assert.Equal(t, "Shojib", sc.Contact)

	opts := cfg.BrowserOptions()
	assert.Equal(t, browser.EnginePlaywright, opts.Engine)
	assert.False(t, opts.Headless)
	assert.True(t, opts.NoSandbox)

	assert.Equal(t, "http://127.0.0.1:9000", cfg.BaseURL)
}

func TestParseClampsInvalidValues(t *testing.T) {
	cfg, err := Parse([]string{"--rate-limit", "0", "--settle", "-1s"})
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.RateLimitRequests)
	assert.Zero(t, cfg.Settle)
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	_, err := Parse([]string{"--retries", "3"})
	assert.Error(t, err)
}

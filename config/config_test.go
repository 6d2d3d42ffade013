package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Capture.Segments)
	assert.Equal(t, "feed", cfg.Capture.FilePrefix)
	assert.Equal(t, 800, cfg.Browser.ViewportWidth)
	assert.Equal(t, 600, cfg.Browser.ViewportHeight)
	assert.Equal(t, "dark", cfg.Browser.Theme)
	assert.Equal(t, "app_gdpr", cfg.Layout.ConsentPrefix)
	assert.Equal(t, 1024, cfg.Inline.MaxDimension)
	assert.Equal(t, 300*1024, cfg.Inline.MaxBytes)
	assert.Equal(t, 80, cfg.Inline.JPEGQuality)
	assert.Equal(t, 465, cfg.Mail.Port)
	assert.Equal(t, 30*time.Second, cfg.Login.NavigationTimeout)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedsnap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capture:
  landing_url: https://feed.example/hot
  segments: 7
  scroll_settle: 250ms
layout:
  expand_selectors: [".more"]
inline:
  workers: 8
log:
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://feed.example/hot", cfg.Capture.LandingURL)
	assert.Equal(t, 7, cfg.Capture.Segments)
	assert.Equal(t, 250*time.Millisecond, cfg.Capture.ScrollSettle)
	assert.Equal(t, []string{".more"}, cfg.Layout.ExpandSelectors)
	assert.Equal(t, 8, cfg.Inline.Workers)
	assert.Equal(t, "json", cfg.Log.Format)

	// untouched keys keep their defaults
	assert.Equal(t, 2*time.Second, cfg.Capture.SegmentDelay)
	assert.Equal(t, "section.entry", cfg.Layout.EntrySelector)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedsnap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  segments: 7\n"), 0o644))

	t.Setenv("FEEDSNAP_SEGMENTS", "2")
	t.Setenv("FEEDSNAP_USER", "alice")
	t.Setenv("FEEDSNAP_PASS", "secret")
	t.Setenv("FEEDSNAP_SEGMENT_DELAY", "5s")
	t.Setenv("FEEDSNAP_API_KEYS", "k1, k2,,")
	t.Setenv("FEEDSNAP_FETCH_RPS", "7.5")
	t.Setenv("FEEDSNAP_HEADLESS", "false")
	t.Setenv("FEEDSNAP_MAX_SCROLLS", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Capture.Segments)
	assert.Equal(t, "alice", cfg.Login.User)
	assert.Equal(t, "secret", cfg.Login.Password)
	assert.Equal(t, 5*time.Second, cfg.Capture.SegmentDelay)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.APIKeys)
	assert.Equal(t, 7.5, cfg.Inline.RequestsPerSecond)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 2000, cfg.Capture.MaxScrolls, "unparsable values fall back")
}

func TestMailEnv(t *testing.T) {
	t.Setenv("FEEDSNAP_MAIL", "true")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("EMAIL_FROM", "bot@example.com")
	t.Setenv("EMAIL_TO", "a@example.com,b@example.com")
	t.Setenv("EMAIL_PASS", "pw")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Mail.Enabled)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Mail.To)
	assert.Equal(t, "pw", cfg.Mail.Password)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no landing", func(c *Config) { c.Capture.LandingURL = "" }, true},
		{"zero segments", func(c *Config) { c.Capture.Segments = 0 }, true},
		{"no entry selector", func(c *Config) { c.Layout.EntrySelector = "" }, true},
		{"mail without host", func(c *Config) { c.Mail.Enabled = true }, true},
		{"workers clamped", func(c *Config) { c.Inline.Workers = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, cfg.Inline.Workers, 1)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

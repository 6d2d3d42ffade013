package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. It is built once at
// startup by Load and passed by value or pointer to every component;
// nothing mutates it afterwards.
type Config struct {
	Browser   BrowserConfig   `yaml:"browser"`
	Capture   CaptureConfig   `yaml:"capture"`
	Layout    LayoutConfig    `yaml:"layout"`
	Login     LoginConfig     `yaml:"login"`
	Inline    InlineConfig    `yaml:"inline"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Mail      MailConfig      `yaml:"mail"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool `yaml:"headless"` // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool `yaml:"no_sandbox"` // default: true

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string `yaml:"bin"`

	// DefaultProxy is the proxy URL used by the browser.
	DefaultProxy string `yaml:"proxy"`

	// Stealth injects go-rod/stealth evasions into every page.
	Stealth bool `yaml:"stealth"` // default: true

	ViewportWidth  int `yaml:"viewport_width"`  // default: 800
	ViewportHeight int `yaml:"viewport_height"` // default: 600

	// Theme is the emulated prefers-color-scheme ("dark", "light" or "").
	Theme string `yaml:"theme"` // default: "dark"

	// AcceptLanguage is sent as an extra header on every browser request.
	AcceptLanguage string `yaml:"accept_language"` // default: "pl-PL,pl;q=0.9,en;q=0.8"

	// BlockedResourceTypes lists resource types the browser never loads.
	// Images and stylesheets are fetched by the inliner, so blocking them
	// here only affects live rendering.
	BlockedResourceTypes []string `yaml:"blocked_resource_types"` // default: ["Media", "Font"]

	// BlockAds drops requests to well-known ad and tracking domains.
	BlockAds bool `yaml:"block_ads"` // default: true
}

// CaptureConfig controls one capture run.
type CaptureConfig struct {
	// LandingURL is the first feed segment.
	LandingURL string `yaml:"landing_url"` // default: "https://wykop.pl/mikroblog/gorace/24"

	// Segments is the number of paginated segments to capture.
	Segments int `yaml:"segments"` // default: 4

	// OutputRoot holds one date-stamped directory per run and the zips/ directory.
	OutputRoot string `yaml:"output_root"` // default: "output"

	// FilePrefix names segment files (<prefix>_<n>.html) and the archive.
	FilePrefix string `yaml:"file_prefix"` // default: "feed"

	SegmentDelay  time.Duration `yaml:"segment_delay"`  // default: 2s
	ConsentSettle time.Duration `yaml:"consent_settle"` // default: 2s
	ScrollSettle  time.Duration `yaml:"scroll_settle"`  // default: 600ms
	ExpandSettle  time.Duration `yaml:"expand_settle"`  // default: 300ms

	// MaxScrolls caps snapshot loop iterations per segment.
	MaxScrolls int `yaml:"max_scrolls"` // default: 2000

	NavigationTimeout  time.Duration `yaml:"navigation_timeout"`  // default: 30s
	NavigationAttempts int           `yaml:"navigation_attempts"` // default: 2
	NavigationBackoff  time.Duration `yaml:"navigation_backoff"`  // default: 3s

	// Digest writes a Markdown companion next to each segment file.
	Digest bool `yaml:"digest"` // default: false
}

// LayoutConfig holds the feed-specific selectors.
type LayoutConfig struct {
	EntrySelector   string   `yaml:"entry_selector"`   // default: "section.entry"
	ActiveClass     string   `yaml:"active_class"`     // default: "active"
	FrozenClass     string   `yaml:"frozen_class"`     // default: "cloned"
	ExpandSelectors []string `yaml:"expand_selectors"` // default: ["button.more", "button.spoiler", ".spoiler-button"]
	ConsentPrefix   string   `yaml:"consent_prefix"`   // default: "app_gdpr"
	NextSelector    string   `yaml:"next_selector"`    // default: ".from-pagination-microblog .next a"
}

// LoginConfig controls authentication against the feed site.
type LoginConfig struct {
	Enabled bool `yaml:"enabled"` // default: true

	LinkSelector     string `yaml:"link_selector"`     // default: `a[href="/logowanie"]`
	ModalSelector    string `yaml:"modal_selector"`    // default: ".modal.login"
	UserSelector     string `yaml:"user_selector"`     // default: ".login.modal .form-group input[type=text]"
	PasswordSelector string `yaml:"password_selector"` // default: ".login.modal .form-group.password input[type=password]"
	SubmitSelector   string `yaml:"submit_selector"`   // default: ".login.modal .button button.target"

	ModalTimeout      time.Duration `yaml:"modal_timeout"`      // default: 5s
	NavigationTimeout time.Duration `yaml:"navigation_timeout"` // default: 30s
	Attempts          int           `yaml:"attempts"`           // default: 2
	Backoff           time.Duration `yaml:"backoff"`            // default: 3s

	User     string `yaml:"user"`
	Password string `yaml:"-"`

	// KeyringService is consulted when Password is empty.
	KeyringService string `yaml:"keyring_service"` // default: "feedsnap"
}

// InlineConfig controls the resource inliner.
type InlineConfig struct {
	Workers          int           `yaml:"workers"`           // default: 4
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`     // default: 20s
	TranscodeTimeout time.Duration `yaml:"transcode_timeout"` // default: 15s

	// RequestsPerSecond throttles resource fetches; 0 disables throttling.
	RequestsPerSecond float64 `yaml:"requests_per_second"` // default: 20
	Burst             int     `yaml:"burst"`               // default: 5

	MaxDimension int `yaml:"max_dimension"` // default: 1024
	MaxBytes     int `yaml:"max_bytes"`     // default: 300 KiB
	JPEGQuality  int `yaml:"jpeg_quality"`  // default: 80

	// CacheEntries bounds the run-scoped resource cache.
	CacheEntries int `yaml:"cache_entries"` // default: 2000
}

// ArchiveConfig controls packaging of a finished run.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"` // default: true
}

// MailConfig controls e-mail delivery of the archive.
type MailConfig struct {
	Enabled  bool     `yaml:"enabled"` // default: false
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"` // default: 465
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Password string   `yaml:"-"`

	// InsecureSkipVerify accepts self-signed SMTP certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"` // default: false
}

// WebhookConfig controls the run-completed notification.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"-"`
}

// ServerConfig controls the HTTP control server.
type ServerConfig struct {
	Host string `yaml:"host"` // default: "127.0.0.1"
	Port int    `yaml:"port"` // default: 8080
	Mode string `yaml:"mode"` // "debug", "release", "test"; default: "release"
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled"` // default: true
	APIKeys []string `yaml:"-"`
}

// RateLimitConfig controls per-key rate limiting on the control API.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"` // default: 2
	Burst             int     `yaml:"burst"`               // default: 5
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // default: "info"
	Format string `yaml:"format"` // "json" or "text"; default: "text"
}

// Defaults returns the configuration used when neither a file nor the
// environment says otherwise.
func Defaults() *Config {
	return &Config{
		Browser: BrowserConfig{
			Headless:             true,
			NoSandbox:            true,
			Stealth:              true,
			ViewportWidth:        800,
			ViewportHeight:       600,
			Theme:                "dark",
			AcceptLanguage:       "pl-PL,pl;q=0.9,en;q=0.8",
			BlockedResourceTypes: []string{"Media", "Font"},
			BlockAds:             true,
		},
		Capture: CaptureConfig{
			LandingURL:         "https://wykop.pl/mikroblog/gorace/24",
			Segments:           4,
			OutputRoot:         "output",
			FilePrefix:         "feed",
			SegmentDelay:       2 * time.Second,
			ConsentSettle:      2 * time.Second,
			ScrollSettle:       600 * time.Millisecond,
			ExpandSettle:       300 * time.Millisecond,
			MaxScrolls:         2000,
			NavigationTimeout:  30 * time.Second,
			NavigationAttempts: 2,
			NavigationBackoff:  3 * time.Second,
		},
		Layout: LayoutConfig{
			EntrySelector:   "section.entry",
			ActiveClass:     "active",
			FrozenClass:     "cloned",
			ExpandSelectors: []string{"button.more", "button.spoiler", ".spoiler-button"},
			ConsentPrefix:   "app_gdpr",
			NextSelector:    ".from-pagination-microblog .next a",
		},
		Login: LoginConfig{
			Enabled:           true,
			LinkSelector:      `a[href="/logowanie"]`,
			ModalSelector:     ".modal.login",
			UserSelector:      ".login.modal .form-group input[type=text]",
			PasswordSelector:  ".login.modal .form-group.password input[type=password]",
			SubmitSelector:    ".login.modal .button button.target",
			ModalTimeout:      5 * time.Second,
			NavigationTimeout: 30 * time.Second,
			Attempts:          2,
			Backoff:           3 * time.Second,
			KeyringService:    "feedsnap",
		},
		Inline: InlineConfig{
			Workers:           4,
			FetchTimeout:      20 * time.Second,
			TranscodeTimeout:  15 * time.Second,
			RequestsPerSecond: 20,
			Burst:             5,
			MaxDimension:      1024,
			MaxBytes:          300 * 1024,
			JPEGQuality:       80,
			CacheEntries:      2000,
		},
		Archive: ArchiveConfig{Enabled: true},
		Mail:    MailConfig{Port: 465},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Mode: "release",
		},
		Auth:      AuthConfig{Enabled: true},
		RateLimit: RateLimitConfig{RequestsPerSecond: 2, Burst: 5},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from defaults, then the optional YAML file
// at path, then FEEDSNAP_* environment variables (env wins).
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations no run could succeed with.
func (c *Config) Validate() error {
	if c.Capture.LandingURL == "" {
		return fmt.Errorf("config: capture.landing_url is required")
	}
	if c.Capture.Segments < 1 {
		return fmt.Errorf("config: capture.segments must be >= 1, got %d", c.Capture.Segments)
	}
	if c.Layout.EntrySelector == "" || c.Layout.ActiveClass == "" || c.Layout.FrozenClass == "" {
		return fmt.Errorf("config: layout entry selector and classes are required")
	}
	if c.Inline.Workers < 1 {
		c.Inline.Workers = 1
	}
	if c.Mail.Enabled && (c.Mail.Host == "" || c.Mail.From == "" || len(c.Mail.To) == 0) {
		return fmt.Errorf("config: mail enabled but host/from/to missing")
	}
	return nil
}

func applyEnv(c *Config) {
	c.Browser.Headless = envBoolOr("FEEDSNAP_HEADLESS", c.Browser.Headless)
	c.Browser.NoSandbox = envBoolOr("FEEDSNAP_NO_SANDBOX", c.Browser.NoSandbox)
	c.Browser.BrowserBin = envOr("FEEDSNAP_BROWSER_BIN", c.Browser.BrowserBin)
	c.Browser.DefaultProxy = envOr("FEEDSNAP_PROXY", c.Browser.DefaultProxy)
	c.Browser.Stealth = envBoolOr("FEEDSNAP_STEALTH", c.Browser.Stealth)
	c.Browser.ViewportWidth = envIntOr("FEEDSNAP_VIEWPORT_WIDTH", c.Browser.ViewportWidth)
	c.Browser.ViewportHeight = envIntOr("FEEDSNAP_VIEWPORT_HEIGHT", c.Browser.ViewportHeight)
	c.Browser.Theme = envOr("FEEDSNAP_THEME", c.Browser.Theme)
	c.Browser.BlockedResourceTypes = envSliceOr("FEEDSNAP_BLOCKED_RESOURCES", c.Browser.BlockedResourceTypes)
	c.Browser.BlockAds = envBoolOr("FEEDSNAP_BLOCK_ADS", c.Browser.BlockAds)

	c.Capture.LandingURL = envOr("FEEDSNAP_URL", c.Capture.LandingURL)
	c.Capture.Segments = envIntOr("FEEDSNAP_SEGMENTS", c.Capture.Segments)
	c.Capture.OutputRoot = envOr("FEEDSNAP_OUTPUT", c.Capture.OutputRoot)
	c.Capture.FilePrefix = envOr("FEEDSNAP_FILE_PREFIX", c.Capture.FilePrefix)
	c.Capture.SegmentDelay = envDurationOr("FEEDSNAP_SEGMENT_DELAY", c.Capture.SegmentDelay)
	c.Capture.ConsentSettle = envDurationOr("FEEDSNAP_CONSENT_SETTLE", c.Capture.ConsentSettle)
	c.Capture.ScrollSettle = envDurationOr("FEEDSNAP_SCROLL_SETTLE", c.Capture.ScrollSettle)
	c.Capture.MaxScrolls = envIntOr("FEEDSNAP_MAX_SCROLLS", c.Capture.MaxScrolls)
	c.Capture.NavigationTimeout = envDurationOr("FEEDSNAP_NAV_TIMEOUT", c.Capture.NavigationTimeout)
	c.Capture.Digest = envBoolOr("FEEDSNAP_DIGEST", c.Capture.Digest)

	c.Login.Enabled = envBoolOr("FEEDSNAP_LOGIN", c.Login.Enabled)
	c.Login.User = envOr("FEEDSNAP_USER", c.Login.User)
	c.Login.Password = envOr("FEEDSNAP_PASS", c.Login.Password)
	c.Login.NavigationTimeout = envDurationOr("FEEDSNAP_LOGIN_NAV_TIMEOUT", c.Login.NavigationTimeout)

	c.Inline.Workers = envIntOr("FEEDSNAP_INLINE_WORKERS", c.Inline.Workers)
	c.Inline.FetchTimeout = envDurationOr("FEEDSNAP_FETCH_TIMEOUT", c.Inline.FetchTimeout)
	c.Inline.RequestsPerSecond = envFloatOr("FEEDSNAP_FETCH_RPS", c.Inline.RequestsPerSecond)

	c.Archive.Enabled = envBoolOr("FEEDSNAP_ARCHIVE", c.Archive.Enabled)

	c.Mail.Enabled = envBoolOr("FEEDSNAP_MAIL", c.Mail.Enabled)
	c.Mail.Host = envOr("SMTP_HOST", c.Mail.Host)
	c.Mail.Port = envIntOr("SMTP_PORT", c.Mail.Port)
	c.Mail.From = envOr("EMAIL_FROM", c.Mail.From)
	c.Mail.To = envSliceOr("EMAIL_TO", c.Mail.To)
	c.Mail.Password = envOr("EMAIL_PASS", c.Mail.Password)
	c.Mail.InsecureSkipVerify = envBoolOr("SMTP_INSECURE", c.Mail.InsecureSkipVerify)

	c.Webhook.URL = envOr("FEEDSNAP_WEBHOOK_URL", c.Webhook.URL)
	c.Webhook.Secret = envOr("FEEDSNAP_WEBHOOK_SECRET", c.Webhook.Secret)

	c.Server.Host = envOr("FEEDSNAP_HOST", c.Server.Host)
	c.Server.Port = envIntOr("FEEDSNAP_PORT", c.Server.Port)
	c.Server.Mode = envOr("FEEDSNAP_MODE", c.Server.Mode)

	c.Auth.Enabled = envBoolOr("FEEDSNAP_AUTH_ENABLED", c.Auth.Enabled)
	c.Auth.APIKeys = envSliceOr("FEEDSNAP_API_KEYS", c.Auth.APIKeys)

	c.RateLimit.RequestsPerSecond = envFloatOr("FEEDSNAP_RATE_RPS", c.RateLimit.RequestsPerSecond)
	c.RateLimit.Burst = envIntOr("FEEDSNAP_RATE_BURST", c.RateLimit.Burst)

	c.Log.Level = envOr("FEEDSNAP_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("FEEDSNAP_LOG_FORMAT", c.Log.Format)
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}

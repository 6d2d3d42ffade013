// Package scraper owns the capture browser: launching Chromium, opening a
// stealth page with the capture viewport and theme, logging in, and
// exposing the page to the harvester.
package scraper

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/use-agent/feedsnap/config"
	"github.com/use-agent/feedsnap/models"
)

// Browser manages the browser process. One capture page is open at a time.
type Browser struct {
	browser   *rod.Browser
	launcher  *launcher.Launcher
	cfg       config.BrowserConfig
	startTime time.Time
	connected atomic.Bool
}

// Launch starts Chromium with automation fingerprints removed.
func Launch(cfg config.BrowserConfig) (*Browser, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.DefaultProxy != "" {
		l = l.Proxy(cfg.DefaultProxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("disable-setuid-sandbox"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewCaptureError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}
	slog.Info("browser launched", "controlURL", controlURL, "pid", l.PID())

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, models.NewCaptureError(models.ErrCodeBrowserCrash, "failed to connect to browser", err)
	}

	b := &Browser{
		browser:   browser,
		launcher:  l,
		cfg:       cfg,
		startTime: time.Now(),
	}
	b.connected.Store(true)
	return b, nil
}

// NewPage opens a capture page: stealth scripts, request blocking, the
// configured viewport, emulated colour scheme and extra headers are all in
// place before the first navigation.
func (b *Browser) NewPage(layout config.LayoutConfig) (*FeedPage, error) {
	var (
		page *rod.Page
		err  error
	)
	// ── 1. Create the target, stealth-patched when configured ──
	if b.cfg.Stealth {
		page, err = stealth.Page(b.browser)
	} else {
		page, err = b.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, models.NewCaptureError(models.ErrCodeBrowserCrash, "failed to open page", err)
	}

	// ── 2. Block media, fonts and ad domains ──
	router := setupHijack(page, b.cfg.BlockedResourceTypes, b.cfg.BlockAds)

	// ── 3. Viewport and theme ──
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             b.cfg.ViewportWidth,
		Height:            b.cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		slog.Warn("viewport emulation failed", "error", err)
	}
	if b.cfg.Theme != "" {
		err := proto.EmulationSetEmulatedMedia{
			Features: []*proto.EmulationMediaFeature{{Name: "prefers-color-scheme", Value: b.cfg.Theme}},
		}.Call(page)
		if err != nil {
			slog.Warn("colour scheme emulation failed", "theme", b.cfg.Theme, "error", err)
		}
	}

	// ── 4. Extra headers ──
	if b.cfg.AcceptLanguage != "" {
		_ = proto.NetworkSetExtraHTTPHeaders{
			Headers: proto.NetworkHeaders{"Accept-Language": gson.New(b.cfg.AcceptLanguage)},
		}.Call(page)
	}

	return &FeedPage{
		page:   page,
		router: router,
		layout: layout,
		theme:  b.cfg.Theme,
	}, nil
}

// Stats reports whether the browser is connected and its process ID.
func (b *Browser) Stats() models.BrowserStats {
	if b == nil {
		return models.BrowserStats{}
	}
	return models.BrowserStats{
		Connected: b.connected.Load(),
		PID:       b.launcher.PID(),
	}
}

// Uptime is the time since the browser was launched.
func (b *Browser) Uptime() time.Duration {
	return time.Since(b.startTime)
}

// Close kills the browser process.
func (b *Browser) Close() {
	slog.Info("browser shutting down")
	b.connected.Store(false)
	if err := b.browser.Close(); err != nil {
		slog.Warn("browser close failed", "error", err)
	}
	b.launcher.Kill()
	slog.Info("browser shutdown complete")
}

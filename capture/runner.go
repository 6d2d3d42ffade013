// Package capture runs one complete feed capture: session, pagination
// walk, packaging and delivery.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/feedsnap/archive"
	"github.com/use-agent/feedsnap/config"
	"github.com/use-agent/feedsnap/digest"
	"github.com/use-agent/feedsnap/fetch"
	"github.com/use-agent/feedsnap/harvest"
	"github.com/use-agent/feedsnap/inline"
	"github.com/use-agent/feedsnap/models"
	"github.com/use-agent/feedsnap/retry"
	"github.com/use-agent/feedsnap/webhook"
)

// Session is a live, logged-out browser page ready for a capture.
type Session interface {
	harvest.Page
	Login(ctx context.Context, cfg config.LoginConfig, landingURL string, consent *harvest.Dismisser, debugDir string) error
	ApplyColorScheme(ctx context.Context, scheme string) error
	Cookies(pageURL string) ([]*http.Cookie, error)
	Close()
}

// Launcher opens a fresh Session for one run.
type Launcher func(ctx context.Context) (Session, error)

// Deliverer sends a finished archive somewhere.
type Deliverer interface {
	Send(ctx context.Context, archivePath string) error
}

// Options are the per-run knobs; everything else comes from config.
type Options struct {
	LandingURL    string
	Segments      int
	Digest        bool
	Archive       bool
	Deliver       bool
	WebhookURL    string
	WebhookSecret string
}

// DefaultOptions derives run options from the configuration.
func DefaultOptions(cfg *config.Config) Options {
	return Options{
		LandingURL:    cfg.Capture.LandingURL,
		Segments:      cfg.Capture.Segments,
		Digest:        cfg.Capture.Digest,
		Archive:       cfg.Archive.Enabled,
		Deliver:       cfg.Mail.Enabled,
		WebhookURL:    cfg.Webhook.URL,
		WebhookSecret: cfg.Webhook.Secret,
	}
}

// Apply overlays the non-zero fields of req onto o.
func (o Options) Apply(req *models.CaptureRequest) Options {
	if req == nil {
		return o
	}
	if req.URL != "" {
		o.LandingURL = req.URL
	}
	if req.Segments > 0 {
		o.Segments = req.Segments
	}
	if req.Digest != nil {
		o.Digest = *req.Digest
	}
	if req.Archive != nil {
		o.Archive = *req.Archive
	}
	if req.Deliver != nil {
		o.Deliver = *req.Deliver
	}
	if req.WebhookURL != "" {
		o.WebhookURL = req.WebhookURL
		o.WebhookSecret = req.WebhookSecret
	}
	return o
}

// ErrBusy is returned when a capture is already running.
var ErrBusy = models.NewCaptureError(models.ErrCodeBusy, "a capture is already running", nil)

// Runner executes capture runs one at a time and remembers their reports.
type Runner struct {
	cfg      *config.Config
	launch   Launcher
	mailer   Deliverer
	notifier *webhook.Notifier

	// fetchTransport overrides the resource fetcher's transport (tests).
	fetchTransport http.RoundTripper
	now            func() time.Time

	busy   atomic.Bool
	active atomic.Value // string

	mu   sync.RWMutex
	runs map[string]*models.RunReport
}

// NewRunner creates a Runner. mailer may be nil when delivery is disabled.
func NewRunner(cfg *config.Config, launch Launcher, mailer Deliverer, notifier *webhook.Notifier) *Runner {
	if notifier == nil {
		notifier = webhook.New()
	}
	r := &Runner{
		cfg:      cfg,
		launch:   launch,
		mailer:   mailer,
		notifier: notifier,
		now:      time.Now,
		runs:     make(map[string]*models.RunReport),
	}
	r.active.Store("")
	return r
}

// Run executes a capture synchronously. The returned report is always
// non-nil once the run has started; the error is non-nil when the run
// failed outright (login, navigation or write).
func (r *Runner) Run(ctx context.Context, opts Options) (*models.RunReport, error) {
	rep, err := r.begin(opts)
	if err != nil {
		return nil, err
	}
	err = r.execute(ctx, rep, opts)
	return r.Get(rep.ID), err
}

// Start launches a capture in the background and returns its ID at once.
// The run is bound to ctx, not to the caller's request.
func (r *Runner) Start(ctx context.Context, opts Options) (string, error) {
	rep, err := r.begin(opts)
	if err != nil {
		return "", err
	}
	go func() {
		if err := r.execute(ctx, rep, opts); err != nil {
			slog.Error("capture failed", "id", rep.ID, "error", err)
		}
	}()
	return rep.ID, nil
}

// Get returns a snapshot of the report for id, or nil.
func (r *Runner) Get(id string) *models.RunReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.runs[id]
	if !ok {
		return nil
	}
	cp := *rep
	cp.Segments = append([]models.SegmentReport(nil), rep.Segments...)
	cp.Warnings = append([]models.ErrorDetail(nil), rep.Warnings...)
	return &cp
}

// Wait blocks until pending webhook deliveries have finished.
func (r *Runner) Wait() {
	r.notifier.Wait()
}

// Active returns the ID of the running capture, or "".
func (r *Runner) Active() string {
	return r.active.Load().(string)
}

func (r *Runner) begin(opts Options) (*models.RunReport, error) {
	if opts.LandingURL == "" {
		return nil, models.NewCaptureError(models.ErrCodeInvalidInput, "landing URL is required", nil)
	}
	if !r.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	day := r.now()
	rep := &models.RunReport{
		ID:         uuid.NewString(),
		Status:     models.StatusProcessing,
		LandingURL: opts.LandingURL,
		OutputDir:  filepath.Join(r.cfg.Capture.OutputRoot, day.Format("20060102")),
		StartedAt:  day,
	}
	r.mu.Lock()
	r.runs[rep.ID] = rep
	r.mu.Unlock()
	r.active.Store(rep.ID)
	return rep, nil
}

func (r *Runner) update(rep *models.RunReport, fn func(*models.RunReport)) {
	r.mu.Lock()
	fn(rep)
	r.mu.Unlock()
}

func (r *Runner) execute(ctx context.Context, rep *models.RunReport, opts Options) (runErr error) {
	defer func() {
		r.finish(rep, runErr)
		r.notify(rep, opts)
		r.active.Store("")
		r.busy.Store(false)
	}()

	slog.Info("capture started", "id", rep.ID, "url", opts.LandingURL, "segments", opts.Segments, "dir", rep.OutputDir)

	// ── 1. Fresh run directory ──
	if err := os.RemoveAll(rep.OutputDir); err != nil {
		return models.NewCaptureError(models.ErrCodeWrite, "clear run directory", err)
	}
	if err := os.MkdirAll(rep.OutputDir, 0o755); err != nil {
		return models.NewCaptureError(models.ErrCodeWrite, "create run directory", err)
	}

	// ── 2. Session ──
	session, err := r.launch(ctx)
	if err != nil {
		return categorize(err, "open capture session")
	}
	defer session.Close()

	consent := &harvest.Dismisser{Prefix: r.cfg.Layout.ConsentPrefix, Settle: r.cfg.Capture.ConsentSettle}

	if r.cfg.Login.Enabled {
		debugDir := filepath.Join(rep.OutputDir, "login")
		if err := session.Login(ctx, r.cfg.Login, opts.LandingURL, consent, debugDir); err != nil {
			return categorize(err, "login failed")
		}
	}
	if theme := r.cfg.Browser.Theme; theme != "" {
		if err := session.ApplyColorScheme(ctx, theme); err != nil {
			slog.Warn("colour scheme not applied", "theme", theme, "error", err)
		}
	}

	// ── 3. Resource pipeline, authenticated like the page ──
	fetcher := fetch.New(fetch.Options{
		Timeout:           r.cfg.Inline.FetchTimeout,
		RequestsPerSecond: r.cfg.Inline.RequestsPerSecond,
		Burst:             r.cfg.Inline.Burst,
		AcceptLanguage:    r.cfg.Browser.AcceptLanguage,
		Transport:         r.fetchTransport,
	})
	if cookies, err := session.Cookies(opts.LandingURL); err != nil {
		slog.Warn("session cookies unavailable, resources fetched anonymously", "error", err)
	} else {
		fetcher.SetCookies(cookies)
	}
	inliner := inline.New(fetcher, r.cfg.Inline.CacheEntries, inline.Options{
		Workers:          r.cfg.Inline.Workers,
		TranscodeTimeout: r.cfg.Inline.TranscodeTimeout,
		Transcode: inline.TranscodeOptions{
			MaxDimension: r.cfg.Inline.MaxDimension,
			MaxBytes:     r.cfg.Inline.MaxBytes,
			Quality:      r.cfg.Inline.JPEGQuality,
		},
	})
	var digester harvest.Digester
	if opts.Digest {
		digester = digest.New(r.cfg.Layout.EntrySelector)
	}

	// ── 4. Walk ──
	engine := harvest.NewEngine(harvest.EngineOptions{
		ExpandSettle: r.cfg.Capture.ExpandSettle,
		ScrollSettle: r.cfg.Capture.ScrollSettle,
		MaxScrolls:   r.cfg.Capture.MaxScrolls,
	}, consent)
	walker := harvest.NewWalker(session, engine, consent, inliner, digester, harvest.WalkerOptions{
		LandingURL:        opts.LandingURL,
		Segments:          opts.Segments,
		OutputDir:         rep.OutputDir,
		FilePrefix:        r.cfg.Capture.FilePrefix,
		SegmentDelay:      r.cfg.Capture.SegmentDelay,
		NavigationTimeout: r.cfg.Capture.NavigationTimeout,
		Navigation: retry.Policy{
			MaxAttempts: r.cfg.Capture.NavigationAttempts,
			Backoff:     r.cfg.Capture.NavigationBackoff,
			Name:        "navigate",
		},
		NextSelector:  r.cfg.Layout.NextSelector,
		EntrySelector: r.cfg.Layout.EntrySelector,
		FrozenClass:   r.cfg.Layout.FrozenClass,
		ConsentPrefix: r.cfg.Layout.ConsentPrefix,
	})
	walker.OnSegment = func(seg models.SegmentReport) {
		r.update(rep, func(rep *models.RunReport) { rep.Segments = append(rep.Segments, seg) })
	}
	_, walkErr := walker.Walk(ctx)

	hits, misses := inliner.CacheStats()
	slog.Debug("resource cache", "hits", hits, "misses", misses)

	// ── 5. Package and deliver whatever was captured ──
	if len(r.Get(rep.ID).Segments) > 0 {
		r.pack(ctx, rep, opts)
	}
	if walkErr != nil {
		return walkErr
	}
	return nil
}

func (r *Runner) pack(ctx context.Context, rep *models.RunReport, opts Options) {
	if !opts.Archive {
		return
	}
	dst := archive.Path(r.cfg.Capture.OutputRoot, r.cfg.Capture.FilePrefix, rep.StartedAt)
	res, err := archive.Pack(rep.OutputDir, dst)
	if err != nil {
		r.warn(rep, err)
		return
	}
	r.update(rep, func(rep *models.RunReport) { rep.Archive = res.Path })

	if !opts.Deliver {
		return
	}
	if r.mailer == nil {
		r.warn(rep, models.NewCaptureError(models.ErrCodeDelivery, "no mailer configured", nil))
		return
	}
	if err := r.mailer.Send(ctx, res.Path); err != nil {
		r.warn(rep, err)
		return
	}
	r.update(rep, func(rep *models.RunReport) { rep.Delivered = true })
}

func (r *Runner) warn(rep *models.RunReport, err error) {
	ce := categorize(err, "post-processing failed")
	slog.Warn("capture warning", "id", rep.ID, "code", ce.Code, "error", err)
	r.update(rep, func(rep *models.RunReport) { rep.Warnings = append(rep.Warnings, *ce.ToDetail()) })
}

func (r *Runner) finish(rep *models.RunReport, runErr error) {
	r.update(rep, func(rep *models.RunReport) {
		rep.FinishedAt = r.now()
		switch {
		case runErr != nil && len(rep.Segments) == 0:
			rep.Status = models.StatusFailed
			rep.Error = categorize(runErr, "capture failed").ToDetail()
		case runErr != nil:
			rep.Status = models.StatusPartial
			rep.Error = categorize(runErr, "capture stopped early").ToDetail()
		case len(rep.Warnings) > 0:
			rep.Status = models.StatusPartial
		default:
			rep.Status = models.StatusCompleted
		}
	})
	final := r.Get(rep.ID)
	slog.Info("capture finished",
		"id", final.ID,
		"status", final.Status,
		"segments", len(final.Segments),
		"archive", final.Archive,
		"delivered", final.Delivered,
		"duration", final.FinishedAt.Sub(final.StartedAt).Round(time.Millisecond).String(),
	)
}

func (r *Runner) notify(rep *models.RunReport, opts Options) {
	if opts.WebhookURL == "" {
		return
	}
	final := r.Get(rep.ID)
	event := webhook.EventCaptureCompleted
	if final.Status == models.StatusFailed {
		event = webhook.EventCaptureFailed
	}
	r.notifier.DeliverAsync(opts.WebhookURL, opts.WebhookSecret, &webhook.Event{
		Type:      event,
		RunID:     final.ID,
		Timestamp: r.now().Unix(),
		Data:      final,
	})
}

// categorize maps err onto a CaptureError, keeping an existing code.
func categorize(err error, msg string) *models.CaptureError {
	var ce *models.CaptureError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.NewCaptureError(models.ErrCodeTimeout, msg, err)
	}
	return models.NewCaptureError(models.ErrCodeInternal, msg, err)
}

package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dustin/go-humanize"

	"github.com/use-agent/feedsnap/inline"
	"github.com/use-agent/feedsnap/models"
	"github.com/use-agent/feedsnap/retry"
	"github.com/use-agent/feedsnap/simhash"
)

// State is the walker's position in a segment cycle.
type State string

const (
	NavigatePending State = "navigate_pending"
	Loading         State = "loading"
	Captured        State = "captured"
	Advancing       State = "advancing"
	Done            State = "done"
)

// Inliner embeds a captured page's resources.
type Inliner interface {
	Inline(ctx context.Context, doc *goquery.Document, base *url.URL) *inline.Report
}

// Digester renders a Markdown companion for a segment.
type Digester interface {
	Markdown(pageHTML, pageURL string) (string, error)
}

// WalkerOptions configures a pagination walk.
type WalkerOptions struct {
	LandingURL string
	Segments   int

	// OutputDir receives <FilePrefix>_<n>.html per segment.
	OutputDir  string
	FilePrefix string

	SegmentDelay      time.Duration
	NavigationTimeout time.Duration
	Navigation        retry.Policy

	NextSelector  string
	EntrySelector string
	FrozenClass   string
	ConsentPrefix string
}

// Walker captures a fixed number of feed segments, following the feed's
// "next" link between them.
type Walker struct {
	page     Page
	engine   *Engine
	consent  *Dismisser
	inliner  Inliner
	digester Digester
	opts     WalkerOptions

	state State

	// OnSegment, when set, is called after each segment file is written.
	OnSegment func(models.SegmentReport)
}

// NewWalker creates a Walker. digester may be nil.
func NewWalker(page Page, engine *Engine, consent *Dismisser, inliner Inliner, digester Digester, opts WalkerOptions) *Walker {
	if opts.Segments < 1 {
		opts.Segments = 1
	}
	if opts.FilePrefix == "" {
		opts.FilePrefix = "feed"
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.Navigation.Name == "" {
		opts.Navigation.Name = "navigate"
	}
	return &Walker{
		page:     page,
		engine:   engine,
		consent:  consent,
		inliner:  inliner,
		digester: digester,
		opts:     opts,
		state:    NavigatePending,
	}
}

// State returns the walker's current state.
func (w *Walker) State() State { return w.state }

func (w *Walker) enter(s State, segment int) {
	w.state = s
	slog.Debug("walker: state", "segment", segment, "state", s)
}

// Walk captures every segment. A navigation failure is fatal: it stops the
// walk and is returned with the reports of the segments already written.
func (w *Walker) Walk(ctx context.Context) ([]models.SegmentReport, error) {
	landing, err := url.Parse(w.opts.LandingURL)
	if err != nil || landing.Scheme == "" || landing.Host == "" {
		return nil, models.NewCaptureError(models.ErrCodeInvalidInput, "invalid landing URL", err)
	}

	var (
		reports []models.SegmentReport
		target  = landing.String()
		prevFP  uint64
	)

	for n := 1; n <= w.opts.Segments; n++ {
		segStart := time.Now()
		rep := models.SegmentReport{Index: n, URL: target}

		// ── 1. navigate_pending ──
		w.enter(NavigatePending, n)
		navStart := time.Now()
		if err := w.navigate(ctx, target); err != nil {
			w.enter(Done, n)
			return reports, err
		}
		rep.Timing.NavigationMs = time.Since(navStart).Milliseconds()

		// ── 2. loading: consent, then the snapshot loop ──
		w.enter(Loading, n)
		harvestStart := time.Now()
		w.consent.Dismiss(ctx, w.page)
		h, err := w.engine.Harvest(ctx, w.page)
		if err != nil {
			w.enter(Done, n)
			return reports, categorizeError(err, "snapshot loop failed")
		}
		rep.Frozen = h.Frozen
		rep.FreezeFailed = h.FreezeFailed
		rep.Iterations = h.Iterations
		rep.Termination = string(h.Termination)
		rep.Timing.HarvestMs = time.Since(harvestStart).Milliseconds()

		// ── 3. captured: clean, inline, write ──
		w.enter(Captured, n)
		if err := w.capture(ctx, target, &rep); err != nil {
			w.enter(Done, n)
			return reports, err
		}
		if n > 1 && simhash.Near(prevFP, rep.Fingerprint) {
			rep.DuplicateOf = n - 1
			slog.Warn("walker: segment repeats the previous one", "segment", n, "url", target)
		}
		prevFP = rep.Fingerprint
		rep.Timing.TotalMs = time.Since(segStart).Milliseconds()

		slog.Info("walker: segment captured",
			"segment", n,
			"url", target,
			"frozen", rep.Frozen,
			"termination", rep.Termination,
			"embedded", rep.Resources.Embedded,
			"failed", rep.Resources.Failed,
			"size", humanize.Bytes(uint64(rep.Bytes)),
			"duration_ms", rep.Timing.TotalMs,
		)
		reports = append(reports, rep)
		if w.OnSegment != nil {
			w.OnSegment(rep)
		}

		if n == w.opts.Segments {
			break
		}

		// ── 4. advancing: follow "next", or stay put ──
		w.enter(Advancing, n)
		target = w.nextURL(ctx, landing, target)
		if err := retry.Wait(ctx, w.opts.SegmentDelay); err != nil {
			w.enter(Done, n)
			return reports, categorizeError(err, "interrupted between segments")
		}
	}

	w.enter(Done, len(reports))
	return reports, nil
}

// navigate loads target unless the page is already there.
func (w *Walker) navigate(ctx context.Context, target string) error {
	if cur, err := w.page.URL(ctx); err == nil && sameURL(cur, target) {
		return nil
	}
	err := w.opts.Navigation.Do(ctx, func(ctx context.Context) error {
		nctx, cancel := context.WithTimeout(ctx, w.opts.NavigationTimeout)
		defer cancel()
		return w.page.Navigate(nctx, target)
	})
	if err != nil {
		if ctx.Err() != nil {
			return categorizeError(err, "navigation interrupted")
		}
		return models.NewCaptureError(models.ErrCodeNavigation, "navigation to "+target+" failed", err)
	}
	return nil
}

// capture serializes the frozen page, embeds its resources and writes the
// segment file (plus digest) before the walker moves on.
func (w *Walker) capture(ctx context.Context, pageURL string, rep *models.SegmentReport) error {
	raw, err := w.page.HTML(ctx)
	if err != nil {
		return categorizeError(err, "serialize page")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return models.NewCaptureError(models.ErrCodeInternal, "parse captured page", err)
	}
	base, _ := url.Parse(pageURL)

	Cleanup(doc, base, w.opts.ConsentPrefix)
	if w.opts.EntrySelector != "" {
		rep.Fingerprint = simhash.FingerprintEntries(doc, w.opts.EntrySelector+"."+w.opts.FrozenClass)
	}

	name := fmt.Sprintf("%s_%d", w.opts.FilePrefix, rep.Index)

	// The digest is rendered before inlining so it carries links, not
	// embedded image payloads.
	if w.digester != nil {
		if pre, err := inline.Render(doc); err == nil {
			if md, err := w.digester.Markdown(pre, pageURL); err != nil {
				slog.Warn("walker: digest failed", "segment", rep.Index, "error", err)
			} else {
				path := filepath.Join(w.opts.OutputDir, name+".md")
				if err := writeFileAtomic(path, []byte(md)); err != nil {
					return models.NewCaptureError(models.ErrCodeWrite, "write digest", err)
				}
				rep.Digest = path
			}
		}
	}

	inlineStart := time.Now()
	report := w.inliner.Inline(ctx, doc, base)
	rep.Timing.InlineMs = time.Since(inlineStart).Milliseconds()
	rep.Resources = models.ResourceStats{
		Embedded:   report.Embedded(),
		Failed:     report.Failed(),
		Transcoded: report.Transcoded(),
	}

	out, err := inline.Render(doc)
	if err != nil {
		return models.NewCaptureError(models.ErrCodeInternal, "render captured page", err)
	}
	out = inline.Sanitize(out)

	path := filepath.Join(w.opts.OutputDir, name+".html")
	if err := writeFileAtomic(path, []byte(out)); err != nil {
		return models.NewCaptureError(models.ErrCodeWrite, "write segment", err)
	}
	rep.File = path
	rep.Bytes = int64(len(out))
	return nil
}

// nextURL resolves the page's "next" link against the landing URL, or
// returns current when there is none.
func (w *Walker) nextURL(ctx context.Context, landing *url.URL, current string) string {
	href, ok, err := w.page.NextLink(ctx, w.opts.NextSelector)
	if err != nil {
		slog.Debug("walker: next link lookup failed", "error", err)
	}
	if !ok || strings.TrimSpace(href) == "" {
		slog.Warn("walker: no next link, reusing current URL", "url", current)
		return current
	}
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		slog.Warn("walker: unresolvable next link, reusing current URL", "href", href, "url", current)
		return current
	}
	return landing.ResolveReference(u).String()
}

func sameURL(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

// categorizeError maps page and context errors to capture error codes.
func categorizeError(err error, msg string) *models.CaptureError {
	var ce *models.CaptureError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.NewCaptureError(models.ErrCodeTimeout, msg, err)
	}
	return models.NewCaptureError(models.ErrCodeBrowserCrash, msg, err)
}

// writeFileAtomic writes data next to path and renames it into place, so
// a crash never leaves a truncated segment behind.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

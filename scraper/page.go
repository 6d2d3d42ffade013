package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"github.com/use-agent/feedsnap/config"
	"github.com/use-agent/feedsnap/harvest"
	"github.com/use-agent/feedsnap/models"
)

// FeedPage is the live capture page. It implements harvest.Page by
// evaluating small scripts against the feed's DOM.
type FeedPage struct {
	page   *rod.Page
	router *rod.HijackRouter
	layout config.LayoutConfig
	theme  string
}

var _ harvest.Page = (*FeedPage)(nil)

// entriesJS tags every entry with a stable ref and projects it.
const entriesJS = `(sel, active, frozen, expand) => {
	window.__snapSeq = window.__snapSeq || 0;
	const vh = window.innerHeight, vw = window.innerWidth;
	const out = [];
	for (const el of document.querySelectorAll(sel)) {
		if (!el.dataset.snapRef) el.dataset.snapRef = String(++window.__snapSeq);
		const r = el.getBoundingClientRect();
		const key = Object.keys(el.dataset).find(k => k !== 'snapRef');
		out.push({
			ref: el.dataset.snapRef,
			key: key ? el.dataset[key] : '',
			active: el.classList.contains(active) && !el.classList.contains(frozen),
			visible: r.bottom > 0 && r.top < vh && r.right > 0 && r.left < vw,
			expandable: expand.some(s => el.querySelector(s) !== null),
		});
	}
	return out;
}`

const expandJS = `(ref, expand) => {
	const el = document.querySelector('[data-snap-ref="' + ref + '"]');
	if (!el) return 0;
	let n = 0;
	for (const s of expand) {
		for (const b of el.querySelectorAll(s)) { b.click(); n++; }
	}
	return n;
}`

// freezeJS keeps only the first dataset key, swaps the live node for a
// clone and marks the clone frozen.
const freezeJS = `(ref, active, frozen) => {
	const el = document.querySelector('[data-snap-ref="' + ref + '"]');
	if (!el || el.classList.contains(frozen)) return false;
	const keys = Object.keys(el.dataset).filter(k => k !== 'snapRef');
	for (const k of keys.slice(1)) delete el.dataset[k];
	const twin = el.cloneNode(true);
	twin.classList.remove(active);
	twin.classList.add(frozen);
	twin.style.opacity = '1';
	el.parentNode.insertBefore(twin, el);
	el.remove();
	return true;
}`

const scrollJS = `() => ({
	offset: window.scrollY,
	viewport: window.innerHeight,
	height: document.documentElement.scrollHeight,
})`

const consentJS = `(prefix) => {
	const nodes = document.querySelectorAll('[class^="' + prefix + '"]');
	nodes.forEach(n => n.remove());
	if (document.body) document.body.removeAttribute('style');
	return nodes.length;
}`

const nextLinkJS = `(sel) => {
	const a = document.querySelector(sel);
	return a ? a.getAttribute('href') : null;
}`

const colorSchemeJS = `(scheme) => {
	document.documentElement.setAttribute('data-color-scheme', scheme);
	if (document.body) document.body.setAttribute('data-color-scheme', scheme);
}`

func (p *FeedPage) bind(ctx context.Context) *rod.Page {
	return p.page.Context(ctx)
}

// URL returns location.href.
func (p *FeedPage) URL(ctx context.Context) (string, error) {
	res, err := p.bind(ctx).Eval(`() => window.location.href`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// Navigate loads url and waits for the DOM to settle. The feed streams
// analytics forever, so network idle is never reached.
func (p *FeedPage) Navigate(ctx context.Context, url string) error {
	pg := p.bind(ctx)
	if err := pg.Navigate(url); err != nil {
		return err
	}
	if err := pg.WaitLoad(); err != nil {
		return err
	}
	if err := pg.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("WaitDOMStable did not converge, proceeding with current DOM", "url", url, "error", err)
	}
	if p.theme != "" {
		return p.ApplyColorScheme(ctx, p.theme)
	}
	return nil
}

type entryJSON struct {
	Ref        string `json:"ref"`
	Key        string `json:"key"`
	Active     bool   `json:"active"`
	Visible    bool   `json:"visible"`
	Expandable bool   `json:"expandable"`
}

// Entries projects every element matching the entry selector.
func (p *FeedPage) Entries(ctx context.Context) ([]harvest.Entry, error) {
	expand := p.layout.ExpandSelectors
	if expand == nil {
		expand = []string{}
	}
	res, err := p.bind(ctx).Eval(entriesJS, p.layout.EntrySelector, p.layout.ActiveClass, p.layout.FrozenClass, expand)
	if err != nil {
		return nil, err
	}
	var raw []entryJSON
	if err := res.Value.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	out := make([]harvest.Entry, len(raw))
	for i, e := range raw {
		out[i] = harvest.Entry(e)
	}
	return out, nil
}

func (p *FeedPage) Expand(ctx context.Context, ref string) (int, error) {
	expand := p.layout.ExpandSelectors
	if len(expand) == 0 {
		return 0, nil
	}
	res, err := p.bind(ctx).Eval(expandJS, ref, expand)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

func (p *FeedPage) Freeze(ctx context.Context, ref string) (bool, error) {
	res, err := p.bind(ctx).Eval(freezeJS, ref, p.layout.ActiveClass, p.layout.FrozenClass)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (p *FeedPage) ScrollBy(ctx context.Context) error {
	_, err := p.bind(ctx).Eval(`() => window.scrollBy(0, window.innerHeight)`)
	return err
}

func (p *FeedPage) Scroll(ctx context.Context) (harvest.ScrollState, error) {
	res, err := p.bind(ctx).Eval(scrollJS)
	if err != nil {
		return harvest.ScrollState{}, err
	}
	var s struct {
		Offset   float64 `json:"offset"`
		Viewport float64 `json:"viewport"`
		Height   float64 `json:"height"`
	}
	if err := res.Value.Unmarshal(&s); err != nil {
		return harvest.ScrollState{}, fmt.Errorf("decode scroll state: %w", err)
	}
	return harvest.ScrollState(s), nil
}

func (p *FeedPage) RemoveConsent(ctx context.Context, prefix string) (int, error) {
	res, err := p.bind(ctx).Eval(consentJS, prefix)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

func (p *FeedPage) NextLink(ctx context.Context, selector string) (string, bool, error) {
	res, err := p.bind(ctx).Eval(nextLinkJS, selector)
	if err != nil {
		return "", false, err
	}
	if res.Value.Nil() {
		return "", false, nil
	}
	href := strings.TrimSpace(res.Value.Str())
	return href, href != "", nil
}

func (p *FeedPage) HTML(ctx context.Context) (string, error) {
	return p.bind(ctx).HTML()
}

// ApplyColorScheme sets data-color-scheme on <html> and <body>. The feed
// reads the attribute rather than the media query once a user is logged in.
func (p *FeedPage) ApplyColorScheme(ctx context.Context, scheme string) error {
	_, err := p.bind(ctx).Eval(colorSchemeJS, scheme)
	return err
}

// Cookies returns the browser cookies visible to pageURL, converted for the
// resource fetcher.
func (p *FeedPage) Cookies(pageURL string) ([]*http.Cookie, error) {
	raw, err := p.page.Cookies([]string{pageURL})
	if err != nil {
		return nil, err
	}
	out := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HttpOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return out, nil
}

// Close stops request interception and closes the tab.
func (p *FeedPage) Close() {
	if p.router != nil {
		_ = p.router.Stop()
	}
	if err := p.page.Close(); err != nil {
		slog.Debug("page close failed", "error", err)
	}
}

// categorizeError maps browser errors onto capture error codes.
func categorizeError(err error, msg string) *models.CaptureError {
	var ce *models.CaptureError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.NewCaptureError(models.ErrCodeTimeout, msg, err)
	}
	var navErr *rod.NavigationError
	if errors.As(err, &navErr) {
		return models.NewCaptureError(models.ErrCodeNavigation, msg, err)
	}
	return models.NewCaptureError(models.ErrCodeBrowserCrash, msg, err)
}

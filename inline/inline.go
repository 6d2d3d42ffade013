// Package inline rewrites a captured page so it no longer depends on the
// network: images become data URIs, external stylesheets become <style>
// elements, and url() targets in stylesheets, <style> blocks and style
// attributes become data URIs. A resource that cannot be fetched or decoded is left as it was
// and reported; it never fails the page.
package inline

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dustin/go-humanize"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/use-agent/feedsnap/cache"
	"github.com/use-agent/feedsnap/fetch"
)

// Kind distinguishes the resource families the inliner handles.
type Kind string

const (
	KindImage      Kind = "image"
	KindStylesheet Kind = "stylesheet"

	// KindAsset is a url() target in a style attribute or <style> block:
	// a background image or a font.
	KindAsset Kind = "asset"
)

// Status is the outcome of one reference.
type Status string

const (
	StatusEmbedded Status = "embedded"
	StatusFailed   Status = "failed"
)

// Reference is a resource reference as found in the document: the raw
// attribute value and the absolute URL it resolves to.
type Reference struct {
	Kind Kind
	Ref  string
	URL  string
}

// Result reports what happened to one distinct reference.
type Result struct {
	Kind   Kind   `json:"kind"`
	Ref    string `json:"ref"`
	URL    string `json:"url"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`

	// Elements is how many elements carried the reference.
	Elements int `json:"elements"`

	Bytes         int  `json:"bytes"`
	EmbeddedBytes int  `json:"embedded_bytes"`
	Transcoded    bool `json:"transcoded,omitempty"`

	// Assets and AssetsFailed count a stylesheet's own url() targets.
	// A failed one keeps its absolute URL.
	Assets       int `json:"assets,omitempty"`
	AssetsFailed int `json:"assets_failed,omitempty"`
}

// Report collects one Result per distinct reference, in document order.
type Report struct {
	Results  []Result
	Duration time.Duration
}

// Embedded counts references that were embedded.
func (r *Report) Embedded() int { return r.count(func(res Result) bool { return res.Status == StatusEmbedded }) }

// Failed counts references left untouched because of an error.
func (r *Report) Failed() int { return r.count(func(res Result) bool { return res.Status == StatusFailed }) }

// Transcoded counts images that were downscaled and re-encoded.
func (r *Report) Transcoded() int { return r.count(func(res Result) bool { return res.Transcoded }) }

func (r *Report) count(pred func(Result) bool) int {
	n := 0
	for _, res := range r.Results {
		if pred(res) {
			n++
		}
	}
	return n
}

// Fetcher retrieves one resource.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Resource, error)
}

// Options configures an Inliner.
type Options struct {
	// Workers bounds concurrent fetch+transcode jobs. Default: 4.
	Workers int

	// TranscodeTimeout bounds one image transcode. Default: 15s.
	TranscodeTimeout time.Duration

	Transcode TranscodeOptions
}

// payload is the embeddable form of a resource, cached per URL for the run.
type payload struct {
	image      *Image
	css        string
	uri        string
	rawBytes   int
	embedBytes int

	assets       int
	assetsFailed int
}

// Inliner embeds the resources of captured pages.
type Inliner struct {
	fetcher Fetcher
	cache   *cache.Cache[*payload]
	opts    Options
}

// New creates an Inliner. maxCached bounds the run-scoped resource cache
// (<= 0 means unbounded).
func New(f Fetcher, maxCached int, opts Options) *Inliner {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.TranscodeTimeout <= 0 {
		opts.TranscodeTimeout = 15 * time.Second
	}
	opts.Transcode = opts.Transcode.withDefaults()
	return &Inliner{
		fetcher: f,
		cache:   cache.New[*payload](maxCached),
		opts:    opts,
	}
}

// CacheStats reports resource cache hits and misses so far.
func (in *Inliner) CacheStats() (hits, misses int) {
	return in.cache.Stats()
}

// target is a distinct reference plus every element carrying it.
type target struct {
	ref   Reference
	nodes []*goquery.Selection
}

// Inline embeds every image, stylesheet and CSS url() target of doc, resolving relative
// references against base. DOM writes happen on the calling goroutine, one
// resource at a time, while other resources are still being fetched.
func (in *Inliner) Inline(ctx context.Context, doc *goquery.Document, base *url.URL) *Report {
	start := time.Now()
	targets := collect(doc, base)

	report := &Report{Results: make([]Result, len(targets))}
	index := make(map[Reference]int, len(targets))
	refs := make([]Reference, len(targets))
	for i, t := range targets {
		index[t.ref] = i
		refs[i] = t.ref
		report.Results[i] = Result{
			Kind:     t.ref.Kind,
			Ref:      t.ref.Ref,
			URL:      t.ref.URL,
			Status:   StatusFailed,
			Reason:   "not processed",
			Elements: len(t.nodes),
		}
	}
	if len(targets) == 0 {
		report.Duration = time.Since(start)
		return report
	}

	for out := range in.fanOut(ctx, refs, in.opts.Workers) {
		i := index[out.ref]
		res := &report.Results[i]
		if out.err != nil {
			res.Reason = out.err.Error()
			slog.Warn("inline: resource left external",
				"kind", out.ref.Kind,
				"url", out.ref.URL,
				"error", out.err,
			)
			continue
		}
		apply(targets[i], out.payload)
		res.Status = StatusEmbedded
		res.Reason = ""
		res.Bytes = out.payload.rawBytes
		res.EmbeddedBytes = out.payload.embedBytes
		res.Transcoded = out.payload.image != nil && out.payload.image.Transcoded
		res.Assets = out.payload.assets
		res.AssetsFailed = out.payload.assetsFailed
		slog.Debug("inline: embedded",
			"kind", out.ref.Kind,
			"url", out.ref.URL,
			"size", humanize.Bytes(uint64(res.EmbeddedBytes)),
			"transcoded", res.Transcoded,
			"duration_ms", out.duration.Milliseconds(),
		)
	}

	report.Duration = time.Since(start)
	return report
}

// collect finds every inlinable reference in document order.
func collect(doc *goquery.Document, base *url.URL) []*target {
	var targets []*target
	seen := make(map[Reference]*target)

	add := func(kind Kind, raw string, sel *goquery.Selection) {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || isDataURI(trimmed) {
			return
		}
		abs, ok := absolute(base, trimmed)
		if !ok {
			return
		}
		ref := Reference{Kind: kind, Ref: raw, URL: abs}
		t, exists := seen[ref]
		if !exists {
			t = &target{ref: ref}
			seen[ref] = t
			targets = append(targets, t)
		}
		t.nodes = append(t.nodes, sel)
	}

	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(KindImage, src, s)
	})
	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		if !isStylesheet(s) {
			return
		}
		href, _ := s.Attr("href")
		add(KindStylesheet, href, s)
	})
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		for _, ref := range cssRefs(s.Text()) {
			add(KindAsset, ref, s)
		}
	})
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		for _, ref := range cssRefs(style) {
			add(KindAsset, ref, s)
		}
	})
	return targets
}

// resolve fetches (or reuses) the embeddable form of ref.
func (in *Inliner) resolve(ctx context.Context, ref Reference) (*payload, error) {
	key := cache.Key(string(ref.Kind) + "|" + ref.URL)
	return in.cache.Do(key, func() (*payload, error) {
		res, err := in.fetcher.Fetch(ctx, ref.URL)
		if err != nil {
			return nil, err
		}
		switch ref.Kind {
		case KindImage:
			tctx, cancel := context.WithTimeout(ctx, in.opts.TranscodeTimeout)
			defer cancel()
			img, err := Transcode(tctx, res.Body, res.ContentType, ref.URL, in.opts.Transcode)
			if err != nil {
				return nil, err
			}
			return &payload{image: img, rawBytes: len(res.Body), embedBytes: len(img.Data)}, nil
		case KindStylesheet:
			base := ref.URL
			if res.FinalURL != "" {
				base = res.FinalURL
			}
			css := AbsolutizeCSS(string(res.Body), base)
			css, assets, failed := in.embedCSS(ctx, css)
			return &payload{
				css:          css,
				rawBytes:     len(res.Body),
				embedBytes:   len(css),
				assets:       assets,
				assetsFailed: failed,
			}, nil
		case KindAsset:
			ct, isImage := assetContentType(res.ContentType, ref.URL)
			if !isImage {
				uri := dataURI(ct, res.Body)
				return &payload{uri: uri, rawBytes: len(res.Body), embedBytes: len(uri)}, nil
			}
			tctx, cancel := context.WithTimeout(ctx, in.opts.TranscodeTimeout)
			defer cancel()
			img, err := Transcode(tctx, res.Body, ct, ref.URL, in.opts.Transcode)
			if err != nil {
				return nil, err
			}
			uri := img.DataURI()
			return &payload{image: img, uri: uri, rawBytes: len(res.Body), embedBytes: len(uri)}, nil
		default:
			return nil, fmt.Errorf("inline: unknown kind %q", ref.Kind)
		}
	})
}

// apply writes p into every element carrying the reference.
func apply(t *target, p *payload) {
	switch t.ref.Kind {
	case KindImage:
		uri := p.image.DataURI()
		for _, s := range t.nodes {
			s.SetAttr("src", uri)
			s.RemoveAttr("srcset")
			s.RemoveAttr("sizes")
			if parent := s.Parent(); goquery.NodeName(parent) == "picture" {
				parent.Children().Filter("source").Remove()
			}
		}
	case KindStylesheet:
		for _, s := range t.nodes {
			s.ReplaceWithNodes(styleNode(s, p.css))
		}
	case KindAsset:
		swap := func(ref string) (string, bool) {
			return p.uri, ref == strings.TrimSpace(t.ref.Ref)
		}
		for _, s := range t.nodes {
			if goquery.NodeName(s) == "style" {
				for _, n := range s.Nodes {
					setRawText(n, rewriteCSSURLs(textOf(n), swap))
				}
				continue
			}
			style, _ := s.Attr("style")
			s.SetAttr("style", rewriteCSSURLs(style, swap))
		}
	}
}

// embedCSS replaces the absolute url() targets of a fetched stylesheet
// with data URIs, one target at a time on the calling worker. Targets that
// fail keep their URL.
func (in *Inliner) embedCSS(ctx context.Context, css string) (string, int, int) {
	refs := cssRefs(css)
	if len(refs) == 0 {
		return css, 0, 0
	}
	uris := make(map[string]string, len(refs))
	total, failed := 0, 0
	for _, ref := range refs {
		abs, ok := absolute(nil, ref)
		if !ok {
			continue
		}
		total++
		p, err := in.resolve(ctx, Reference{Kind: KindAsset, Ref: ref, URL: abs})
		if err != nil {
			failed++
			slog.Warn("inline: stylesheet asset left external", "url", abs, "error", err)
			continue
		}
		uris[ref] = p.uri
	}
	css = rewriteCSSURLs(css, func(ref string) (string, bool) {
		uri, ok := uris[ref]
		return uri, ok
	})
	return css, total, failed
}

// textOf concatenates n's text children.
func textOf(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

// setRawText replaces n's children with a single text node. The text of a
// raw-text element is serialized as is, so it must not be escaped.
func setRawText(n *html.Node, text string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

// styleNode builds the <style> replacement for a stylesheet link, keeping
// its media query.
func styleNode(link *goquery.Selection, css string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: "style", DataAtom: atom.Style}
	if media, ok := link.Attr("media"); ok && media != "" {
		n.Attr = append(n.Attr, html.Attribute{Key: "media", Val: media})
	}
	// A literal end tag in the text would close the element early.
	css = strings.ReplaceAll(css, "</style", `<\/style`)
	n.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	return n
}

func isStylesheet(s *goquery.Selection) bool {
	rel, _ := s.Attr("rel")
	for _, tok := range strings.Fields(strings.ToLower(rel)) {
		if tok == "stylesheet" {
			return true
		}
	}
	return false
}

func isDataURI(s string) bool {
	return len(s) >= 5 && strings.EqualFold(s[:5], "data:")
}

// absolute resolves raw against base. Only http(s) targets qualify.
func absolute(base *url.URL, raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}

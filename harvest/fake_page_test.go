package harvest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

type fakeItem struct {
	key        string
	text       string
	top        float64
	height     float64
	frozen     bool
	expandable bool
	expanded   bool
	dataset    []string
}

// fakePage simulates a lazily loading feed: items are stacked vertically,
// scrolling near the bottom appends a batch until total is reached.
type fakePage struct {
	mu sync.Mutex

	url        string
	items      []*fakeItem
	offset     float64
	viewport   float64
	itemHeight float64
	total      int
	batch      int

	consent    int
	lockScroll bool

	// resetAt resets the offset to zero and brings the overlay back on
	// the given ScrollBy call.
	resetAt     int
	scrollCalls int

	// freezeFail makes Freeze on the keyed item fail that many times.
	freezeFail map[string]int

	consentRemovals int
	freezeCalls     int
	expandCalls     int

	navigations []string
	navFail     int
	// navHang makes that many Navigate calls block until ctx is done.
	navHang int
	next        map[string]string

	// sameContent makes every URL render the same entries.
	sameContent bool
	initial     int
}

func newFakePage(initial, total, batch int) *fakePage {
	p := &fakePage{
		url:        "about:blank",
		viewport:   600,
		itemHeight: 200,
		total:      total,
		batch:      batch,
		initial:    initial,
		next:       map[string]string{},
	}
	p.load("seed")
	return p
}

func (p *fakePage) load(label string) {
	p.items = nil
	p.offset = 0
	if p.sameContent {
		label = "same"
	}
	p.appendItems(label, p.initial)
}

func (p *fakePage) appendItems(label string, n int) {
	for i := 0; i < n && len(p.items) < p.total; i++ {
		idx := len(p.items)
		key := fmt.Sprintf("%s-%d", label, idx)
		p.items = append(p.items, &fakeItem{
			key:        key,
			text:       fmt.Sprintf("entry %s body %s-x %s-y %s-z", key, key, key, key),
			top:        float64(idx) * p.itemHeight,
			height:     p.itemHeight,
			expandable: idx%2 == 0,
			dataset:    []string{key, "render-" + key, "observed"},
		})
	}
}

func (p *fakePage) height() float64 {
	return float64(len(p.items)) * p.itemHeight
}

func (p *fakePage) label() string {
	if i := strings.LastIndex(p.url, "/"); i >= 0 {
		return p.url[i+1:]
	}
	return p.url
}

func (p *fakePage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.navigations = append(p.navigations, url)
	if p.navHang > 0 {
		p.navHang--
		p.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	defer p.mu.Unlock()
	if p.navFail > 0 {
		p.navFail--
		return errors.New("net::ERR_CONNECTION_RESET")
	}
	p.url = url
	p.load(p.label())
	return nil
}

func (p *fakePage) Entries(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.items))
	for _, it := range p.items {
		out = append(out, Entry{
			Ref:        it.key,
			Key:        it.dataset[0],
			Active:     !it.frozen,
			Visible:    it.top < p.offset+p.viewport && it.top+it.height > p.offset,
			Expandable: it.expandable && !it.expanded,
		})
	}
	return out, nil
}

func (p *fakePage) find(ref string) *fakeItem {
	for _, it := range p.items {
		if it.key == ref {
			return it
		}
	}
	return nil
}

func (p *fakePage) Expand(ctx context.Context, ref string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expandCalls++
	it := p.find(ref)
	if it == nil || it.frozen || !it.expandable || it.expanded {
		return 0, nil
	}
	it.expanded = true
	return 1, nil
}

func (p *fakePage) Freeze(ctx context.Context, ref string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freezeCalls++
	if p.freezeFail[ref] > 0 {
		p.freezeFail[ref]--
		return false, errors.New("Execution context was destroyed")
	}
	it := p.find(ref)
	if it == nil || it.frozen {
		return false, nil
	}
	it.frozen = true
	it.dataset = it.dataset[:1]
	return true, nil
}

func (p *fakePage) ScrollBy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrollCalls++
	if p.resetAt > 0 && p.scrollCalls == p.resetAt {
		p.offset = 0
		p.consent = 2
		return nil
	}
	if p.lockScroll || (p.consent > 0 && p.resetAt > 0) {
		return nil
	}
	maxOffset := p.height() - p.viewport
	if maxOffset < 0 {
		maxOffset = 0
	}
	p.offset += p.viewport
	if p.offset > maxOffset {
		p.offset = maxOffset
	}
	if p.offset+p.viewport >= p.height()-p.itemHeight {
		p.appendItems(p.label(), p.batch)
	}
	return nil
}

func (p *fakePage) Scroll(ctx context.Context) (ScrollState, error) {
	if err := ctx.Err(); err != nil {
		return ScrollState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return ScrollState{Offset: p.offset, Viewport: p.viewport, Height: p.height()}, nil
}

func (p *fakePage) RemoveConsent(ctx context.Context, prefix string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.consent
	p.consent = 0
	if n > 0 {
		p.consentRemovals++
	}
	return n, nil
}

func (p *fakePage) NextLink(ctx context.Context, selector string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	href, ok := p.next[p.url]
	return href, ok, nil
}

func (p *fakePage) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html><head><title>feed</title><script>track()</script></head>`)
	b.WriteString(`<body style="overflow:hidden"><noscript>enable js</noscript>`)
	if p.consent > 0 {
		b.WriteString(`<div class="app_gdpr-overlay">we value your privacy</div>`)
	}
	for _, it := range p.items {
		class := "entry active"
		if it.frozen {
			class = "entry cloned"
		}
		fmt.Fprintf(&b, `<section class="%s" %s="%s"`, class, RefAttr, it.key)
		for i, v := range it.dataset {
			fmt.Fprintf(&b, ` data-k%d="%s"`, i, v)
		}
		fmt.Fprintf(&b, `><p>%s</p><a href="/entry/%s">open</a><img src="/img/%s.png"></section>`, it.text, it.key, it.key)
	}
	if href, ok := p.next[p.url]; ok {
		fmt.Fprintf(&b, `<div class="from-pagination-microblog"><span class="next"><a href="%s">next</a></span></div>`, href)
	}
	b.WriteString(`</body></html>`)
	return b.String(), nil
}

func (p *fakePage) frozenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, it := range p.items {
		if it.frozen {
			n++
		}
	}
	return n
}

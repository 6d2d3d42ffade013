package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/use-agent/feedsnap/retry"
)

// Termination explains why a snapshot loop stopped.
type Termination string

const (
	// EndOfFeed: the offset stopped moving with the viewport at the
	// bottom of the document.
	EndOfFeed Termination = "end_of_feed"

	// Stalled: the offset stopped moving although the document extends
	// below the viewport, typically an overlay that locks scrolling.
	Stalled Termination = "stalled"

	// ScrollLimit: the iteration guard fired first.
	ScrollLimit Termination = "scroll_limit"
)

// EngineOptions tunes the snapshot loop.
type EngineOptions struct {
	ExpandSettle time.Duration // default: 300ms
	ScrollSettle time.Duration // default: 600ms
	MaxScrolls   int           // default: 2000
}

// Harvest is the outcome of one snapshot loop.
type Harvest struct {
	// Frozen counts entries this loop froze.
	Frozen int

	// Keys lists the frozen entries' identities in freeze order.
	Keys []string

	// FreezeFailed counts entries that stayed active after a retried
	// freeze.
	FreezeFailed int

	Iterations  int
	Termination Termination
	Final       ScrollState
}

// Engine drives one page's feed to exhaustion, freezing every entry that
// scrolls into view.
type Engine struct {
	opts    EngineOptions
	consent *Dismisser
}

// NewEngine creates an Engine. consent is re-run whenever the page jumps
// back to the top mid-loop.
func NewEngine(opts EngineOptions, consent *Dismisser) *Engine {
	if opts.MaxScrolls <= 0 {
		opts.MaxScrolls = 2000
	}
	return &Engine{opts: opts, consent: consent}
}

// Harvest runs the snapshot loop until the scroll offset stops changing.
// Page errors while listing entries or scrolling abort the loop; errors
// expanding or freezing a single entry are logged and skipped.
func (e *Engine) Harvest(ctx context.Context, page Page) (*Harvest, error) {
	h := &Harvest{}

	prev, err := page.Scroll(ctx)
	if err != nil {
		return h, fmt.Errorf("harvest: read scroll: %w", err)
	}

	for {
		if h.Iterations >= e.opts.MaxScrolls {
			h.Termination = ScrollLimit
			slog.Warn("harvest: scroll limit reached", "iterations", h.Iterations, "offset", prev.Offset)
			break
		}
		h.Iterations++

		// ── 1-4. expand and freeze what is on screen ──
		if err := e.freezeVisible(ctx, page, h); err != nil {
			return h, err
		}

		// ── 5. let lazy content land, then advance one viewport ──
		if err := retry.Wait(ctx, e.opts.ScrollSettle); err != nil {
			return h, err
		}
		if err := page.ScrollBy(ctx); err != nil {
			return h, fmt.Errorf("harvest: scroll: %w", err)
		}

		// ── 6. stable offset ends the loop ──
		cur, err := page.Scroll(ctx)
		if err != nil {
			return h, fmt.Errorf("harvest: read scroll: %w", err)
		}
		h.Final = cur
		if cur.Offset == prev.Offset {
			h.Termination = classify(cur)
			break
		}

		// ── 7. the site jumped back to the top: an overlay came back ──
		if cur.Offset == 0 && e.consent != nil {
			slog.Debug("harvest: offset reset, re-dismissing consent", "iteration", h.Iterations)
			e.consent.Dismiss(ctx, page)
		}
		prev = cur
	}

	// Content that rendered during the last scroll attempt is on screen
	// but has not been through a freeze pass yet.
	if err := e.freezeVisible(ctx, page, h); err != nil {
		return h, err
	}

	if h.Termination == Stalled {
		slog.Warn("harvest: scroll stalled before end of document",
			"offset", h.Final.Offset,
			"viewport", h.Final.Viewport,
			"height", h.Final.Height,
		)
	}
	slog.Debug("harvest: loop done",
		"frozen", h.Frozen,
		"freeze_failed", h.FreezeFailed,
		"iterations", h.Iterations,
		"termination", h.Termination,
	)
	return h, nil
}

func (e *Engine) freezeVisible(ctx context.Context, page Page, h *Harvest) error {
	entries, err := page.Entries(ctx)
	if err != nil {
		return fmt.Errorf("harvest: list entries: %w", err)
	}
	for _, en := range entries {
		if !en.Active || !en.Visible {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if en.Expandable {
			clicked, err := page.Expand(ctx, en.Ref)
			if err != nil {
				slog.Debug("harvest: expand failed", "key", en.Key, "error", err)
			}
			if clicked > 0 {
				if err := retry.Wait(ctx, e.opts.ExpandSettle); err != nil {
					return err
				}
			}
		}

		frozen, err := page.Freeze(ctx, en.Ref)
		if err != nil {
			slog.Debug("harvest: freeze failed, retrying", "key", en.Key, "error", err)
			frozen, err = page.Freeze(ctx, en.Ref)
		}
		if err != nil {
			h.FreezeFailed++
			slog.Warn("harvest: entry left active", "key", en.Key, "expanded", en.Expandable, "error", err)
			continue
		}
		if frozen {
			h.Frozen++
			h.Keys = append(h.Keys, en.Key)
		}
	}
	return nil
}

func classify(s ScrollState) Termination {
	if s.AtBottom() {
		return EndOfFeed
	}
	return Stalled
}

package harvest

import (
	"context"
	"log/slog"
	"time"

	"github.com/use-agent/feedsnap/retry"
)

// Dismisser removes cookie/GDPR overlays from a live page.
type Dismisser struct {
	// Prefix is the class-name prefix shared by the overlay's elements.
	Prefix string

	// Settle is waited before looking and again after a removal, so the
	// overlay has rendered and the resulting reflow has finished.
	Settle time.Duration
}

// Dismiss reports whether an overlay was found and removed. It has no
// error surface: a page error means nothing was found. Calling it again
// once the overlay is gone is a no-op apart from the settle delay.
func (d *Dismisser) Dismiss(ctx context.Context, page Page) bool {
	if d == nil || d.Prefix == "" {
		return false
	}
	if err := retry.Wait(ctx, d.Settle); err != nil {
		return false
	}

	removed, err := page.RemoveConsent(ctx, d.Prefix)
	if err != nil {
		slog.Debug("consent: removal failed", "prefix", d.Prefix, "error", err)
		return false
	}
	if removed == 0 {
		return false
	}

	slog.Debug("consent: overlay removed", "prefix", d.Prefix, "elements", removed)
	_ = retry.Wait(ctx, d.Settle)
	return true
}

// Package harvest turns a live, infinitely scrolling feed into static
// snapshots. The harvester never runs scripts of its own design inside the
// page; it reads a projection of the feed's entries through Page and issues
// small idempotent commands (expand, freeze, scroll) that the page
// implementation carries out.
package harvest

import "context"

// Entry is the harvester's view of one feed item.
type Entry struct {
	// Ref is an opaque handle valid until the entry is frozen.
	Ref string

	// Key is the entry's retained identity (its first dataset value).
	Key string

	// Active is true until the entry has been frozen.
	Active bool

	// Visible reports whether the bounding box intersects the viewport.
	// Partial intersection counts.
	Visible bool

	// Expandable reports truncation or spoiler controls inside the entry.
	Expandable bool
}

// ScrollState is one reading of the page's vertical scroll position.
type ScrollState struct {
	Offset   float64
	Viewport float64
	Height   float64
}

// AtBottom reports whether the viewport touches the end of the document.
func (s ScrollState) AtBottom() bool {
	return s.Offset+s.Viewport >= s.Height-1
}

// Page is the capture-session boundary: a live, authenticated page with
// viewport and theme already applied.
type Page interface {
	// URL returns the page's current location.
	URL(ctx context.Context) (string, error)

	// Navigate loads url and waits for it to settle.
	Navigate(ctx context.Context, url string) error

	// Entries lists every feed item currently in the document.
	Entries(ctx context.Context) ([]Entry, error)

	// Expand triggers every truncation control inside the entry and
	// returns how many were clicked.
	Expand(ctx context.Context, ref string) (int, error)

	// Freeze replaces the live entry with its static twin. It reports
	// false, without error, when the entry is already frozen or gone.
	Freeze(ctx context.Context, ref string) (bool, error)

	// ScrollBy advances the viewport by one viewport height.
	ScrollBy(ctx context.Context) error

	// Scroll reads the current scroll position.
	Scroll(ctx context.Context) (ScrollState, error)

	// RemoveConsent removes every element whose class attribute starts
	// with prefix, clears the body style lock and returns how many
	// elements were removed.
	RemoveConsent(ctx context.Context, prefix string) (int, error)

	// NextLink returns the href of the first element matching selector.
	NextLink(ctx context.Context, selector string) (string, bool, error)

	// HTML serializes the whole document.
	HTML(ctx context.Context) (string, error)
}

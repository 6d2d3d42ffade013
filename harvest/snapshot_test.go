package harvest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(maxScrolls int) *Engine {
	return NewEngine(EngineOptions{MaxScrolls: maxScrolls}, &Dismisser{Prefix: "app_gdpr"})
}

func TestHarvest_FiveItemsTwoOffscreen(t *testing.T) {
	page := newFakePage(5, 5, 0)

	entries, _ := page.Entries(context.Background())
	offscreen := 0
	for _, e := range entries {
		if !e.Visible {
			offscreen++
		}
	}
	require.Equal(t, 2, offscreen)

	h, err := newTestEngine(0).Harvest(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, 5, h.Frozen)
	assert.Equal(t, EndOfFeed, h.Termination)
	assert.Equal(t, 5, page.frozenCount())

	entries, _ = page.Entries(context.Background())
	seen := map[string]bool{}
	for _, e := range entries {
		assert.False(t, e.Active, "entry %s still active", e.Key)
		assert.False(t, seen[e.Key], "duplicate identity %s", e.Key)
		seen[e.Key] = true
	}
	for _, it := range page.items {
		assert.Len(t, it.dataset, 1, "transient dataset keys kept on %s", it.key)
	}
}

func TestHarvest_FreezeIsIdempotent(t *testing.T) {
	page := newFakePage(5, 5, 0)
	engine := newTestEngine(0)

	_, err := engine.Harvest(context.Background(), page)
	require.NoError(t, err)
	before := len(page.items)

	h, err := engine.Harvest(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, 0, h.Frozen)
	assert.Equal(t, before, len(page.items))
	assert.Equal(t, 5, page.frozenCount())

	ok, err := page.Freeze(context.Background(), page.items[0].key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHarvest_FreezeFailureRetried(t *testing.T) {
	page := newFakePage(5, 5, 0)
	page.freezeFail = map[string]int{
		"seed-0": 1, // recovers on the immediate retry
		"seed-2": 2, // stays active this pass, frozen after the next scroll
	}

	h, err := newTestEngine(0).Harvest(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, 1, h.FreezeFailed)
	assert.Equal(t, 5, h.Frozen)
	entries, _ := page.Entries(context.Background())
	for _, e := range entries {
		assert.False(t, e.Active, "entry %s still active", e.Key)
	}
}

func TestHarvest_LazyLoadingToEnd(t *testing.T) {
	page := newFakePage(5, 50, 5)

	h, err := newTestEngine(0).Harvest(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, 50, len(page.items))
	assert.Equal(t, 50, h.Frozen)
	assert.Len(t, h.Keys, 50)
	assert.Equal(t, EndOfFeed, h.Termination)
	assert.True(t, h.Final.AtBottom())
}

func TestHarvest_ExpandsBeforeFreezing(t *testing.T) {
	page := newFakePage(5, 5, 0)

	_, err := newTestEngine(0).Harvest(context.Background(), page)
	require.NoError(t, err)

	for _, it := range page.items {
		if it.expandable {
			assert.True(t, it.expanded, "%s frozen without expanding", it.key)
		}
	}
}

func TestHarvest_StallIsDistinctTermination(t *testing.T) {
	page := newFakePage(5, 5, 0)
	page.lockScroll = true

	h, err := newTestEngine(0).Harvest(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, Stalled, h.Termination)
	assert.Equal(t, 1, h.Iterations)
	assert.Equal(t, 3, h.Frozen)
}

func TestHarvest_OffsetResetRedismissesConsent(t *testing.T) {
	page := newFakePage(5, 20, 5)
	page.resetAt = 2

	h, err := newTestEngine(0).Harvest(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, 1, page.consentRemovals)
	assert.Equal(t, 20, h.Frozen)
	assert.Equal(t, EndOfFeed, h.Termination)
}

func TestHarvest_ScrollLimit(t *testing.T) {
	page := newFakePage(5, 1000, 5)

	h, err := newTestEngine(3).Harvest(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, ScrollLimit, h.Termination)
	assert.Equal(t, 3, h.Iterations)
}

func TestHarvest_Cancelled(t *testing.T) {
	page := newFakePage(5, 1000, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestEngine(0).Harvest(ctx, page)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHarvest_WaitsScrollSettle(t *testing.T) {
	page := newFakePage(5, 5, 0)
	engine := NewEngine(EngineOptions{ScrollSettle: 20 * time.Millisecond}, nil)

	start := time.Now()
	h, err := engine.Harvest(context.Background(), page)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Duration(h.Iterations)*20*time.Millisecond)
}

func TestScrollState_AtBottom(t *testing.T) {
	tests := []struct {
		s    ScrollState
		want bool
	}{
		{ScrollState{Offset: 400, Viewport: 600, Height: 1000}, true},
		{ScrollState{Offset: 399.5, Viewport: 600, Height: 1000}, true},
		{ScrollState{Offset: 0, Viewport: 600, Height: 1000}, false},
		{ScrollState{Offset: 0, Viewport: 600, Height: 300}, true},
	}
	for _, tt := range tests {
		if got := tt.s.AtBottom(); got != tt.want {
			t.Errorf("%+v.AtBottom() = %v, want %v", tt.s, got, tt.want)
		}
	}
}

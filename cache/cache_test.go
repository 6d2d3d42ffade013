package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKey_Deterministic(t *testing.T) {
	if Key("https://a.example/x.png") != Key("https://a.example/x.png") {
		t.Error("same URL produced different keys")
	}
	if Key("https://a.example/x.png") == Key("https://a.example/y.png") {
		t.Error("different URLs produced the same key")
	}
}

func TestCache_SetGet(t *testing.T) {
	c := New[string](10)
	c.Set("a", "1")

	v, ok := c.Get("a")
	if !ok || v != "1" {
		t.Errorf("Get(a) = %q, %v; want 1, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) reported a hit")
	}
}

func TestCache_EvictsAtCapacity(t *testing.T) {
	c := New[int](2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("newest entry was evicted")
	}

	// Overwriting an existing key never evicts.
	c.Set("c", 4)
	if c.Len() != 2 {
		t.Errorf("Len() after overwrite = %d, want 2", c.Len())
	}
}

func TestCache_DoLoadsOnce(t *testing.T) {
	c := New[string](0)
	var loads atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Do("k", func() (string, error) {
				loads.Add(1)
				<-release
				return "body", nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := loads.Load(); n != 1 {
		t.Errorf("load ran %d times, want 1", n)
	}
	for i, v := range results {
		if v != "body" {
			t.Errorf("results[%d] = %q", i, v)
		}
	}
	if _, misses := c.Stats(); misses != 1 {
		t.Errorf("misses = %d, want 1", misses)
	}
}

func TestCache_DoDoesNotCacheErrors(t *testing.T) {
	c := New[string](0)
	calls := 0
	load := func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("404")
		}
		return "ok", nil
	}

	if _, err := c.Do("k", load); err == nil {
		t.Fatal("expected first load to fail")
	}
	v, err := c.Do("k", load)
	if err != nil || v != "ok" {
		t.Fatalf("second Do = %q, %v", v, err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestCache_Reset(t *testing.T) {
	c := New[int](0)
	c.Set("a", 1)
	c.Reset()
	if c.Len() != 0 {
		t.Errorf("Len() after Reset = %d", c.Len())
	}
}

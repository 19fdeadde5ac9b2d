package degrade

import (
	"testing"
	"time"
)

func TestToolCacheHitAndExpiry(t *testing.T) {
	c := NewToolCache(24 * time.Hour)
	start := time.Now()

	c.PutAt("web_fetch", "abc123", "cached page", start)

	got, ok := c.GetAt("web_fetch", "abc123", start.Add(time.Hour))
	if !ok {
		t.Fatal("expected hit within TTL")
	}
	if got.Result != "cached page" {
		t.Errorf("got %q", got.Result)
	}
	if !got.CachedAt.Equal(start) {
		t.Errorf("got cached_at %v", got.CachedAt)
	}

	if _, ok := c.GetAt("web_fetch", "abc123", start.Add(25*time.Hour)); ok {
		t.Error("expected miss after TTL")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be dropped on access, len=%d", c.Len())
	}
}

func TestToolCacheKeyIsolation(t *testing.T) {
	c := NewToolCache(time.Hour)
	now := time.Now()
	c.PutAt("web_fetch", "h1", "one", now)
	c.PutAt("web_fetch", "h2", "two", now)
	c.PutAt("web_search", "h1", "three", now)

	if got, _ := c.GetAt("web_fetch", "h2", now); got.Result != "two" {
		t.Errorf("got %q", got.Result)
	}
	if got, _ := c.GetAt("web_search", "h1", now); got.Result != "three" {
		t.Errorf("got %q", got.Result)
	}
	if _, ok := c.GetAt("web_search", "h2", now); ok {
		t.Error("unexpected hit")
	}
}

func TestToolCacheSweep(t *testing.T) {
	c := NewToolCache(time.Hour)
	now := time.Now()
	c.PutAt("a", "1", "x", now.Add(-2*time.Hour))
	c.PutAt("b", "2", "y", now)

	if removed := c.Sweep(now); removed != 1 {
		t.Errorf("got %d removed, want 1", removed)
	}
	if c.Len() != 1 {
		t.Errorf("got len %d, want 1", c.Len())
	}
}

func TestQueueFIFOWithPriority(t *testing.T) {
	q := NewQueue(10)
	q.Push(QueuedRequest{ID: "low1", Priority: 0})
	q.Push(QueuedRequest{ID: "low2", Priority: 0})
	q.Push(QueuedRequest{ID: "high", Priority: 5})

	want := []string{"high", "low1", "low2"}
	for _, id := range want {
		got, ok := q.Pop()
		if !ok || got.ID != id {
			t.Fatalf("got (%q, %v), want %q", got.ID, ok, id)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("queue should be empty")
	}
}

func TestQueueCapAndExpiry(t *testing.T) {
	q := NewQueue(2)
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Minute)

	q.Push(QueuedRequest{ID: "stale", Deadline: past})
	q.Push(QueuedRequest{ID: "live1", Deadline: future})

	// At capacity, but the stale entry is evictable.
	if err := q.Push(QueuedRequest{ID: "live2", Deadline: future}); err != nil {
		t.Fatalf("push with evictable entry: %v", err)
	}
	if err := q.Push(QueuedRequest{ID: "overflow", Deadline: future}); err != ErrQueueFull {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
	if q.Depth() != 2 {
		t.Errorf("got depth %d, want 2", q.Depth())
	}
}

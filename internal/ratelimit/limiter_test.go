package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestBucketBurstThenDeny(t *testing.T) {
	b := NewBucket(Policy{PerWindow: 30, Window: time.Minute, Burst: 3})

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("request %d denied inside burst", i)
		}
	}
	if b.Allow() {
		t.Fatal("request allowed past burst with no refill time")
	}
	if wait := b.WaitTime(); wait <= 0 {
		t.Errorf("WaitTime() = %v, want > 0 when empty", wait)
	}
}

func TestBucketRefills(t *testing.T) {
	// 100 tokens/sec so a short sleep is enough to refill.
	b := NewBucket(Policy{PerWindow: 100, Window: time.Second, Burst: 1})

	if !b.Allow() {
		t.Fatal("first request denied")
	}
	if b.Allow() {
		t.Fatal("second immediate request allowed with burst 1")
	}

	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Error("request denied after refill window")
	}
}

func TestBucketTokensCapped(t *testing.T) {
	b := NewBucket(Policy{PerWindow: 1000, Window: time.Second, Burst: 5})
	time.Sleep(20 * time.Millisecond)
	if got := b.Tokens(); got > 5 {
		t.Errorf("Tokens() = %v, want capped at 5", got)
	}
}

func TestLimiterPerToolIsolation(t *testing.T) {
	l := NewLimiter(Policy{PerWindow: 30, Window: time.Minute, Burst: 1})

	if ok, _ := l.Allow("web_fetch"); !ok {
		t.Fatal("first web_fetch denied")
	}
	if ok, _ := l.Allow("web_fetch"); ok {
		t.Fatal("second web_fetch allowed with burst 1")
	}
	// A different tool has its own bucket.
	if ok, _ := l.Allow("datetime"); !ok {
		t.Error("datetime denied by web_fetch's bucket")
	}
}

func TestLimiterDenyReturnsRetryAfter(t *testing.T) {
	l := NewLimiter(Policy{PerWindow: 30, Window: time.Minute, Burst: 1})

	l.Allow("shell_exec")
	ok, retryAfter := l.Allow("shell_exec")
	if ok {
		t.Fatal("second request allowed")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfter = %v, want > 0", retryAfter)
	}
}

func TestLimiterSetPolicy(t *testing.T) {
	l := NewLimiter(DefaultPolicy())
	l.SetPolicy("shell_exec", Policy{PerWindow: 10, Window: time.Minute, Burst: 1})

	if ok, _ := l.Allow("shell_exec"); !ok {
		t.Fatal("first shell_exec denied")
	}
	if ok, _ := l.Allow("shell_exec"); ok {
		t.Error("shell policy not applied")
	}

	// Default-policy tools still have the larger burst.
	for i := 0; i < 10; i++ {
		if ok, _ := l.Allow("web_fetch"); !ok {
			t.Fatalf("web_fetch %d denied inside default burst", i)
		}
	}
}

func TestLimiterReset(t *testing.T) {
	l := NewLimiter(Policy{PerWindow: 30, Window: time.Minute, Burst: 1})

	l.Allow("t")
	if ok, _ := l.Allow("t"); ok {
		t.Fatal("bucket not empty")
	}
	l.Reset("t")
	if ok, _ := l.Allow("t"); !ok {
		t.Error("request denied after Reset")
	}
}

func TestLimiterStatus(t *testing.T) {
	l := NewLimiter(Policy{PerWindow: 30, Window: time.Minute, Burst: 2})

	st := l.GetStatus("t")
	if !st.AllowedNow || st.TokensRemaining < 2 {
		t.Errorf("fresh status = %+v", st)
	}

	l.Allow("t")
	l.Allow("t")
	st = l.GetStatus("t")
	if st.AllowedNow || st.WaitTime <= 0 {
		t.Errorf("exhausted status = %+v", st)
	}
}

func TestLimiterConcurrentAccess(t *testing.T) {
	l := NewLimiter(Policy{PerWindow: 1000, Window: time.Second, Burst: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Allow("shared")
				l.GetStatus("shared")
			}
		}()
	}
	wg.Wait()
}

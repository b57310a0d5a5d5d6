package ratelimit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestBucket_Allow(t *testing.T) {
	bucket := NewBucket(Config{RequestsPerSecond: 10, BurstSize: 5, Enabled: true}, clockwork.NewFakeClock())

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("request %d should be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("request after burst should be denied")
	}
}

func TestBucket_Refill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bucket := NewBucket(Config{RequestsPerSecond: 10, BurstSize: 2, Enabled: true}, clock)

	bucket.Allow()
	bucket.Allow()
	if bucket.Allow() {
		t.Fatal("should be denied after exhausting tokens")
	}
	if got := bucket.WaitTime(); got != 100*time.Millisecond {
		t.Errorf("expected 100ms wait, got %v", got)
	}

	clock.Advance(100 * time.Millisecond)
	if !bucket.Allow() {
		t.Error("should be allowed after refill")
	}

	clock.Advance(time.Hour)
	if got := bucket.Tokens(); got != 2 {
		t.Errorf("expected refill capped at burst, got %v", got)
	}
}

func TestBucket_Defaults(t *testing.T) {
	bucket := NewBucket(Config{RequestsPerSecond: 4}, clockwork.NewFakeClock())
	if got := bucket.Tokens(); got != 8 {
		t.Errorf("expected burst defaulting to twice the rate, got %v", got)
	}
}

func TestLimiter_PerKey(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true}, clockwork.NewFakeClock())

	if !limiter.Allow("s1") {
		t.Fatal("first frame for s1 should pass")
	}
	if limiter.Allow("s1") {
		t.Error("second frame for s1 should be limited")
	}
	if !limiter.Allow("s2") {
		t.Error("s2 has its own bucket")
	}
	if got := limiter.Len(); got != 2 {
		t.Errorf("expected 2 keys, got %d", got)
	}

	limiter.Forget("s1")
	if !limiter.Allow("s1") {
		t.Error("forgotten key should start with a full bucket")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1}, nil)
	for i := 0; i < 10; i++ {
		if !limiter.Allow("s1") {
			t.Fatal("disabled limiter should allow everything")
		}
	}
	if got := limiter.Len(); got != 0 {
		t.Errorf("disabled limiter should not track keys, got %d", got)
	}

	var nilLimiter *Limiter
	if !nilLimiter.Allow("s1") {
		t.Error("nil limiter should allow")
	}
}

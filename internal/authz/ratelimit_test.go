// ABOUTME: Tests for the per-peer attempt limiter
// ABOUTME: Covers burst exhaustion, per-peer isolation, and idle cleanup

package authz

import (
	"net/netip"
	"testing"
	"time"
)

func TestAttemptLimiterBurst(t *testing.T) {
	l := NewAttemptLimiter(6, 3)
	defer l.Close()
	peer := netip.MustParseAddr("192.0.2.1")

	for i := 0; i < 3; i++ {
		if !l.Allow(peer) {
			t.Fatalf("attempt %d denied within burst", i+1)
		}
	}
	if l.Allow(peer) {
		t.Fatal("attempt beyond burst allowed")
	}
}

func TestAttemptLimiterIsolatesPeers(t *testing.T) {
	l := NewAttemptLimiter(6, 1)
	defer l.Close()

	if !l.Allow(netip.MustParseAddr("192.0.2.1")) {
		t.Fatal("first peer denied")
	}
	if l.Allow(netip.MustParseAddr("192.0.2.1")) {
		t.Fatal("first peer not throttled")
	}
	// A different peer has its own bucket.
	if !l.Allow(netip.MustParseAddr("192.0.2.2")) {
		t.Fatal("second peer throttled by first peer's bucket")
	}
}

func TestAttemptLimiterAllowsInvalidAddr(t *testing.T) {
	l := NewAttemptLimiter(6, 1)
	defer l.Close()
	if !l.Allow(netip.Addr{}) {
		t.Fatal("invalid address should pass through to the authorizer")
	}
}

func TestAttemptLimiterSweepDropsIdle(t *testing.T) {
	l := NewAttemptLimiter(6, 1)
	defer l.Close()

	base := time.Now()
	l.now = func() time.Time { return base }
	l.Allow(netip.MustParseAddr("192.0.2.1"))
	l.Allow(netip.MustParseAddr("192.0.2.2"))
	if l.Size() != 2 {
		t.Fatalf("Size = %d, want 2", l.Size())
	}

	// One peer stays active past the idle cutoff.
	l.now = func() time.Time { return base.Add(limiterIdleTTL - time.Minute) }
	l.Allow(netip.MustParseAddr("192.0.2.2"))

	l.now = func() time.Time { return base.Add(limiterIdleTTL + time.Minute) }
	l.sweep()

	if l.Size() != 1 {
		t.Fatalf("Size after sweep = %d, want 1", l.Size())
	}
}

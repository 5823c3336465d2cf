// ABOUTME: Per-peer rate limiting for credentialed auth attempts
// ABOUTME: Token-bucket limiters per IP with periodic cleanup of idle entries

package authz

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// AttemptLimiter rate-limits authentication attempts per peer address so a
// single host cannot brute-force the shared secret or password.
type AttemptLimiter struct {
	mu       sync.Mutex
	limiters map[netip.Addr]*limiterEntry
	limit    rate.Limit
	burst    int
	now      func() time.Time
	done     chan struct{}
	closed   sync.Once
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAttemptLimiter allows roughly perMinute attempts per peer with the
// given burst. A background sweep drops limiters idle longer than ten
// minutes so the map does not grow with every scanner on the internet.
func NewAttemptLimiter(perMinute int, burst int) *AttemptLimiter {
	l := &AttemptLimiter{
		limiters: make(map[netip.Addr]*limiterEntry),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether the peer may make another attempt now. An invalid
// address is always allowed; it will be rejected by the authorizer anyway.
func (l *AttemptLimiter) Allow(peer netip.Addr) bool {
	if !peer.IsValid() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[peer]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[peer] = entry
	}
	entry.lastSeen = l.now()
	return entry.limiter.Allow()
}

func (l *AttemptLimiter) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *AttemptLimiter) sweep() {
	cutoff := l.now().Add(-limiterIdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, addr)
		}
	}
}

// Size returns the number of tracked peers.
func (l *AttemptLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Close stops the background sweep.
func (l *AttemptLimiter) Close() {
	l.closed.Do(func() { close(l.done) })
}

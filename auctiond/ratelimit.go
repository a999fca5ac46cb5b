package main

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cloudx-io/dutchauction/core"
)

// BidLimiter applies a token bucket per bidder and periodically evicts idle
// buckets.
type BidLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	buckets map[core.Identity]*bucket
	hits    uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewBidLimiter returns nil, which allows every bid, when rps or burst is
// not positive.
func NewBidLimiter(rps float64, burst int, idleTTL time.Duration) *BidLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &BidLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		buckets: make(map[core.Identity]*bucket),
	}
}

// Allow reports whether bidder may place a bid at now.
func (l *BidLimiter) Allow(bidder core.Identity, now time.Time) bool {
	if l == nil || bidder == core.NoIdentity {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[bidder]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[bidder] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.buckets {
			if v.lastSeen.Before(cutoff) {
				delete(l.buckets, k)
			}
		}
	}
	return allowed
}

func (l *BidLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

package ingest

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// InstanceLimiter enforces the per-instance submission-rate ceiling at
// the ingest boundary. One token bucket per instance, created lazily.
type InstanceLimiter struct {
	mu      sync.Mutex
	buckets map[string]*instanceBucket
	rps     rate.Limit
	burst   int
}

type instanceBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewInstanceLimiter(rps float64, burst int) *InstanceLimiter {
	l := &InstanceLimiter{
		buckets: make(map[string]*instanceBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go l.evictStale()
	return l
}

// Allow reports whether one submission for the instance may proceed
// now.
func (l *InstanceLimiter) Allow(instanceID string) bool {
	l.mu.Lock()
	b, ok := l.buckets[instanceID]
	if !ok {
		b = &instanceBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[instanceID] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

// evictStale drops buckets idle for over ten minutes so one-shot
// instances do not accumulate forever.
func (l *InstanceLimiter) evictStale() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for id, b := range l.buckets {
			if time.Since(b.lastSeen) > 10*time.Minute {
				delete(l.buckets, id)
			}
		}
		l.mu.Unlock()
	}
}

package dispatcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultStreamRate is the per-stream delivery rate when a stream does not
// set one. Streams may raise it up to the plan ceiling.
const DefaultStreamRate = 10

type streamLimiterEntry struct {
	limiter  *rate.Limiter
	rate     int
	lastSeen time.Time
}

// StreamLimiter is a per-stream token bucket. Each worker process holds its
// own limiter map, so the aggregate delivery rate scales with worker count.
type StreamLimiter struct {
	mu          sync.Mutex
	entries     map[string]*streamLimiterEntry
	lastCleanup time.Time
	ttl         time.Duration
}

func NewStreamLimiter() *StreamLimiter {
	return &StreamLimiter{
		entries: make(map[string]*streamLimiterEntry),
		ttl:     15 * time.Minute,
	}
}

// Acquire blocks until a token is available for the stream or ctx is done.
// perSecond <= 0 uses DefaultStreamRate. Changing a stream's rate replaces
// its bucket.
func (l *StreamLimiter) Acquire(ctx context.Context, streamID string, perSecond int) error {
	if perSecond <= 0 {
		perSecond = DefaultStreamRate
	}

	now := time.Now()
	l.mu.Lock()
	if l.lastCleanup.IsZero() || now.Sub(l.lastCleanup) > time.Minute {
		for k, v := range l.entries {
			if now.Sub(v.lastSeen) > l.ttl {
				delete(l.entries, k)
			}
		}
		l.lastCleanup = now
	}

	ent := l.entries[streamID]
	if ent == nil || ent.rate != perSecond {
		ent = &streamLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
			rate:    perSecond,
		}
		l.entries[streamID] = ent
	}
	ent.lastSeen = now
	limiter := ent.limiter
	l.mu.Unlock()

	return limiter.Wait(ctx)
}

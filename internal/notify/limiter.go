package notify

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type receiver struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// receiverLimiter throttles pushes per receiver token. Idle entries expire after ttl.
type receiverLimiter struct {
	mu        sync.Mutex
	receivers map[string]*receiver
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	now       func() time.Time
}

func newReceiverLimiter(perSecond float64, burst int, ttl time.Duration) *receiverLimiter {
	if perSecond <= 0 {
		perSecond = 0.5
	}
	if burst <= 0 {
		burst = 1
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &receiverLimiter{
		receivers: make(map[string]*receiver),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		ttl:       ttl,
		now:       time.Now,
	}
}

func (l *receiverLimiter) allow(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	r, ok := l.receivers[token]
	if !ok {
		r = &receiver{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.receivers[token] = r
	}
	r.lastSeen = now

	for key, other := range l.receivers {
		if now.Sub(other.lastSeen) > l.ttl {
			delete(l.receivers, key)
		}
	}

	return r.limiter.AllowN(now, 1)
}

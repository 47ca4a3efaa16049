package channels

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// OutboundLimiter throttles sends per session so a chatty agent cannot
// trip provider flood limits. One token bucket per session key.
type OutboundLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewOutboundLimiter allows perSecond messages with the given burst.
func NewOutboundLimiter(perSecond float64, burst int) *OutboundLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 3
	}
	return &OutboundLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// Wait blocks until a send to sessionKey is permitted or ctx is cancelled.
func (l *OutboundLimiter) Wait(ctx context.Context, sessionKey string) error {
	l.mu.Lock()
	lim, ok := l.limiters[sessionKey]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[sessionKey] = lim
	}
	l.mu.Unlock()
	return lim.Wait(ctx)
}

package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// API names an external service whose calls are throttled.
type API string

const (
	// APIMarketData is the market data provider (history, catalog, quotes).
	APIMarketData API = "market_data"
	// APITelegram is the Telegram bot API used for notifications.
	APITelegram API = "telegram"
)

// Limiter manages rate limits for different APIs
type Limiter struct {
	limiters map[API]*rate.Limiter
	mu       sync.RWMutex
}

// New creates a limiter with one token bucket per API. A limit of rate.Inf
// disables throttling for that API.
func New(limits map[API]rate.Limit) *Limiter {
	l := &Limiter{limiters: make(map[API]*rate.Limiter, len(limits))}
	for api, limit := range limits {
		l.Set(api, limit)
	}
	return l
}

// Unlimited returns a limiter that never blocks. Used by tests.
func Unlimited() *Limiter {
	return New(nil)
}

// Set replaces the limit for api.
func (l *Limiter) Set(api API, limit rate.Limit) {
	burst := 1
	if limit == rate.Inf {
		burst = 0
	}
	l.mu.Lock()
	l.limiters[api] = rate.NewLimiter(limit, burst)
	l.mu.Unlock()
}

// Wait blocks until the rate limiter permits an event for the given API
// It returns an error if the context is canceled before the event can proceed
func (l *Limiter) Wait(ctx context.Context, api API) error {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	limiter, exists := l.limiters[api]
	l.mu.RUnlock()

	if !exists {
		return nil
	}

	return limiter.Wait(ctx)
}

// Allow reports whether an event for the given API may happen now
func (l *Limiter) Allow(api API) bool {
	if l == nil {
		return true
	}
	l.mu.RLock()
	limiter, exists := l.limiters[api]
	l.mu.RUnlock()

	if !exists {
		return true
	}

	return limiter.Allow()
}

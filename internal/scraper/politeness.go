package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DelayObserver records time spent waiting on per-host limits.
type DelayObserver interface {
	ObserveRateLimitDelay(site string, d time.Duration)
}

// Politeness spaces requests to the same host by at least the configured
// delay. Different hosts do not wait on each other.
type Politeness struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	observer DelayObserver
}

// NewPoliteness returns a limiter allowing one request per delay per host.
// A non-positive delay disables limiting.
func NewPoliteness(delay time.Duration, observer DelayObserver) *Politeness {
	every := rate.Inf
	if delay > 0 {
		every = rate.Every(delay)
	}
	return &Politeness{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
		observer: observer,
	}
}

// Wait blocks until rawURL's host may be contacted again.
func (p *Politeness) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	p.mu.Lock()
	limiter, ok := p.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(p.every, 1)
		p.limiters[host] = limiter
	}
	p.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond && p.observer != nil {
		p.observer.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

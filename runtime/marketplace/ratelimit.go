package marketplace

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// rateLimiterRegistry lazily creates and caches a token-bucket rate.Limiter
// per capability id, enforcing CapabilityManifest.RateLimitPerSecond the
// way features/model/middleware.AdaptiveRateLimiter enforces a
// tokens-per-minute budget in front of a model.Client, simplified to a
// static (non-adaptive) budget: Marketplace capabilities have no provider
// backoff signal to react to, so there is nothing for an AIMD loop to track.
type rateLimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimiterRegistry() *rateLimiterRegistry {
	return &rateLimiterRegistry{limiters: make(map[string]*rate.Limiter)}
}

// wait blocks until id's token bucket has capacity for one call, or ctx is
// done. A non-positive perSecond disables limiting for id entirely.
func (r *rateLimiterRegistry) wait(ctx context.Context, id string, perSecond float64, burst int) error {
	if perSecond <= 0 {
		return nil
	}
	r.mu.Lock()
	lim, ok := r.limiters[id]
	if !ok {
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
		r.limiters[id] = lim
	}
	r.mu.Unlock()
	return lim.Wait(ctx)
}

package draft

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures RateLimitedProvider.
type RateLimitConfig struct {
	RequestsPerMinute int // Maximum requests per minute (default: 60)
	BurstSize         int // Maximum burst size (default: same as RPM)
}

// RateLimitedProvider wraps a Provider with a token bucket.
type RateLimitedProvider struct {
	provider Provider
	limiter  *rate.Limiter
}

// NewRateLimitedProvider creates a new rate-limited provider.
func NewRateLimitedProvider(provider Provider, cfg RateLimitConfig) *RateLimitedProvider {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = rpm
	}

	return &RateLimitedProvider{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), burst),
	}
}

// Translate waits for a token, then calls the wrapped provider.
func (p *RateLimitedProvider) Translate(ctx context.Context, req Request) ([]string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &ProviderError{Provider: "ratelimit", Message: "waiting for a request slot", Cause: err}
	}
	return p.provider.Translate(ctx, req)
}

// Limiter returns the underlying limiter for inspection.
func (p *RateLimitedProvider) Limiter() *rate.Limiter {
	return p.limiter
}

var _ Provider = (*RateLimitedProvider)(nil)

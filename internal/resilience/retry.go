package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig describes how often and how patiently a call to the
// extraction service or the provider store is repeated. Zero values fall
// back to DefaultRetryConfig.
type RetryConfig struct {
	MaxAttempts    int           // total calls, first one included
	InitialBackoff time.Duration // wait before the second call
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFraction float64 // +/- share of each wait, 0 disables

	// ShouldRetry classifies failures. Nil means IsTransient.
	ShouldRetry func(err error) bool
	// OnRetry runs before every wait with the 1-based number of the failed call.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig suits a single HTTP extraction call: three tries over
// roughly a second and a half.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.25,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	c.JitterFraction = math.Max(c.JitterFraction, 0)
	if c.ShouldRetry == nil {
		c.ShouldRetry = IsTransient
	}
	return c
}

// wait returns the pause after the given 0-based failed call.
func (c RetryConfig) wait(failed int) time.Duration {
	d := Backoff(failed, c.InitialBackoff, c.MaxBackoff, c.Multiplier)
	if c.JitterFraction == 0 {
		return d
	}
	spread := float64(d) * c.JitterFraction
	return max(0, d+time.Duration(spread*(2*rand.Float64()-1)))
}

// Do calls fn until it succeeds, fails permanently, runs out of attempts or
// ctx ends. The last error from fn is returned as is.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that produce a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()

	var zero T
	for n := 0; ; n++ {
		v, err := fn(ctx)
		switch {
		case err == nil:
			return v, nil
		case n+1 >= cfg.MaxAttempts, ctx.Err() != nil, !cfg.ShouldRetry(err):
			return zero, err
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(n+1, err)
		}
		t := time.NewTimer(cfg.wait(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, err
		case <-t.C:
		}
	}
}

// Backoff is the jitter-free delay base*multiplier^attempt, never above
// max when max is set. It also spaces out record re-attempts.
func Backoff(attempt int, base, max time.Duration, multiplier float64) time.Duration {
	if multiplier <= 0 {
		multiplier = 2
	}
	d := float64(base) * math.Pow(multiplier, float64(max0(attempt)))
	if max > 0 && d > float64(max) {
		return max
	}
	return time.Duration(d)
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// RetryLogger logs each retry of operation against service at warn level.
func RetryLogger(service, operation string) func(int, error) {
	log := zap.L().With(zap.String("service", service), zap.String("operation", operation))
	return func(attempt int, err error) {
		log.Warn("retrying operation", zap.Int("attempt", attempt), zap.Error(err))
	}
}

package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a call is rejected because the breaker is open.
var ErrCircuitOpen = eris.New("resilience: circuit breaker is open")

// Breaker stops calling a failing dependency after Threshold consecutive
// transient failures, then lets one probe through once Cooldown has passed.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

// NewBreaker creates a Breaker. Non-positive values fall back to 5 failures
// and a 30s cooldown.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow returns a transient ErrCircuitOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return nil
	}
	if !b.probing && b.now().Sub(b.openedAt) >= b.cooldown {
		b.probing = true
		return nil
	}
	return NewTransientError(ErrCircuitOpen, 0)
}

// Record feeds a call outcome back. Only transient errors count as failures.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !IsTransient(err) {
		if b.failures >= b.threshold {
			zap.L().Info("resilience: circuit closed", zap.String("service", b.name))
		}
		b.failures = 0
		b.probing = false
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		if b.failures == b.threshold || b.probing {
			zap.L().Warn("resilience: circuit opened",
				zap.String("service", b.name),
				zap.Int("failures", b.failures),
			)
		}
		b.openedAt = b.now()
		b.probing = false
	}
}

// Open reports whether calls are currently rejected.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.threshold && b.now().Sub(b.openedAt) < b.cooldown
}

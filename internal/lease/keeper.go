package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Keeper renews a lease in the background while work runs under it. If the
// lease cannot be kept, the context returned by Keep is cancelled with
// ErrLost as its cause.
type Keeper struct {
	svc   Service
	lease *Lease

	cancel context.CancelCauseFunc
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	lost bool
}

// Keep starts renewing l every TTL/3 and returns a context tied to the
// lease. Call Stop before releasing.
func Keep(ctx context.Context, svc Service, l *Lease) (*Keeper, context.Context) {
	runCtx, cancel := context.WithCancelCause(ctx)
	k := &Keeper{
		svc:    svc,
		lease:  l,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go k.loop(runCtx)
	return k, runCtx
}

func (k *Keeper) loop(ctx context.Context) {
	defer close(k.done)

	interval := k.lease.TTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := k.svc.Renew(ctx, k.lease)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		// A database blip is survivable until the lease would have expired.
		if !errors.Is(err, ErrLost) && time.Now().Before(k.lease.ExpiresAt) {
			zap.L().Warn("lease: renew failed, will retry",
				zap.String("key", k.lease.Key),
				zap.Error(err),
			)
			continue
		}

		zap.L().Error("lease: lost, cancelling run",
			zap.String("key", k.lease.Key),
			zap.Error(err),
		)
		k.mu.Lock()
		k.lost = true
		k.mu.Unlock()
		k.cancel(ErrLost)
		return
	}
}

// Lost reports whether renewal failed and the run context was cancelled.
func (k *Keeper) Lost() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lost
}

// Stop ends renewal and waits for the background goroutine to exit.
func (k *Keeper) Stop() {
	k.once.Do(func() {
		close(k.stop)
		<-k.done
		k.cancel(context.Canceled)
	})
}

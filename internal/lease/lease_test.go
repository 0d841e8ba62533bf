package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory Backend for tests.
type memBackend struct {
	mu       sync.Mutex
	holders  map[string]memLease
	renewErr error
	renewOK  bool
}

type memLease struct {
	token   string
	expires time.Time
}

func newMemBackend() *memBackend {
	return &memBackend{holders: make(map[string]memLease), renewOK: true}
}

func (b *memBackend) AcquireLease(_ context.Context, key, token string, now time.Time, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.holders[key]; ok && cur.expires.After(now) {
		return false, nil
	}
	b.holders[key] = memLease{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (b *memBackend) RenewLease(_ context.Context, key, token string, now time.Time, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.renewErr != nil {
		return false, b.renewErr
	}
	cur, ok := b.holders[key]
	if !b.renewOK || !ok || cur.token != token || !cur.expires.After(now) {
		return false, nil
	}
	b.holders[key] = memLease{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (b *memBackend) ReleaseLease(_ context.Context, key, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.holders[key]; ok && cur.token == token {
		delete(b.holders, key)
	}
	return nil
}

func TestService_AcquireReleaseCycle(t *testing.T) {
	svc := NewService(newMemBackend())
	ctx := context.Background()

	l, err := svc.Acquire(ctx, "r1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "r1", l.Key)
	assert.NotEmpty(t, l.Token)

	_, err = svc.Acquire(ctx, "r1", time.Minute)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, svc.Renew(ctx, l))
	require.NoError(t, svc.Release(ctx, l))

	l2, err := svc.Acquire(ctx, "r1", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, l.Token, l2.Token)

	// The old holder can no longer renew.
	assert.ErrorIs(t, svc.Renew(ctx, l), ErrLost)
}

func TestService_ExpiredLeaseCanBeTaken(t *testing.T) {
	now := time.Now()
	svc := NewService(newMemBackend())
	svc.now = func() time.Time { return now }

	_, err := svc.Acquire(context.Background(), "r1", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = svc.Acquire(context.Background(), "r1", time.Minute)
	assert.NoError(t, err)
}

func TestService_RejectsBadTTL(t *testing.T) {
	_, err := NewService(newMemBackend()).Acquire(context.Background(), "r1", 0)
	assert.Error(t, err)
}

func TestKeeper_RenewsWhileRunning(t *testing.T) {
	backend := newMemBackend()
	svc := NewService(backend)
	l, err := svc.Acquire(context.Background(), "r1", 90*time.Millisecond)
	require.NoError(t, err)

	k, ctx := Keep(context.Background(), svc, l)
	time.Sleep(250 * time.Millisecond)
	assert.NoError(t, ctx.Err())
	assert.False(t, k.Lost())

	k.Stop()
	assert.Error(t, ctx.Err())
	assert.False(t, k.Lost())
	k.Stop() // idempotent
}

func TestKeeper_CancelsRunWhenLost(t *testing.T) {
	backend := newMemBackend()
	svc := NewService(backend)
	l, err := svc.Acquire(context.Background(), "r1", 60*time.Millisecond)
	require.NoError(t, err)

	backend.mu.Lock()
	backend.renewOK = false
	backend.mu.Unlock()

	k, ctx := Keep(context.Background(), svc, l)
	defer k.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run context was not cancelled")
	}
	assert.True(t, k.Lost())
	assert.ErrorIs(t, context.Cause(ctx), ErrLost)
}

func TestKeeper_GivesUpAfterExpiryOnBackendErrors(t *testing.T) {
	backend := newMemBackend()
	backend.renewErr = errors.New("connection reset by peer")
	svc := NewService(backend)
	l, err := svc.Acquire(context.Background(), "r1", 60*time.Millisecond)
	require.NoError(t, err)

	k, ctx := Keep(context.Background(), svc, l)
	defer k.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run context was not cancelled")
	}
	assert.True(t, k.Lost())
}

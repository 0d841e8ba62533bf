// Package lease provides record-scoped mutual exclusion backed by the shared
// database, so it holds across processes and hosts.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

var (
	// ErrBusy is returned by Acquire when another holder owns a live lease.
	ErrBusy = errors.New("lease: busy")
	// ErrLost is returned by Renew when the lease expired or was taken over.
	ErrLost = errors.New("lease: lost")
)

// Backend is the conditional-write primitive a lease table provides.
// store.PostgresStore and store.SQLiteStore implement it.
type Backend interface {
	AcquireLease(ctx context.Context, key, token string, now time.Time, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, token string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, token string) error
}

// Lease is a held claim on a key.
type Lease struct {
	Key       string
	Token     string
	TTL       time.Duration
	ExpiresAt time.Time
}

// Service acquires, renews and releases leases.
type Service interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Renew(ctx context.Context, l *Lease) error
	Release(ctx context.Context, l *Lease) error
}

// DBService implements Service on a Backend.
type DBService struct {
	backend Backend
	now     func() time.Time
}

// NewService creates a Service over backend.
func NewService(backend Backend) *DBService {
	return &DBService{backend: backend, now: time.Now}
}

// Acquire claims key for ttl, or returns ErrBusy.
func (s *DBService) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, eris.Errorf("lease: non-positive ttl %s", ttl)
	}
	now := s.now()
	token := uuid.New().String()
	ok, err := s.backend.AcquireLease(ctx, key, token, now, ttl)
	if err != nil {
		return nil, eris.Wrapf(err, "lease: acquire %s", key)
	}
	if !ok {
		return nil, ErrBusy
	}
	return &Lease{Key: key, Token: token, TTL: ttl, ExpiresAt: now.Add(ttl)}, nil
}

// Renew extends l by its TTL, or returns ErrLost.
func (s *DBService) Renew(ctx context.Context, l *Lease) error {
	now := s.now()
	ok, err := s.backend.RenewLease(ctx, l.Key, l.Token, now, l.TTL)
	if err != nil {
		return eris.Wrapf(err, "lease: renew %s", l.Key)
	}
	if !ok {
		return ErrLost
	}
	l.ExpiresAt = now.Add(l.TTL)
	return nil
}

// Release drops l. Releasing a lease that was already lost is not an error.
func (s *DBService) Release(ctx context.Context, l *Lease) error {
	return eris.Wrapf(s.backend.ReleaseLease(ctx, l.Key, l.Token), "lease: release %s", l.Key)
}

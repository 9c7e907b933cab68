// ABOUTME: Lease backend that keeps lease rows in the conversation store
// ABOUTME: Default backend for single-node deployments sharing one SQLite database

package lease

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/parley-gateway/internal/store"
)

// LeaseStore is the part of store.Store the StoreLocker needs
type LeaseStore interface {
	AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (*store.Lease, error)
	ReleaseLease(ctx context.Context, sessionID, owner string) error
}

// StoreLocker grants leases backed by store lease rows.
type StoreLocker struct {
	store  LeaseStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewStoreLocker creates a StoreLocker. A non-positive ttl uses DefaultTTL.
func NewStoreLocker(s LeaseStore, ttl time.Duration, logger *slog.Logger) *StoreLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StoreLocker{store: s, ttl: ttl, logger: loggerOrDefault(logger)}
}

// Acquire takes the session lease or returns ErrBusy.
// Unknown sessions surface store.ErrSessionNotFound.
func (l *StoreLocker) Acquire(ctx context.Context, sessionID string) (*Handle, error) {
	owner := newOwner()
	if _, err := l.store.AcquireLease(ctx, sessionID, owner, l.ttl); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return nil, ErrBusy
		}
		return nil, err
	}
	l.logger.Debug("lease acquired", "session_id", sessionID, "owner", owner)

	renew := func(ctx context.Context) error {
		_, err := l.store.AcquireLease(ctx, sessionID, owner, l.ttl)
		if errors.Is(err, store.ErrLeaseHeld) {
			return ErrLost
		}
		return err
	}
	release := func(ctx context.Context) error {
		return l.store.ReleaseLease(ctx, sessionID, owner)
	}
	return newHandle(sessionID, owner, l.ttl, renew, release, l.logger), nil
}

// ABOUTME: Per-session exclusivity tokens that serialize conversation cycles
// ABOUTME: Acquisition never blocks; a held lease is reported as ErrBusy

package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned when another owner holds a live lease on the session
var ErrBusy = errors.New("session busy")

// ErrLost is returned when renewing a lease that expired and was taken over
var ErrLost = errors.New("lease lost")

// DefaultTTL bounds how long a crashed holder can block a session
const DefaultTTL = 2 * time.Minute

// Locker hands out per-session leases.
type Locker interface {
	Acquire(ctx context.Context, sessionID string) (*Handle, error)
}

// Handle is a held lease. It renews itself in the background until Release.
type Handle struct {
	SessionID string
	Owner     string

	release  func(ctx context.Context) error
	cancel   context.CancelFunc
	done     chan struct{}
	lost     chan struct{}
	lostOnce sync.Once
	once     sync.Once
	err      error
}

// newOwner returns a unique owner token for one acquisition
func newOwner() string {
	return uuid.New().String()
}

func newHandle(sessionID, owner string, ttl time.Duration, renew, release func(ctx context.Context) error, logger *slog.Logger) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		SessionID: sessionID,
		Owner:     owner,
		release:   release,
		cancel:    cancel,
		done:      make(chan struct{}),
		lost:      make(chan struct{}),
	}
	go h.keepAlive(ctx, ttl, renew, logger)
	return h
}

// keepAlive renews the lease at a third of its TTL until canceled or the lease is lost.
// The lease counts as lost once renewal is refused, or once renewals have failed
// for long enough that the next attempt could land after expiry.
func (h *Handle) keepAlive(ctx context.Context, ttl time.Duration, renew func(ctx context.Context) error, logger *slog.Logger) {
	defer close(h.done)

	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	renewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := renew(ctx)
			if err == nil {
				renewed = time.Now()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("lease renewal failed", "session_id", h.SessionID, "error", err)
			if errors.Is(err, ErrLost) || errors.Is(err, ErrBusy) || time.Since(renewed)+interval >= ttl {
				logger.Error("lease lost", "session_id", h.SessionID, "owner", h.Owner, "since_renewal", time.Since(renewed))
				h.markLost()
				return
			}
		}
	}
}

func (h *Handle) markLost() {
	h.lostOnce.Do(func() { close(h.lost) })
}

// Lost is closed once the holder can no longer rely on exclusivity.
func (h *Handle) Lost() <-chan struct{} {
	return h.lost
}

// Held reports whether the lease is still believed to be held.
func (h *Handle) Held() bool {
	select {
	case <-h.lost:
		return false
	default:
		return true
	}
}

// Release stops renewal and drops the lease. Safe to call more than once.
func (h *Handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.cancel()
		<-h.done
		h.err = h.release(ctx)
	})
	return h.err
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "lease")
}

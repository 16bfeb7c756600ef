// Package guard serializes each user's game actions and limits their rate.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/wagering/internal/metrics"
)

var (
	// ErrLockContention is returned when a lock stays held past the wait bound.
	// Callers may retry.
	ErrLockContention = errors.New("another action for this user is in progress")
	// ErrRateLimited is returned when the user exceeded the action rate.
	ErrRateLimited = errors.New("too many actions")
)

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out keyed, TTL-bounded exclusive leases. Acquire waits at most
// the locker's configured bound and then fails with ErrLockContention.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Limiter decides whether one more action fits in the user's window.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// Class selects the lock TTL.
type Class int

const (
	// ClassFast is for actions that do not touch the ledger.
	ClassFast Class = iota
	// ClassLedger is for actions that move funds.
	ClassLedger
)

// Config holds the lock TTLs.
type Config struct {
	FastTTL   time.Duration
	LedgerTTL time.Duration
}

type Guard struct {
	locker  Locker
	limiter Limiter
	cfg     Config
	logger  *slog.Logger
}

// New returns a Guard. A nil limiter disables rate limiting.
func New(locker Locker, limiter Limiter, cfg Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{locker: locker, limiter: limiter, cfg: cfg, logger: logger}
}

// LockKey returns the lock key of a user within a game family.
func LockKey(family string, userID uuid.UUID) string {
	return "lock:" + family + ":" + userID.String()
}

// Do checks the rate limit, takes the user's lock, runs fn and releases the
// lock. A rate rejection never touches the lock.
func (g *Guard) Do(ctx context.Context, family string, userID uuid.UUID, class Class, fn func(ctx context.Context) error) error {
	if g.limiter != nil {
		ok, err := g.limiter.Allow(ctx, userID.String())
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if !ok {
			metrics.RateLimited.Inc()
			return ErrRateLimited
		}
	}

	ttl := g.cfg.FastTTL
	if class == ClassLedger {
		ttl = g.cfg.LedgerTTL
	}
	key := LockKey(family, userID)
	lease, err := g.locker.Acquire(ctx, key, ttl)
	if err != nil {
		if errors.Is(err, ErrLockContention) {
			metrics.LockContention.Inc()
		}
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			g.logger.Warn("release lock", "key", key, "error", err)
		}
	}()
	return fn(ctx)
}

const retryInterval = 10 * time.Millisecond

// acquireWithin calls try until it succeeds, wait elapses or ctx is done.
func acquireWithin(ctx context.Context, wait time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrLockContention
		}
		t := time.NewTimer(min(retryInterval, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

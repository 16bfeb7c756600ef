// Package seeds manages the provably-fair inputs of each round: a fresh
// server seed committed by hash before play, and the user's client seed and
// strictly increasing nonce.
package seeds

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/wagering/internal/apperr"
	"github.com/inaiurai/wagering/internal/fairness"
	"github.com/inaiurai/wagering/internal/guard"
	"github.com/inaiurai/wagering/internal/models"
)

// MaxClientSeedLen bounds user-chosen client seeds.
const MaxClientSeedLen = 64

var clientSeedPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateClientSeed rejects seeds that are empty, too long or contain
// characters outside [A-Za-z0-9_-].
func ValidateClientSeed(seed string) error {
	if seed == "" || len(seed) > MaxClientSeedLen || !clientSeedPattern.MatchString(seed) {
		return apperr.Newf(apperr.KindValidation, "client seed must be 1-%d characters of letters, digits, '-' or '_'", MaxClientSeedLen)
	}
	return nil
}

// Store persists user seeds.
type Store interface {
	// GetForUpdate locks the user's seed row, creating it with clientSeed when missing.
	GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, clientSeed string) (*models.UserSeed, error)
	Save(ctx context.Context, tx pgx.Tx, s *models.UserSeed) error
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Issued is the seed material of one round.
type Issued struct {
	ServerSeed     string
	ServerSeedHash string
	ClientSeed     string
	Nonce          int64
}

// Serializer runs fn while holding the user's action lock.
type Serializer interface {
	Do(ctx context.Context, family string, userID uuid.UUID, class guard.Class, fn func(ctx context.Context) error) error
}

type Manager struct {
	pool  TxBeginner
	store Store
	guard Serializer
	now   func() time.Time
}

func NewManager(pool TxBeginner, store Store) *Manager {
	return &Manager{pool: pool, store: store, now: time.Now}
}

// WithGuard makes client seed rotation wait for the user's in-flight rounds.
func (m *Manager) WithGuard(g Serializer) *Manager {
	m.guard = g
	return m
}

// Issue reserves the next nonce for userID and generates the round's server
// seed. A non-empty clientSeed replaces the stored one. Call within the
// transaction that persists the round so a rollback releases the nonce.
func (m *Manager) Issue(ctx context.Context, tx pgx.Tx, userID uuid.UUID, clientSeed string) (*Issued, error) {
	if clientSeed != "" {
		if err := ValidateClientSeed(clientSeed); err != nil {
			return nil, err
		}
	}
	s, err := m.lock(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if clientSeed != "" {
		s.ClientSeed = clientSeed
	}
	nonce := s.NextNonce
	s.NextNonce++
	s.UpdatedAt = m.now().UTC()
	if err := m.store.Save(ctx, tx, s); err != nil {
		return nil, fmt.Errorf("save user seed: %w", err)
	}

	serverSeed, err := fairness.NewServerSeed()
	if err != nil {
		return nil, fmt.Errorf("generate server seed: %w", err)
	}
	return &Issued{
		ServerSeed:     serverSeed,
		ServerSeedHash: fairness.Commitment(serverSeed),
		ClientSeed:     s.ClientSeed,
		Nonce:          nonce,
	}, nil
}

// RotateClientSeed replaces the user's client seed. An empty seed is replaced
// by a random one. The nonce keeps counting.
func (m *Manager) RotateClientSeed(ctx context.Context, userID uuid.UUID, clientSeed string) (*models.UserSeed, error) {
	if clientSeed == "" {
		generated, err := fairness.NewClientSeed()
		if err != nil {
			return nil, fmt.Errorf("generate client seed: %w", err)
		}
		clientSeed = generated
	} else if err := ValidateClientSeed(clientSeed); err != nil {
		return nil, err
	}
	if m.guard == nil {
		return m.rotate(ctx, userID, clientSeed)
	}

	var s *models.UserSeed
	err := m.guard.Do(ctx, models.GameMines, userID, guard.ClassFast, func(ctx context.Context) error {
		var err error
		s, err = m.rotate(ctx, userID, clientSeed)
		return err
	})
	switch {
	case errors.Is(err, guard.ErrRateLimited):
		return nil, apperr.Wrap(apperr.KindRateLimited, "too many actions, slow down", err)
	case errors.Is(err, guard.ErrLockContention):
		return nil, apperr.Wrap(apperr.KindLockContention, "another action is in progress, retry shortly", err)
	case err != nil:
		return nil, err
	}
	return s, nil
}

func (m *Manager) rotate(ctx context.Context, userID uuid.UUID, clientSeed string) (*models.UserSeed, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	s, err := m.lock(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	s.ClientSeed = clientSeed
	s.UpdatedAt = m.now().UTC()
	if err := m.store.Save(ctx, tx, s); err != nil {
		return nil, fmt.Errorf("save user seed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the client seed and the nonce the next round will use,
// creating the record on first access.
func (m *Manager) Current(ctx context.Context, userID uuid.UUID) (*models.UserSeed, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	s, err := m.lock(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) lock(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.UserSeed, error) {
	initial, err := fairness.NewClientSeed()
	if err != nil {
		return nil, fmt.Errorf("generate client seed: %w", err)
	}
	s, err := m.store.GetForUpdate(ctx, tx, userID, initial)
	if err != nil {
		return nil, fmt.Errorf("lock user seed: %w", err)
	}
	return s, nil
}

package seeds

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/wagering/internal/apperr"
	"github.com/inaiurai/wagering/internal/fairness"
	"github.com/inaiurai/wagering/internal/guard"
	"github.com/inaiurai/wagering/internal/models"
	"github.com/inaiurai/wagering/internal/pgtest"
)

type memStore struct {
	mu    sync.Mutex
	seeds map[uuid.UUID]models.UserSeed
}

func newMemStore() *memStore { return &memStore{seeds: make(map[uuid.UUID]models.UserSeed)} }

func (m *memStore) GetForUpdate(_ context.Context, tx pgx.Tx, userID uuid.UUID, clientSeed string) (*models.UserSeed, error) {
	m.mu.Lock()
	s, ok := m.seeds[userID]
	m.mu.Unlock()
	if !ok {
		s = models.UserSeed{UserID: userID, ClientSeed: clientSeed}
		pgtest.Stage(tx, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, exists := m.seeds[userID]; !exists {
				m.seeds[userID] = s
			}
		})
	}
	return &s, nil
}

func (m *memStore) Save(_ context.Context, tx pgx.Tx, s *models.UserSeed) error {
	cp := *s
	pgtest.Stage(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.seeds[cp.UserID] = cp
	})
	return nil
}

func (m *memStore) get(userID uuid.UUID) (models.UserSeed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.seeds[userID]
	return s, ok
}

func TestIssue_IncrementsNonceAndCommits(t *testing.T) {
	store := newMemStore()
	m := NewManager(&pgtest.Pool{}, store)
	ctx := context.Background()
	user := uuid.New()

	var prev int64 = -1
	for i := 0; i < 3; i++ {
		tx := &pgtest.Tx{}
		got, err := m.Issue(ctx, tx, user, "")
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if got.Nonce <= prev {
			t.Fatalf("nonce not increasing: %d after %d", got.Nonce, prev)
		}
		prev = got.Nonce
		if !fairness.VerifyCommitment(got.ServerSeed, got.ServerSeedHash) {
			t.Error("commitment does not match server seed")
		}
		if len(got.ServerSeed) != 2*fairness.ServerSeedBytes {
			t.Errorf("server seed length: %d", len(got.ServerSeed))
		}
	}
	s, _ := store.get(user)
	if s.NextNonce != 3 {
		t.Errorf("next nonce: got %d, want 3", s.NextNonce)
	}
}

func TestIssue_FreshServerSeedPerRound(t *testing.T) {
	m := NewManager(&pgtest.Pool{}, newMemStore())
	user := uuid.New()
	a, _ := m.Issue(context.Background(), nil, user, "")
	b, _ := m.Issue(context.Background(), nil, user, "")
	if a.ServerSeed == b.ServerSeed {
		t.Error("server seeds must not be reused across rounds")
	}
}

func TestIssue_RollbackReleasesNonce(t *testing.T) {
	store := newMemStore()
	m := NewManager(&pgtest.Pool{}, store)
	ctx := context.Background()
	user := uuid.New()

	tx := &pgtest.Tx{}
	first, _ := m.Issue(ctx, tx, user, "abc")
	_ = tx.Rollback(ctx)

	second, err := m.Issue(ctx, nil, user, "abc")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if second.Nonce != first.Nonce {
		t.Errorf("rolled back nonce should be reissued: got %d, want %d", second.Nonce, first.Nonce)
	}
}

func TestIssue_SuppliedClientSeedIsStored(t *testing.T) {
	store := newMemStore()
	m := NewManager(&pgtest.Pool{}, store)
	user := uuid.New()

	got, err := m.Issue(context.Background(), nil, user, "my-lucky_seed")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if got.ClientSeed != "my-lucky_seed" {
		t.Errorf("client seed: %q", got.ClientSeed)
	}
	// Later rounds without a seed keep using it.
	next, _ := m.Issue(context.Background(), nil, user, "")
	if next.ClientSeed != "my-lucky_seed" {
		t.Errorf("stored client seed not reused: %q", next.ClientSeed)
	}
}

func TestIssue_RejectsBadClientSeed(t *testing.T) {
	m := NewManager(&pgtest.Pool{}, newMemStore())
	for _, seed := range []string{"has space", "a:b", strings.Repeat("x", MaxClientSeedLen+1)} {
		if _, err := m.Issue(context.Background(), nil, uuid.New(), seed); !errors.Is(err, apperr.Validation) {
			t.Errorf("Issue(%q): got %v, want validation error", seed, err)
		}
	}
}

func TestRotateClientSeed(t *testing.T) {
	store := newMemStore()
	pool := &pgtest.Pool{}
	m := NewManager(pool, store)
	ctx := context.Background()
	user := uuid.New()

	_, _ = m.Issue(ctx, nil, user, "first")
	s, err := m.RotateClientSeed(ctx, user, "second")
	if err != nil {
		t.Fatalf("RotateClientSeed: %v", err)
	}
	if s.ClientSeed != "second" || s.NextNonce != 1 {
		t.Errorf("rotated seed: %+v", s)
	}
	if !pool.Last().Committed() {
		t.Error("rotation not committed")
	}

	s, err = m.RotateClientSeed(ctx, user, "")
	if err != nil {
		t.Fatalf("RotateClientSeed(empty): %v", err)
	}
	if s.ClientSeed == "" || s.ClientSeed == "second" {
		t.Errorf("empty rotation should generate a seed, got %q", s.ClientSeed)
	}
}

type recordingSerializer struct {
	classes []guard.Class
	err     error
}

func (r *recordingSerializer) Do(ctx context.Context, _ string, _ uuid.UUID, class guard.Class, fn func(context.Context) error) error {
	r.classes = append(r.classes, class)
	if r.err != nil {
		return r.err
	}
	return fn(ctx)
}

func TestRotateClientSeed_TakesFastUserLock(t *testing.T) {
	store := newMemStore()
	g := &recordingSerializer{}
	m := NewManager(&pgtest.Pool{}, store).WithGuard(g)
	user := uuid.New()

	if _, err := m.RotateClientSeed(context.Background(), user, "locked"); err != nil {
		t.Fatalf("RotateClientSeed: %v", err)
	}
	if len(g.classes) != 1 || g.classes[0] != guard.ClassFast {
		t.Errorf("lock classes: %v", g.classes)
	}
	if s, _ := store.get(user); s.ClientSeed != "locked" {
		t.Errorf("stored seed: %q", s.ClientSeed)
	}

	g.err = guard.ErrLockContention
	_, err := m.RotateClientSeed(context.Background(), user, "busy")
	if apperr.KindOf(err) != apperr.KindLockContention {
		t.Errorf("contention: got %v", err)
	}
	g.err = guard.ErrRateLimited
	_, err = m.RotateClientSeed(context.Background(), user, "busy")
	if apperr.KindOf(err) != apperr.KindRateLimited {
		t.Errorf("rate limit: got %v", err)
	}
	if s, _ := store.get(user); s.ClientSeed != "locked" {
		t.Errorf("rejected rotation changed the seed to %q", s.ClientSeed)
	}
}

func TestCurrent_CreatesOnFirstAccess(t *testing.T) {
	store := newMemStore()
	m := NewManager(&pgtest.Pool{}, store)
	user := uuid.New()

	s, err := m.Current(context.Background(), user)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if s.ClientSeed == "" || s.NextNonce != 0 {
		t.Errorf("initial seed: %+v", s)
	}
	stored, ok := store.get(user)
	if !ok || stored.ClientSeed != s.ClientSeed {
		t.Error("initial seed should be persisted")
	}
}

// Package ledger is the only writer of wallet balances.
//
// Every mutation is an append-only entry keyed by (Kind, OperationID) plus an
// update of the wallet row, applied in one Postgres transaction with the
// wallet rows locked. Replaying an operation id returns the recorded entry
// instead of applying it again.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/wagering/internal/metrics"
	"github.com/inaiurai/wagering/internal/models"
)

// ReasonInsufficientFunds is the Result.Reason of a rejected debit.
const ReasonInsufficientFunds = "insufficient_funds"

var (
	// ErrInsufficientFunds is returned when a debit would drive a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidLeg is returned for malformed legs; nothing is written.
	ErrInvalidLeg = errors.New("invalid ledger leg")
	// ErrTimeout is returned when a ledger transaction exceeds its time bound.
	ErrTimeout = errors.New("ledger operation timed out")
)

// Leg is one balance mutation of an operation.
type Leg struct {
	UserID      uuid.UUID
	Asset       string
	Kind        string
	OperationID string
	// Amount is a non-negative magnitude; BET debits it, WIN, REFUND and
	// DEPOSIT credit it. CORRECTION applies it as a signed delta.
	Amount    decimal.Decimal
	HouseEdge *decimal.Decimal
	RoundID   *uuid.UUID
	Reason    string
}

// Delta returns the signed balance change of the leg.
func (l Leg) Delta() decimal.Decimal {
	if l.Kind == models.EntryKindBet {
		return l.Amount.Neg()
	}
	return l.Amount
}

func (l Leg) validate() error {
	if l.UserID == uuid.Nil || l.Asset == "" || l.OperationID == "" {
		return fmt.Errorf("%w: user, asset and operation id are required", ErrInvalidLeg)
	}
	switch l.Kind {
	case models.EntryKindBet, models.EntryKindWin, models.EntryKindRefund, models.EntryKindDeposit:
		if l.Amount.IsNegative() {
			return fmt.Errorf("%w: %s amount must not be negative", ErrInvalidLeg, l.Kind)
		}
	case models.EntryKindCorrection:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidLeg, l.Kind)
	}
	return nil
}

// Result reports the outcome of an Apply.
type Result struct {
	Success bool
	// NewBalance is the balance of the first leg's wallet after the operation.
	NewBalance decimal.Decimal
	Reason     string
	// Replayed is set when every leg had already been applied earlier.
	Replayed bool
	Entries  []models.LedgerEntry
}

// Store is the transactional persistence the ledger writes through.
type Store interface {
	// LockWallet creates the wallet row when missing and locks it FOR UPDATE.
	LockWallet(ctx context.Context, tx pgx.Tx, userID uuid.UUID, asset string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, asset string, balance decimal.Decimal) error
	// EntryByOperation returns nil when no entry exists for the key.
	EntryByOperation(ctx context.Context, tx pgx.Tx, kind, operationID string) (*models.LedgerEntry, error)
	InsertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
}

// Reader answers balance queries outside of any transaction.
type Reader interface {
	Balance(ctx context.Context, userID uuid.UUID, asset string) (decimal.Decimal, error)
	SumSince(ctx context.Context, userID uuid.UUID, asset, kind string, since time.Time) (decimal.Decimal, error)
	Entries(ctx context.Context, userID uuid.UUID, asset string, limit int) ([]models.LedgerEntry, error)
}

// Repo is a Store that can also answer queries.
type Repo interface {
	Store
	Reader
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger applies multi-leg operations atomically.
type Ledger struct {
	pool    TxBeginner
	repo    Repo
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Ledger. A zero timeout disables the time bound.
func New(pool TxBeginner, repo Repo, timeout time.Duration, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{pool: pool, repo: repo, timeout: timeout, logger: logger, now: time.Now}
}

// Timeout returns the per-operation time bound.
func (l *Ledger) Timeout() time.Duration { return l.timeout }

// Apply runs legs in a transaction of its own.
func (l *Ledger) Apply(ctx context.Context, legs ...Leg) (*Result, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, l.timeoutErr(ctx, fmt.Errorf("begin ledger tx: %w", err))
	}
	defer tx.Rollback(ctx)

	res, err := l.ApplyTx(ctx, tx, legs...)
	if err != nil {
		return res, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, l.timeoutErr(ctx, fmt.Errorf("commit ledger tx: %w", err))
	}
	return res, nil
}

// ApplyTx runs legs inside the caller's transaction. On any error the caller
// must roll back; on ErrInsufficientFunds nothing has been written and the
// returned Result carries the reason.
func (l *Ledger) ApplyTx(ctx context.Context, tx pgx.Tx, legs ...Leg) (*Result, error) {
	if len(legs) == 0 {
		return nil, fmt.Errorf("%w: no legs", ErrInvalidLeg)
	}
	for _, leg := range legs {
		if err := leg.validate(); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	defer func() { metrics.LedgerApplyDuration.Observe(time.Since(start).Seconds()) }()

	// Lock every wallet once, in a fixed order, before reading entries.
	balances := make(map[walletKey]decimal.Decimal)
	for _, k := range sortedKeys(legs) {
		bal, err := l.repo.LockWallet(ctx, tx, k.userID, k.asset)
		if err != nil {
			return nil, l.timeoutErr(ctx, fmt.Errorf("lock wallet %s/%s: %w", k.userID, k.asset, err))
		}
		balances[k] = bal
	}

	res := &Result{Success: true, Replayed: true}
	pending := make([]*models.LedgerEntry, 0, len(legs))
	now := l.now().UTC()
	for _, leg := range legs {
		existing, err := l.repo.EntryByOperation(ctx, tx, leg.Kind, leg.OperationID)
		if err != nil {
			return nil, l.timeoutErr(ctx, fmt.Errorf("lookup operation %s/%s: %w", leg.Kind, leg.OperationID, err))
		}
		if existing != nil {
			res.Entries = append(res.Entries, *existing)
			continue
		}
		res.Replayed = false

		k := walletKey{leg.UserID, leg.Asset}
		after := balances[k].Add(leg.Delta())
		if after.IsNegative() && leg.Kind != models.EntryKindCorrection {
			metrics.LedgerApplies.WithLabelValues(leg.Kind, "insufficient_funds").Inc()
			return &Result{Success: false, NewBalance: balances[k], Reason: ReasonInsufficientFunds}, ErrInsufficientFunds
		}
		balances[k] = after
		pending = append(pending, &models.LedgerEntry{
			ID:           uuid.New(),
			OperationID:  leg.OperationID,
			UserID:       leg.UserID,
			Asset:        leg.Asset,
			Kind:         leg.Kind,
			Amount:       leg.Delta(),
			BalanceAfter: after,
			HouseEdge:    leg.HouseEdge,
			RoundID:      leg.RoundID,
			Reason:       leg.Reason,
			Status:       models.EntryStatusConfirmed,
			CreatedAt:    now,
		})
	}

	touched := make(map[walletKey]bool)
	for _, e := range pending {
		if err := l.repo.InsertEntry(ctx, tx, e); err != nil {
			return nil, l.timeoutErr(ctx, fmt.Errorf("insert %s entry %s: %w", e.Kind, e.OperationID, err))
		}
		touched[walletKey{e.UserID, e.Asset}] = true
		res.Entries = append(res.Entries, *e)
	}
	for _, k := range sortedKeys(legs) {
		if !touched[k] {
			continue
		}
		if err := l.repo.SetBalance(ctx, tx, k.userID, k.asset, balances[k]); err != nil {
			return nil, l.timeoutErr(ctx, fmt.Errorf("update wallet %s/%s: %w", k.userID, k.asset, err))
		}
	}

	for _, e := range pending {
		metrics.LedgerApplies.WithLabelValues(e.Kind, "applied").Inc()
	}
	if res.Replayed {
		for _, leg := range legs {
			metrics.LedgerApplies.WithLabelValues(leg.Kind, "replayed").Inc()
		}
		l.logger.Info("ledger operation replayed", "operation_id", legs[0].OperationID, "kind", legs[0].Kind)
	}
	res.NewBalance = balances[walletKey{legs[0].UserID, legs[0].Asset}]
	if res.Replayed {
		res.NewBalance = recordedBalance(res.Entries, legs[0].UserID, legs[0].Asset)
	}
	return res, nil
}

// recordedBalance is the balance after the last of entries on the given wallet.
func recordedBalance(entries []models.LedgerEntry, userID uuid.UUID, asset string) decimal.Decimal {
	bal := decimal.Zero
	for _, e := range entries {
		if e.UserID == userID && e.Asset == asset {
			bal = e.BalanceAfter
		}
	}
	return bal
}

// Balance returns the current balance; a missing wallet has balance zero.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID, asset string) (decimal.Decimal, error) {
	return l.repo.Balance(ctx, userID, asset)
}

// SumSince returns the absolute total of confirmed entries of kind since t.
func (l *Ledger) SumSince(ctx context.Context, userID uuid.UUID, asset, kind string, since time.Time) (decimal.Decimal, error) {
	sum, err := l.repo.SumSince(ctx, userID, asset, kind, since)
	if err != nil {
		return decimal.Zero, err
	}
	return sum.Abs(), nil
}

// Entries returns the newest entries first.
func (l *Ledger) Entries(ctx context.Context, userID uuid.UUID, asset string, limit int) ([]models.LedgerEntry, error) {
	return l.repo.Entries(ctx, userID, asset, limit)
}

func (l *Ledger) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.timeout)
}

func (l *Ledger) timeoutErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

type walletKey struct {
	userID uuid.UUID
	asset  string
}

// sortedKeys returns the distinct wallets of legs ordered by user then asset.
func sortedKeys(legs []Leg) []walletKey {
	seen := make(map[walletKey]bool, len(legs))
	keys := make([]walletKey, 0, len(legs))
	for _, leg := range legs {
		k := walletKey{leg.UserID, leg.Asset}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].userID != keys[j].userID {
			return keys[i].userID.String() < keys[j].userID.String()
		}
		return keys[i].asset < keys[j].asset
	})
	return keys
}

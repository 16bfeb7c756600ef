package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/wagering/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Repo = (*Repository)(nil)

// LockWallet creates the wallet row on first use, then locks it. Call within a transaction.
func (r *Repository) LockWallet(ctx context.Context, tx pgx.Tx, userID uuid.UUID, asset string) (decimal.Decimal, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (user_id, asset, balance)
		VALUES ($1, $2, 0)
		ON CONFLICT (user_id, asset) DO NOTHING
	`, userID, asset)
	if err != nil {
		return decimal.Zero, err
	}
	var balance decimal.Decimal
	err = tx.QueryRow(ctx, `
		SELECT balance FROM wallets WHERE user_id = $1 AND asset = $2 FOR UPDATE
	`, userID, asset).Scan(&balance)
	return balance, err
}

// SetBalance writes the balance of a wallet locked by LockWallet in the same tx.
func (r *Repository) SetBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, asset string, balance decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		UPDATE wallets SET balance = $3, updated_at = now() WHERE user_id = $1 AND asset = $2
	`, userID, asset, balance)
	return err
}

const entryColumns = `id, operation_id, user_id, asset, kind, amount, balance_after, house_edge, round_id, reason, status, created_at`

func scanEntry(row pgx.Row, e *models.LedgerEntry) error {
	return row.Scan(&e.ID, &e.OperationID, &e.UserID, &e.Asset, &e.Kind, &e.Amount, &e.BalanceAfter,
		&e.HouseEdge, &e.RoundID, &e.Reason, &e.Status, &e.CreatedAt)
}

func (r *Repository) EntryByOperation(ctx context.Context, tx pgx.Tx, kind, operationID string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := scanEntry(tx.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE kind = $1 AND operation_id = $2
	`, kind, operationID), &e)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertEntry appends an entry inside the given transaction.
func (r *Repository) InsertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.OperationID, e.UserID, e.Asset, e.Kind, e.Amount, e.BalanceAfter,
		e.HouseEdge, e.RoundID, e.Reason, e.Status, e.CreatedAt)
	return err
}

func (r *Repository) Balance(ctx context.Context, userID uuid.UUID, asset string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT balance FROM wallets WHERE user_id = $1 AND asset = $2
	`, userID, asset).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	return balance, err
}

// SumSince totals confirmed entries of one kind created at or after since.
func (r *Repository) SumSince(ctx context.Context, userID uuid.UUID, asset, kind string, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
		WHERE user_id = $1 AND asset = $2 AND kind = $3 AND status = $4 AND created_at >= $5
	`, userID, asset, kind, models.EntryStatusConfirmed, since).Scan(&sum)
	return sum, err
}

func (r *Repository) Entries(ctx context.Context, userID uuid.UUID, asset string, limit int) ([]models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = $1 AND asset = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, userID, asset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := scanEntry(rows, &e); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// Package history stores the bet history of terminal rounds.
package history

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/wagering/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record inserts a history row. Recording the same round twice is a no-op,
// so job retries are safe.
func (r *Repository) Record(ctx context.Context, b models.BetRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO bet_history (round_id, user_id, session_id, game, asset, bet_amount, payout, multiplier,
			hazard_count, revealed, status, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (round_id) DO NOTHING
	`, b.RoundID, b.UserID, b.SessionID, b.Game, b.Asset, b.BetAmount, b.Payout, b.Multiplier,
		b.HazardCount, b.Revealed, b.Status, b.SettledAt)
	return err
}

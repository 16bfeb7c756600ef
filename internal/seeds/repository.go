package seeds

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/wagering/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetForUpdate inserts the row on first use, then locks it. Call within a transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, clientSeed string) (*models.UserSeed, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_seeds (user_id, client_seed, next_nonce)
		VALUES ($1, $2, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, clientSeed)
	if err != nil {
		return nil, err
	}
	var s models.UserSeed
	err = tx.QueryRow(ctx, `
		SELECT user_id, client_seed, next_nonce, updated_at FROM user_seeds WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&s.UserID, &s.ClientSeed, &s.NextNonce, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) Save(ctx context.Context, tx pgx.Tx, s *models.UserSeed) error {
	_, err := tx.Exec(ctx, `
		UPDATE user_seeds SET client_seed = $2, next_nonce = $3, updated_at = $4 WHERE user_id = $1
	`, s.UserID, s.ClientSeed, s.NextNonce, s.UpdatedAt)
	return err
}

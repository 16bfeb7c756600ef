// Package users answers whether an account may play. Account management
// itself lives outside this service; only the status columns are read.
package users

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/wagering/internal/apperr"
)

// Directory reads the users table.
type Directory struct {
	pool *pgxpool.Pool
}

func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// CheckPlayable returns a NotFound error for unknown users and a Validation
// error for suspended ones.
func (d *Directory) CheckPlayable(ctx context.Context, userID uuid.UUID) error {
	var banned bool
	err := d.pool.QueryRow(ctx, `SELECT banned FROM users WHERE id = $1`, userID).Scan(&banned)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.New(apperr.KindNotFound, "user not found")
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "user lookup failed", err)
	}
	if banned {
		return apperr.New(apperr.KindValidation, "account is suspended")
	}
	return nil
}

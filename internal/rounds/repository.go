package rounds

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/wagering/internal/apperr"
	"github.com/inaiurai/wagering/internal/models"
)

var (
	ErrRoundNotFound   = errors.New("round not found")
	ErrVersionConflict = errors.New("round was modified concurrently")
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const roundColumns = `id, user_id, session_id, asset, bet_amount, hazard_count, house_edge,
	server_seed, server_seed_hash, client_seed, nonce, bet_operation_id, hazards, revealed,
	multiplier, potential_payout, final_payout, status, version, created_at, updated_at, settled_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanRound(row pgx.Row) (*models.Round, error) {
	var r models.Round
	var hazards, revealed []int32
	err := row.Scan(
		&r.ID, &r.UserID, &r.SessionID, &r.Asset, &r.BetAmount, &r.HazardCount, &r.HouseEdge,
		&r.ServerSeed, &r.ServerSeedHash, &r.ClientSeed, &r.Nonce, &r.BetOperationID, &hazards, &revealed,
		&r.Multiplier, &r.PotentialPayout, &r.FinalPayout, &r.Status, &r.Version, &r.CreatedAt, &r.UpdatedAt, &r.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	r.Hazards = toInts(hazards)
	r.Revealed = toInts(revealed)
	return &r, nil
}

func toInts(v []int32) []int {
	out := make([]int, len(v))
	for i, n := range v {
		out[i] = int(n)
	}
	return out
}

func toInt32s(v []int) []int32 {
	out := make([]int32, len(v))
	for i, n := range v {
		out[i] = int32(n)
	}
	return out
}

// Insert stores a new round. The partial unique index on ACTIVE rounds turns a
// concurrent second start into AlreadyActive.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rd *models.Round) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO rounds (`+roundColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`, rd.ID, rd.UserID, rd.SessionID, rd.Asset, rd.BetAmount, rd.HazardCount, rd.HouseEdge,
		rd.ServerSeed, rd.ServerSeedHash, rd.ClientSeed, rd.Nonce, rd.BetOperationID, toInt32s(rd.Hazards), toInt32s(rd.Revealed),
		rd.Multiplier, rd.PotentialPayout, rd.FinalPayout, rd.Status, rd.Version, rd.CreatedAt, rd.UpdatedAt, rd.SettledAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperr.Wrap(apperr.KindAlreadyActive, "finish the active round first", err)
	}
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, tx pgx.Tx, rd *models.Round, prevVersion int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE rounds
		SET revealed = $3, multiplier = $4, potential_payout = $5, final_payout = $6,
		    status = $7, version = $8, updated_at = $9, settled_at = $10
		WHERE id = $1 AND version = $2
	`, rd.ID, prevVersion, toInt32s(rd.Revealed), rd.Multiplier, rd.PotentialPayout, rd.FinalPayout,
		rd.Status, rd.Version, rd.UpdatedAt, rd.SettledAt)
	if err != nil {
		return fmt.Errorf("update round: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Round, error) {
	rd, err := scanRound(tx.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoundNotFound
	}
	return rd, err
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	rd, err := scanRound(r.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoundNotFound
	}
	return rd, err
}

func (r *Repository) Active(ctx context.Context, userID uuid.UUID) (*models.Round, error) {
	rd, err := scanRound(r.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE user_id = $1 AND status = $2`, userID, models.RoundStatusActive))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rd, err
}

func (r *Repository) ByBetOperation(ctx context.Context, userID uuid.UUID, operationID string) (*models.Round, error) {
	rd, err := scanRound(r.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE user_id = $1 AND bet_operation_id = $2`, userID, operationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rd, err
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Round, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+roundColumns+` FROM rounds WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Round
	for rows.Next() {
		rd, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rd)
	}
	return list, rows.Err()
}

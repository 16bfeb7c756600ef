package rounds

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/wagering/internal/models"
)

// RoundView is what players see of a round. Hazard positions and the server
// seed stay hidden while the round is ACTIVE.
type RoundView struct {
	ID              uuid.UUID        `json:"id"`
	SessionID       uuid.UUID        `json:"session_id"`
	Asset           string           `json:"asset"`
	BetAmount       decimal.Decimal  `json:"bet_amount"`
	HazardCount     int              `json:"hazard_count"`
	GridSize        int              `json:"grid_size"`
	HouseEdge       decimal.Decimal  `json:"house_edge"`
	Revealed        []int            `json:"revealed"`
	Hazards         []int            `json:"hazards,omitempty"`
	Multiplier      decimal.Decimal  `json:"multiplier"`
	PotentialPayout decimal.Decimal  `json:"potential_payout"`
	FinalPayout     *decimal.Decimal `json:"final_payout,omitempty"`
	Status          string           `json:"status"`
	ServerSeedHash  string           `json:"server_seed_hash"`
	ServerSeed      string           `json:"server_seed,omitempty"`
	ClientSeed      string           `json:"client_seed"`
	Nonce           int64            `json:"nonce"`
	Version         int              `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	SettledAt       *time.Time       `json:"settled_at,omitempty"`
}

// NewView projects r for its owner.
func NewView(r *models.Round, gridSize int) *RoundView {
	v := &RoundView{
		ID:              r.ID,
		SessionID:       r.SessionID,
		Asset:           r.Asset,
		BetAmount:       r.BetAmount,
		HazardCount:     r.HazardCount,
		GridSize:        gridSize,
		HouseEdge:       r.HouseEdge,
		Revealed:        append([]int{}, r.Revealed...),
		Multiplier:      r.Multiplier,
		PotentialPayout: r.PotentialPayout,
		FinalPayout:     r.FinalPayout,
		Status:          r.Status,
		ServerSeedHash:  r.ServerSeedHash,
		ClientSeed:      r.ClientSeed,
		Nonce:           r.Nonce,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		SettledAt:       r.SettledAt,
	}
	if r.IsTerminal() {
		v.Hazards = append([]int{}, r.Hazards...)
		v.ServerSeed = r.ServerSeed
	}
	return v
}

// SeedVerification lets a player replay the hazard placement of a finished round.
type SeedVerification struct {
	RoundID    uuid.UUID `json:"round_id"`
	ServerSeed string    `json:"server_seed"`
	ClientSeed string    `json:"client_seed"`
	Nonce      int64     `json:"nonce"`
	// Outcome is the stored hazard placement.
	Outcome []int `json:"outcome"`
	// RecomputedOutcome is derived again from the revealed seeds.
	RecomputedOutcome []int `json:"recomputed_outcome"`
	// Hash is the commitment published when the round started.
	Hash    string `json:"hash"`
	IsValid bool   `json:"is_valid"`
}

package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Round status enums.
const (
	RoundStatusActive    = "ACTIVE"
	RoundStatusCompleted = "COMPLETED"
	RoundStatusBusted    = "BUSTED"
	RoundStatusCancelled = "CANCELLED"
)

// GameMines is the game family of tile-reveal rounds.
const GameMines = "mines"

// Round is one mines wagering episode. Values are replaced as a whole on every
// transition; Version increases by one each time.
type Round struct {
	ID              uuid.UUID        `json:"id"`
	UserID          uuid.UUID        `json:"user_id"`
	SessionID       uuid.UUID        `json:"session_id"`
	Asset           string           `json:"asset"`
	BetAmount       decimal.Decimal  `json:"bet_amount"`
	HazardCount     int              `json:"hazard_count"`
	HouseEdge       decimal.Decimal  `json:"house_edge"`
	ServerSeed      string           `json:"-"`
	ServerSeedHash  string           `json:"server_seed_hash"`
	ClientSeed      string           `json:"client_seed"`
	Nonce           int64            `json:"nonce"`
	BetOperationID  string           `json:"-"`
	Hazards         []int            `json:"-"`
	Revealed        []int            `json:"revealed"`
	Multiplier      decimal.Decimal  `json:"multiplier"`
	PotentialPayout decimal.Decimal  `json:"potential_payout"`
	FinalPayout     *decimal.Decimal `json:"final_payout,omitempty"`
	Status          string           `json:"status"`
	Version         int              `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	SettledAt       *time.Time       `json:"settled_at,omitempty"`
}

// IsTerminal reports whether the round can no longer change.
func (r *Round) IsTerminal() bool {
	return IsTerminalStatus(r.Status)
}

func IsTerminalStatus(status string) bool {
	switch status {
	case RoundStatusCompleted, RoundStatusBusted, RoundStatusCancelled:
		return true
	}
	return false
}

// IsRevealed reports whether pos was already revealed.
func (r *Round) IsRevealed(pos int) bool {
	return slices.Contains(r.Revealed, pos)
}

// IsHazard reports whether pos holds a hazard.
func (r *Round) IsHazard(pos int) bool {
	return slices.Contains(r.Hazards, pos)
}

// Clone returns a deep copy so a transition never aliases the previous value.
func (r Round) Clone() Round {
	r.Hazards = slices.Clone(r.Hazards)
	r.Revealed = slices.Clone(r.Revealed)
	if r.FinalPayout != nil {
		p := *r.FinalPayout
		r.FinalPayout = &p
	}
	if r.SettledAt != nil {
		s := *r.SettledAt
		r.SettledAt = &s
	}
	return r
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BetRecord is the denormalized bet-history row of a terminal round.
type BetRecord struct {
	RoundID     uuid.UUID       `json:"round_id"`
	UserID      uuid.UUID       `json:"user_id"`
	SessionID   uuid.UUID       `json:"session_id"`
	Game        string          `json:"game"`
	Asset       string          `json:"asset"`
	BetAmount   decimal.Decimal `json:"bet_amount"`
	Payout      decimal.Decimal `json:"payout"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	HazardCount int             `json:"hazard_count"`
	Revealed    int             `json:"revealed"`
	Status      string          `json:"status"`
	SettledAt   time.Time       `json:"settled_at"`
}

// BetRecordFor builds the history row of a terminal round.
func BetRecordFor(r *Round) BetRecord {
	payout := decimal.Zero
	if r.FinalPayout != nil {
		payout = *r.FinalPayout
	}
	settled := r.UpdatedAt
	if r.SettledAt != nil {
		settled = *r.SettledAt
	}
	return BetRecord{
		RoundID:     r.ID,
		UserID:      r.UserID,
		SessionID:   r.SessionID,
		Game:        GameMines,
		Asset:       r.Asset,
		BetAmount:   r.BetAmount,
		Payout:      payout,
		Multiplier:  r.Multiplier,
		HazardCount: r.HazardCount,
		Revealed:    len(r.Revealed),
		Status:      r.Status,
		SettledAt:   settled,
	}
}

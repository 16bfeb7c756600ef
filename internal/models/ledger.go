package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger entry kinds.
const (
	EntryKindBet        = "BET"
	EntryKindWin        = "WIN"
	EntryKindRefund     = "REFUND"
	EntryKindCorrection = "CORRECTION"
	EntryKindDeposit    = "DEPOSIT"
)

// Ledger entry statuses.
const (
	EntryStatusConfirmed = "CONFIRMED"
)

// LedgerEntry is one append-only balance mutation. (Kind, OperationID) is unique.
type LedgerEntry struct {
	ID           uuid.UUID        `json:"id"`
	OperationID  string           `json:"operation_id"`
	UserID       uuid.UUID        `json:"user_id"`
	Asset        string           `json:"asset"`
	Kind         string           `json:"kind"`
	Amount       decimal.Decimal  `json:"amount"` // signed delta
	BalanceAfter decimal.Decimal  `json:"balance_after"`
	HouseEdge    *decimal.Decimal `json:"house_edge,omitempty"`
	RoundID      *uuid.UUID       `json:"round_id,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Status       string           `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Wallet is the current balance of one asset for one user.
type Wallet struct {
	UserID    uuid.UUID       `json:"user_id"`
	Asset     string          `json:"asset"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

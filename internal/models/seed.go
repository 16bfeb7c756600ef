package models

import (
	"time"

	"github.com/google/uuid"
)

// UserSeed holds a user's client seed and the nonce the next round will use.
type UserSeed struct {
	UserID     uuid.UUID `json:"user_id"`
	ClientSeed string    `json:"client_seed"`
	NextNonce  int64     `json:"next_nonce"`
	UpdatedAt  time.Time `json:"updated_at"`
}

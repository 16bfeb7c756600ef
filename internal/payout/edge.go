package payout

import (
	"context"

	"github.com/shopspring/decimal"
)

// GameMines is the game identifier used for house-edge lookups.
const GameMines = "mines"

// EdgeSource resolves the house edge percentage for a game.
type EdgeSource interface {
	HouseEdge(ctx context.Context, gameID string) (decimal.Decimal, error)
}

// StaticEdges serves house edges from configuration.
type StaticEdges struct {
	Default decimal.Decimal
	PerGame map[string]decimal.Decimal
}

func (s StaticEdges) HouseEdge(_ context.Context, gameID string) (decimal.Decimal, error) {
	edge := s.Default
	if e, ok := s.PerGame[gameID]; ok {
		edge = e
	}
	if err := ValidateEdge(edge); err != nil {
		return decimal.Zero, err
	}
	return edge, nil
}

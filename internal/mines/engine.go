// Package mines implements the tile-reveal round state machine.
//
// The engine is pure: every operation takes a round value and returns a new
// one, leaving the input untouched. Persistence and funds movement belong to
// the caller, which uses the returned Settlement to decide whether a credit
// is owed.
package mines

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/wagering/internal/apperr"
	"github.com/inaiurai/wagering/internal/fairness"
	"github.com/inaiurai/wagering/internal/models"
	"github.com/inaiurai/wagering/internal/payout"
)

// Params are the immutable inputs of a new round.
type Params struct {
	RoundID        uuid.UUID
	UserID         uuid.UUID
	SessionID      uuid.UUID
	Asset          string
	BetAmount      decimal.Decimal
	HazardCount    int
	HouseEdge      decimal.Decimal
	ServerSeed     string
	ServerSeedHash string
	ClientSeed     string
	Nonce          int64
	BetOperationID string
	Now            time.Time
}

// Settlement describes the funds outcome of a transition.
type Settlement struct {
	// Settled is true when the round reached a terminal state.
	Settled bool
	// Payout is the amount to credit; zero for busted rounds.
	Payout decimal.Decimal
	// Capped is true when the maximum multiplier forced completion.
	Capped bool
}

// Engine applies game rules using a payout calculator.
type Engine struct {
	Calc payout.Calculator
}

func NewEngine(calc payout.Calculator) *Engine {
	return &Engine{Calc: calc}
}

// GridSize returns the number of cells on the board.
func (e *Engine) GridSize() int { return e.Calc.GridSize }

// ValidateStart checks start parameters that do not depend on stored state.
func (e *Engine) ValidateStart(bet decimal.Decimal, hazardCount int) error {
	if bet.IsNegative() {
		return apperr.New(apperr.KindValidation, "bet amount must not be negative")
	}
	if !bet.Equal(bet.RoundFloor(e.Calc.Scale)) {
		return apperr.Newf(apperr.KindValidation, "bet amount has more than %d decimal places", e.Calc.Scale)
	}
	if !e.Calc.ValidHazardCount(hazardCount) {
		return apperr.Newf(apperr.KindValidation, "hazard count must be between 1 and %d", e.Calc.GridSize-1)
	}
	return nil
}

// New places hazards and returns an ACTIVE round.
func (e *Engine) New(p Params) (models.Round, error) {
	if err := e.ValidateStart(p.BetAmount, p.HazardCount); err != nil {
		return models.Round{}, err
	}
	if p.Nonce < 0 {
		return models.Round{}, apperr.New(apperr.KindInternal, "negative nonce")
	}
	hazards, err := fairness.PlaceHazards(p.ServerSeed, p.ClientSeed, uint64(p.Nonce), e.Calc.GridSize, p.HazardCount)
	if err != nil {
		return models.Round{}, apperr.Wrap(apperr.KindInternal, "hazard placement failed", err)
	}
	return models.Round{
		ID:              p.RoundID,
		UserID:          p.UserID,
		SessionID:       p.SessionID,
		Asset:           p.Asset,
		BetAmount:       p.BetAmount,
		HazardCount:     p.HazardCount,
		HouseEdge:       p.HouseEdge,
		ServerSeed:      p.ServerSeed,
		ServerSeedHash:  p.ServerSeedHash,
		ClientSeed:      p.ClientSeed,
		Nonce:           p.Nonce,
		BetOperationID:  p.BetOperationID,
		Hazards:         hazards,
		Revealed:        []int{},
		Multiplier:      decimal.NewFromInt(1),
		PotentialPayout: p.BetAmount,
		Status:          models.RoundStatusActive,
		Version:         1,
		CreatedAt:       p.Now,
		UpdatedAt:       p.Now,
	}, nil
}

// Reveal uncovers pos. A hazard busts the round; the last safe cell or a
// multiplier above the maximum completes it.
func (e *Engine) Reveal(r models.Round, pos int, now time.Time) (models.Round, Settlement, error) {
	if r.Status != models.RoundStatusActive {
		return r, Settlement{}, apperr.Newf(apperr.KindInvalidState, "round is %s", r.Status)
	}
	if pos < 0 || pos >= e.Calc.GridSize {
		return r, Settlement{}, apperr.Newf(apperr.KindValidation, "position must be between 0 and %d", e.Calc.GridSize-1)
	}
	if r.IsRevealed(pos) {
		return r, Settlement{}, apperr.Newf(apperr.KindInvalidState, "cell %d already revealed", pos)
	}

	next := r.Clone()
	next.Revealed = append(next.Revealed, pos)
	next.Version++
	next.UpdatedAt = now

	if r.IsHazard(pos) {
		bust(&next, now)
		return next, Settlement{Settled: true, Payout: decimal.Zero}, nil
	}

	m, err := e.multiplier(next.HazardCount, len(next.Revealed), next.HouseEdge)
	if err != nil {
		return r, Settlement{}, err
	}
	capped, overCap := e.Calc.Cap(m)
	next.Multiplier = capped
	next.PotentialPayout = e.Calc.Payout(next.BetAmount, capped)

	if overCap || len(next.Revealed) == e.Calc.SafeTiles(next.HazardCount) {
		complete(&next, next.PotentialPayout, now)
		return next, Settlement{Settled: true, Payout: next.PotentialPayout, Capped: overCap}, nil
	}
	return next, Settlement{}, nil
}

// CashOut settles an ACTIVE round with at least one reveal. The multiplier is
// recomputed from the revealed count rather than read from the round.
func (e *Engine) CashOut(r models.Round, now time.Time) (models.Round, Settlement, error) {
	if r.Status != models.RoundStatusActive {
		return r, Settlement{}, apperr.Newf(apperr.KindInvalidState, "round is %s", r.Status)
	}
	if len(r.Revealed) == 0 {
		return r, Settlement{}, apperr.New(apperr.KindInvalidState, "reveal at least one cell before cashing out")
	}
	m, err := e.multiplier(r.HazardCount, len(r.Revealed), r.HouseEdge)
	if err != nil {
		return r, Settlement{}, err
	}
	m, overCap := e.Calc.Cap(m)

	next := r.Clone()
	next.Version++
	next.UpdatedAt = now
	next.Multiplier = m
	amount := e.Calc.Payout(next.BetAmount, m)
	next.PotentialPayout = amount
	complete(&next, amount, now)
	return next, Settlement{Settled: true, Payout: amount, Capped: overCap}, nil
}

// AutoPlay starts a round and reveals positions in order, stopping the game
// at the first hazard. All requested positions are recorded as revealed even
// when an earlier one was a hazard, so the player sees every pick's outcome.
// An empty pick list completes at exactly 1x with no edge.
func (e *Engine) AutoPlay(p Params, positions []int) (models.Round, Settlement, error) {
	if err := e.ValidatePositions(p.HazardCount, positions); err != nil {
		return models.Round{}, Settlement{}, err
	}
	r, err := e.New(p)
	if err != nil {
		return models.Round{}, Settlement{}, err
	}
	next := r.Clone()
	next.Revealed = append(next.Revealed, positions...)
	next.Version++

	for _, pos := range positions {
		if r.IsHazard(pos) {
			bust(&next, p.Now)
			return next, Settlement{Settled: true, Payout: decimal.Zero}, nil
		}
	}

	m, err := e.multiplier(next.HazardCount, len(positions), next.HouseEdge)
	if err != nil {
		return models.Round{}, Settlement{}, err
	}
	m, overCap := e.Calc.Cap(m)
	next.Multiplier = m
	amount := e.Calc.Payout(next.BetAmount, m)
	next.PotentialPayout = amount
	complete(&next, amount, p.Now)
	return next, Settlement{Settled: true, Payout: amount, Capped: overCap}, nil
}

// ValidatePositions checks an auto-play pick list.
func (e *Engine) ValidatePositions(hazardCount int, positions []int) error {
	if !e.Calc.ValidHazardCount(hazardCount) {
		return apperr.Newf(apperr.KindValidation, "hazard count must be between 1 and %d", e.Calc.GridSize-1)
	}
	if len(positions) > e.Calc.SafeTiles(hazardCount) {
		return apperr.Newf(apperr.KindValidation, "at most %d positions can be revealed with %d hazards", e.Calc.SafeTiles(hazardCount), hazardCount)
	}
	seen := make(map[int]struct{}, len(positions))
	for _, pos := range positions {
		if pos < 0 || pos >= e.Calc.GridSize {
			return apperr.Newf(apperr.KindValidation, "position must be between 0 and %d", e.Calc.GridSize-1)
		}
		if _, dup := seen[pos]; dup {
			return apperr.Newf(apperr.KindValidation, "position %d listed twice", pos)
		}
		seen[pos] = struct{}{}
	}
	return nil
}

func (e *Engine) multiplier(hazards, revealed int, edge decimal.Decimal) (decimal.Decimal, error) {
	m, err := e.Calc.Multiplier(hazards, revealed, edge)
	if err != nil {
		if errors.Is(err, payout.ErrInvalidInput) {
			return decimal.Zero, apperr.Wrap(apperr.KindInvalidState, "round has no cells left to reveal", err)
		}
		return decimal.Zero, apperr.Wrap(apperr.KindInternal, "payout computation failed", fmt.Errorf("multiplier: %w", err))
	}
	return m, nil
}

func bust(r *models.Round, now time.Time) {
	zero := decimal.Zero
	r.Status = models.RoundStatusBusted
	r.Multiplier = decimal.Zero
	r.PotentialPayout = decimal.Zero
	r.FinalPayout = &zero
	r.UpdatedAt = now
	r.SettledAt = &now
}

func complete(r *models.Round, amount decimal.Decimal, now time.Time) {
	r.Status = models.RoundStatusCompleted
	r.FinalPayout = &amount
	r.UpdatedAt = now
	r.SettledAt = &now
}

// Cancel marks a round that failed to start. It is never persisted as ACTIVE.
func Cancel(r models.Round, now time.Time) models.Round {
	next := r.Clone()
	zero := decimal.Zero
	next.Status = models.RoundStatusCancelled
	next.FinalPayout = &zero
	next.Version++
	next.UpdatedAt = now
	next.SettledAt = &now
	return next
}

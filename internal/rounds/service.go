// Package rounds exposes the public mines operations. Each mutating call is
// validated, serialized per user by the guard, and commits its balance
// change and round state in one transaction.
package rounds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/wagering/internal/apperr"
	"github.com/inaiurai/wagering/internal/events"
	"github.com/inaiurai/wagering/internal/fairness"
	"github.com/inaiurai/wagering/internal/guard"
	"github.com/inaiurai/wagering/internal/ledger"
	"github.com/inaiurai/wagering/internal/metrics"
	"github.com/inaiurai/wagering/internal/mines"
	"github.com/inaiurai/wagering/internal/models"
	"github.com/inaiurai/wagering/internal/payout"
	"github.com/inaiurai/wagering/internal/seeds"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	maxIdempotencyKey   = 128
	sideEffectTimeout   = 2 * time.Second
)

var assetPattern = regexp.MustCompile(`^[A-Z0-9]{2,12}$`)

// Store persists rounds.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, r *models.Round) error
	// Update replaces the round if its stored version is still prevVersion,
	// otherwise it returns ErrVersionConflict.
	Update(ctx context.Context, tx pgx.Tx, r *models.Round, prevVersion int) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Round, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Round, error)
	// Active returns nil when the user has no ACTIVE round.
	Active(ctx context.Context, userID uuid.UUID) (*models.Round, error)
	// ByBetOperation returns nil when no round was started with the operation id.
	ByBetOperation(ctx context.Context, userID uuid.UUID, operationID string) (*models.Round, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Round, error)
}

// Ledger is the balance ledger as used by rounds.
type Ledger interface {
	ApplyTx(ctx context.Context, tx pgx.Tx, legs ...ledger.Leg) (*ledger.Result, error)
	SumSince(ctx context.Context, userID uuid.UUID, asset, kind string, since time.Time) (decimal.Decimal, error)
	Timeout() time.Duration
}

// SeedIssuer hands out the provably-fair inputs of a new round.
type SeedIssuer interface {
	Issue(ctx context.Context, tx pgx.Tx, userID uuid.UUID, clientSeed string) (*seeds.Issued, error)
}

// UserDirectory tells whether a user may play.
type UserDirectory interface {
	CheckPlayable(ctx context.Context, userID uuid.UUID) error
}

// SideEffects schedules work that must not block or fail a settled round.
type SideEffects interface {
	SettlementEvent(ctx context.Context, e events.Event) error
	BetHistory(ctx context.Context, rec models.BetRecord) error
}

// Guard serializes a user's actions.
type Guard interface {
	Do(ctx context.Context, family string, userID uuid.UUID, class guard.Class, fn func(ctx context.Context) error) error
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Pool    TxBeginner
	Store   Store
	Ledger  Ledger
	Seeds   SeedIssuer
	Users   UserDirectory
	Edges   payout.EdgeSource
	Engine  *mines.Engine
	Guard   Guard
	Effects SideEffects
	Logger  *slog.Logger
	// DailyWagerLimit caps the BET total per user, asset and UTC day. Zero disables it.
	DailyWagerLimit decimal.Decimal
}

type Service struct {
	Deps
	now func() time.Time
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{Deps: d, now: time.Now}
}

// StartRequest opens a round.
type StartRequest struct {
	UserID      uuid.UUID
	Asset       string
	BetAmount   decimal.Decimal
	HazardCount int
	// ClientSeed replaces the stored client seed when set.
	ClientSeed string
	// IdempotencyKey makes retries of the same start return the original round.
	IdempotencyKey string
	SessionID      uuid.UUID
}

// AutoPlayRequest plays a whole round in one call.
type AutoPlayRequest struct {
	StartRequest
	Positions []int
}

// Start debits the bet and opens an ACTIVE round.
func (s *Service) Start(ctx context.Context, req StartRequest) (*RoundView, error) {
	req, err := s.validateStart(req)
	if err != nil {
		return nil, err
	}
	if err := s.Users.CheckPlayable(ctx, req.UserID); err != nil {
		return nil, s.fail(ctx, "start", err)
	}

	var view *RoundView
	err = s.Guard.Do(ctx, models.GameMines, req.UserID, guard.ClassLedger, func(ctx context.Context) error {
		if replay, err := s.replay(ctx, req); err != nil || replay != nil {
			view = replay
			return err
		}
		if active, err := s.Store.Active(ctx, req.UserID); err != nil {
			return fmt.Errorf("lookup active round: %w", err)
		} else if active != nil {
			return apperr.New(apperr.KindAlreadyActive, "finish the active round first")
		}
		if err := s.checkWagerLimit(ctx, req); err != nil {
			return err
		}

		r, err := s.open(ctx, req, func(p mines.Params) (models.Round, mines.Settlement, error) {
			r, err := s.Engine.New(p)
			return r, mines.Settlement{}, err
		})
		if err != nil {
			return err
		}
		view = NewView(r, s.Engine.GridSize())
		return nil
	})
	if err != nil {
		s.cancelled(ctx, err)
		return nil, s.fail(ctx, "start", err)
	}
	return view, nil
}

// Reveal uncovers a cell of the user's round.
func (s *Service) Reveal(ctx context.Context, userID, roundID uuid.UUID, position int) (*RoundView, error) {
	if position < 0 || position >= s.Engine.GridSize() {
		return nil, apperr.Newf(apperr.KindValidation, "position must be between 0 and %d", s.Engine.GridSize()-1)
	}
	return s.transition(ctx, "reveal", userID, roundID, guard.ClassLedger,
		func(r models.Round, now time.Time) (models.Round, mines.Settlement, error) {
			return s.Engine.Reveal(r, position, now)
		})
}

// CashOut settles the user's round at the current multiplier.
func (s *Service) CashOut(ctx context.Context, userID, roundID uuid.UUID) (*RoundView, error) {
	return s.transition(ctx, "cashout", userID, roundID, guard.ClassLedger, s.Engine.CashOut)
}

// AutoPlay starts a round, reveals positions in order and settles it, all in
// one transaction.
func (s *Service) AutoPlay(ctx context.Context, req AutoPlayRequest) (*RoundView, error) {
	start, err := s.validateStart(req.StartRequest)
	if err != nil {
		return nil, err
	}
	req.StartRequest = start
	if err := s.Engine.ValidatePositions(req.HazardCount, req.Positions); err != nil {
		return nil, err
	}
	if err := s.Users.CheckPlayable(ctx, req.UserID); err != nil {
		return nil, s.fail(ctx, "autoplay", err)
	}

	var view *RoundView
	err = s.Guard.Do(ctx, models.GameMines, req.UserID, guard.ClassLedger, func(ctx context.Context) error {
		if replay, err := s.replay(ctx, req.StartRequest); err != nil || replay != nil {
			view = replay
			return err
		}
		if active, err := s.Store.Active(ctx, req.UserID); err != nil {
			return fmt.Errorf("lookup active round: %w", err)
		} else if active != nil {
			return apperr.New(apperr.KindAlreadyActive, "finish the active round first")
		}
		if err := s.checkWagerLimit(ctx, req.StartRequest); err != nil {
			return err
		}

		r, err := s.open(ctx, req.StartRequest, func(p mines.Params) (models.Round, mines.Settlement, error) {
			return s.Engine.AutoPlay(p, req.Positions)
		})
		if err != nil {
			return err
		}
		view = NewView(r, s.Engine.GridSize())
		return nil
	})
	if err != nil {
		s.cancelled(ctx, err)
		return nil, s.fail(ctx, "autoplay", err)
	}
	return view, nil
}

// ActiveRound returns the user's ACTIVE round, or nil.
func (s *Service) ActiveRound(ctx context.Context, userID uuid.UUID) (*RoundView, error) {
	r, err := s.Store.Active(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, "active", err)
	}
	if r == nil {
		return nil, nil
	}
	return NewView(r, s.Engine.GridSize()), nil
}

// History returns the user's newest rounds. limit is clamped to [1,100];
// zero selects the default.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]RoundView, error) {
	switch {
	case limit == 0:
		limit = defaultHistoryLimit
	case limit < 1:
		limit = 1
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	list, err := s.Store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, s.fail(ctx, "history", err)
	}
	views := make([]RoundView, 0, len(list))
	for i := range list {
		views = append(views, *NewView(&list[i], s.Engine.GridSize()))
	}
	return views, nil
}

// VerifySeed recomputes the hazard placement of a finished round from its
// revealed seeds. ACTIVE rounds are rejected because their seed is secret.
func (s *Service) VerifySeed(ctx context.Context, roundID uuid.UUID) (*SeedVerification, error) {
	r, err := s.Store.Get(ctx, roundID)
	if err != nil {
		return nil, s.fail(ctx, "verify", err)
	}
	if !r.IsTerminal() {
		return nil, apperr.New(apperr.KindInvalidState, "server seed is revealed once the round has finished")
	}
	recomputed, err := fairness.PlaceHazards(r.ServerSeed, r.ClientSeed, uint64(r.Nonce), s.Engine.GridSize(), r.HazardCount)
	if err != nil {
		return nil, s.fail(ctx, "verify", apperr.Wrap(apperr.KindInternal, "hazard placement failed", err))
	}
	return &SeedVerification{
		RoundID:           r.ID,
		ServerSeed:        r.ServerSeed,
		ClientSeed:        r.ClientSeed,
		Nonce:             r.Nonce,
		Outcome:           append([]int{}, r.Hazards...),
		RecomputedOutcome: recomputed,
		Hash:              r.ServerSeedHash,
		IsValid:           slices.Equal(recomputed, r.Hazards) && fairness.VerifyCommitment(r.ServerSeed, r.ServerSeedHash),
	}, nil
}

// --- internals ---

func (s *Service) validateStart(req StartRequest) (StartRequest, error) {
	if req.UserID == uuid.Nil {
		return req, apperr.New(apperr.KindValidation, "user id is required")
	}
	req.Asset = strings.ToUpper(strings.TrimSpace(req.Asset))
	if !assetPattern.MatchString(req.Asset) {
		return req, apperr.New(apperr.KindValidation, "asset must be 2-12 letters or digits")
	}
	if err := s.Engine.ValidateStart(req.BetAmount, req.HazardCount); err != nil {
		return req, err
	}
	if req.ClientSeed != "" {
		if err := seeds.ValidateClientSeed(req.ClientSeed); err != nil {
			return req, err
		}
	}
	if len(req.IdempotencyKey) > maxIdempotencyKey {
		return req, apperr.Newf(apperr.KindValidation, "idempotency key longer than %d characters", maxIdempotencyKey)
	}
	if req.SessionID == uuid.Nil {
		req.SessionID = uuid.New()
	}
	return req, nil
}

func betOperationID(req StartRequest, roundID uuid.UUID) string {
	if req.IdempotencyKey != "" {
		return "mines:bet:" + req.UserID.String() + ":" + req.IdempotencyKey
	}
	return "mines:bet:" + roundID.String()
}

func winOperationID(roundID uuid.UUID) string {
	return "mines:win:" + roundID.String()
}

// replay returns the round an earlier call with the same idempotency key created.
func (s *Service) replay(ctx context.Context, req StartRequest) (*RoundView, error) {
	if req.IdempotencyKey == "" {
		return nil, nil
	}
	r, err := s.Store.ByBetOperation(ctx, req.UserID, betOperationID(req, uuid.Nil))
	if err != nil {
		return nil, fmt.Errorf("lookup idempotent start: %w", err)
	}
	if r == nil {
		return nil, nil
	}
	s.Logger.Info("start replayed", "round_id", r.ID, "user_id", req.UserID)
	return NewView(r, s.Engine.GridSize()), nil
}

func (s *Service) checkWagerLimit(ctx context.Context, req StartRequest) error {
	if !s.DailyWagerLimit.IsPositive() {
		return nil
	}
	now := s.now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	spent, err := s.Ledger.SumSince(ctx, req.UserID, req.Asset, models.EntryKindBet, day)
	if err != nil {
		return fmt.Errorf("daily wager total: %w", err)
	}
	if spent.Add(req.BetAmount).GreaterThan(s.DailyWagerLimit) {
		return apperr.Newf(apperr.KindValidation, "bet exceeds the daily wager limit of %s %s", s.DailyWagerLimit, req.Asset)
	}
	return nil
}

// open creates a round with build, debits the bet, credits any settlement and
// persists the round, all in one transaction.
func (s *Service) open(ctx context.Context, req StartRequest, build func(mines.Params) (models.Round, mines.Settlement, error)) (*models.Round, error) {
	edge, err := s.Edges.HouseEdge(ctx, models.GameMines)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "house edge lookup failed", err)
	}

	txCtx, cancel := s.txContext(ctx)
	defer cancel()
	tx, err := s.Pool.Begin(txCtx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(txCtx)

	issued, err := s.Seeds.Issue(txCtx, tx, req.UserID, req.ClientSeed)
	if err != nil {
		return nil, err
	}
	roundID := uuid.New()
	now := s.now().UTC()
	r, settlement, err := build(mines.Params{
		RoundID:        roundID,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		Asset:          req.Asset,
		BetAmount:      req.BetAmount,
		HazardCount:    req.HazardCount,
		HouseEdge:      edge,
		ServerSeed:     issued.ServerSeed,
		ServerSeedHash: issued.ServerSeedHash,
		ClientSeed:     issued.ClientSeed,
		Nonce:          issued.Nonce,
		BetOperationID: betOperationID(req, roundID),
		Now:            now,
	})
	if err != nil {
		return nil, err
	}

	legs := []ledger.Leg{{
		UserID:      r.UserID,
		Asset:       r.Asset,
		Kind:        models.EntryKindBet,
		OperationID: r.BetOperationID,
		Amount:      r.BetAmount,
		HouseEdge:   &edge,
		RoundID:     &roundID,
	}}
	if settlement.Settled && settlement.Payout.IsPositive() {
		legs = append(legs, s.winLeg(&r, settlement.Payout))
	}
	if _, err := s.Ledger.ApplyTx(txCtx, tx, legs...); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, &startCancelled{round: r, err: err}
		}
		return nil, err
	}
	if err := s.Store.Insert(txCtx, tx, &r); err != nil {
		return nil, fmt.Errorf("insert round: %w", err)
	}
	if err := tx.Commit(txCtx); err != nil {
		return nil, fmt.Errorf("commit start: %w", err)
	}

	metrics.RoundsStarted.WithLabelValues(r.Asset).Inc()
	s.Logger.Info("round started", "round_id", r.ID, "user_id", r.UserID, "asset", r.Asset,
		"bet", r.BetAmount.String(), "hazards", r.HazardCount, "nonce", r.Nonce)
	if r.IsTerminal() {
		s.settled(ctx, &r)
	}
	return &r, nil
}

// transition loads the user's round, applies step and persists the result
// with any credit it owes.
func (s *Service) transition(ctx context.Context, op string, userID, roundID uuid.UUID, class guard.Class,
	step func(models.Round, time.Time) (models.Round, mines.Settlement, error)) (*RoundView, error) {
	if err := s.Users.CheckPlayable(ctx, userID); err != nil {
		return nil, s.fail(ctx, op, err)
	}

	var next models.Round
	err := s.Guard.Do(ctx, models.GameMines, userID, class, func(ctx context.Context) error {
		txCtx, cancel := s.txContext(ctx)
		defer cancel()
		tx, err := s.Pool.Begin(txCtx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(txCtx)

		cur, err := s.Store.GetForUpdate(txCtx, tx, roundID)
		if err != nil {
			return err
		}
		if cur.UserID != userID {
			return apperr.New(apperr.KindNotFound, "round not found")
		}
		var settlement mines.Settlement
		next, settlement, err = step(*cur, s.now().UTC())
		if err != nil {
			return err
		}
		if settlement.Settled && settlement.Payout.IsPositive() {
			if _, err := s.Ledger.ApplyTx(txCtx, tx, s.winLeg(&next, settlement.Payout)); err != nil {
				return err
			}
		}
		if err := s.Store.Update(txCtx, tx, &next, cur.Version); err != nil {
			return err
		}
		if err := tx.Commit(txCtx); err != nil {
			return fmt.Errorf("commit %s: %w", op, err)
		}
		if settlement.Capped {
			s.Logger.Info("maximum multiplier reached", "round_id", next.ID, "multiplier", next.Multiplier.String())
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, op, err)
	}
	if next.IsTerminal() {
		s.settled(ctx, &next)
	}
	return NewView(&next, s.Engine.GridSize()), nil
}

func (s *Service) winLeg(r *models.Round, amount decimal.Decimal) ledger.Leg {
	id := r.ID
	return ledger.Leg{
		UserID:      r.UserID,
		Asset:       r.Asset,
		Kind:        models.EntryKindWin,
		OperationID: winOperationID(r.ID),
		Amount:      amount,
		RoundID:     &id,
	}
}

func (s *Service) txContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := s.Ledger.Timeout(); t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

// settled runs the post-commit side effects of a terminal round. Failures
// are logged and counted, never returned.
func (s *Service) settled(ctx context.Context, r *models.Round) {
	metrics.RoundsSettled.WithLabelValues(r.Status).Inc()
	s.Logger.Info("round settled", "round_id", r.ID, "user_id", r.UserID, "status", r.Status,
		"multiplier", r.Multiplier.String(), "payout", models.BetRecordFor(r).Payout.String())
	if s.Effects == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := s.Effects.SettlementEvent(ctx, events.Settled(r)); err != nil {
		metrics.SideEffectFailures.WithLabelValues("settlement_event").Inc()
		s.Logger.Warn("enqueue settlement event", "round_id", r.ID, "error", err)
	}
	s.recordHistory(ctx, r)
}

// cancelled records a round whose start failed. It is never persisted as a
// round, only as best-effort history.
// startCancelled carries the round a start could not fund. It is recorded
// once the transaction has rolled back and the user lock is released.
type startCancelled struct {
	round models.Round
	err   error
}

func (e *startCancelled) Error() string { return e.err.Error() }
func (e *startCancelled) Unwrap() error { return e.err }

// cancelled records the round carried by err, if any, to bet history.
func (s *Service) cancelled(ctx context.Context, err error) {
	var sc *startCancelled
	if !errors.As(err, &sc) {
		return
	}
	c := mines.Cancel(sc.round, s.now().UTC())
	metrics.RoundsSettled.WithLabelValues(c.Status).Inc()
	s.Logger.Info("round cancelled", "round_id", c.ID, "user_id", c.UserID, "cause", sc.err)
	if s.Effects == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	s.recordHistory(ctx, &c)
}

func (s *Service) recordHistory(ctx context.Context, r *models.Round) {
	if err := s.Effects.BetHistory(ctx, models.BetRecordFor(r)); err != nil {
		metrics.SideEffectFailures.WithLabelValues("bet_history").Inc()
		s.Logger.Warn("enqueue bet history", "round_id", r.ID, "error", err)
	}
}

// fail maps err into the apperr taxonomy and logs internal failures.
func (s *Service) fail(ctx context.Context, op string, err error) error {
	mapped := classify(err)
	if mapped.Kind == apperr.KindInternal {
		s.Logger.ErrorContext(ctx, "round operation failed", "op", op, "error", err)
	}
	return mapped
}

func classify(err error) *apperr.Error {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, guard.ErrRateLimited):
		return apperr.Wrap(apperr.KindRateLimited, "too many actions, slow down", err)
	case errors.Is(err, guard.ErrLockContention):
		return apperr.Wrap(apperr.KindLockContention, "another action is in progress, retry shortly", err)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return apperr.Wrap(apperr.KindInsufficientBalance, "insufficient balance", err)
	case errors.Is(err, ErrRoundNotFound):
		return apperr.Wrap(apperr.KindNotFound, "round not found", err)
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ledger.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindLockContention, "system busy, retry shortly", err)
	case errors.Is(err, payout.ErrInvalidEdge):
		return apperr.Wrap(apperr.KindInternal, "house edge misconfigured", err)
	default:
		return apperr.Wrap(apperr.KindInternal, "internal error", err)
	}
}

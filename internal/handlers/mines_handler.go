package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/wagering/internal/apperr"
	"github.com/inaiurai/wagering/internal/middleware"
	"github.com/inaiurai/wagering/internal/models"
	"github.com/inaiurai/wagering/internal/rounds"
)

const maxBodyBytes = 64 << 10

// RoundService is the round orchestrator as used by the handler.
type RoundService interface {
	Start(ctx context.Context, req rounds.StartRequest) (*rounds.RoundView, error)
	Reveal(ctx context.Context, userID, roundID uuid.UUID, position int) (*rounds.RoundView, error)
	CashOut(ctx context.Context, userID, roundID uuid.UUID) (*rounds.RoundView, error)
	AutoPlay(ctx context.Context, req rounds.AutoPlayRequest) (*rounds.RoundView, error)
	ActiveRound(ctx context.Context, userID uuid.UUID) (*rounds.RoundView, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]rounds.RoundView, error)
	VerifySeed(ctx context.Context, roundID uuid.UUID) (*rounds.SeedVerification, error)
}

// SeedService exposes a user's client seed and nonce.
type SeedService interface {
	Current(ctx context.Context, userID uuid.UUID) (*models.UserSeed, error)
	RotateClientSeed(ctx context.Context, userID uuid.UUID, clientSeed string) (*models.UserSeed, error)
}

// WalletReader reads balances and recent ledger entries.
type WalletReader interface {
	Balance(ctx context.Context, userID uuid.UUID, asset string) (decimal.Decimal, error)
	Entries(ctx context.Context, userID uuid.UUID, asset string, limit int) ([]models.LedgerEntry, error)
}

// MinesHandler serves /api/v1/mines, /api/v1/seeds and /api/v1/wallet.
type MinesHandler struct {
	Rounds    RoundService
	Seeds     SeedService
	Wallet    WalletReader
	Validator *Validator
	Logger    *slog.Logger
}

type startRequest struct {
	Asset          string          `json:"asset"`
	BetAmount      decimal.Decimal `json:"bet_amount"`
	HazardCount    int             `json:"hazard_count"`
	ClientSeed     string          `json:"client_seed"`
	IdempotencyKey string          `json:"idempotency_key"`
	SessionID      string          `json:"session_id"`
}

type autoPlayRequest struct {
	startRequest
	Positions []int `json:"positions"`
}

type revealRequest struct {
	Position int `json:"position"`
}

type rotateSeedRequest struct {
	ClientSeed string `json:"client_seed"`
}

type seedResponse struct {
	ClientSeed string `json:"client_seed"`
	NextNonce  int64  `json:"next_nonce"`
}

type walletResponse struct {
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
}

// --- POST /api/v1/mines/rounds ---

func (h *MinesHandler) StartRound(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req startRequest
	if !h.decode(w, r, SchemaStartRound, &req) {
		return
	}
	start, ok := h.startRequest(w, r, userID, req)
	if !ok {
		return
	}
	view, err := h.Rounds.Start(r.Context(), start)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// --- POST /api/v1/mines/rounds/{id}/reveal ---

func (h *MinesHandler) Reveal(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	roundID, ok := pathRoundID(w, r)
	if !ok {
		return
	}
	var req revealRequest
	if !h.decode(w, r, SchemaReveal, &req) {
		return
	}
	view, err := h.Rounds.Reveal(r.Context(), userID, roundID, req.Position)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- POST /api/v1/mines/rounds/{id}/cashout ---

func (h *MinesHandler) CashOut(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	roundID, ok := pathRoundID(w, r)
	if !ok {
		return
	}
	view, err := h.Rounds.CashOut(r.Context(), userID, roundID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- POST /api/v1/mines/autoplay ---

func (h *MinesHandler) AutoPlay(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req autoPlayRequest
	if !h.decode(w, r, SchemaAutoPlay, &req) {
		return
	}
	start, ok := h.startRequest(w, r, userID, req.startRequest)
	if !ok {
		return
	}
	view, err := h.Rounds.AutoPlay(r.Context(), rounds.AutoPlayRequest{StartRequest: start, Positions: req.Positions})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- GET /api/v1/mines/active ---

func (h *MinesHandler) ActiveRound(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	view, err := h.Rounds.ActiveRound(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if view == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- GET /api/v1/mines/history?limit= ---

func (h *MinesHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	list, err := h.Rounds.History(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// --- GET /api/v1/mines/rounds/{id}/verify ---

func (h *MinesHandler) VerifySeed(w http.ResponseWriter, r *http.Request) {
	roundID, ok := pathRoundID(w, r)
	if !ok {
		return
	}
	res, err := h.Rounds.VerifySeed(r.Context(), roundID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- GET /api/v1/seeds ---

func (h *MinesHandler) CurrentSeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	s, err := h.Seeds.Current(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seedResponse{ClientSeed: s.ClientSeed, NextNonce: s.NextNonce})
}

// --- POST /api/v1/seeds/rotate ---

func (h *MinesHandler) RotateSeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req rotateSeedRequest
	if !h.decode(w, r, SchemaRotateSeed, &req) {
		return
	}
	s, err := h.Seeds.RotateClientSeed(r.Context(), userID, req.ClientSeed)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seedResponse{ClientSeed: s.ClientSeed, NextNonce: s.NextNonce})
}

// --- GET /api/v1/wallet/{asset} ---

func (h *MinesHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	asset := strings.ToUpper(r.PathValue("asset"))
	bal, err := h.Wallet.Balance(r.Context(), userID, asset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{Asset: asset, Balance: bal})
}

// --- GET /api/v1/wallet/{asset}/entries?limit= ---

func (h *MinesHandler) Entries(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	entries, err := h.Wallet.Entries(r.Context(), userID, strings.ToUpper(r.PathValue("asset")), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Health reports liveness.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

func (h *MinesHandler) user(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id := middleware.UserFromCtx(r.Context())
	if id == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return id, true
}

// decode validates the body against schema and unmarshals it into dst. An
// empty body is treated as an empty object.
func (h *MinesHandler) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	if err := h.Validator.Validate(schema, body); err != nil {
		if errors.Is(err, ErrValidation) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: string(apperr.KindValidation)})
			return false
		}
		h.Logger.Error("validate request", "schema", schema, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func (h *MinesHandler) startRequest(w http.ResponseWriter, r *http.Request, userID uuid.UUID, req startRequest) (rounds.StartRequest, bool) {
	out := rounds.StartRequest{
		UserID:         userID,
		Asset:          req.Asset,
		BetAmount:      req.BetAmount,
		HazardCount:    req.HazardCount,
		ClientSeed:     req.ClientSeed,
		IdempotencyKey: req.IdempotencyKey,
	}
	if out.IdempotencyKey == "" {
		out.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if req.SessionID != "" {
		id, err := uuid.Parse(req.SessionID)
		if err != nil {
			http.Error(w, `{"error":"invalid session_id"}`, http.StatusBadRequest)
			return out, false
		}
		out.SessionID = id
	}
	return out, true
}

func pathRoundID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid round id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		http.Error(w, `{"error":"limit must be an integer"}`, http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable,omitempty"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAlreadyActive, apperr.KindInvalidState:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindLockContention:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *MinesHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := StatusFor(kind)
	resp := errorResponse{Error: apperr.PublicMessage(err), Kind: string(kind)}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Retryable() {
		resp.Retryable = true
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

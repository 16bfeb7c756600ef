package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/wagering/internal/models"
)

// SpendLookup sums a user's ledger entries of one kind since a point in time.
type SpendLookup interface {
	SumSince(ctx context.Context, userID uuid.UUID, asset, kind string, since time.Time) (decimal.Decimal, error)
}

// wagerPeek is the part of a start or auto-play body the limit needs.
type wagerPeek struct {
	Asset     string          `json:"asset"`
	BetAmount decimal.Decimal `json:"bet_amount"`
}

// WagerLimit rejects bets that would push the user's BET total for the UTC
// day above limit. The round service repeats the check under the user lock;
// this one fails fast before any lock is taken. A non-positive limit
// disables it. The body is restored for the handler.
func WagerLimit(spend SpendLookup, limit decimal.Decimal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !limit.IsPositive() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := UserFromCtx(r.Context())
			if userID == uuid.Nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			bodyBytes, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek wagerPeek
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				// Leave malformed bodies to the handler's schema validation.
				next.ServeHTTP(w, r)
				return
			}
			asset := strings.ToUpper(strings.TrimSpace(peek.Asset))

			t := now().UTC()
			day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			spent, err := spend.SumSince(r.Context(), userID, asset, models.EntryKindBet, day)
			if err != nil {
				http.Error(w, `{"error":"failed to check daily wagers"}`, http.StatusInternalServerError)
				return
			}
			if spent.Add(peek.BetAmount).GreaterThan(limit) {
				http.Error(w, fmt.Sprintf(`{"error":"daily wagers %s + bet %s exceed daily limit %s"}`, spent, peek.BetAmount, limit), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// now is replaced by tests.
var now = time.Now

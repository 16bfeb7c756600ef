package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/wagering/internal/metrics"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubValidator struct {
	user uuid.UUID
	err  error
}

func (s stubValidator) ValidateToken(_ context.Context, token string) (uuid.UUID, string, error) {
	if s.err != nil {
		return uuid.Nil, "", s.err
	}
	return s.user, "player", nil
}

type stubSpend struct {
	spent decimal.Decimal
	err   error
	asset string
	since time.Time
}

func (s *stubSpend) SumSince(_ context.Context, _ uuid.UUID, asset, _ string, since time.Time) (decimal.Decimal, error) {
	s.asset = asset
	s.since = since
	return s.spent, s.err
}

// ok200 proves the middleware let the request through, and echoes the body.
var ok200 = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
})

func injectUser(id uuid.UUID, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), id)))
	})
}

// ---------------------------------------------------------------------------
// BearerAuth
// ---------------------------------------------------------------------------

func TestBearerAuth(t *testing.T) {
	user := uuid.New()
	var seen uuid.UUID
	var role string
	h := BearerAuth(stubValidator{user: user})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFromCtx(r.Context())
		role = RoleFromCtx(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || seen != user || role != "player" {
		t.Fatalf("code %d user %s role %q", rec.Code, seen, role)
	}
}

func TestBearerAuth_Rejects(t *testing.T) {
	cases := map[string]struct {
		header string
		v      stubValidator
	}{
		"missing":   {"", stubValidator{user: uuid.New()}},
		"malformed": {"Basic abc", stubValidator{user: uuid.New()}},
		"invalid":   {"Bearer abc", stubValidator{err: errors.New("bad signature")}},
	}
	for name, tc := range cases {
		h := BearerAuth(tc.v)(ok200)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// WagerLimit
// ---------------------------------------------------------------------------

func fixNow(t *testing.T, at time.Time) {
	t.Helper()
	original := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = original })
}

func TestWagerLimit_WithinLimitKeepsBody(t *testing.T) {
	fixNow(t, time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC))
	spend := &stubSpend{spent: decimal.NewFromInt(40)}
	h := injectUser(uuid.New(), WagerLimit(spend, decimal.NewFromInt(50))(ok200))

	body := `{"asset":"usdt","bet_amount":"10","hazard_count":3}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != body {
		t.Errorf("body not restored: %q", rec.Body.String())
	}
	if spend.asset != "USDT" || !spend.since.Equal(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("lookup: asset %s since %s", spend.asset, spend.since)
	}
}

func TestWagerLimit_Exceeded(t *testing.T) {
	spend := &stubSpend{spent: decimal.NewFromInt(45)}
	h := injectUser(uuid.New(), WagerLimit(spend, decimal.NewFromInt(50))(ok200))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"asset":"USDT","bet_amount":"5.01"}`)))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestWagerLimit_LookupFailure(t *testing.T) {
	spend := &stubSpend{err: errors.New("db down")}
	h := injectUser(uuid.New(), WagerLimit(spend, decimal.NewFromInt(50))(ok200))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"asset":"USDT","bet_amount":"1"}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestWagerLimit_DisabledAndUnauthenticated(t *testing.T) {
	spend := &stubSpend{}
	rec := httptest.NewRecorder()
	WagerLimit(spend, decimal.Zero)(ok200).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	if rec.Code != http.StatusOK {
		t.Errorf("disabled limit: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	WagerLimit(spend, decimal.NewFromInt(1))(ok200).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no user: expected 401, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func TestMetrics_CountsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /things/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := Metrics(mux)

	counter := metrics.HTTPRequests.WithLabelValues(http.MethodGet, "GET /things/{id}", "418")
	before := counterValue(t, counter)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/things/7", nil))
	if got := counterValue(t, counter) - before; got != 1 {
		t.Errorf("counter delta: %v", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

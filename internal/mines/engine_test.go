package mines

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/wagering/internal/apperr"
	"github.com/inaiurai/wagering/internal/fairness"
	"github.com/inaiurai/wagering/internal/models"
	"github.com/inaiurai/wagering/internal/payout"
)

const testSeed = "9b1f2e3d4c5b6a798877665544332211ffeeddccbbaa99887766554433221100"

var now = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func testEngine() *Engine {
	return NewEngine(payout.NewCalculator(decimal.NewFromInt(10000), 8))
}

func params(hazards int, bet string) Params {
	return Params{
		RoundID:        uuid.New(),
		UserID:         uuid.New(),
		SessionID:      uuid.New(),
		Asset:          "USDT",
		BetAmount:      decimal.RequireFromString(bet),
		HazardCount:    hazards,
		HouseEdge:      decimal.NewFromInt(1),
		ServerSeed:     testSeed,
		ServerSeedHash: fairness.Commitment(testSeed),
		ClientSeed:     "client",
		Nonce:          11,
		BetOperationID: "bet-op",
		Now:            now,
	}
}

func safeCells(r models.Round) []int {
	var out []int
	for i := 0; i < 25; i++ {
		if !r.IsHazard(i) {
			out = append(out, i)
		}
	}
	return out
}

func TestNew_PlacesHazards(t *testing.T) {
	e := testEngine()
	r, err := e.New(params(3, "1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(r.Hazards) != 3 {
		t.Fatalf("hazards: got %d", len(r.Hazards))
	}
	want, _ := fairness.PlaceHazards(testSeed, "client", 11, 25, 3)
	for i := range want {
		if r.Hazards[i] != want[i] {
			t.Fatalf("hazards %v do not match fairness placement %v", r.Hazards, want)
		}
	}
	if r.Status != models.RoundStatusActive || !r.Multiplier.Equal(decimal.NewFromInt(1)) {
		t.Errorf("new round: status %s multiplier %s", r.Status, r.Multiplier)
	}
	if r.FinalPayout != nil {
		t.Error("active round must not carry a final payout")
	}
}

func TestNew_Validation(t *testing.T) {
	e := testEngine()
	cases := []Params{
		params(0, "1"),
		params(25, "1"),
		params(3, "-1"),
		params(3, "0.000000001"),
	}
	for _, p := range cases {
		if _, err := e.New(p); !errors.Is(err, apperr.Validation) {
			t.Errorf("New(hazards=%d bet=%s): got %v, want validation error", p.HazardCount, p.BetAmount, err)
		}
	}
}

func TestReveal_HazardBusts(t *testing.T) {
	e := testEngine()
	r, _ := e.New(params(3, "1"))
	hazard := r.Hazards[0]

	next, s, err := e.Reveal(r, hazard, now)
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if next.Status != models.RoundStatusBusted {
		t.Fatalf("status: got %s, want BUSTED", next.Status)
	}
	if !s.Settled || !s.Payout.IsZero() {
		t.Errorf("settlement: %+v", s)
	}
	if next.FinalPayout == nil || !next.FinalPayout.IsZero() {
		t.Errorf("final payout: %v", next.FinalPayout)
	}
	if len(next.Revealed) != 1 || next.Revealed[0] != hazard {
		t.Errorf("revealed: %v", next.Revealed)
	}
	if len(r.Revealed) != 0 || r.Status != models.RoundStatusActive {
		t.Error("input round was mutated")
	}
}

func TestReveal_SafeUpdatesMultiplier(t *testing.T) {
	e := testEngine()
	r, _ := e.New(params(3, "1"))
	safe := safeCells(r)

	next, s, err := e.Reveal(r, safe[0], now)
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if s.Settled {
		t.Fatal("one safe reveal must not settle")
	}
	if !next.Multiplier.Equal(decimal.RequireFromString("1.125")) {
		t.Errorf("multiplier: got %s, want 1.125", next.Multiplier)
	}
	if !next.PotentialPayout.Equal(decimal.RequireFromString("1.125")) {
		t.Errorf("potential payout: got %s", next.PotentialPayout)
	}
	if next.Version != r.Version+1 {
		t.Errorf("version: got %d, want %d", next.Version, r.Version+1)
	}
}

func TestReveal_Rejections(t *testing.T) {
	e := testEngine()
	r, _ := e.New(params(3, "1"))
	safe := safeCells(r)
	next, _, _ := e.Reveal(r, safe[0], now)

	if _, _, err := e.Reveal(next, safe[0], now); !errors.Is(err, apperr.InvalidState) {
		t.Errorf("duplicate reveal: got %v", err)
	}
	if _, _, err := e.Reveal(next, 25, now); !errors.Is(err, apperr.Validation) {
		t.Errorf("out of range: got %v", err)
	}
	busted, _, _ := e.Reveal(next, r.Hazards[0], now)
	if _, _, err := e.Reveal(busted, safe[1], now); !errors.Is(err, apperr.InvalidState) {
		t.Errorf("reveal on busted round: got %v", err)
	}
}

func TestReveal_AllSafeCellsAutoCompletes(t *testing.T) {
	e := testEngine()
	r, _ := e.New(params(3, "1"))
	var s Settlement
	var err error
	for _, pos := range safeCells(r) {
		if r.IsTerminal() {
			t.Fatal("round completed before last safe cell")
		}
		r, s, err = e.Reveal(r, pos, now)
		if err != nil {
			t.Fatalf("Reveal(%d): %v", pos, err)
		}
	}
	if r.Status != models.RoundStatusCompleted {
		t.Fatalf("status: got %s, want COMPLETED", r.Status)
	}
	want, _ := e.Calc.Multiplier(3, 22, decimal.NewFromInt(1))
	if !r.Multiplier.Equal(want) {
		t.Errorf("multiplier: got %s, want %s", r.Multiplier, want)
	}
	// C(25,3) * 0.99
	if !want.Equal(decimal.NewFromInt(2277)) {
		t.Errorf("full reveal fair odds: got %s, want 2277", want)
	}
	if !s.Settled || !s.Payout.Equal(decimal.NewFromInt(2277)) {
		t.Errorf("settlement: %+v", s)
	}
}

func TestReveal_CapForcesCompletion(t *testing.T) {
	e := NewEngine(payout.NewCalculator(decimal.NewFromInt(2), 8))
	r, _ := e.New(params(10, "1"))
	safe := safeCells(r)

	r, s, err := e.Reveal(r, safe[0], now) // 25/15*0.99 = 1.65
	if err != nil || s.Settled {
		t.Fatalf("first reveal: %v %+v", err, s)
	}
	r, s, err = e.Reveal(r, safe[1], now) // 1.65*24/14 > 2
	if err != nil {
		t.Fatalf("second reveal: %v", err)
	}
	if r.Status != models.RoundStatusCompleted || !s.Capped {
		t.Fatalf("expected capped completion, got %s %+v", r.Status, s)
	}
	if !r.Multiplier.Equal(decimal.NewFromInt(2)) || !s.Payout.Equal(decimal.NewFromInt(2)) {
		t.Errorf("capped multiplier %s payout %s", r.Multiplier, s.Payout)
	}
}

func TestCashOut(t *testing.T) {
	e := testEngine()
	r, _ := e.New(params(3, "2"))

	if _, _, err := e.CashOut(r, now); !errors.Is(err, apperr.InvalidState) {
		t.Fatalf("cash out with zero reveals: got %v", err)
	}

	r, _, _ = e.Reveal(r, safeCells(r)[0], now)
	// A stale cached multiplier must not leak into the payout.
	r.Multiplier = decimal.RequireFromString("99")
	done, s, err := e.CashOut(r, now)
	if err != nil {
		t.Fatalf("CashOut: %v", err)
	}
	if done.Status != models.RoundStatusCompleted {
		t.Fatalf("status: %s", done.Status)
	}
	if !s.Payout.Equal(decimal.RequireFromString("2.25")) {
		t.Errorf("payout: got %s, want 2.25", s.Payout)
	}
	if done.FinalPayout == nil || !done.FinalPayout.Equal(s.Payout) {
		t.Errorf("final payout: %v", done.FinalPayout)
	}
	if _, _, err := e.CashOut(done, now); !errors.Is(err, apperr.InvalidState) {
		t.Errorf("second cash out: got %v", err)
	}
}

func TestAutoPlay_EmptyReturnsStake(t *testing.T) {
	e := testEngine()
	r, s, err := e.AutoPlay(params(5, "3.5"), nil)
	if err != nil {
		t.Fatalf("AutoPlay: %v", err)
	}
	if r.Status != models.RoundStatusCompleted {
		t.Fatalf("status: %s", r.Status)
	}
	if !r.Multiplier.Equal(decimal.NewFromInt(1)) || !s.Payout.Equal(decimal.RequireFromString("3.5")) {
		t.Errorf("multiplier %s payout %s", r.Multiplier, s.Payout)
	}
}

func TestAutoPlay_HazardRecordsAllPicks(t *testing.T) {
	e := testEngine()
	probe, _ := e.New(params(3, "1"))
	safe := safeCells(probe)
	picks := []int{safe[0], probe.Hazards[0], safe[1], safe[2]}

	r, s, err := e.AutoPlay(params(3, "1"), picks)
	if err != nil {
		t.Fatalf("AutoPlay: %v", err)
	}
	if r.Status != models.RoundStatusBusted || !s.Payout.IsZero() {
		t.Fatalf("status %s payout %s", r.Status, s.Payout)
	}
	if len(r.Revealed) != len(picks) {
		t.Fatalf("revealed %v, want every pick %v", r.Revealed, picks)
	}
}

func TestAutoPlay_SafePicksComplete(t *testing.T) {
	e := testEngine()
	probe, _ := e.New(params(3, "1"))
	safe := safeCells(probe)

	r, s, err := e.AutoPlay(params(3, "1"), safe[:1])
	if err != nil {
		t.Fatalf("AutoPlay: %v", err)
	}
	if r.Status != models.RoundStatusCompleted || !s.Payout.Equal(decimal.RequireFromString("1.125")) {
		t.Errorf("status %s payout %s", r.Status, s.Payout)
	}
}

func TestAutoPlay_Validation(t *testing.T) {
	e := testEngine()
	cases := [][]int{
		{1, 1},
		{-1},
		{25},
	}
	for _, picks := range cases {
		if _, _, err := e.AutoPlay(params(3, "1"), picks); !errors.Is(err, apperr.Validation) {
			t.Errorf("AutoPlay(%v): got %v", picks, err)
		}
	}
	tooMany := make([]int, 23)
	for i := range tooMany {
		tooMany[i] = i
	}
	if _, _, err := e.AutoPlay(params(3, "1"), tooMany); !errors.Is(err, apperr.Validation) {
		t.Errorf("too many picks: got %v", err)
	}
}

func TestCancel(t *testing.T) {
	e := testEngine()
	r, _ := e.New(params(3, "1"))
	c := Cancel(r, now)
	if c.Status != models.RoundStatusCancelled || c.FinalPayout == nil || !c.IsTerminal() {
		t.Errorf("cancelled round: %+v", c)
	}
	if r.Status != models.RoundStatusActive {
		t.Error("input round was mutated")
	}
}

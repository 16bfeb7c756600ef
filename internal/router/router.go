package router

import (
	"net/http"

	"github.com/inaiurai/wagering/internal/handlers"
	"github.com/inaiurai/wagering/internal/middleware"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// New returns an http.Handler that serves the API under /api/v1 plus
// /health and, when metricsHandler is set, /metrics.
// Chain on bet-placing routes: auth -> wagerLimit -> handler.
func New(h *handlers.MinesHandler, auth, wagerLimit Middleware, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	authed := func(fn http.HandlerFunc) http.Handler { return auth(fn) }
	betting := func(fn http.HandlerFunc) http.Handler { return auth(wagerLimit(fn)) }

	mux.Handle("POST "+base+"/mines/rounds", betting(h.StartRound))
	mux.Handle("POST "+base+"/mines/rounds/{id}/reveal", authed(h.Reveal))
	mux.Handle("POST "+base+"/mines/rounds/{id}/cashout", authed(h.CashOut))
	mux.Handle("POST "+base+"/mines/autoplay", betting(h.AutoPlay))
	mux.Handle("GET "+base+"/mines/active", authed(h.ActiveRound))
	mux.Handle("GET "+base+"/mines/history", authed(h.History))
	// Verification is public so anyone holding a round id can audit it.
	mux.HandleFunc("GET "+base+"/mines/rounds/{id}/verify", h.VerifySeed)

	mux.Handle("GET "+base+"/seeds", authed(h.CurrentSeed))
	mux.Handle("POST "+base+"/seeds/rotate", authed(h.RotateSeed))
	mux.Handle("GET "+base+"/wallet/{asset}", authed(h.Balance))
	mux.Handle("GET "+base+"/wallet/{asset}/entries", authed(h.Entries))

	mux.HandleFunc("GET /health", handlers.Health)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	return middleware.Metrics(mux)
}

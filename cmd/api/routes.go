package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inaiurai/wagering/internal/auth"
	"github.com/inaiurai/wagering/internal/config"
	"github.com/inaiurai/wagering/internal/guard"
	"github.com/inaiurai/wagering/internal/handlers"
	"github.com/inaiurai/wagering/internal/ledger"
	"github.com/inaiurai/wagering/internal/middleware"
	"github.com/inaiurai/wagering/internal/mines"
	"github.com/inaiurai/wagering/internal/payout"
	"github.com/inaiurai/wagering/internal/rounds"
	"github.com/inaiurai/wagering/internal/router"
	"github.com/inaiurai/wagering/internal/seeds"
	"github.com/inaiurai/wagering/internal/users"
)

// newAPI wires the wagering core and returns the HTTP handler.
// Chain on bet-placing routes: BearerAuth -> WagerLimit -> handler.
func newAPI(
	cfg *config.Config,
	pool *pgxpool.Pool,
	g *guard.Guard,
	effects rounds.SideEffects,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) http.Handler {
	ledgerSvc := ledger.New(pool, ledger.NewRepository(pool), cfg.LedgerTimeout, logger)
	seedMgr := seeds.NewManager(pool, seeds.NewRepository(pool)).WithGuard(g)
	engine := mines.NewEngine(payout.NewCalculator(cfg.MaxMultiplier, cfg.LedgerScale))

	roundSvc := rounds.NewService(rounds.Deps{
		Pool:            pool,
		Store:           rounds.NewRepository(pool),
		Ledger:          ledgerSvc,
		Seeds:           seedMgr,
		Users:           users.NewDirectory(pool),
		Edges:           payout.StaticEdges{Default: cfg.HouseEdgePercent},
		Engine:          engine,
		Guard:           g,
		Effects:         effects,
		Logger:          logger,
		DailyWagerLimit: cfg.DailyWagerLimit,
	})

	validator, err := handlers.NewValidator()
	if err != nil {
		// Schemas are embedded; failing here is a build defect.
		panic(err)
	}
	h := &handlers.MinesHandler{
		Rounds:    roundSvc,
		Seeds:     seedMgr,
		Wallet:    ledgerSvc,
		Validator: validator,
		Logger:    logger,
	}

	authSvc := auth.NewService(cfg.JWTSecret)
	return router.New(h,
		middleware.BearerAuth(authSvc),
		middleware.WagerLimit(ledgerSvc, cfg.DailyWagerLimit),
		promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/perp-engine/internal/api"
	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/notify"
	"github.com/atmx/perp-engine/internal/oracle"
)

// controller is the account the exchange runs its own steps as.
const controller = "exchange"

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := config.SetupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, closeStore, err := config.OpenStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	// --- Roles and features ---
	roles := exchange.NewStaticRoles()
	roles.Grant(controller, exchange.RoleController, exchange.RoleMarketKeeper, exchange.RoleConfigKeeper)
	for _, k := range cfg.Engine.Keepers {
		roles.Grant(k, exchange.RoleOrderKeeper, exchange.RoleFrozenOrderKeeper,
			exchange.RoleLiquidationKeeper, exchange.RoleAdlKeeper)
	}
	for _, a := range cfg.Engine.Admins {
		roles.Grant(a, exchange.RoleMarketKeeper, exchange.RoleConfigKeeper)
	}
	features := exchange.NewStaticFeatures()
	for _, f := range cfg.Engine.DisabledFeatures {
		features.Set(f, false)
	}

	// --- Event fan-out ---
	wsHub := notify.NewWSHub()
	go wsHub.Run(ctx)

	callbacks := notify.NewRegistry()
	callbacks.Register("ws", wsHub)
	observers := []exchange.CallbackTarget{wsHub}

	if cfg.NATS.URL != "" {
		pub, nc, err := notify.ConnectNATS(cfg.NATS.URL, cfg.NATS.Prefix)
		if err != nil {
			slog.Error("nats init failed", "err", err)
			os.Exit(1)
		}
		defer nc.Drain()
		callbacks.Register("nats", pub)
		observers = append(observers, pub)
		slog.Info("publishing events to NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.Prefix)
	}

	// --- Exchange ---
	prices := oracle.NewAdapter()
	clock := exchange.NewClock(0, time.Now)
	ex := exchange.New(st, prices, clock,
		exchange.WithRoles(roles),
		exchange.WithController(controller, roles),
		exchange.WithFeatures(features),
		exchange.WithCallbacks(callbacks),
		exchange.WithObservers(observers...),
		exchange.WithFeeSink(notify.NewFeeLedger(logger)),
		exchange.WithLogger(logger),
	)
	if err := bootstrap(ctx, ex, cfg); err != nil {
		slog.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	if err := resumeClock(ctx, ex, clock); err != nil {
		slog.Error("resume clock failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Timeout()))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.AccountHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handler := api.New(ex, prices, clock, roles, logger)
	r.Get("/api/v1/ws", wsHub.HandleWS)
	r.Mount("/api/v1", handler.Routes(api.RateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst)))

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Timeout() + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perp-engine listening", "port", cfg.Server.Port, "store", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-engine stopped")
}

// bootstrap applies the configured global parameters and creates the
// configured markets that do not exist yet.
func bootstrap(ctx context.Context, ex *exchange.Exchange, cfg *config.Config) error {
	if err := ex.SetGlobalParams(ctx, controller, cfg.Engine.Global); err != nil {
		return fmt.Errorf("set global params: %w", err)
	}
	for _, mc := range cfg.Markets {
		m, params, err := mc.Resolve()
		if err != nil {
			return err
		}
		if _, err := ex.Market(ctx, m.MarketToken); err == nil {
			continue
		} else if !errors.Is(err, errs.ErrEmptyMarket) {
			return fmt.Errorf("load market %s: %w", m.MarketToken, err)
		}
		if _, err := ex.CreateMarket(ctx, controller, *m, params); err != nil {
			return fmt.Errorf("create market %s: %w", m.MarketToken, err)
		}
		slog.Info("market created", "market", m.MarketToken)
	}
	markets, err := ex.Markets(ctx)
	if err != nil {
		return fmt.Errorf("list markets: %w", err)
	}
	metrics.ActiveMarkets.Set(float64(len(markets)))
	return nil
}

// resumeClock moves clock up to the latest reference point stored by a
// previous run, so new requests are never stamped behind existing ones.
func resumeClock(ctx context.Context, ex *exchange.Exchange, clock *exchange.Clock) error {
	ref, err := ex.LatestReference(ctx)
	if err != nil {
		return fmt.Errorf("load latest reference: %w", err)
	}
	clock.Observe(ref)
	slog.Info("reference clock resumed", "ref", ref)
	return nil
}

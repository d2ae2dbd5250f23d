package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/wreckage-engine/internal/allocator"
	"github.com/atmx/wreckage-engine/internal/api"
	"github.com/atmx/wreckage-engine/internal/config"
	"github.com/atmx/wreckage-engine/internal/fallback"
	"github.com/atmx/wreckage-engine/internal/ingest"
	"github.com/atmx/wreckage-engine/internal/matching"
	"github.com/atmx/wreckage-engine/internal/metrics"
	"github.com/atmx/wreckage-engine/internal/mint"
	"github.com/atmx/wreckage-engine/internal/orchestrator"
	"github.com/atmx/wreckage-engine/internal/route"
	"github.com/atmx/wreckage-engine/internal/store"
	"github.com/atmx/wreckage-engine/internal/venue"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("wreckage-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("wreckage-engine stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Venues, allocator, planner ---
	reg := venue.NewRegistry(cfg.Routing.StaleAfter, venue.WithLogger(logger))
	for _, vc := range cfg.Venues {
		if err := reg.Register(vc.Venue()); err != nil {
			return fmt.Errorf("seed venue %s: %w", vc.ID, err)
		}
	}

	calc, err := mint.NewCalculator(cfg.Minting)
	if err != nil {
		return fmt.Errorf("minting config: %w", err)
	}
	alloc, err := allocator.New(cfg.Allocator, reg, logger)
	if err != nil {
		return fmt.Errorf("allocator config: %w", err)
	}
	planner := route.NewPlanner(cfg.Routing.Config, reg, alloc, calc, logger)

	// --- NATS: loss ingestion, mint issuance, fallback requests ---
	wsHub := api.NewWSHub()
	publishers := fanout{wsHub}

	var (
		maker       fallback.MarketMaker = fallback.NewStatic(cfg.Fallback.Static)
		issuer      orchestrator.Issuer
		nc          *nats.Conn
		js          jetstream.JetStream
		settlements *ingest.SettlementPublisher
	)
	if cfg.NATSURL != "" {
		nc, js, err = ingest.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { nc.Drain() })

		if err := ingest.EnsureStreams(ctx, js, cfg.NATS, logger); err != nil {
			return err
		}
		issuer = ingest.NewMintIssuer(js, cfg.NATS.MintPrefix)

		settlements = ingest.NewSettlementPublisher(js, cfg.NATS.SettlePrefix, cfg.Orchestrator.QueueSize, logger)
		publishers = append(publishers, settlements)

		if cfg.Fallback.Serve {
			fsub, err := fallback.Serve(nc, cfg.Fallback.Subject, fallback.NewStatic(cfg.Fallback.Static))
			if err != nil {
				return fmt.Errorf("serve fallback: %w", err)
			}
			cleanup = append(cleanup, func() { fsub.Unsubscribe() })
			slog.Info("serving static fallback fills", "subject", cfg.Fallback.Subject)
		}
		if cfg.Fallback.Mode == config.FallbackNATS {
			maker = fallback.NewNATSMaker(nc, cfg.Fallback.Subject)
			slog.Info("fallback market maker over NATS", "subject", cfg.Fallback.Subject)
		}
		slog.Info("connected to NATS", "url", nc.ConnectedUrl())
	} else {
		slog.Warn("NATS_URL not set, loss ingestion and mint issuance disabled")
	}

	deps := orchestrator.Deps{
		Venues:    reg,
		Matcher:   matching.NewEngine(logger),
		Planner:   planner,
		Allocator: alloc,
		Calc:      calc,
		Maker:     maker,
		Store:     st,
		Issuer:    issuer,
		Publisher: publishers,
		Logger:    logger,
	}
	if len(cfg.Prices) > 0 {
		deps.Prices = orchestrator.StaticPrices(cfg.Prices)
	}
	orch, err := orchestrator.New(cfg.Orchestrator, deps)
	if err != nil {
		return err
	}

	// --- HTTP router ---
	svc := api.NewService(orch, cfg.Routing.VenueTTL, wsHub)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"wreckage-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return alloc.Run(gctx) })
	g.Go(func() error { return orch.Run(gctx) })
	if js != nil {
		sub := ingest.NewSubscriber(js, cfg.NATS, orch, logger)
		g.Go(func() error { return sub.Run(gctx) })
		g.Go(func() error { return settlements.Run(gctx) })
	}
	g.Go(func() error {
		slog.Info("wreckage-engine listening", "port", cfg.Port, "venues", len(cfg.Venues))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("shutting down wreckage-engine...")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// fanout delivers every update to each publisher.
type fanout []orchestrator.Publisher

func (f fanout) Publish(u orchestrator.Update) {
	for _, p := range f {
		p.Publish(u)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/cognigate/backend/internal/api"
	"github.com/cognigate/backend/internal/authorize"
	"github.com/cognigate/backend/internal/capability"
	"github.com/cognigate/backend/internal/config"
	"github.com/cognigate/backend/internal/confirm"
	"github.com/cognigate/backend/internal/escalation"
	"github.com/cognigate/backend/internal/governor"
	"github.com/cognigate/backend/internal/metrics"
	"github.com/cognigate/backend/internal/notify"
	"github.com/cognigate/backend/internal/proofchain"
	"github.com/cognigate/backend/internal/store"
	"github.com/cognigate/backend/internal/trust"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config (optional)")
	flag.Parse()

	// Local development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	slog.Info("starting governance core", "env", cfg.Server.Env, "store", cfg.Store.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		slog.Error("store initialization failed", "error", err)
		os.Exit(1)
	}
	defer closeStores()

	var rdb *redis.Client
	if cfg.Store.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr, DB: cfg.Store.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis unreachable", "addr", cfg.Store.RedisAddr, "error", err)
			os.Exit(1)
		}
		stores.Trust = store.NewRedisTrustCache(stores.Trust, rdb)
		defer rdb.Close()
	}

	m := metrics.NewMetrics()

	chain := proofchain.New(stores.Chain)
	chain.SetObserver(m)

	matrix := capability.Default()
	if cfg.Capability.MatrixPath != "" {
		matrix, err = capability.LoadFile(cfg.Capability.MatrixPath)
		if err != nil {
			slog.Error("capability matrix rejected", "path", cfg.Capability.MatrixPath, "error", err)
			os.Exit(1)
		}
	}

	hub := notify.NewHub()
	bus := notify.NewBus(rdb, hub)
	if rdb != nil {
		go bus.Listen(ctx)
	}

	trustEngine := trust.NewEngine(stores.Agents, stores.Trust, chain)
	authEngine := authorize.NewEngine(matrix, confirm.NewJWTValidator([]byte(cfg.Chain.ConfirmationSecret)), chain)
	escSvc := escalation.NewService(stores.Escalations, stores.Precedents, chain, trustEngine, bus)
	escSvc.SetObserver(m)
	gov := governor.New(stores, trustEngine, authEngine, escSvc, chain, m)

	var attestor *proofchain.Attestor
	if cfg.Chain.AttestationSecret != "" {
		attestor = proofchain.NewAttestor([]byte(cfg.Chain.AttestationSecret))
	}

	if cfg.Escalation.SweepIntervalMinutes > 0 {
		go runExpirySweep(ctx, escSvc, time.Duration(cfg.Escalation.SweepIntervalMinutes)*time.Minute)
	}

	server := api.NewServer(gov, trustEngine, escSvc, matrix, chain, attestor, stores.Agents, hub, cfg.Server.AllowedOrigins, cfg.Reviewers)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(":" + cfg.Server.Port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
	slog.Info("stopped cleanly")
}

func buildStores(ctx context.Context, cfg *config.Config) (store.Stores, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		pg, err := store.NewPostgres(cfg.Store.PostgresDSN)
		if err != nil {
			return store.Stores{}, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return store.Stores{}, nil, err
		}
		return pg.Stores(), func() { pg.Close() }, nil
	default:
		mem := store.NewMemory()
		return mem.Stores(), func() {}, nil
	}
}

func runExpirySweep(ctx context.Context, svc *escalation.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.Expire(ctx); n > 0 {
				slog.Info("expired overdue escalations", "count", n)
			}
		}
	}
}

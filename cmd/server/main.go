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
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/prediction-ledger/internal/api"
	"github.com/atmx/prediction-ledger/internal/app"
	"github.com/atmx/prediction-ledger/internal/config"
	"github.com/atmx/prediction-ledger/internal/sweeper"
)

func main() {
	configPath := flag.String("config", os.Getenv("PLEDGER_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("prediction-ledger exited", "err", err)
		os.Exit(1)
	}
	logger.Info("prediction-ledger stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	core, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	if err := core.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	// --- WebSocket hub ---
	hub := api.NewWSHub(logger)
	core.Bus.AddSink(hub)

	// --- Expiry sweeper ---
	sw := sweeper.New(core.Settlement, core.Store, core.Bus, cfg.Sweeper.Interval.Duration, logger)

	// --- HTTP router ---
	limiter := api.NewAccountLimiter(cfg.Server.TradeRate, cfg.Server.TradeBurst, 0)
	svc := api.NewService(core.Markets, core.Ledger, core.Settlement, limiter)
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      api.NewRouter(svc, hub, cfg.Server.CORSOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return core.Bus.Run(gctx) })
	g.Go(func() error { return sw.Run(gctx) })
	g.Go(func() error {
		logger.Info("prediction-ledger listening", "port", cfg.Server.Port, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down prediction-ledger...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

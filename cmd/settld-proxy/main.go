// Command settld-proxy runs the multi-tenant control plane: HTTP API, SSE
// streams, and the background tick loop.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/settld-labs/settld-proxy/pkg/api"
	"github.com/settld-labs/settld-proxy/pkg/config"
	"github.com/settld-labs/settld-proxy/pkg/crypto"
	"github.com/settld-labs/settld-proxy/pkg/outbox"
	"github.com/settld-labs/settld-proxy/pkg/store"
	"github.com/settld-labs/settld-proxy/pkg/stream"
	"github.com/settld-labs/settld-proxy/pkg/x402"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "settld-proxy:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	signer, err := newSigner(cfg)
	if err != nil {
		return err
	}

	tokens, err := x402.NewTokenIssuer(cfg.SignerKeyID+"-decisions", 15*time.Minute)
	if err != nil {
		return err
	}
	engine := x402.NewEngine(st, tokens, signer)

	deliverer := outbox.NewHTTPDeliverer()
	processor := outbox.NewProcessor(st, deliverer, logger)
	processor.MaxAttempts = cfg.OutboxMaxAttempts

	var scheduler *outbox.Scheduler
	if cfg.Autotick {
		scheduler = outbox.NewScheduler(st, logger, cfg.AutotickInterval)
		scheduler.Register(func(ctx context.Context, tenantID string) error {
			_, err := processor.TickDeliveries(ctx, tenantID)
			return err
		})
		scheduler.Register(func(ctx context.Context, tenantID string) error {
			_, err := engine.TickWinddownReversals(ctx, tenantID, 50)
			return err
		})
		scheduler.Register(func(ctx context.Context, tenantID string) error {
			_, err := engine.InsolvencySweep(ctx, tenantID)
			return err
		})
		go scheduler.Run(ctx)
	}

	server := api.New(api.Options{
		Store:          st,
		Engine:         engine,
		Signer:         signer,
		Broadcaster:    stream.NewBroadcaster(),
		Outbox:         processor,
		Scheduler:      scheduler,
		Logger:         logger,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RateLimitRPM:   cfg.RateLimitRPM,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "listening", "port", cfg.Port, "store", cfg.Store, "autotick", cfg.Autotick)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case "pg":
		pg, err := store.NewPostgres(cfg.DatabaseURL, cfg.PGSchema)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(context.Background()); err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return store.NewMemory(), nil
	}
}

func newSigner(cfg *config.Config) (crypto.Signer, error) {
	if cfg.SignerSeedHex == "" {
		return crypto.NewEd25519Signer(cfg.SignerKeyID)
	}
	seed, err := hex.DecodeString(cfg.SignerSeedHex)
	if err != nil {
		return nil, fmt.Errorf("PROXY_SIGNER_SEED_HEX is not hex: %w", err)
	}
	return crypto.NewEd25519SignerFromSeed(seed, cfg.SignerKeyID)
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robertarktes/ticket-issuance-engine/internal/app"
	"github.com/robertarktes/ticket-issuance-engine/internal/config"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.StorageDriver != config.StorageCRDB {
		log.Fatalf("expiry worker needs the crdb storage driver, got %q", cfg.StorageDriver)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "tie-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to build app: %v", err)
	}
	defer a.Close()

	logger.WithField("interval", cfg.ExpiryInterval.String()).Info("expiry worker started")
	a.ExpireSweep(ctx)
	app.Every(ctx, cfg.ExpiryInterval, a.ExpireSweep)
	logger.Info("Shutdown expiry worker")
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-issuance-engine/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-issuance-engine/internal/app"
	"github.com/robertarktes/ticket-issuance-engine/internal/config"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
	"github.com/robertarktes/ticket-issuance-engine/internal/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.StorageDriver != config.StorageCRDB {
		log.Fatalf("outbox publisher needs the crdb storage driver, got %q", cfg.StorageDriver)
	}
	if cfg.RabbitURL == "" {
		log.Fatal("RABBIT_URL is required")
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "tie-outbox-publisher")
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

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	pub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer pub.Close()

	logger.Info("Outbox publisher started")
	outbox.NewPublisher(a.Storage, pub, logger, a.Metrics).Run(ctx)
	logger.Info("Shutdown outbox publisher")
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-issuance-engine/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-issuance-engine/internal/app"
	"github.com/robertarktes/ticket-issuance-engine/internal/config"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	httphandler "github.com/robertarktes/ticket-issuance-engine/internal/http"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
	"github.com/robertarktes/ticket-issuance-engine/internal/outbox"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "tie-api")
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
	if err := a.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	ready := make([]httphandler.Pinger, 0, len(a.Ready))
	for _, p := range a.Ready {
		ready = append(ready, p)
	}
	handlers := httphandler.NewHandlers(a.Service, a.Scanner, a.Policies, a.Metrics, logger, ready...)
	r := httphandler.SetupRouter(handlers, logger, a.Policies, a.Replay, a.Metrics)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// The memory driver keeps orders in this process, so the sweeps that would
	// otherwise run as separate workers run here.
	if cfg.StorageDriver == config.StorageMemory {
		g.Go(func() error {
			app.Every(gctx, cfg.ExpiryInterval, a.ExpireSweep)
			return nil
		})
	}

	if cfg.RabbitURL != "" {
		conn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer conn.Close()

		if cfg.StorageDriver == config.StorageMemory {
			pub, err := rabbit.NewPublisher(conn)
			if err != nil {
				log.Fatalf("failed to create publisher: %v", err)
			}
			defer pub.Close()
			g.Go(func() error {
				outbox.NewPublisher(a.Storage, pub, logger, a.Metrics).Run(gctx)
				return nil
			})
		}

		if cfg.PaymentQueue != "" {
			consumer, err := rabbit.NewConsumer(conn, cfg.PaymentQueue, logger)
			if err != nil {
				log.Fatalf("failed to create consumer: %v", err)
			}
			defer consumer.Close()
			consumer.Requeue = domain.IsRetryable
			g.Go(func() error {
				if err := consumer.Consume(gctx, a.Service.HandlePaymentMessage); err != nil && gctx.Err() == nil {
					return err
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		logger.Error("api stopped: ", err)
		return
	}
	logger.Info("Server exiting")
}

package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-issuance-engine/internal/adapters/crdb"
	"github.com/robertarktes/ticket-issuance-engine/internal/adapters/memory"
	mongoadapter "github.com/robertarktes/ticket-issuance-engine/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/ticket-issuance-engine/internal/adapters/redis"
	"github.com/robertarktes/ticket-issuance-engine/internal/checkout"
	"github.com/robertarktes/ticket-issuance-engine/internal/config"
	"github.com/robertarktes/ticket-issuance-engine/internal/idempotency"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
	"github.com/robertarktes/ticket-issuance-engine/internal/outbox"
	"github.com/robertarktes/ticket-issuance-engine/internal/query"
	"github.com/robertarktes/ticket-issuance-engine/internal/rateLimit"
	"github.com/robertarktes/ticket-issuance-engine/internal/reservation"
	"github.com/robertarktes/ticket-issuance-engine/internal/tickets"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Storage is everything the engine needs from its system of record.
type Storage interface {
	checkout.Repository
	reservation.Store
	tickets.Store
	outbox.Source
}

type auditor interface {
	checkout.Auditor
	tickets.ScanAuditor
	rateLimit.ViolationSink
}

// Pinger matches the readiness probe of the HTTP layer.
type Pinger interface {
	Ping(ctx context.Context) error
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// App holds the wired engine shared by the api, expiry worker and outbox publisher.
type App struct {
	Config   *config.Config
	Logger   observability.Logger
	Metrics  *observability.Metrics
	Storage  Storage
	Service  *checkout.Service
	Scanner  *tickets.Scanner
	Policies *rateLimit.Policies
	Replay   *idempotency.Idempotency
	Ready    []Pinger

	closers []func()
}

// Build connects the configured backends. Mongo and Redis are optional: without MONGO_URI
// the catalog falls back to the storage driver's store and no audit trail is kept; without
// REDIS_ADDR replay protection is process-local.
func Build(ctx context.Context, cfg *config.Config, logger observability.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	var catalog checkout.Catalog
	switch cfg.StorageDriver {
	case config.StorageCRDB:
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			return errors.Wrap(err, "connect to crdb")
		}
		a.closers = append(a.closers, pool.Close)
		repo := crdb.NewRepository(pool)
		a.Storage = repo
		a.Ready = append(a.Ready, repo)
	default:
		store := memory.NewStore()
		a.Storage = store
		catalog = store
	}

	var audit auditor
	if cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return errors.Wrap(err, "connect to mongo")
		}
		a.closers = append(a.closers, func() { client.Disconnect(context.Background()) })
		db := client.Database("tie")
		catalog = mongoadapter.NewCatalogRepository(db, a.Logger)
		audit = mongoadapter.NewAuditLogger(db, a.Logger)
		a.Ready = append(a.Ready, pingFunc(func(ctx context.Context) error { return client.Ping(ctx, nil) }))
	}
	if catalog == nil {
		return errors.New("MONGO_URI is required for the event catalog with the crdb storage driver")
	}

	var redis *redisclient.Client
	if cfg.RedisAddr != "" {
		redis = redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func() { redis.Close() })
		a.Ready = append(a.Ready, pingFunc(func(ctx context.Context) error { return redis.Ping(ctx).Err() }))
	}

	var replayStore idempotency.Store = idempotency.NewMemoryStore(nil)
	if redis != nil {
		replayStore = redisadapter.NewIdempotency(redis)
	}
	a.Replay = idempotency.NewIdempotency(replayStore, cfg.ReplayTTL)

	newStore := func(rateLimit.Config) rateLimit.Store { return rateLimit.NewMemoryStore() }
	if cfg.RateLimitStore == config.RateLimitStoreRedis {
		newStore = func(p rateLimit.Config) rateLimit.Store { return redisadapter.NewRateLimitStore(redis, p.Name) }
	}
	opts := []rateLimit.Option{rateLimit.WithLogger(a.Logger), rateLimit.WithRecorder(a.Metrics)}
	if audit != nil {
		opts = append(opts, rateLimit.WithViolationSink(audit))
	}
	policies, err := rateLimit.NewPolicies(rateLimit.PoliciesFromConfig(cfg), newStore, opts...)
	if err != nil {
		return err
	}
	a.Policies = policies
	a.closers = append(a.closers, policies.Close)

	issuer, err := tickets.NewIssuer(cfg.TicketSecret)
	if err != nil {
		return err
	}

	deps := checkout.Deps{
		Repo:     a.Storage,
		Catalog:  catalog,
		Reserver: reservation.NewReserver(a.Storage, a.Logger, a.Metrics),
		Issuer:   issuer,
		Replay:   a.Replay,
		Limiter:  policies.Orders,
		Guard:    query.NewGuard(a.Logger, a.Metrics, cfg.SlowQueryThreshold, cfg.QueryTimeout),
		Logger:   a.Logger,
		Metrics:  a.Metrics,
		Limits:   query.Limits{DefaultSize: cfg.DefaultPageSize, MaxSize: cfg.MaxPageSize},
	}
	var scanAudit tickets.ScanAuditor
	if audit != nil {
		deps.Audit = audit
		scanAudit = audit
	}
	a.Service = checkout.NewService(deps)
	a.Scanner = tickets.NewScanner(issuer, a.Storage, a.Logger, a.Metrics, scanAudit)
	return nil
}

// Migrate applies the crdb schema; other drivers need none.
func (a *App) Migrate(ctx context.Context) error {
	if m, ok := a.Storage.(interface{ Migrate(context.Context) error }); ok {
		return m.Migrate(ctx)
	}
	return nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Every runs fn on a ticker until ctx is done.
func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

const expiryBatch = 100

// ExpireSweep cancels pending orders older than ORDER_TTL, draining full batches.
func (a *App) ExpireSweep(ctx context.Context) {
	for {
		n, err := a.Service.ExpirePending(ctx, a.Config.OrderTTL, expiryBatch)
		if err != nil {
			a.Logger.WithField("error", err.Error()).Error("expiry sweep failed")
			return
		}
		if n > 0 {
			a.Logger.WithField("expired", n).Info("expired pending orders")
		}
		if n < expiryBatch {
			return
		}
	}
}

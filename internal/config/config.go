package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

const (
	StorageCRDB   = "crdb"
	StorageMemory = "memory"

	RateLimitStoreMemory = "memory"
	RateLimitStoreRedis  = "redis"
)

// RateLimitPolicies lists the policy names that accept RATE_LIMIT_<NAME> overrides.
var RateLimitPolicies = []string{
	"orders", "api", "auth", "webhook", "password_reset", "email_verification", "ticket_scan",
}

type RateLimit struct {
	Max    int
	Window time.Duration
}

type Config struct {
	CRDBDSN      string
	MongoURI     string
	RedisAddr    string
	RabbitURL    string
	OTLPEndpoint string
	HTTPAddr     string
	LogLevel     string

	StorageDriver string

	RateLimitStore         string
	RateLimitSkip          bool
	RateLimitSweepInterval time.Duration
	RateLimits             map[string]RateLimit

	TicketSecret string

	SlowQueryThreshold time.Duration
	QueryTimeout       time.Duration
	DefaultPageSize    int
	MaxPageSize        int

	ReplayTTL      time.Duration
	OrderTTL       time.Duration
	ExpiryInterval time.Duration
	PaymentQueue   string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CRDBDSN:        os.Getenv("CRDB_DSN"),
		MongoURI:       os.Getenv("MONGO_URI"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RabbitURL:      os.Getenv("RABBIT_URL"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		HTTPAddr:       stringEnv("HTTP_ADDR", ":8080"),
		LogLevel:       stringEnv("LOG_LEVEL", "info"),
		StorageDriver:  stringEnv("STORAGE_DRIVER", StorageCRDB),
		RateLimitStore: stringEnv("RATE_LIMIT_STORE", RateLimitStoreMemory),
		TicketSecret:   os.Getenv("TICKET_SECRET"),
		PaymentQueue:   os.Getenv("PAYMENT_QUEUE"),
		RateLimits:     make(map[string]RateLimit),
	}

	var err error
	if cfg.RateLimitSkip, err = boolEnv("RATE_LIMIT_SKIP", false); err != nil {
		return nil, err
	}
	if cfg.RateLimitSweepInterval, err = durationEnv("RATE_LIMIT_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.SlowQueryThreshold, err = durationEnv("SLOW_QUERY_THRESHOLD", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.QueryTimeout, err = durationEnv("QUERY_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DefaultPageSize, err = intEnv("DEFAULT_PAGE_SIZE", 20); err != nil {
		return nil, err
	}
	if cfg.MaxPageSize, err = intEnv("MAX_PAGE_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.ReplayTTL, err = durationEnv("REPLAY_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.OrderTTL, err = durationEnv("ORDER_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ExpiryInterval, err = durationEnv("EXPIRY_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	for _, name := range RateLimitPolicies {
		key := "RATE_LIMIT_" + strings.ToUpper(name)
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		rl, err := ParseRateLimit(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", key)
		}
		cfg.RateLimits[name] = rl
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.TicketSecret == "" {
		return errors.New("TICKET_SECRET is required")
	}
	switch c.StorageDriver {
	case StorageCRDB:
		if c.CRDBDSN == "" {
			return errors.New("CRDB_DSN is required for the crdb storage driver")
		}
	case StorageMemory:
	default:
		return errors.Newf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	switch c.RateLimitStore {
	case RateLimitStoreMemory:
	case RateLimitStoreRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis rate limit store")
		}
	default:
		return errors.Newf("unknown RATE_LIMIT_STORE %q", c.RateLimitStore)
	}
	if c.DefaultPageSize < 1 || c.MaxPageSize < c.DefaultPageSize {
		return errors.Newf("invalid page sizes: default %d, max %d", c.DefaultPageSize, c.MaxPageSize)
	}
	return nil
}

// ParseRateLimit reads "N/duration", e.g. "10/1m".
func ParseRateLimit(raw string) (RateLimit, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "/", 2)
	if len(parts) != 2 {
		return RateLimit{}, errors.Newf("rate limit %q: want N/duration", raw)
	}
	max, err := strconv.Atoi(parts[0])
	if err != nil || max < 1 {
		return RateLimit{}, errors.Newf("rate limit %q: bad request count", raw)
	}
	window, err := time.ParseDuration(parts[1])
	if err != nil || window <= 0 {
		return RateLimit{}, errors.Newf("rate limit %q: bad window", raw)
	}
	return RateLimit{Max: max, Window: window}, nil
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	return n, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(err, "%s", key)
	}
	return b, nil
}

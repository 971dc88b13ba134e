package rateLimit

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
)

type Config struct {
	Name      string
	KeyPrefix string
	Window    time.Duration
	Max       int
	// Skip turns the limiter into a no-op that allows every call.
	Skip bool
	// SweepInterval drives eviction of elapsed windows; zero disables the sweep.
	SweepInterval      time.Duration
	ViolationRetention time.Duration
	MaxViolations      int
}

type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	Total      int           `json:"total"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Err converts a denied result into a domain.RateLimitedError.
func (r Result) Err(policy string) error {
	if r.Allowed {
		return nil
	}
	return &domain.RateLimitedError{Policy: policy, RetryAfter: r.RetryAfter}
}

type Metadata struct {
	IP        string `json:"ip,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Identity is the caller key: the user when known, otherwise the client IP.
func (m Metadata) Identity() string {
	if m.UserID != "" {
		return "user:" + m.UserID
	}
	if m.IP != "" {
		return "ip:" + m.IP
	}
	return "anonymous"
}

type Stats struct {
	Policy          string        `json:"policy"`
	TrackedKeys     int           `json:"tracked_keys"`
	Violations      int           `json:"violations"`
	Period          time.Duration `json:"period"`
	TotalViolations int           `json:"total_violations"`
}

// ViolationSink receives every over-limit attempt, e.g. an audit log.
type ViolationSink interface {
	RecordViolation(ctx context.Context, v Violation) error
}

// Recorder is the slice of the metrics collector the limiter reports to.
type Recorder interface {
	RecordRateLimited(policy string)
	SetTrackedKeys(policy string, n int)
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func WithRecorder(rec Recorder) Option {
	return func(l *Limiter) { l.recorder = rec }
}

func WithViolationSink(sink ViolationSink) Option {
	return func(l *Limiter) { l.sink = sink }
}

type Limiter struct {
	cfg        Config
	store      Store
	violations *violationLog
	now        func() time.Time
	logger     observability.Logger
	recorder   Recorder
	sink       ViolationSink

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewRateLimiter(cfg Config, store Store, opts ...Option) *Limiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = cfg.Name
	}
	if cfg.ViolationRetention <= 0 {
		cfg.ViolationRetention = 24 * time.Hour
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = 1000
	}

	l := &Limiter{
		cfg:        cfg,
		store:      store,
		violations: newViolationLog(cfg.MaxViolations),
		now:        time.Now,
		logger:     observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if cfg.SweepInterval > 0 && !cfg.Skip {
		l.stop = make(chan struct{})
		l.done = make(chan struct{})
		go l.sweepLoop(cfg.SweepInterval)
	}
	return l
}

func (l *Limiter) Name() string { return l.cfg.Name }

func (l *Limiter) Config() Config { return l.cfg }

func (l *Limiter) key(key string) string {
	return l.cfg.KeyPrefix + ":" + key
}

// Check reports the current standing of key without counting a call.
func (l *Limiter) Check(ctx context.Context, key string) (Result, error) {
	now := l.now()
	if l.cfg.Skip {
		return l.skipped(now), nil
	}
	w, err := l.store.Get(ctx, l.key(key), l.cfg.Window, now)
	if err != nil {
		return Result{}, errors.Wrapf(err, "check %s", l.cfg.Name)
	}
	return l.result(w, w.Count < l.cfg.Max, now), nil
}

// Increment counts a call for key. Calls past the cap are denied and logged as violations.
func (l *Limiter) Increment(ctx context.Context, key string, meta Metadata) (Result, error) {
	now := l.now()
	if l.cfg.Skip {
		return l.skipped(now), nil
	}
	w, err := l.store.Increment(ctx, l.key(key), l.cfg.Window, now)
	if err != nil {
		return Result{}, errors.Wrapf(err, "increment %s", l.cfg.Name)
	}

	res := l.result(w, w.Count <= l.cfg.Max, now)
	if !res.Allowed {
		l.violate(ctx, key, w.Count, now, meta)
	}
	return res, nil
}

// Allow increments and turns a denial into a domain.RateLimitedError.
func (l *Limiter) Allow(ctx context.Context, key string, meta Metadata) (Result, error) {
	res, err := l.Increment(ctx, key, meta)
	if err != nil {
		return res, err
	}
	return res, res.Err(l.cfg.Name)
}

func (l *Limiter) result(w Window, allowed bool, now time.Time) Result {
	remaining := l.cfg.Max - w.Count
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   allowed,
		Remaining: remaining,
		Total:     l.cfg.Max,
		ResetAt:   w.ResetAt,
	}
	if !allowed {
		res.RetryAfter = w.ResetAt.Sub(now)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res
}

func (l *Limiter) skipped(now time.Time) Result {
	return Result{Allowed: true, Remaining: l.cfg.Max, Total: l.cfg.Max, ResetAt: now.Add(l.cfg.Window)}
}

func (l *Limiter) violate(ctx context.Context, key string, count int, now time.Time, meta Metadata) {
	v := Violation{Policy: l.cfg.Name, Key: key, At: now, Count: count, Metadata: meta}
	l.violations.add(v)

	if l.recorder != nil {
		l.recorder.RecordRateLimited(l.cfg.Name)
	}
	l.logger.WithFields(map[string]interface{}{
		"policy":   l.cfg.Name,
		"key":      key,
		"count":    count,
		"ip":       meta.IP,
		"endpoint": meta.Endpoint,
	}).Warn("rate limit exceeded")

	if l.sink != nil {
		if err := l.sink.RecordViolation(ctx, v); err != nil {
			l.logger.WithField("policy", l.cfg.Name).Error("failed to record rate limit violation: ", err)
		}
	}
}

func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, l.key(key))
}

// Clear drops every counter and the violation log.
func (l *Limiter) Clear(ctx context.Context) error {
	l.violations.clear()
	return l.store.Clear(ctx)
}

// Stats counts keys with a live window and the violations seen in the trailing period.
// It reads only; eviction is left to the background sweep.
func (l *Limiter) Stats(ctx context.Context, period time.Duration) (Stats, error) {
	now := l.now()
	tracked, err := l.store.Count(ctx, now)
	if err != nil {
		return Stats{}, errors.Wrapf(err, "stats %s", l.cfg.Name)
	}
	return Stats{
		Policy:          l.cfg.Name,
		TrackedKeys:     tracked,
		Violations:      l.violations.countSince(now.Add(-period)),
		Period:          period,
		TotalViolations: l.violations.len(),
	}, nil
}

// Violations returns up to limit entries, most recent first.
func (l *Limiter) Violations(limit int) []Violation {
	return l.violations.recent(limit)
}

func (l *Limiter) sweepLoop(interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := l.now()
	tracked, err := l.store.Sweep(ctx, now)
	if err != nil {
		l.logger.WithField("policy", l.cfg.Name).Error("rate limit sweep failed: ", err)
		return
	}
	l.violations.prune(now.Add(-l.cfg.ViolationRetention))
	if l.recorder != nil {
		l.recorder.SetTrackedKeys(l.cfg.Name, tracked)
	}
}

// Close stops the background sweep. Safe to call more than once.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		if l.stop != nil {
			close(l.stop)
			<-l.done
		}
	})
}

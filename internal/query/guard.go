package query

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
)

const (
	DefaultSlowThreshold = 100 * time.Millisecond
	DefaultTimeout       = 30 * time.Second

	maxDescriptionLen = 200
)

// Guard times reads, reports slow ones and bounds how long a caller waits for them.
type Guard struct {
	logger        observability.Logger
	metrics       *observability.Metrics
	slowThreshold time.Duration
	timeout       time.Duration
	now           func() time.Time
}

func NewGuard(logger observability.Logger, metrics *observability.Metrics, slowThreshold, timeout time.Duration) *Guard {
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowThreshold
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{
		logger:        logger,
		metrics:       metrics,
		slowThreshold: slowThreshold,
		timeout:       timeout,
		now:           time.Now,
	}
}

// SetClock replaces the time source; used by tests.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

type Timer struct {
	guard       *Guard
	description string
	component   string
	start       time.Time
}

func (g *Guard) Start(description, component string) *Timer {
	return &Timer{guard: g, description: description, component: component, start: g.now()}
}

// Done records the read's duration and logs it when it crossed the slow threshold.
func (t *Timer) Done(rows int, fields map[string]interface{}) time.Duration {
	g := t.guard
	elapsed := g.now().Sub(t.start)
	if g.metrics != nil {
		g.metrics.ObserveQuery(t.component, elapsed)
	}
	if elapsed <= g.slowThreshold {
		return elapsed
	}

	record := map[string]interface{}{
		"query":       truncate(t.description, maxDescriptionLen),
		"duration_ms": elapsed.Milliseconds(),
		"rows":        rows,
		"component":   t.component,
		"threshold":   g.slowThreshold.String(),
	}
	for k, v := range fields {
		if _, taken := record[k]; !taken {
			record[k] = v
		}
	}
	g.logger.WithFields(record).Warn("slow query")
	return elapsed
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

type runOptions struct {
	timeout time.Duration
	fields  map[string]interface{}
}

type RunOption func(*runOptions)

// WithTimeout overrides the guard's timeout for one read.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// WithFields adds context to the slow-query record.
func WithFields(fields map[string]interface{}) RunOption {
	return func(o *runOptions) { o.fields = fields }
}

type outcome[T any] struct {
	val  T
	rows int
	err  error
}

// Run executes fn and waits at most the guard's timeout for it. When the deadline wins the
// caller gets domain.ErrQueryTimeout; fn keeps running with a cancelled context.
func Run[T any](ctx context.Context, g *Guard, description, component string, fn func(context.Context) (T, int, error), opts ...RunOption) (T, error) {
	o := runOptions{timeout: g.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	timer := g.Start(description, component)
	done := make(chan outcome[T], 1)
	go func() {
		val, rows, err := fn(ctx)
		done <- outcome[T]{val: val, rows: rows, err: err}
	}()

	var zero T
	select {
	case res := <-done:
		timer.Done(res.rows, o.fields)
		return res.val, res.err
	case <-ctx.Done():
		timer.Done(0, o.fields)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, errors.Wrapf(domain.ErrQueryTimeout, "%s exceeded %s", truncate(description, maxDescriptionLen), o.timeout)
		}
		return zero, ctx.Err()
	}
}

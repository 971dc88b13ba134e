package http

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/idempotency"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
	"github.com/robertarktes/ticket-issuance-engine/internal/rateLimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

type ctxKey int

const loggerKey ctxKey = iota

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"
	UserIDHeader         = "X-User-ID"
)

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

// LoggerFrom returns the request-scoped logger set by LoggerMiddleware.
func LoggerFrom(ctx context.Context, fallback observability.Logger) observability.Logger {
	if l, ok := ctx.Value(loggerKey).(observability.Logger); ok {
		return l
	}
	return fallback
}

func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			entry := logger.WithField("request_id", middleware.GetReqID(r.Context()))
			ctx := context.WithValue(r.Context(), loggerKey, entry)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			entry.WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			}).Debug("request served")
		})
	}
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := observability.Tracer("http").Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CallerMetadata identifies the caller for rate limiting and violation records.
func CallerMetadata(r *http.Request) rateLimit.Metadata {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return rateLimit.Metadata{
		IP:        ip,
		UserID:    r.Header.Get(UserIDHeader),
		Endpoint:  r.Method + " " + r.URL.Path,
		UserAgent: r.UserAgent(),
	}
}

// SetRateLimitHeaders writes the standing of a caller against a policy.
func SetRateLimitHeaders(w http.ResponseWriter, res rateLimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Total))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		h.Set("Retry-After", retryAfterSeconds(res.RetryAfter))
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// RateLimitMiddleware counts every request against limiter. A nil limiter passes through.
// Store failures let the request through so an unavailable store does not take the API down.
func RateLimitMiddleware(limiter *rateLimit.Limiter, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta := CallerMetadata(r)
			res, err := limiter.Increment(r.Context(), meta.Identity(), meta)
			if err != nil {
				LoggerFrom(r.Context(), logger).WithField("policy", limiter.Name()).Error("rate limit store: ", err)
				next.ServeHTTP(w, r)
				return
			}
			SetRateLimitHeaders(w, res)
			if !res.Allowed {
				writeError(w, res.Err(limiter.Name()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the stored response of a POST carrying an Idempotency-Key.
// A key still in flight is rejected; server errors are not stored so the client may retry.
func IdempotencyMiddleware(idemp *idempotency.Idempotency, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) < 16 || len(key) > 255 {
				writeError(w, domain.InvalidSelectionf("invalid %s", IdempotencyKeyHeader))
				return
			}
			key = "http:" + key
			log := LoggerFrom(r.Context(), logger)

			existing, err := idemp.Get(r.Context(), key)
			if err != nil {
				writeError(w, err)
				return
			}
			if existing != nil {
				replay(w, existing)
				return
			}

			if err := idemp.Claim(r.Context(), key); err != nil {
				if errors.Is(err, domain.ErrDuplicateConfirmation) {
					writeJSON(w, http.StatusConflict, errorBody{Error: "request with this idempotency key is in progress", Code: "in_progress"})
					return
				}
				writeError(w, err)
				return
			}

			cw := &captureWriter{ResponseWriter: w}
			next.ServeHTTP(cw, r)
			if cw.status == 0 {
				cw.status = http.StatusOK
			}

			if cw.status >= http.StatusInternalServerError || cw.status == http.StatusTooManyRequests {
				if err := idemp.Release(r.Context(), key); err != nil {
					log.Warn("release idempotency key: ", err)
				}
				return
			}
			resp := idempotency.Response{
				Status:      cw.status,
				ContentType: cw.Header().Get("Content-Type"),
				Result:      cw.body.Bytes(),
			}
			if err := idemp.Set(r.Context(), key, resp); err != nil {
				log.Warn("store idempotent response: ", err)
			}
		})
	}
}

func replay(w http.ResponseWriter, resp *idempotency.Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(ReplayedHeader, "true")
	w.WriteHeader(resp.Status)
	w.Write(resp.Result)
}

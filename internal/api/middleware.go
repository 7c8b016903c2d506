package api

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/qkdnet/kmed/internal/identity"
	"github.com/qkdnet/kmed/internal/ratelimit"
)

// RequestIDMiddleware tags every request with an id, echoed in the
// X-Request-ID response header and attached to the context logger.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			requestID := request.Header.Get("X-Request-ID")
			ctx := AddRequestID(request.Context(), requestID)

			if requestID == "" {
				requestID = GetRequestID(ctx)
			}
			writer.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(writer, request.WithContext(ctx))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs each request with method, path, status and
// duration. Completion level follows the status class.
func LoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: writer,
				statusCode:     http.StatusOK,
			}

			shortID := GetRequestID(request.Context())
			if len(shortID) > 8 {
				shortID = shortID[:8]
			}

			logger := zerolog.Ctx(request.Context()).With().
				Str("method", request.Method).
				Str("path", request.URL.Path).
				Str("req_id", shortID).
				Logger()
			logger.Debug().Msgf("%s %s", request.Method, request.URL.Path)

			next.ServeHTTP(wrapped, request)

			duration := formatDuration(time.Since(start))
			completion := logger.With().
				Int("status", wrapped.statusCode).
				Str("duration", duration).
				Logger()
			msg := statusSymbol(wrapped.statusCode) + " " +
				http.StatusText(wrapped.statusCode) + " (" + duration + ")"

			switch {
			case wrapped.statusCode >= 500:
				completion.Error().Msg(msg)
			case wrapped.statusCode >= 400:
				completion.Warn().Msg(msg)
			default:
				completion.Info().Msg(msg)
			}
		})
	}
}

func statusSymbol(statusCode int) string {
	switch {
	case statusCode >= 500:
		return "✗"
	case statusCode >= 400:
		return "⚠"
	default:
		return "✓"
	}
}

// formatDuration renders a duration with units matched to its size, so
// fast requests show in µs and slow ones in ms or seconds.
func formatDuration(duration time.Duration) string {
	if duration <= 0 {
		return "0s"
	}
	duration = duration.Round(time.Microsecond)
	switch {
	case duration < time.Millisecond:
		return fmt.Sprintf("%dµs", duration.Microseconds())
	case duration < time.Second:
		return fmt.Sprintf("%.2fms", float64(duration)/float64(time.Millisecond))
	case duration < time.Minute:
		return fmt.Sprintf("%.2fs", duration.Seconds())
	default:
		return duration.Truncate(time.Second).String()
	}
}

// RateLimitMiddleware enforces the per-SAE request budget. Callers
// without a resolvable identity share the anonymous budget. A nil
// registry disables limiting.
func RateLimitMiddleware(limits *ratelimit.Registry, resolver identity.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limits == nil {
			return next
		}
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			var saeID string
			if id, ok := resolver.Resolve(request).Get(); ok {
				saeID = id.SAEID
			}

			limiter := limits.For(saeID)
			if !limiter.Allow(request.Context()) {
				zerolog.Ctx(request.Context()).Warn().
					Str("sae_id", saeID).
					Msg("Request rejected, SAE over its request budget")
				WriteRateLimitError(writer, retryAfterHint(limiter.GetUsage().RequestsLimit))
				return
			}

			next.ServeHTTP(writer, request)
		})
	}
}

// retryAfterHint estimates when the next token lands. The bucket
// refills continuously at the per-minute rate.
func retryAfterHint(perMinute int) time.Duration {
	if perMinute <= 0 {
		return time.Second
	}
	return time.Minute / time.Duration(perMinute)
}

// ConcurrencyLimiter caps in-flight requests with an atomic counter.
// The limit can be swapped at runtime on config reload; zero or
// negative means unlimited.
type ConcurrencyLimiter struct {
	limit   atomic.Int64
	current atomic.Int64
}

// NewConcurrencyLimiter creates a limiter with the given cap.
func NewConcurrencyLimiter(maxLimit int64) *ConcurrencyLimiter {
	limiter := &ConcurrencyLimiter{}
	limiter.limit.Store(maxLimit)
	return limiter
}

// SetLimit swaps the cap.
func (l *ConcurrencyLimiter) SetLimit(maxLimit int64) {
	l.limit.Store(maxLimit)
}

// GetLimit returns the configured cap.
func (l *ConcurrencyLimiter) GetLimit() int64 {
	return l.limit.Load()
}

// CurrentInFlight returns the number of requests currently admitted.
func (l *ConcurrencyLimiter) CurrentInFlight() int64 {
	return l.current.Load()
}

// TryAcquire claims a slot, reporting false when the cap is reached.
func (l *ConcurrencyLimiter) TryAcquire() bool {
	limit := l.limit.Load()
	if limit <= 0 {
		l.current.Add(1)
		return true
	}

	for {
		current := l.current.Load()
		if current >= limit {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release frees a slot claimed by TryAcquire.
func (l *ConcurrencyLimiter) Release() {
	l.current.Add(-1)
}

// ConcurrencyMiddleware sheds requests over the in-flight cap with 503.
func ConcurrencyMiddleware(limiter *ConcurrencyLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if !limiter.TryAcquire() {
				zerolog.Ctx(request.Context()).Warn().
					Int64("limit", limiter.GetLimit()).
					Int64("current", limiter.CurrentInFlight()).
					Msg("Request rejected, concurrency limit reached")
				WriteError(writer, http.StatusServiceUnavailable,
					"server at maximum capacity, retry later")
				return
			}
			defer limiter.Release()
			next.ServeHTTP(writer, request)
		})
	}
}

// MaxBodyBytesMiddleware caps request body size via http.MaxBytesReader.
// The provider is consulted per request so config reloads take effect
// without a restart.
func MaxBodyBytesMiddleware(limitProvider func() int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			limit := limitProvider()
			if limit > 0 && request.Body != nil {
				request.Body = http.MaxBytesReader(writer, request.Body, limit)
			}
			next.ServeHTTP(writer, request)
		})
	}
}

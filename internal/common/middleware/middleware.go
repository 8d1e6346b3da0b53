package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"depositrecon/internal/common/api"
	"depositrecon/internal/common/events"
)

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	return events.CorrelationID(ctx)
}

// CorrelationID middleware adds a correlation ID to each request
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = ulid.Make().String()
		}

		w.Header().Set("X-Correlation-ID", correlationID)
		next.ServeHTTP(w, r.WithContext(events.WithCorrelationID(r.Context(), correlationID)))
	})
}

// Logger creates a structured logging middleware
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"correlation_id", GetCorrelationID(r.Context()),
					"request_id", chimw.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Recoverer recovers from panics and logs them
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						"panic", rec,
						"stack", string(debug.Stack()),
						"path", r.URL.Path,
						"method", r.Method,
						"correlation_id", GetCorrelationID(r.Context()),
					)
					api.WriteError(w, http.StatusInternalServerError, api.ErrCodeInternalError, "An unexpected error occurred")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyAuth accepts "Bearer <key>", "ApiKey <key>" or an X-API-Key header
// matching one of keys. An empty key list disables the check.
func APIKeyAuth(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				authHeader := r.Header.Get("Authorization")
				switch {
				case strings.HasPrefix(authHeader, "Bearer "):
					apiKey = strings.TrimPrefix(authHeader, "Bearer ")
				case strings.HasPrefix(authHeader, "ApiKey "):
					apiKey = strings.TrimPrefix(authHeader, "ApiKey ")
				}
			}
			if apiKey == "" {
				api.WriteError(w, http.StatusUnauthorized, api.ErrCodeUnauthorized, "Missing API key")
				return
			}

			for _, k := range keys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(apiKey)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			api.WriteError(w, http.StatusUnauthorized, api.ErrCodeUnauthorized, "Invalid API key")
		})
	}
}

// IdempotencyStore keeps replayable responses.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (response []byte, found bool, err error)
	Set(ctx context.Context, key string, response []byte, ttl time.Duration) error
}

type storedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Idempotency replays the stored response of a previous mutating request
// carrying the same Idempotency-Key on the same route.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			idempotencyKey := r.Header.Get("Idempotency-Key")
			if idempotencyKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Method + ":" + r.URL.Path + ":" + idempotencyKey

			cached, found, err := store.Get(r.Context(), key)
			if err != nil {
				logger.Warn("idempotency lookup failed", "error", err, "key", idempotencyKey)
				next.ServeHTTP(w, r)
				return
			}

			if found {
				var stored storedResponse
				if err := json.Unmarshal(cached, &stored); err == nil {
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("X-Idempotency-Replayed", "true")
					w.WriteHeader(stored.Status)
					_, _ = w.Write(stored.Body)
					return
				}
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 200 && rec.status < 300 {
				payload, _ := json.Marshal(storedResponse{Status: rec.status, Body: rec.body})
				if err := store.Set(r.Context(), key, payload, ttl); err != nil {
					logger.Warn("idempotency store failed", "error", err, "key", idempotencyKey)
				}
			}
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// KeyLimiter hands out one token bucket per client key.
type KeyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewKeyLimiter allows rps requests per second per key with the given burst.
func NewKeyLimiter(rps float64, burst int) *KeyLimiter {
	return &KeyLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// Allow consumes a token for key.
func (l *KeyLimiter) Allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// ClientIP keys requests by the first X-Forwarded-For hop or the remote host.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit rejects requests over the per-key budget with 429.
func RateLimit(limiter *KeyLimiter, keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(keyFunc(r)) {
				w.Header().Set("Retry-After", "1")
				api.WriteError(w, http.StatusTooManyRequests, api.ErrCodeRateLimited, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package handlers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aidarkhanov/nanoid"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/errs"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/logger"
)

// RateLimiter counts requests per subject in a fixed window.
// *redis.Client implements it.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, subject string, limit int) (exceeded bool, remaining int, err error)
}

type Middleware struct {
	log     *zap.SugaredLogger
	limiter RateLimiter
	limit   int
}

// NewMiddleware builds the inbound middleware. A nil limiter or a
// non-positive limit disables rate limiting.
func NewMiddleware(log *zap.SugaredLogger, limiter RateLimiter, limit int) *Middleware {
	return &Middleware{
		log:     log,
		limiter: limiter,
		limit:   limit,
	}
}

func newRequestID() string {
	id, err := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 28)
	if err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + id
}

// RequestContext tags each request with an id and a child logger, and logs
// the request once it completes.
func (m *Middleware) RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		log := m.log.With("request_id", requestID)
		ctx := logger.WithContext(r.Context(), log)

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		log.Infow("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// RateLimitMiddleware enforces a per-client-address request limit. Limiter
// errors let the request through.
func (m *Middleware) RateLimitMiddleware(next http.Handler) http.Handler {
	if m.limiter == nil || m.limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := clientAddress(r)
		exceeded, remaining, err := m.limiter.CheckRateLimit(r.Context(), subject, m.limit)
		if err != nil {
			logger.FromContext(r.Context(), m.log).Warnw("rate limit check failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", m.limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if exceeded {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errs.Payload{
				Success: false,
				Error: errs.ErrorBody{
					Message: "rate limit exceeded",
					Type:    "rate_limit_exceeded",
					Code:    http.StatusTooManyRequests,
				},
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Credential-Preview, X-Latency-Ms, X-Usage-Accounting")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientAddress strips the port from RemoteAddr, which chi's RealIP has
// already rewritten when a proxy header was present.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package middleware

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	apperrors "licensor/internal/errors"
)

// RateLimiter applies a token bucket per license key so one noisy client
// cannot starve the rest. Requests without a recognizable key fall back to
// the remote address.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter allowing rps sustained requests with the
// given burst per key.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *RateLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Handler rejects requests that exceed the key's budget with 429.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := requestKey(r)
		if !l.bucket(key).Allow() {
			problem := apperrors.NewProblemDetails(http.StatusTooManyRequests,
				"about:blank", "Too Many Requests", "activation rate limit exceeded", r.URL.Path).
				WithExtension("trace_id", middleware.GetReqID(r.Context()))
			render.Status(r, http.StatusTooManyRequests)
			render.Render(w, r, problem)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestKey(r *http.Request) string {
	if key := r.URL.Query().Get("licenseKey"); key != "" {
		return key
	}
	if key := r.Header.Get("X-License-Key"); key != "" {
		return key
	}
	return r.RemoteAddr
}

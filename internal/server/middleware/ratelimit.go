package middleware

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimiter is a process-wide token bucket for mutating endpoints.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter allowing limit requests per second with
// the given burst. A limit of 0 disables limiting.
func NewRateLimiter(limit float64, burst int) *RateLimiter {
	if limit <= 0 {
		return &RateLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(limit), burst)}
}

// Middleware returns 429 once the bucket is empty.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limiter != nil && !rl.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

package api

import (
	"net/http"

	"golang.org/x/time/rate"
)

// newCreateLimiter returns the server-wide bucket for context creation.
// A non-positive rate disables limiting.
func newCreateLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// limitCreates rejects requests with 429 once the create bucket is empty.
func (s *Server) limitCreates(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			createsRejectedTotal.Inc()
			s.writeError(w, http.StatusTooManyRequests, "context creation rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

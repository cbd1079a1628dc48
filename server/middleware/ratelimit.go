package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/teilomillet/relay/errors"
	"github.com/teilomillet/relay/server/metrics"
	"golang.org/x/time/rate"
)

// RateLimiter limits requests per client address with a token bucket each.
type RateLimiter struct {
	every   time.Duration
	burst   int
	metrics *metrics.Metrics

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// NewRateLimiter allows burst requests per client, refilled one per every.
func NewRateLimiter(every time.Duration, burst int, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		every:    every,
		burst:    burst,
		metrics:  m,
		visitors: make(map[string]*rate.Limiter),
	}
}

func (l *RateLimiter) limiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.visitors[client]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(l.every), l.burst)
		l.visitors[client] = limiter
	}
	return limiter
}

// Handler rejects requests over the limit with a rate_limit_error.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := r.RemoteAddr
		if host, _, err := net.SplitHostPort(client); err == nil {
			client = host
		}

		if !l.limiter(client).Allow() {
			if l.metrics != nil {
				l.metrics.RateLimitHits.WithLabelValues(client).Inc()
			}
			retryAfter := int(math.Ceil(l.every.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			errors.WriteError(w, errors.NewRateLimitError(GetRequestID(r.Context()), retryAfter))
			return
		}

		next.ServeHTTP(w, r)
	})
}

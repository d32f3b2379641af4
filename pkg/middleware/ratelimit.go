package middleware

import (
	"context"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/ngoyal88/flowlog/pkg/cache"
	"golang.org/x/time/rate"
)

// NewRateLimiter limits requests per client address. With Redis the budget
// is shared by every flowlog process; without it, or when Redis errors, a
// process-local token bucket applies.
func NewRateLimiter(rdb *cache.Client, name string, rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}

	local := rate.NewLimiter(rate.Limit(rps), burst)

	var distributed *redis_rate.Limiter
	limit := redis_rate.Limit{
		Rate:   int(math.Max(1, math.Round(rps))),
		Burst:  burst,
		Period: time.Second,
	}
	if rdb != nil {
		distributed = redis_rate.NewLimiter(rdb.Redis())
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if distributed != nil {
				ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
				res, err := distributed.Allow(ctx, fmt.Sprintf("ratelimit:%s:%s", name, clientKey(r)), limit)
				cancel()
				if err == nil {
					if res.Allowed == 0 {
						reject(w, res.RetryAfter)
						return
					}
					next.ServeHTTP(w, r)
					return
				}
				log.Printf("[RATELIMIT] redis unavailable, using local limiter: %v", err)
			}

			if !local.Allow() {
				reject(w, time.Second)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, retryAfter time.Duration) {
	rateLimited.Inc()
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	}
	respondError(w, "Too Many Requests", http.StatusTooManyRequests)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

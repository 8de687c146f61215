package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// limiterIdleTTL evicts per-IP limiters that have gone quiet.
const limiterIdleTTL = 10 * time.Minute

// RateLimit is the edge per-IP token-bucket limiter. The usage gate applies
// the finer per-user and per-IP generation limits; this only sheds abusive
// request floods before they reach a handler. limit is requests per window,
// also used as the burst size.
func RateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	perSecond := rate.Limit(float64(limit) / window.Seconds())
	var mu sync.Mutex
	limiters := cache.New(limiterIdleTTL, limiterIdleTTL)

	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if v, found := limiters.Get(ip); found {
			limiters.Set(ip, v, limiterIdleTTL)
			return v.(*rate.Limiter)
		}
		l := rate.NewLimiter(perSecond, limit)
		limiters.Set(ip, l, limiterIdleTTL)
		return l
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := limiterFor(ClientIP(r))
			if !l.Allow() {
				res := l.Reserve()
				retryIn := int(res.Delay().Seconds()) + 1
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(retryIn))
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

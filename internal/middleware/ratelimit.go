package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit allows limit requests per window for each caller, with bursts
// up to limit. Callers are keyed by user id when authenticated and by
// client address otherwise. Idle visitors are forgotten after a few windows.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	every := rate.Every(per / time.Duration(limit))
	idle := 3 * per

	var mu sync.Mutex
	visitors := make(map[string]*visitor)
	lastSweep := time.Now()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)
			now := time.Now()
			mu.Lock()
			if now.Sub(lastSweep) > idle {
				for key, v := range visitors {
					if now.Sub(v.lastSeen) > idle {
						delete(visitors, key)
					}
				}
				lastSweep = now
			}
			v, ok := visitors[key]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(every, limit)}
				visitors[key] = v
			}
			v.lastSeen = now
			allowed := v.limiter.AllowN(now, 1)
			mu.Unlock()

			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(per/time.Second/time.Duration(limit))+1))
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitKey expects chi's RealIP to have already resolved forwarded
// headers into RemoteAddr.
func rateLimitKey(r *http.Request) string {
	if uid := UserIDFromContext(r.Context()); uid != "" {
		return "user:" + uid
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + strings.Trim(host, "[]")
}

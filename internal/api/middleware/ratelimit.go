package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter *rate.Limiter
	last    time.Time
}

type visitorTable struct {
	mu       sync.Mutex
	visitors map[string]*limiterEntry
}

func (t *visitorTable) allow(ip string, rps float64, burst int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	le, ok := t.visitors[ip]
	if !ok {
		le = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		t.visitors[ip] = le
	}
	le.last = time.Now()
	return le.limiter.Allow()
}

func (t *visitorTable) gc() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.visitors {
		if time.Since(v.last) > 10*time.Minute {
			delete(t.visitors, k)
		}
	}
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit applies a simple IP-based token bucket limiter.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	table := &visitorTable{visitors: map[string]*limiterEntry{}}
	go func() {
		for range time.Tick(5 * time.Minute) {
			table.gc()
		}
	}()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !table.allow(clientIP(r), rps, burst) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"success":false,"error":{"code":"rate_limited","message":"too many requests"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

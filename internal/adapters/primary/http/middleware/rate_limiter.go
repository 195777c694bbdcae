package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(r *http.Request) string

// ByClientIP charges the caller's address.
func ByClientIP(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

// ByIdentity charges the authenticated principal, or the address for
// anonymous requests. It must run after JWTMiddleware.
func ByIdentity(r *http.Request) string {
	if identity, ok := GetIdentity(r.Context()); ok {
		return "user:" + identity.UserID
	}
	return ByClientIP(r)
}

// LimiterConfig sizes a KeyedLimiter.
type LimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	// IdleTTL is how long an untouched bucket survives. Zero means five
	// minutes.
	IdleTTL time.Duration
}

// KeyedLimiter is a token bucket per key. Idle buckets are swept on the
// request path so no background goroutine is needed.
type KeyedLimiter struct {
	cfg LimiterConfig
	key KeyFunc
	now func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter builds a limiter charging requests to key(r).
func NewKeyedLimiter(cfg LimiterConfig, key KeyFunc) *KeyedLimiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	if key == nil {
		key = ByClientIP
	}
	return &KeyedLimiter{
		cfg:     cfg,
		key:     key,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Reserve takes one token for key. When none is available it returns false
// and how long until one will be.
func (l *KeyedLimiter) Reserve(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) > l.cfg.IdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.cfg.IdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Allow reports whether key may proceed now.
func (l *KeyedLimiter) Allow(key string) bool {
	ok, _ := l.Reserve(key)
	return ok
}

// Len reports the number of live buckets.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware rejects over-budget requests with 429 and a Retry-After hint.
func (l *KeyedLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.Reserve(l.key(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			WriteProblem(w, r, http.StatusTooManyRequests, Problem{
				Error:     "Too many requests",
				Code:      apperrors.CodeRateLimited,
				Retryable: true,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// socket peer address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

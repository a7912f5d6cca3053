package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/utafrali/identity/pkg/httputil"
)

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	RPS   float64
	Burst int
	// IdleTTL is how long an idle client keeps its bucket.
	IdleTTL time.Duration
	// TrustProxy makes X-Forwarded-For and X-Real-IP authoritative for the
	// client address. Enable only behind a proxy that sets them.
	TrustProxy bool
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a token bucket per client IP. Credential endpoints
// mount it to slow down password guessing.
type RateLimiter struct {
	cfg    RateLimitConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter and starts its eviction loop. Call Stop on
// shutdown.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 3 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	rl := &RateLimiter{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		visitors: make(map[string]*visitor),
		stop:     make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Stop ends the eviction loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow reports whether the client may make a request now.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RPS), rl.cfg.Burst)}
		rl.visitors[ip] = v
	}
	now := rl.now()
	v.lastSeen = now
	rl.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429 and a Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIPFrom(r, rl.cfg.TrustProxy)
		if !rl.Allow(ip) {
			rl.logger.WarnContext(r.Context(), "rate limit exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfterSeconds()))
			httputil.WriteErrorCode(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.cfg.RPS <= 0 {
		return int(rl.cfg.IdleTTL.Seconds())
	}
	secs := int(1/rl.cfg.RPS + 0.999)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(rl.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.evict()
		}
	}
}

func (rl *RateLimiter) evict() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.cfg.IdleTTL {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// clientIP returns the peer address without trusting forwarding headers.
func clientIP(r *http.Request) string {
	return clientIPFrom(r, false)
}

func clientIPFrom(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

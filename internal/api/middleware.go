package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/agentguard/internal/audit"
	"github.com/org/agentguard/internal/auth"
	"github.com/org/agentguard/internal/gateway"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := audit.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware resolves the caller's Principal from X-Gateway-Token (or a
// bearer Authorization header) and attaches it to the context.
func authMiddleware(tokens *auth.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plaintext := r.Header.Get("X-Gateway-Token")
			if plaintext == "" {
				plaintext, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if plaintext == "" {
				writeError(w, http.StatusUnauthorized, gateway.KindPermissionDenied, "missing X-Gateway-Token header")
				return
			}
			principal, err := tokens.Authenticate(plaintext)
			if err != nil {
				writeError(w, http.StatusUnauthorized, gateway.KindPermissionDenied, err.Error())
				return
			}
			ctx := withPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func operatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principalFromCtx(r.Context()).IsOperator() {
			writeError(w, http.StatusForbidden, gateway.KindPermissionDenied, "operator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which the
// websocket upgrade needs.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// rateLimiter keeps one token bucket per client address.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rate    rate.Limit
	burst   int
	log     zerolog.Logger
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter allows rps requests per second per client. A burst below
// one would refuse every request, so it is raised to one.
func newRateLimiter(rps float64, burst int, logger zerolog.Logger) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		clients: make(map[string]*client),
		rate:    rate.Limit(rps),
		burst:   burst,
		log:     logger,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	c, ok := rl.clients[ip]
	if !ok {
		rl.evict(now)
		c = &client{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// evict drops clients idle for more than a few minutes. Called with mu held.
func (rl *rateLimiter) evict(now time.Time) {
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > 3*time.Minute {
			delete(rl.clients, ip)
		}
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			rl.log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, gateway.KindBadRequest, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the peer address. Forwarding headers are ignored; the gateway
// listens on loopback by default.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

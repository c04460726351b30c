package server

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// RequireBearer rejects requests without "Authorization: Bearer <token>".
// /health stays public.
func RequireBearer(token string) func(http.Handler) http.Handler {
	return requireAuth(func(got string) bool {
		return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
	})
}

// RequireJWT accepts bearer tokens that are HMAC-signed JWTs issued with
// secret, as minted by NewToken. Expired tokens are rejected.
func RequireJWT(secret []byte) func(http.Handler) http.Handler {
	return requireAuth(func(got string) bool {
		token, err := jwt.Parse(got, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			return false
		}
		sub, err := token.Claims.GetSubject()
		return err == nil && sub != ""
	})
}

// NewToken mints an HS256 token for subject valid for ttl.
func NewToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) < MinSecretLen {
		return "", fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLen)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// MinSecretLen is the shortest accepted JWT secret.
const MinSecretLen = 32

func requireAuth(valid func(token string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorResponseWithCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
				return
			}
			scheme, got, ok := strings.Cut(authHeader, " ")
			if !ok || scheme != "Bearer" {
				writeErrorResponseWithCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid authorization header")
				return
			}
			if !valid(got) {
				writeErrorResponseWithCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Limiter keeps one token bucket per client address.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter allows requests per window per client with burst capacity.
func NewLimiter(requests int, window time.Duration, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(float64(requests) / window.Seconds()),
		burst:   burst,
	}
}

// Allow reports whether key may proceed and, if not, how long to wait.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := time.Now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	// Drop idle buckets opportunistically.
	if len(l.buckets) > 1024 {
		for k, v := range l.buckets {
			if now.Sub(v.lastSeen) > 10*time.Minute {
				delete(l.buckets, k)
			}
		}
	}
	l.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if res.OK() && res.DelayFrom(now) == 0 {
		return true, 0
	}
	if res.OK() {
		res.CancelAt(now)
	}
	return false, max(time.Duration(float64(time.Second)/float64(l.rate)), time.Second)
}

// RateLimit answers 429 with Retry-After once a client exceeds l.
func RateLimit(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				key = r.RemoteAddr
			}
			if ok, retry := l.Allow(key); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
				writeErrorResponseWithCode(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// LogRequests logs one line per request.
func LogRequests(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.InfoContext(r.Context(), "http", "method", r.Method, "path", r.URL.Path, "status", rec.status, "dur", time.Since(start).Round(time.Microsecond))
		})
	}
}

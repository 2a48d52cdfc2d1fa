package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// publicPaths never require authentication.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// AuthConfig selects the authentication mode. With neither an API key
// nor a JWT secret configured the surface is open; configuring either
// closes it.
type AuthConfig struct {
	APIKey    string
	JWTSecret string
}

// AuthMiddleware accepts X-API-Key (constant-time compare) or an HS256
// Bearer token, whichever is configured.
func AuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if cfg.APIKey == "" && cfg.JWTSecret == "" {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.APIKey != "" {
				key := r.Header.Get("X-API-Key")
				if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			if cfg.JWTSecret != "" {
				if token := bearerToken(r); token != "" {
					if err := validateJWT(token, cfg.JWTSecret); err == nil {
						next.ServeHTTP(w, r)
						return
					}
					WriteUnauthorized(w, "Invalid or expired token")
					return
				}
			}
			WriteUnauthorized(w, "")
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

func validateJWT(tokenStr, secret string) error {
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// LimiterStore answers whether one more request from a client is
// allowed right now. Implementations must be safe for concurrent use.
type LimiterStore interface {
	Allow(ctx context.Context, clientID string) (bool, error)
}

// MemoryLimiterStore keeps one token bucket per client in process.
// Suitable for single-replica deployments; multi-replica setups use
// the Redis store so the budget is shared.
type MemoryLimiterStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiterStore starts the stale-entry reaper in the
// background.
func NewMemoryLimiterStore(rps, burst int) *MemoryLimiterStore {
	s := &MemoryLimiterStore{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go s.reap()
	return s
}

func (s *MemoryLimiterStore) Allow(ctx context.Context, clientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visitors[clientID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.visitors[clientID] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow(), nil
}

// reap drops entries idle for more than 3 minutes.
func (s *MemoryLimiterStore) reap() {
	for {
		time.Sleep(time.Minute)
		s.mu.Lock()
		for id, v := range s.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(s.visitors, id)
			}
		}
		s.mu.Unlock()
	}
}

// RateLimitMiddleware keys the bucket by API key when present, else by
// client IP. A limiter store failure fails open: availability of the
// read surface beats strict limiting.
func RateLimitMiddleware(store LimiterStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := store.Allow(r.Context(), clientID(r))
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				WriteTooManyRequests(w, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientID(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return "ip:" + ip
}

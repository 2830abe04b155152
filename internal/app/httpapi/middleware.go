package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/aria-network/reward-engine/pkg/logger"
)

type contextKey string

const userIDKey contextKey = "user_id"

// UserID returns the authenticated user for the request, or "" when the
// request was not authenticated.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// TokenAuth maps static bearer tokens to user IDs. It is the only auth
// surface the engine carries; session management lives elsewhere.
type TokenAuth struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewTokenAuth(tokens map[string]string) *TokenAuth {
	copied := make(map[string]string, len(tokens))
	for token, userID := range tokens {
		copied[token] = userID
	}
	return &TokenAuth{tokens: copied}
}

// Grant registers a token for a user.
func (a *TokenAuth) Grant(token, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[token] = userID
}

// Handler rejects requests without a known bearer token and stores the
// resolved user ID in the request context.
func (a *TokenAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		a.mu.RLock()
		userID, found := a.tokens[token]
		a.mu.RUnlock()
		if !found {
			writeError(w, http.StatusUnauthorized, errors.New("unknown token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

// RateLimiter bounds requests per caller. Authenticated requests limit by
// user, anonymous ones by remote address.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	log      *logger.Logger
}

func NewRateLimiter(perSecond, burst int, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		log:      log,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, ok := rl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := UserID(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.limiter(key).Allow() {
			rl.log.WithField("key", key).WithField("path", r.URL.Path).Warn("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

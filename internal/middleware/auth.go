package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates a bearer token of the form "keyID.secret" and
// returns the caseworker the key belongs to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

// HTTPBearerAuthMiddleware enforces bearer-token auth. On success the
// authenticated caseworker's ID is stored in the request context.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caseworkerID, err := authorize(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if cfg.onFailure != nil {
					cfg.onFailure()
				}
				if cfg.rateLimiter != nil {
					ip := ExtractIP(r.RemoteAddr)
					if !cfg.rateLimiter.RecordFailureAndAllow(ip) {
						http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
						return
					}
				}
				writeUnauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), caseworkerIDKey, caseworkerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type contextKey string

const caseworkerIDKey contextKey = "caseworker_id"

// CaseworkerIDFromContext retrieves the authenticated caseworker's ID.
func CaseworkerIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(caseworkerIDKey).(uuid.UUID)
	return id, ok
}

// NewContextWithCaseworkerID returns a new context carrying the caseworker ID.
func NewContextWithCaseworkerID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, caseworkerIDKey, id)
}

func authorize(ctx context.Context, authorizationHeader string, validator TokenValidator) (uuid.UUID, error) {
	if validator == nil {
		return uuid.Nil, errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return uuid.Nil, errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return uuid.Nil, err
	}
	caseworkerID, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return uuid.Nil, err
	}
	if caseworkerID == uuid.Nil {
		return uuid.Nil, errInvalidAuthorizationHeader
	}
	return caseworkerID, nil
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

// SplitToken breaks a "keyID.secret" token into its parts.
func SplitToken(token string) (keyID, secret string, ok bool) {
	keyID, secret, ok = strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

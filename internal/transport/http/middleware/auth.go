package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-social-nosql/internal/domain"
	jwtinfra "github.com/go-social-nosql/internal/infrastructure/jwt"
)

type contextKey string

const ClaimsKey contextKey = "claims"

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (*jwtinfra.Claims, error)
}

// SessionChecker reports whether the session named by a token is still active.
type SessionChecker interface {
	Get(ctx context.Context, userID, sessionID string) (*domain.Session, error)
}

// Auth returns middleware that validates the Bearer JWT, rejects tokens whose
// session has ended and injects claims into context. sessions may be nil.
func Auth(verifier TokenVerifier, sessions SessionChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid authorization header")
				return
			}
			claims, err := verifier.Verify(token)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, codeUnauthorized, "invalid or expired token")
				return
			}
			if sessions != nil {
				_, err := sessions.Get(r.Context(), claims.UserID, claims.SessionID)
				switch {
				case errors.Is(err, domain.ErrInvalidSession):
					writeJSONError(w, http.StatusUnauthorized, string(domain.CodeInvalidSession), "session is no longer valid")
					return
				case err != nil:
					slog.Error("auth: session lookup failed", "user_id", claims.UserID, "session_id", claims.SessionID, "err", err)
					writeJSONError(w, http.StatusInternalServerError, codeInternal, "internal error")
					return
				}
			}
			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken reads the token from an Authorization header. The scheme is
// case-insensitive.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// ClaimsFromContext extracts JWT claims from the request context.
func ClaimsFromContext(ctx context.Context) (*jwtinfra.Claims, bool) {
	c, ok := ctx.Value(ClaimsKey).(*jwtinfra.Claims)
	return c, ok
}

// WithClaims returns ctx carrying claims, as Auth would.
func WithClaims(ctx context.Context, claims *jwtinfra.Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

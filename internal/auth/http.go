// ABOUTME: HTTP middleware authenticating command API callers by connection token
// ABOUTME: Missing credential is 401, rejected credential is 403, authority outage is 503

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/2389/dbrelay/internal/trust"
)

// ErrTokenRejected is returned when the authority does not vouch for a token.
var ErrTokenRejected = errors.New("connection token rejected")

// Authenticator resolves a raw connection token to its connection identity.
type Authenticator interface {
	Authenticate(ctx context.Context, rawToken string) (identity string, err error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// BearerMiddleware authenticates the bearer token and stores the derived identity in the
// request context.
func BearerMiddleware(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			identity, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrTokenRejected) {
					writeAuthError(w, http.StatusForbidden, "connection token rejected")
					return
				}
				if errors.Is(err, trust.ErrAuthorityUnavailable) {
					w.Header().Set("Retry-After", "1")
					writeAuthError(w, http.StatusServiceUnavailable, "token authority unavailable")
					return
				}
				writeAuthError(w, http.StatusInternalServerError, "authentication failed")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
}

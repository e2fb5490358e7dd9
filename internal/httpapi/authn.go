package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"passgate.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// TokenValidator resolves bearer tokens. *auth.Service satisfies it.
type TokenValidator interface {
	Validate(ctx context.Context, accessToken string) (auth.Principal, error)
}

// RequireToken admits only requests carrying a live bearer token and stores
// the resolved principal in the request context.
func RequireToken(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r.Header.Get(authHeader))
			if err != nil {
				writeOAuthError(w, r, auth.ErrInvalidToken, false)
				return
			}
			principal, err := v.Validate(r.Context(), token)
			if err != nil {
				writeOAuthError(w, r, err, false)
				return
			}
			ctx := auth.ContextWithPrincipal(r.Context(), principal, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope admits only principals granted scope. It must run behind RequireToken.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeOAuthError(w, r, auth.ErrInvalidToken, false)
				return
			}
			if !principal.HasScope(scope) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="`+serviceName+`", error="insufficient_scope", scope="`+scope+`"`)
				writeJSON(w, http.StatusForbidden, oauthError{
					Error:            "insufficient_scope",
					ErrorDescription: "The access token does not grant the required scope.",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

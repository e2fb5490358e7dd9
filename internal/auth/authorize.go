package auth

import (
	"slices"
	"time"
)

// Principal is the identity a validated bearer token resolves to.
type Principal struct {
	UserID    string    `json:"user_id,omitempty"`
	Username  string    `json:"username"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PrincipalFromToken builds the principal a stored token authorizes.
func PrincipalFromToken(t *Token) Principal {
	return Principal{
		UserID:    t.UserID,
		Username:  t.Username,
		ClientID:  t.ClientID,
		Scopes:    slices.Clone(t.Scopes),
		ExpiresAt: t.ExpiresAt,
	}
}

// HasScope reports whether the token was granted scope.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

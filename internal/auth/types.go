package auth

import (
	"slices"
	"strings"
	"time"
)

// ClientType is the confidentiality class of a client.
type ClientType string

const (
	// ClientPublic clients cannot keep a secret (browser or native apps).
	ClientPublic ClientType = "public"
	// ClientConfidential clients authenticate with a secret.
	ClientConfidential ClientType = "confidential"
)

// Valid reports whether t is a known confidentiality class.
func (t ClientType) Valid() bool {
	return t == ClientPublic || t == ClientConfidential
}

const (
	// GrantPassword is the resource owner password credentials grant.
	GrantPassword = "password"

	// TokenTypeBearer is the only token type issued.
	TokenTypeBearer = "Bearer"
)

// User is a resource owner.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Scopes       []string
	CreatedAt    time.Time
}

// Client is a registered OAuth2 client application.
type Client struct {
	ID            string
	Type          ClientType
	SecretHash    string
	GrantTypes    []string
	DefaultScopes []string
	CreatedAt     time.Time
}

// IsPublic reports whether the client is a public client.
func (c *Client) IsPublic() bool {
	return c.Type == ClientPublic
}

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// Token is an issued access/refresh token pair bound to one client and one user.
type Token struct {
	ID           string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ClientID     string
	UserID       string
	Username     string
	Scopes       []string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Live reports whether the token is still valid at now.
// A token is valid strictly before its expiry instant.
func (t *Token) Live(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

// ExpiresIn returns the remaining lifetime in seconds, rounded up so a token
// reported right after issuance carries its full TTL. Never negative.
func (t *Token) ExpiresIn(now time.Time) int64 {
	d := t.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// GeneratedClient carries a freshly generated client together with its
// plaintext secret. The secret is only ever available here.
type GeneratedClient struct {
	Client *Client
	Secret string
}

// NormalizeScopes trims, drops empty and de-duplicates scopes, preserving order.
func NormalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(scopes))
	var out []string
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ParseScopes splits a space separated scope string.
func ParseScopes(raw string) []string {
	return NormalizeScopes(strings.Fields(raw))
}

// FormatScopes joins scopes with single spaces.
func FormatScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

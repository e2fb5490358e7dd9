package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users() UserStore
	Clients() ClientStore
	Tokens() TokenStore
}

// UserStore manages resource owners.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	// Delete removes the user and every token issued to it.
	Delete(ctx context.Context, username string) error
}

// ClientStore manages registered clients.
type ClientStore interface {
	Create(ctx context.Context, c *Client) error
	Find(ctx context.Context, id string) (*Client, error)
	List(ctx context.Context) ([]*Client, error)
}

// TokenStore manages issued tokens. Expired rows may remain stored; callers
// decide liveness from Token.ExpiresAt.
type TokenStore interface {
	Create(ctx context.Context, t *Token) error
	FindByAccess(ctx context.Context, accessToken string) (*Token, error)
	FindByRefresh(ctx context.Context, refreshToken string) (*Token, error)
	FindByPair(ctx context.Context, clientID, userID string) ([]*Token, error)
	ListByUser(ctx context.Context, userID string) ([]*Token, error)
	Delete(ctx context.Context, id string) error
}

// Cache is an ephemeral key/value mapping with per-entry expiry used to
// answer bearer token lookups without hitting the Store.
type Cache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get reports found=false for missing or expired keys.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Delete(ctx context.Context, key string) error
}

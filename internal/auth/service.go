package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"passgate.org/internal/ids"
	"passgate.org/internal/obs"
)

const (
	DefaultTokenTTL     = time.Hour
	DefaultStoreTimeout = 2 * time.Second
	DefaultCacheTimeout = 500 * time.Millisecond
)

// core holds the ports and settings shared by every component.
type core struct {
	store        Store
	cache        Cache
	now          func() time.Time
	log          *zap.Logger
	tokenTTL     time.Duration
	storeTimeout time.Duration
	cacheTimeout time.Duration
	backfill     bool
}

// Service owns the client authenticator, issuer, validator and revoker and
// the administrative operations on users and clients.
type Service struct {
	*core

	clients   *ClientAuthenticator
	issuer    *Issuer
	validator *Validator
	revoker   *Revoker
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger sets the logger used for failure causes.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithTokenTTL configures the access token lifetime.
func WithTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl <= 0 {
			return fmt.Errorf("auth: token ttl must be positive, got %s", ttl)
		}
		s.tokenTTL = ttl
		return nil
	}
}

// WithStoreTimeout bounds every Store call.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d <= 0 {
			return fmt.Errorf("auth: store timeout must be positive, got %s", d)
		}
		s.storeTimeout = d
		return nil
	}
}

// WithCacheTimeout bounds every Cache call.
func WithCacheTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d <= 0 {
			return fmt.Errorf("auth: cache timeout must be positive, got %s", d)
		}
		s.cacheTimeout = d
		return nil
	}
}

// WithCacheBackfill toggles repopulating the cache after a store hit during validation.
func WithCacheBackfill(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.backfill = enabled
		return nil
	}
}

// NewService constructs Service with optional configuration. A nil cache
// disables caching; every validation then goes to the store.
func NewService(store Store, cache Cache, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if cache == nil {
		cache = nopCache{}
	}
	c := &core{
		store:        store,
		cache:        cache,
		now:          time.Now,
		log:          obs.Logger(),
		tokenTTL:     DefaultTokenTTL,
		storeTimeout: DefaultStoreTimeout,
		cacheTimeout: DefaultCacheTimeout,
		backfill:     true,
	}
	svc := &Service{core: c}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.clients = &ClientAuthenticator{core: c}
	svc.issuer = &Issuer{core: c, locks: newPairLocks()}
	svc.validator = &Validator{core: c}
	svc.revoker = &Revoker{core: c}
	return svc, nil
}

func (s *Service) Clients() *ClientAuthenticator { return s.clients }
func (s *Service) Issuer() *Issuer                { return s.issuer }
func (s *Service) Validator() *Validator          { return s.validator }
func (s *Service) Revoker() *Revoker              { return s.revoker }

// TokenTTL returns the configured access token lifetime.
func (s *Service) TokenTTL() time.Duration { return s.tokenTTL }

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

// AuthenticateClient is shorthand for Clients().Authenticate.
func (s *Service) AuthenticateClient(ctx context.Context, req ClientRequest) (*Client, error) {
	return s.clients.Authenticate(ctx, req)
}

// Issue is shorthand for Issuer().Issue.
func (s *Service) Issue(ctx context.Context, client *Client, req GrantRequest) (*Token, error) {
	return s.issuer.Issue(ctx, client, req)
}

// Validate is shorthand for Validator().Validate.
func (s *Service) Validate(ctx context.Context, accessToken string) (Principal, error) {
	return s.validator.Validate(ctx, accessToken)
}

// Revoke is shorthand for Revoker().Revoke.
func (s *Service) Revoke(ctx context.Context, client *Client, token, hint string) error {
	return s.revoker.Revoke(ctx, client, token, hint)
}

// SaveUser creates a resource owner with a bcrypt-hashed password.
func (s *Service) SaveUser(ctx context.Context, username, password string, scopes []string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || strings.ContainsAny(username, " \t\r\n") {
		return nil, fmt.Errorf("%w: invalid username", ErrInvalidRequest)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:           ids.New(),
		Username:     username,
		PasswordHash: hash,
		Scopes:       NormalizeScopes(scopes),
		CreatedAt:    s.now().UTC(),
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.Users().Create(sctx, user); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, err
		}
		return nil, s.storeErr("create user", err)
	}
	return user, nil
}

// DeleteUser removes a user, every token issued to it and their cache entries.
func (s *Service) DeleteUser(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	user, err := s.store.Users().Find(sctx, username)
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return s.storeErr("find user", err)
	}
	tokens, err := s.store.Tokens().ListByUser(sctx, user.ID)
	if err != nil {
		return s.storeErr("list user tokens", err)
	}
	if err := s.store.Users().Delete(sctx, username); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return s.storeErr("delete user", err)
	}
	for _, t := range tokens {
		s.evict(ctx, t.AccessToken)
	}
	return nil
}

// ListUsers returns every user without password hashes.
func (s *Service) ListUsers(ctx context.Context) ([]*User, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	users, err := s.store.Users().List(sctx)
	if err != nil {
		return nil, s.storeErr("list users", err)
	}
	for _, u := range users {
		u.PasswordHash = ""
	}
	return users, nil
}

// GenerateClient registers a client with a fresh random id. Confidential
// clients also receive a random secret, returned only once.
func (s *Service) GenerateClient(ctx context.Context, typ ClientType, defaultScopes []string) (*GeneratedClient, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown client type %q", ErrInvalidRequest, typ)
	}
	client := &Client{
		ID:            ids.NewClientID(),
		Type:          typ,
		GrantTypes:    []string{GrantPassword},
		DefaultScopes: NormalizeScopes(defaultScopes),
		CreatedAt:     s.now().UTC(),
	}
	var secret string
	if typ == ClientConfidential {
		var err error
		if secret, err = randomToken(); err != nil {
			return nil, fmt.Errorf("generate client secret: %w", err)
		}
		if client.SecretHash, err = HashPassword(secret); err != nil {
			return nil, err
		}
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.Clients().Create(sctx, client); err != nil {
		return nil, s.storeErr("create client", err)
	}
	return &GeneratedClient{Client: client, Secret: secret}, nil
}

// ListClients returns every registered client without secret hashes.
func (s *Service) ListClients(ctx context.Context) ([]*Client, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	clients, err := s.store.Clients().List(sctx)
	if err != nil {
		return nil, s.storeErr("list clients", err)
	}
	for _, c := range clients {
		c.SecretHash = ""
	}
	return clients, nil
}

func (c *core) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.storeTimeout)
}

func (c *core) cacheCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cacheTimeout)
}

// storeErr logs the driver error and folds it into ErrStoreUnavailable.
func (c *core) storeErr(op string, err error) error {
	c.log.Error("store failure", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// cacheEntry is the cached projection of a live token.
type cacheEntry struct {
	UserID    string    `json:"uid"`
	Username  string    `json:"sub"`
	ClientID  string    `json:"cid"`
	Scopes    []string  `json:"scp,omitempty"`
	ExpiresAt time.Time `json:"exp"`
}

func (e cacheEntry) principal() Principal {
	return Principal{
		UserID:    e.UserID,
		Username:  e.Username,
		ClientID:  e.ClientID,
		Scopes:    e.Scopes,
		ExpiresAt: e.ExpiresAt,
	}
}

// remember caches t for its remaining lifetime. Failures are logged only.
func (c *core) remember(ctx context.Context, t *Token, now time.Time) {
	ttl := t.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(cacheEntry{
		UserID:    t.UserID,
		Username:  t.Username,
		ClientID:  t.ClientID,
		Scopes:    t.Scopes,
		ExpiresAt: t.ExpiresAt,
	})
	if err != nil {
		c.log.Error("encode cache entry", zap.Error(err))
		return
	}
	cctx, cancel := c.cacheCtx(ctx)
	defer cancel()
	if err := c.cache.Set(cctx, accessCacheKey(t.AccessToken), string(raw), ttl); err != nil {
		obs.CacheError("set")
		c.log.Warn("cache set failed", zap.String("token_id", t.ID), zap.Error(err))
	}
}

// rememberLive caches t, then reads it back from the store and evicts the
// entry when the row is gone. A delete that lands between the caller's store
// read and the cache write would otherwise leave a live entry for a token
// the store no longer holds. It reports whether the row was still present.
func (c *core) rememberLive(ctx context.Context, t *Token, now time.Time) bool {
	c.remember(ctx, t, now)
	sctx, cancel := c.storeCtx(ctx)
	_, err := c.store.Tokens().FindByAccess(sctx, t.AccessToken)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		c.evict(ctx, t.AccessToken)
		c.log.Info("token deleted while caching", zap.String("token_id", t.ID))
		return false
	case err != nil:
		c.evict(ctx, t.AccessToken)
		c.log.Warn("cache entry not confirmed", zap.String("token_id", t.ID), zap.Error(err))
	}
	return true
}

// evict drops the cache entry of an access token. Failures are logged only.
func (c *core) evict(ctx context.Context, accessToken string) {
	cctx, cancel := c.cacheCtx(ctx)
	defer cancel()
	if err := c.cache.Delete(cctx, accessCacheKey(accessToken)); err != nil {
		obs.CacheError("delete")
		c.log.Warn("cache delete failed", zap.Error(err))
	}
}

type nopCache struct{}

func (nopCache) Set(context.Context, string, string, time.Duration) error { return nil }
func (nopCache) Get(context.Context, string) (string, bool, error)        { return "", false, nil }
func (nopCache) Delete(context.Context, string) error                     { return nil }

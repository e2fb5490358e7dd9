package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"passgate.org/internal/ids"
	"passgate.org/internal/obs"
)

// GrantRequest is a resource owner password credentials grant.
type GrantRequest struct {
	GrantType string
	Username  string
	Password  string
	Scopes    []string
}

// Issuer mints tokens for authenticated clients and resource owners.
type Issuer struct {
	*core
	locks *pairLocks
}

// Issue verifies the resource owner's credentials and returns a fresh token,
// replacing any token previously issued to the same (client, user) pair.
// client must already be authenticated.
func (i *Issuer) Issue(ctx context.Context, client *Client, req GrantRequest) (*Token, error) {
	tok, err := i.issue(ctx, client, req)
	if err != nil {
		obs.GrantFailed(OAuthErrorCode(err))
		return nil, err
	}
	obs.TokenIssued()
	return tok, nil
}

func (i *Issuer) issue(ctx context.Context, client *Client, req GrantRequest) (*Token, error) {
	if client == nil {
		return nil, ErrInvalidClient
	}
	if strings.TrimSpace(req.GrantType) == "" {
		return nil, fmt.Errorf("%w: grant_type is required", ErrInvalidRequest)
	}
	if req.GrantType != GrantPassword {
		return nil, ErrUnsupportedGrantType
	}
	if !client.AllowsGrant(GrantPassword) {
		i.log.Warn("grant rejected", zap.String("client_id", client.ID), zap.String("reason", "grant type not allowed"))
		return nil, ErrUnauthorizedClient
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidRequest)
	}

	sctx, cancel := i.storeCtx(ctx)
	user, err := i.store.Users().Find(sctx, username)
	cancel()
	if errors.Is(err, ErrNotFound) {
		i.log.Info("grant rejected", zap.String("client_id", client.ID), zap.String("username", username), zap.String("reason", "unknown user"))
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, i.storeErr("find user", err)
	}
	if !CheckPassword(user.PasswordHash, req.Password) {
		i.log.Info("grant rejected", zap.String("client_id", client.ID), zap.String("username", username), zap.String("reason", "bad password"))
		return nil, ErrInvalidGrant
	}

	unlock, err := i.locks.acquire(ctx, pairKey(client.ID, user.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: wait for pair lock: %v", ErrStoreUnavailable, err)
	}
	defer unlock()

	if err := i.supersede(ctx, client.ID, user.ID); err != nil {
		return nil, err
	}

	access, refresh, err := tokenPair()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	now := i.now()
	scopes := NormalizeScopes(req.Scopes)
	if len(scopes) == 0 {
		scopes = NormalizeScopes(client.DefaultScopes)
	}
	tok := &Token{
		ID:           ids.New(),
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    TokenTypeBearer,
		ClientID:     client.ID,
		UserID:       user.ID,
		Username:     user.Username,
		Scopes:       scopes,
		ExpiresAt:    now.Add(i.tokenTTL),
		CreatedAt:    now,
	}

	if err := ctx.Err(); err != nil {
		i.log.Info("grant abandoned before persisting", zap.String("client_id", client.ID), zap.String("username", username))
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sctx, cancel = i.storeCtx(ctx)
	err = i.store.Tokens().Create(sctx, tok)
	cancel()
	if err != nil {
		return nil, i.storeErr("create token", err)
	}
	if !i.rememberLive(ctx, tok, now) {
		i.log.Info("grant rejected", zap.String("client_id", client.ID), zap.String("username", username), zap.String("reason", "user deleted during grant"))
		return nil, ErrInvalidGrant
	}
	return tok, nil
}

// supersede deletes every stored token of the pair, store first then cache.
func (i *Issuer) supersede(ctx context.Context, clientID, userID string) error {
	sctx, cancel := i.storeCtx(ctx)
	defer cancel()
	existing, err := i.store.Tokens().FindByPair(sctx, clientID, userID)
	if err != nil {
		return i.storeErr("find tokens by pair", err)
	}
	for _, old := range existing {
		if err := i.store.Tokens().Delete(sctx, old.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return i.storeErr("delete superseded token", err)
		}
		i.evict(ctx, old.AccessToken)
		obs.TokenRevoked()
		i.log.Debug("token superseded", zap.String("token_id", old.ID), zap.String("client_id", clientID))
	}
	return nil
}

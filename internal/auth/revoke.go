package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"passgate.org/internal/obs"
)

// RFC 7009 token_type_hint values.
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// Revoker invalidates issued tokens.
type Revoker struct {
	*core
}

// Revoke deletes the token identified by an access or refresh token value
// from the store and the cache. Unknown tokens succeed as a no-op. When
// client is non-nil, tokens issued to another client are left untouched.
func (r *Revoker) Revoke(ctx context.Context, client *Client, token, hint string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	tok, err := r.lookup(sctx, token, hint)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return r.storeErr("find token", err)
	}
	if client != nil && tok.ClientID != client.ID {
		r.log.Warn("revocation ignored", zap.String("client_id", client.ID), zap.String("token_id", tok.ID), zap.String("reason", "token issued to another client"))
		return nil
	}
	if err := r.store.Tokens().Delete(sctx, tok.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return r.storeErr("delete token", err)
	}
	r.evict(ctx, tok.AccessToken)
	obs.TokenRevoked()
	return nil
}

// lookup tries the hinted token kind first, then the other one.
func (r *Revoker) lookup(ctx context.Context, token, hint string) (*Token, error) {
	tokens := r.store.Tokens()
	finders := []func(context.Context, string) (*Token, error){tokens.FindByAccess, tokens.FindByRefresh}
	if hint == HintRefreshToken {
		finders[0], finders[1] = finders[1], finders[0]
	}
	for _, find := range finders {
		tok, err := find(ctx, token)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"passgate.org/internal/obs"
)

// Validator resolves bearer tokens to the principal they were issued for.
type Validator struct {
	*core
}

// Validate returns the principal of a live access token. The cache is
// consulted first; the store answers misses. Every rejection is ErrInvalidToken.
func (v *Validator) Validate(ctx context.Context, accessToken string) (Principal, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return Principal{}, ErrInvalidToken
	}
	now := v.now()

	if p, ok := v.cached(ctx, accessToken, now); ok {
		obs.TokenValidated("cache", true)
		return p, nil
	}

	sctx, cancel := v.storeCtx(ctx)
	tok, err := v.store.Tokens().FindByAccess(sctx, accessToken)
	cancel()
	if errors.Is(err, ErrNotFound) {
		obs.TokenValidated("store", false)
		return Principal{}, ErrInvalidToken
	}
	if err != nil {
		return Principal{}, v.storeErr("find token", err)
	}
	if !tok.Live(now) {
		obs.TokenValidated("store", false)
		v.log.Debug("token expired", zap.String("token_id", tok.ID), zap.Time("expires_at", tok.ExpiresAt))
		return Principal{}, ErrInvalidToken
	}
	if v.backfill && !v.rememberLive(ctx, tok, now) {
		obs.TokenValidated("store", false)
		return Principal{}, ErrInvalidToken
	}
	obs.TokenValidated("store", true)
	return PrincipalFromToken(tok), nil
}

// cached reports a live cache hit. Errors and undecodable entries count as misses.
func (v *Validator) cached(ctx context.Context, accessToken string, now time.Time) (Principal, bool) {
	cctx, cancel := v.cacheCtx(ctx)
	defer cancel()
	raw, found, err := v.cache.Get(cctx, accessCacheKey(accessToken))
	if err != nil {
		obs.CacheError("get")
		v.log.Warn("cache get failed", zap.Error(err))
		return Principal{}, false
	}
	if !found {
		return Principal{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Username == "" {
		v.log.Warn("dropping undecodable cache entry")
		v.evict(ctx, accessToken)
		return Principal{}, false
	}
	if !now.Before(entry.ExpiresAt) {
		return Principal{}, false
	}
	return entry.principal(), true
}

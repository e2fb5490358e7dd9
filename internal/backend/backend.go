// Package backend opens the credential store and token cache selected by config.
package backend

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"passgate.org/internal/auth"
	"passgate.org/internal/cache"
	"passgate.org/internal/config"
	"passgate.org/internal/obs"
	"passgate.org/internal/store/memory"
	"passgate.org/internal/store/pg"
)

// Pinger reports connectivity of a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backend holds the opened adapters. Close releases them in reverse order.
type Backend struct {
	Store       auth.Store
	Cache       auth.Cache
	StorePinger Pinger
	CachePinger Pinger

	closers []func() error
}

// Open connects the adapters named by cfg.Store and cfg.Cache.
func Open(ctx context.Context, cfg config.Config) (*Backend, error) {
	b := &Backend{}

	switch cfg.Store {
	case config.StorePostgres:
		st, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, st.Close)
		pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		err = st.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		b.Store, b.StorePinger = st, st
	case config.StoreMemory, "":
		st := memory.New()
		b.Store, b.StorePinger = st, st
		obs.Logger().Warn("using in-memory credential store; data is lost on restart")
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	switch cfg.Cache {
	case config.CacheRedis:
		rc, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		b.closers = append(b.closers, rc.Close)
		b.Cache, b.CachePinger = rc, rc
	case config.CacheMemory, "":
		mc := cache.NewMemory()
		b.closers = append(b.closers, mc.Close)
		b.Cache, b.CachePinger = mc, mc
	default:
		_ = b.Close()
		return nil, fmt.Errorf("unknown cache %q", cfg.Cache)
	}

	obs.Logger().Info("backend ready", zap.String("store", cfg.Store), zap.String("cache", cfg.Cache))
	return b, nil
}

// Service builds the auth service over the opened adapters using cfg tunables.
func (b *Backend) Service(cfg config.Config) (*auth.Service, error) {
	return auth.NewService(b.Store, b.Cache,
		auth.WithLogger(obs.Logger()),
		auth.WithTokenTTL(cfg.TokenTTL),
		auth.WithStoreTimeout(cfg.StoreTimeout),
		auth.WithCacheTimeout(cfg.CacheTimeout),
		auth.WithCacheBackfill(cfg.CacheBackfill),
	)
}

// Close releases every opened adapter.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

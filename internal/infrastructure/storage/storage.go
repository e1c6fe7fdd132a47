// Package storage selects the token store backend named by configuration.
package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/agrimarket/web-client/internal/core/domain"
	"github.com/agrimarket/web-client/internal/core/ports"
	mongostore "github.com/agrimarket/web-client/internal/infrastructure/db/mongo"
	redisstore "github.com/agrimarket/web-client/internal/infrastructure/db/redis"
	"github.com/agrimarket/web-client/internal/infrastructure/storage/file"
	"github.com/agrimarket/web-client/internal/infrastructure/storage/memory"
	"github.com/agrimarket/web-client/internal/infrastructure/storage/sealed"
	"github.com/agrimarket/web-client/internal/pkg/config"
)

// Closer releases the connections held by a store.
type Closer func(ctx context.Context) error

func noopCloser(context.Context) error { return nil }

// Open builds the token store selected by cfg.Token.Store. Remote backends
// are connected and pinged before Open returns, and their values are sealed
// when TOKEN_SECRET is set.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (ports.TokenStore, Closer, error) {
	switch cfg.Token.Store {
	case config.StoreFile:
		log.Info().Str("path", cfg.Token.File).Bool("sealed", cfg.Token.Secret != "").Msg("using file token store")
		return file.NewTokenStore(cfg.Token.File, cfg.Token.Key, cfg.Token.Secret), noopCloser, nil

	case config.StoreMemory:
		log.Warn().Msg("using in-memory token store, sessions will not survive a restart")
		return memory.NewTokenStore(), noopCloser, nil

	case config.StoreRedis:
		client, err := redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("addr", cfg.Redis.Addr).Int("db", cfg.Redis.DB).Bool("sealed", cfg.Token.Secret != "").Msg("using redis token store")
		warnUnsealed(log, cfg)
		closer := func(context.Context) error { return client.Close() }
		store := redisstore.NewTokenStore(client, cfg.Redis.Prefix, cfg.Token.Key)
		return sealed.Wrap(store, cfg.Token.Secret), closer, nil

	case config.StoreMongo:
		client, db, err := mongostore.Connect(ctx, mongostore.Config{
			URI:      cfg.Mongo.URI,
			Database: cfg.Mongo.Database,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("database", cfg.Mongo.Database).Bool("sealed", cfg.Token.Secret != "").Msg("using mongo token store")
		warnUnsealed(log, cfg)
		store := mongostore.NewTokenStore(db, cfg.Token.Key)
		return sealed.Wrap(store, cfg.Token.Secret), client.Disconnect, nil
	}

	return nil, nil, fmt.Errorf("%w: %q", domain.ErrTokenStoreNotFound, cfg.Token.Store)
}

func warnUnsealed(log zerolog.Logger, cfg *config.Config) {
	if cfg.Token.Secret == "" {
		log.Warn().Str("store", cfg.Token.Store).Msg("TOKEN_SECRET is not set, bearer tokens are stored in clear text")
	}
}

package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"clickid-service/internal/config"
)

// Open creates the store selected by session.backend.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.Session.Backend {
	case config.BackendMemory, "":
		log.Info().Msg("session store: memory")
		return NewMemoryStore(), nil
	case config.BackendRedis:
		log.Info().Msg("session store: redis")
		return NewRedisStore(ctx, cfg.Session.RedisURL)
	case config.BackendPostgres:
		log.Info().Str("dsn", cfg.DSNRedacted()).Msg("session store: postgres")
		return NewPostgresStore(ctx, cfg)
	case config.BackendBolt:
		log.Info().Str("path", cfg.Session.BoltPath).Msg("session store: bolt")
		return NewBoltStore(cfg.Session.BoltPath)
	}
	return nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
}

package jobstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soapscribe/backend/internal/config"
	"github.com/soapscribe/backend/internal/pkg/logger"
)

// NewWithFallback dials Redis and probes it with a short timeout; if
// the probe fails, it logs a warning and returns an in-memory store
// instead of failing startup outright. Production deployments are
// expected to have Redis reachable — this exists so a single developer
// box can run the whole system without one.
func NewWithFallback(ctx context.Context, cfg config.RedisConfig, queues []string, log *logger.Logger) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		if log != nil {
			log.Warn("redis unreachable, falling back to in-memory job store", "error", err, "host", cfg.Host, "port", cfg.Port)
		}
		return NewMemoryStore(), nil
	}

	if log != nil {
		log.Info("connected to redis job store", "host", cfg.Host, "port", cfg.Port)
	}
	return NewRedisStore(client, queues), nil
}

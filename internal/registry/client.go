package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"
	"github.com/zsiec/rcvbuf/internal/config"
	"github.com/zsiec/rcvbuf/internal/logger"
)

const connectRetryDelay = 200 * time.Millisecond

// Connect builds a client for cfg and pings it until it answers or attempts
// run out. A single address gives a plain client, several give a cluster client.
func Connect(ctx context.Context, cfg *config.RedisConfig, attempts uint, log logger.Logger) (redis.UniversalClient, error) {
	if log == nil {
		log = logger.NewNullLogger()
	}
	if attempts == 0 {
		attempts = 1
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	err := retry.Do(
		func() error {
			return client.Ping(ctx).Err()
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(connectRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).WithField("attempt", n+1).Warn("Redis not reachable, retrying")
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.WithField("addresses", cfg.Addresses).Info("Connected to Redis")
	return client, nil
}

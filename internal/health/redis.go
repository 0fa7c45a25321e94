package health

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisChecker checks Redis connectivity.
type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (r *RedisChecker) Name() string {
	return "redis"
}

// Check pings Redis and reads INFO.
func (r *RedisChecker) Check(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	info, err := r.client.Info(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to get redis info: %w", err)
	}
	if len(info) == 0 {
		return fmt.Errorf("empty redis info response")
	}
	return nil
}

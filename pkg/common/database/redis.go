package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/trialmatch/pkg/common/config"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
)

var (
	redisClient *redis.Client
	redisOnce   sync.Once
)

func GetRedis(cfg *config.Config) *redis.Client {
	redisOnce.Do(func() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), cfg.LivenessTimeout)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Log.WithError(err).Warn("Redis unavailable, embedding cache will miss")
		} else {
			logger.Log.Info("Connected to Redis")
		}
	})

	return redisClient
}

// PingRedis reports whether the shared client answers within the liveness window.
func PingRedis(ctx context.Context) error {
	if redisClient == nil {
		return fmt.Errorf("redis client not initialised")
	}
	return redisClient.Ping(ctx).Err()
}

func CloseRedis() error {
	if redisClient != nil {
		return redisClient.Close()
	}
	return nil
}

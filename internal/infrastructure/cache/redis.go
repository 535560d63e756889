// Package cache holds the Redis-backed stores of the service: the currency rate
// cache, open verification sessions and per-receipt post locks. Each store has
// an in-process counterpart for single-instance deployments and tests.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/arbook/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
)

// Key prefixes
const (
	keyCurrencyRates = "arbook:currency_rates"
	keySessionPrefix = "arbook:verification:session:"
)

const pingTimeout = 5 * time.Second

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

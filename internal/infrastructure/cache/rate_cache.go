package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/erp/arbook/internal/application/arbook"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	_ arbook.RateCache = (*RedisRateCache)(nil)
	_ arbook.RateCache = (*InMemoryRateCache)(nil)
)

// RedisRateCache stores the currency rate master as one JSON document
type RedisRateCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisRateCache creates a rate cache on a shared client
func NewRedisRateCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisRateCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRateCache{client: client, ttl: ttl, logger: logger}
}

// GetRates returns the cached rates; false on a miss
func (c *RedisRateCache) GetRates(ctx context.Context) (map[string]decimal.Decimal, bool, error) {
	data, err := c.client.Get(ctx, keyCurrencyRates).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get currency rates from cache: %w", err)
	}

	var rates map[string]decimal.Decimal
	if err := json.Unmarshal(data, &rates); err != nil {
		c.logger.Warn("Dropping corrupted currency rate cache entry", zap.Error(err))
		_ = c.client.Del(ctx, keyCurrencyRates)
		return nil, false, nil
	}
	return rates, true, nil
}

// SetRates replaces the cached rates
func (c *RedisRateCache) SetRates(ctx context.Context, rates map[string]decimal.Decimal) error {
	data, err := json.Marshal(rates)
	if err != nil {
		return fmt.Errorf("failed to marshal currency rates: %w", err)
	}
	if err := c.client.Set(ctx, keyCurrencyRates, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache currency rates: %w", err)
	}
	return nil
}

// InMemoryRateCache keeps the rates in process
type InMemoryRateCache struct {
	mu        sync.RWMutex
	rates     map[string]decimal.Decimal
	expiresAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

// NewInMemoryRateCache creates an in-process rate cache
func NewInMemoryRateCache(ttl time.Duration) *InMemoryRateCache {
	return &InMemoryRateCache{ttl: ttl, now: time.Now}
}

// GetRates returns a copy of the cached rates; false when empty or expired
func (c *InMemoryRateCache) GetRates(_ context.Context) (map[string]decimal.Decimal, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.rates == nil || !c.now().Before(c.expiresAt) {
		return nil, false, nil
	}
	return copyRates(c.rates), true, nil
}

// SetRates replaces the cached rates
func (c *InMemoryRateCache) SetRates(_ context.Context, rates map[string]decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rates = copyRates(rates)
	c.expiresAt = c.now().Add(c.ttl)
	return nil
}

func copyRates(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package cache

import (
	"context"
	"fmt"
	"io"

	"github.com/erp/arbook/internal/application/arbook"
	appverification "github.com/erp/arbook/internal/application/verification"
	"github.com/erp/arbook/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stores bundles the shared-state stores used by the services
type Stores struct {
	Rates       arbook.RateCache
	Sessions    appverification.SessionStore
	Locker      appverification.Locker
	// Distributed is false when the stores live in this process only
	Distributed bool

	closers []io.Closer
	client  *redis.Client
}

// Ping checks the Redis connection; in-memory stores are always reachable
func (s *Stores) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis client or stops the in-memory sweepers
func (s *Stores) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StoreFactory creates the stores based on configuration
type StoreFactory struct {
	redisConfig           config.RedisConfig
	ledgerConfig          config.LedgerConfig
	verificationConfig    config.VerificationConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
	connect               func(config.RedisConfig) (*redis.Client, error)
}

// StoreFactoryOption is a functional option for configuring the factory
type StoreFactoryOption func(*StoreFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to in-memory stores when Redis is unavailable.
// Default is true.
func WithInMemoryFallback(allow bool) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.allowInMemoryFallback = allow
	}
}

// WithRedisConnector replaces how the Redis client is created
func WithRedisConnector(connect func(config.RedisConfig) (*redis.Client, error)) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.connect = connect
	}
}

// NewStoreFactory creates a new factory
func NewStoreFactory(cfg *config.Config, opts ...StoreFactoryOption) *StoreFactory {
	f := &StoreFactory{
		redisConfig:           cfg.Redis,
		ledgerConfig:          cfg.Ledger,
		verificationConfig:    cfg.Verification,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
		connect:               NewRedisClient,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// CreateRedisStores creates stores sharing one Redis client
func (f *StoreFactory) CreateRedisStores() (*Stores, error) {
	client, err := f.connect(f.redisConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis stores: %w", err)
	}
	return f.redisStores(client), nil
}

func (f *StoreFactory) redisStores(client *redis.Client) *Stores {
	return &Stores{
		Rates:       NewRedisRateCache(client, f.ledgerConfig.RateCacheTTL, f.logger),
		Sessions:    NewRedisSessionStore(client, f.verificationConfig.SessionTTL),
		Locker:      NewRedisLocker(client),
		Distributed: true,
		closers:     []io.Closer{client},
		client:      client,
	}
}

// CreateInMemoryStores creates in-process stores.
// WARNING: they do not share state across instances, so two instances may
// open the same receipt independently and only the posted registry guards
// against a double post.
func (f *StoreFactory) CreateInMemoryStores() *Stores {
	sessions := NewInMemorySessionStore(f.verificationConfig.SessionTTL)
	return &Stores{
		Rates:    NewInMemoryRateCache(f.ledgerConfig.RateCacheTTL),
		Sessions: sessions,
		Locker:   NewInMemoryLocker(),
		closers:  []io.Closer{sessions},
	}
}

// CreateStores tries Redis first and falls back to in-memory stores when
// Redis is disabled or unreachable and fallback is allowed
func (f *StoreFactory) CreateStores() (*Stores, error) {
	if !f.redisConfig.Enabled {
		f.logger.Info("Redis disabled, using in-memory stores")
		return f.CreateInMemoryStores(), nil
	}

	stores, err := f.CreateRedisStores()
	if err == nil {
		f.logger.Info("Using Redis stores", zap.String("addr", f.redisConfig.Addr()))
		return stores, nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("redis required for shared stores but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory stores. "+
		"Sessions and post locks will not be shared across instances.",
		zap.Error(err),
	)
	return f.CreateInMemoryStores(), nil
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	appverification "github.com/erp/arbook/internal/application/verification"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	_ appverification.Locker = (*RedisLocker)(nil)
	_ appverification.Locker = (*InMemoryLocker)(nil)
)

// ErrLockNotHeld is returned when releasing a lock that expired or was taken over
var ErrLockNotHeld = errors.New("lock not held")

// RedisLocker obtains distributed locks through redislock
type RedisLocker struct {
	client *redislock.Client
}

// NewRedisLocker creates a locker on a shared client
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(client)}
}

// Obtain takes key for ttl without waiting. A held key yields verification.ErrLockNotObtained.
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (appverification.Lock, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, appverification.ErrLockNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}
	return redisLock{lock: lock}, nil
}

type redisLock struct {
	lock *redislock.Lock
}

func (l redisLock) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return ErrLockNotHeld
	}
	return err
}

// InMemoryLocker provides the same semantics within one process
type InMemoryLocker struct {
	mu    sync.Mutex
	held  map[string]heldLock
	nowFn func() time.Time
}

type heldLock struct {
	token     string
	expiresAt time.Time
}

// NewInMemoryLocker creates an in-process locker
func NewInMemoryLocker() *InMemoryLocker {
	return &InMemoryLocker{held: make(map[string]heldLock), nowFn: time.Now}
}

// Obtain takes key for ttl without waiting. An unexpired holder yields verification.ErrLockNotObtained.
func (l *InMemoryLocker) Obtain(_ context.Context, key string, ttl time.Duration) (appverification.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if h, ok := l.held[key]; ok && now.Before(h.expiresAt) {
		return nil, appverification.ErrLockNotObtained
	}
	token := uuid.New().String()
	l.held[key] = heldLock{token: token, expiresAt: now.Add(ttl)}
	return &memoryLock{locker: l, key: key, token: token}, nil
}

type memoryLock struct {
	locker *InMemoryLocker
	key    string
	token  string
}

func (m *memoryLock) Release(_ context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	h, ok := m.locker.held[m.key]
	if !ok || h.token != m.token {
		return ErrLockNotHeld
	}
	delete(m.locker.held, m.key)
	return nil
}

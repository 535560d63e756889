package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	appverification "github.com/erp/arbook/internal/application/verification"
	"github.com/erp/arbook/internal/domain/verification"
	"github.com/redis/go-redis/v9"
)

var (
	_ appverification.SessionStore = (*RedisSessionStore)(nil)
	_ appverification.SessionStore = (*InMemorySessionStore)(nil)
)

// RedisSessionStore keeps verification sessions as JSON with a sliding TTL
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSessionStore creates a session store on a shared client
func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, ttl: ttl}
}

func sessionKey(receiptID string) string {
	return keySessionPrefix + receiptID
}

// Get returns the open session of a receipt, or nil, nil
func (s *RedisSessionStore) Get(ctx context.Context, receiptID string) (*verification.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(receiptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load verification session: %w", err)
	}

	var session verification.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode verification session %s: %w", receiptID, err)
	}
	return &session, nil
}

// Save stores the session and restarts its TTL
func (s *RedisSessionStore) Save(ctx context.Context, session *verification.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode verification session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(session.Receipt.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save verification session: %w", err)
	}
	return nil
}

// Delete removes the session of a receipt
func (s *RedisSessionStore) Delete(ctx context.Context, receiptID string) error {
	if err := s.client.Del(ctx, sessionKey(receiptID)).Err(); err != nil {
		return fmt.Errorf("failed to delete verification session: %w", err)
	}
	return nil
}

type sessionEntry struct {
	data      []byte
	expiresAt time.Time
}

// InMemorySessionStore keeps sessions in process. Sessions are stored encoded
// so callers never share mutable state.
type InMemorySessionStore struct {
	mu        sync.RWMutex
	entries   map[string]sessionEntry
	ttl       time.Duration
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewInMemorySessionStore creates an in-process session store and starts its
// expiry sweep. Call Close to stop it.
func NewInMemorySessionStore(ttl time.Duration) *InMemorySessionStore {
	s := &InMemorySessionStore{
		entries:  make(map[string]sessionEntry),
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.cleanupLoop()
	return s
}

// Get returns a copy of the open session, or nil, nil
func (s *InMemorySessionStore) Get(_ context.Context, receiptID string) (*verification.Session, error) {
	s.mu.RLock()
	e, ok := s.entries[receiptID]
	s.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}
	var session verification.Session
	if err := json.Unmarshal(e.data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode verification session %s: %w", receiptID, err)
	}
	return &session, nil
}

// Save stores a copy of the session
func (s *InMemorySessionStore) Save(_ context.Context, session *verification.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode verification session: %w", err)
	}
	s.mu.Lock()
	s.entries[session.Receipt.ID] = sessionEntry{data: data, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

// Delete removes the session of a receipt
func (s *InMemorySessionStore) Delete(_ context.Context, receiptID string) error {
	s.mu.Lock()
	delete(s.entries, receiptID)
	s.mu.Unlock()
	return nil
}

// Close stops the expiry sweep. Safe to call multiple times.
func (s *InMemorySessionStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

// Size returns the number of stored sessions, expired ones included
func (s *InMemorySessionStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *InMemorySessionStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *InMemorySessionStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
		}
	}
}

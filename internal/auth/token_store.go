package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenKeyPrefix = "invite_token:"

// RedisTokenStore хранит идентификаторы выданных токенов в Redis с TTL.
type RedisTokenStore struct {
	client *redis.Client
}

var _ TokenStore = (*RedisTokenStore)(nil)

// NewRedisTokenStore создает хранилище токенов поверх Redis.
func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func (s *RedisTokenStore) key(tokenID string) string {
	return tokenKeyPrefix + tokenID
}

// Save записывает jti с TTL.
func (s *RedisTokenStore) Save(ctx context.Context, tokenID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(tokenID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Exists проверяет присутствие jti.
func (s *RedisTokenStore) Exists(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Revoke удаляет jti, делая токен недействительным.
func (s *RedisTokenStore) Revoke(ctx context.Context, tokenID string) error {
	if err := s.client.Del(ctx, s.key(tokenID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// MemoryTokenStore — in-memory реализация TokenStore для тестов и
// локального запуска без Redis.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]time.Time
}

var _ TokenStore = (*MemoryTokenStore)(nil)

// NewMemoryTokenStore создает пустое in-memory хранилище токенов.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]time.Time)}
}

func (s *MemoryTokenStore) Save(_ context.Context, tokenID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenID] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryTokenStore) Exists(_ context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.tokens[tokenID]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(s.tokens, tokenID)
		return false, nil
	}
	return true, nil
}

func (s *MemoryTokenStore) Revoke(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tokenID)
	return nil
}

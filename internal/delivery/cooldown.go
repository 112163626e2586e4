package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCooldownKeyPrefix = "cloudnotify:cooldown:"

// CooldownStore remembers devices the gateway asked us to slow down for.
type CooldownStore interface {
	IsCoolingDown(ctx context.Context, deviceID string) (bool, error)
	CoolDown(ctx context.Context, deviceID string, ttl time.Duration) error
}

// RedisCooldownStore shares cool-downs between processes through Redis keys with a TTL.
type RedisCooldownStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCooldownStore keeps cool-down markers in Redis under prefix.
func NewRedisCooldownStore(client *redis.Client, prefix string) *RedisCooldownStore {
	if prefix == "" {
		prefix = defaultCooldownKeyPrefix
	}
	return &RedisCooldownStore{client: client, prefix: prefix}
}

func (s *RedisCooldownStore) IsCoolingDown(ctx context.Context, deviceID string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.prefix+deviceID).Result()
	if err != nil {
		return false, err
	}
	return exists == 1, nil
}

func (s *RedisCooldownStore) CoolDown(ctx context.Context, deviceID string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+deviceID, "1", ttl).Err()
}

// MemoryCooldownStore keeps cool-downs in process memory.
type MemoryCooldownStore struct {
	mu     sync.Mutex
	clock  func() time.Time
	expiry map[string]time.Time
}

func NewMemoryCooldownStore(clock func() time.Time) *MemoryCooldownStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryCooldownStore{clock: clock, expiry: make(map[string]time.Time)}
}

func (s *MemoryCooldownStore) IsCoolingDown(_ context.Context, deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.expiry[deviceID]
	if !ok {
		return false, nil
	}
	if !s.clock().Before(until) {
		delete(s.expiry, deviceID)
		return false, nil
	}
	return true, nil
}

func (s *MemoryCooldownStore) CoolDown(_ context.Context, deviceID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry[deviceID] = s.clock().Add(ttl)
	return nil
}

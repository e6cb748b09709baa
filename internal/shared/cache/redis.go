package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/simdesk/server/internal/shared/config"
)

// NewRedisClient creates a Redis client and verifies the connection.
func NewRedisClient(cfg *config.RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// LockKeyPrefix namespaces every lock key in Redis.
const LockKeyPrefix = "lock:"

// Locker acquires short-lived exclusive locks in Redis.
type Locker struct {
	client redis.UniversalClient
	prefix string
}

// NewLocker creates a Redis-backed locker. Keys are namespaced with prefix.
func NewLocker(client redis.UniversalClient, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

// TryLock attempts to take the lock for name, held until ttl expires.
// A nil locker or client always grants the lock.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}
	ok, err := l.client.SetNX(ctx, l.key(name), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// Unlock releases the lock for name.
func (l *Locker) Unlock(ctx context.Context, name string) error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Del(ctx, l.key(name)).Err()
}

func (l *Locker) key(name string) string {
	return l.prefix + name
}

// Close closes the Redis client.
func Close(client redis.UniversalClient) error {
	return client.Close()
}

package dedup

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// RedisSet is a Set shared by several instances. SETNX gives the
// check-and-mark atomicity across processes.
type RedisSet struct {
	client *redis.Client
	prefix string
}

// NewRedisSet wraps an existing client. prefix namespaces the keys so
// several deployments can share one Redis.
func NewRedisSet(client *redis.Client, prefix string) *RedisSet {
	if prefix == "" {
		prefix = "strongroom:seen:"
	}
	return &RedisSet{client: client, prefix: prefix}
}

func (s *RedisSet) key(key common.Hash) string {
	return s.prefix + key.Hex()
}

func (s *RedisSet) Add(ctx context.Context, key common.Hash) (bool, error) {
	fresh, err := s.client.SetNX(ctx, s.key(key), 1, 0).Result()
	if err != nil {
		return false, fmt.Errorf("marking dedup key: %w", err)
	}
	return fresh, nil
}

func (s *RedisSet) Seen(ctx context.Context, key common.Hash) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("reading dedup key: %w", err)
	}
	return n > 0, nil
}

func (s *RedisSet) Close() error {
	return s.client.Close()
}

package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "agentfleet:blob"

type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(ctx context.Context, addr, pass string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: pass, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an already connected client.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

func (s *RedisStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	handle := newHandle(redisPrefix)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, handle, "content_type", contentType, "data", data)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis put blob: %w", err)
	}
	return handle, nil
}

func (s *RedisStore) Get(ctx context.Context, handle string) ([]byte, error) {
	if !strings.HasPrefix(handle, redisPrefix+"/") {
		return nil, ErrNotFound
	}
	data, err := s.rdb.HGet(ctx, handle, "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get blob: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFastStore implements FastStore on a Redis server.
//
// Locks are plain SET NX PX keys. Pipelines run as MULTI/EXEC
// transactions so the token-move read-modify-write cycle commits all of
// its keys or none of them.
type RedisFastStore struct {
	client *redis.Client
}

// NewRedisFastStore connects to the given Redis address ("host:port").
func NewRedisFastStore(ctx context.Context, addr string) (*RedisFastStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisFastStore{client: client}, nil
}

// NewRedisFastStoreFromClient wraps an existing client. Close closes the
// underlying client.
func NewRedisFastStoreFromClient(client *redis.Client) *RedisFastStore {
	return &RedisFastStore{client: client}
}

func (s *RedisFastStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *RedisFastStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, val, ttl).Err()
}

func (s *RedisFastStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisFastStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

func (s *RedisFastStore) ListRange(ctx context.Context, key string) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisFastStore) ListPush(ctx context.Context, key string, vals ...[]byte) error {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return s.client.RPush(ctx, key, args...).Err()
}

func (s *RedisFastStore) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	val, err := s.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *RedisFastStore) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(vals))
	for field, v := range vals {
		out[field] = []byte(v)
	}
	return out, nil
}

func (s *RedisFastStore) HashSet(ctx context.Context, key, field string, val []byte) error {
	return s.client.HSet(ctx, key, field, val).Err()
}

func (s *RedisFastStore) HashDel(ctx context.Context, key string, fields ...string) error {
	return s.client.HDel(ctx, key, fields...).Err()
}

func (s *RedisFastStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, "1", ttl).Result()
}

func (s *RedisFastStore) RefreshLock(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisFastStore) ReleaseLock(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisFastStore) Pipeline() Pipeline {
	return &redisPipeline{pipe: s.client.TxPipeline()}
}

func (s *RedisFastStore) Close() error {
	return s.client.Close()
}

type redisPipeline struct {
	pipe redis.Pipeliner
}

func (p *redisPipeline) Set(key string, val []byte, ttl time.Duration) {
	p.pipe.Set(context.Background(), key, val, ttl)
}

func (p *redisPipeline) Del(keys ...string) {
	if len(keys) > 0 {
		p.pipe.Del(context.Background(), keys...)
	}
}

func (p *redisPipeline) ListPush(key string, vals ...[]byte) {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	p.pipe.RPush(context.Background(), key, args...)
}

func (p *redisPipeline) HashSet(key, field string, val []byte) {
	p.pipe.HSet(context.Background(), key, field, val)
}

func (p *redisPipeline) HashDel(key string, fields ...string) {
	p.pipe.HDel(context.Background(), key, fields...)
}

func (p *redisPipeline) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	return err
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/perpgate/perpgate/internal/config"
	"github.com/redis/go-redis/v9"
)

// compareAndDelete deletes the key only while it still holds the caller's
// token. Run as a script so the check and delete are one atomic step.
var compareAndDelete = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// RedisKV implements the balance.KV contract on a shared Redis instance.
type RedisKV struct {
	Client *redis.Client
}

func NewRedisKV(cfg *config.Config) (*RedisKV, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisKV{Client: rdb}, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisKV) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.Client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisKV) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, r.Client, []string{key}, token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisKV) Close() error {
	return r.Client.Close()
}

var (
	sharedMu sync.Mutex
	shared   *RedisKV
)

// Shared returns the process-wide Redis client, constructing it on first use.
// One client per process is reused across gateway instances.
func Shared(cfg *config.Config) (*RedisKV, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		return shared, nil
	}
	kv, err := NewRedisKV(cfg)
	if err != nil {
		return nil, err
	}
	shared = kv
	return shared, nil
}

// CloseShared tears down the process-wide client at shutdown.
func CloseShared() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		return nil
	}
	err := shared.Close()
	shared = nil
	return err
}

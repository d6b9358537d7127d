package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndSwapScript atomically replaces a key's value if the current
// value matches. A ttl of 0 keeps the key without expiry.
var compareAndSwapScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	if ARGV[3] == "0" then
		redis.call("SET", KEYS[1], ARGV[2])
	else
		redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	end
	return 1
end
return 0
`)

// compareAndDeleteScript atomically deletes a key if the current value
// matches.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

// RedisKV is a KV backed by a single Redis instance.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV connects to Redis using a redis:// URL and pings it to
// verify the connection. The caller is responsible for calling Close().
func NewRedisKV(ctx context.Context, url string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %v", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %v", err)
	}

	return &RedisKV{rdb: rdb}, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, &ErrNotFound{Key: key}
		}
		return nil, fmt.Errorf("failed to get key %s: %v", key, err)
	}
	return value, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %v", key, err)
	}
	return nil
}

func (r *RedisKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx key %s: %v", key, err)
	}
	return ok, nil
}

func (r *RedisKV) CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	res, err := compareAndSwapScript.Run(ctx, r.rdb, []string{key}, old, new, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to compare and swap key %s: %v", key, err)
	}
	return res == 1, nil
}

func (r *RedisKV) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, r.rdb, []string{key}, old).Int()
	if err != nil {
		return false, fmt.Errorf("failed to compare and delete key %s: %v", key, err)
	}
	return res == 1, nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %v", key, err)
	}
	return nil
}

func (r *RedisKV) Close() error {
	return r.rdb.Close()
}

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xizzxy/gatekeeper/internal/config"
)

// Each key is a hash {ver, val}. The version survives only as long as the
// key does; an expired key reads as version 0.
var casScript = redis.NewScript(`
	local key = KEYS[1]
	local expected = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[3])

	local current = tonumber(redis.call('HGET', key, 'ver')) or 0
	if current ~= expected then
		return 0
	end

	redis.call('HSET', key, 'ver', current + 1, 'val', ARGV[2])
	if ttl > 0 then
		redis.call('PEXPIRE', key, ttl)
	else
		redis.call('PERSIST', key)
	end
	return 1
`)

type Redis struct {
	redis *redis.Client
}

func NewRedis(cfg config.RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Redis{redis: client}
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{redis: client}
}

func (r *Redis) Get(ctx context.Context, key string) (Entry, error) {
	res, err := r.redis.HMGet(ctx, key, "ver", "val").Result()
	if err != nil {
		return Entry{}, fmt.Errorf("redis get %q: %w", key, err)
	}
	if len(res) != 2 || res[0] == nil {
		return Entry{}, nil
	}

	verStr, _ := res[0].(string)
	version, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("redis get %q: bad version %q", key, verStr)
	}
	val, _ := res[1].(string)
	return Entry{Value: []byte(val), Version: version}, nil
}

func (r *Redis) CompareAndSwap(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error) {
	swapped, err := casScript.Run(ctx, r.redis, []string{key}, version, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cas %q: %w", key, err)
	}
	return swapped == 1, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.redis.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if err := r.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// Stats returns the "stats" section of INFO as key/value pairs.
func (r *Redis) Stats(ctx context.Context) (map[string]string, error) {
	info, err := r.redis.Info(ctx, "stats").Result()
	if err != nil {
		return nil, err
	}

	stats := make(map[string]string)
	for _, line := range strings.Split(info, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		stats[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return stats, nil
}

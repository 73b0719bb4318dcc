package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the redis-backed store.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// RedisStorage is a KeyValueStore backed by redis, for hosts that keep
// wallet sessions server-side (e.g. a backend driving embedded wallets).
type RedisStorage struct {
	conn    *redis.Client
	timeout time.Duration
}

func NewRedisStorage(cfg RedisConfig) (*RedisStorage, error) {
	conn := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStorage{conn: conn, timeout: 2 * time.Second}, nil
}

// HealthCheck pings the redis backend.
func (r *RedisStorage) HealthCheck(ctx context.Context) error {
	return r.conn.Ping(ctx).Err()
}

func (r *RedisStorage) GetItem(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	v, err := r.conn.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

func (r *RedisStorage) SetItem(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.conn.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStorage) RemoveItem(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.conn.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisStorage) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

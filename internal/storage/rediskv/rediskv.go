// Package rediskv реализует storage.KeyValueStore поверх Redis.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanCount = 200

// Store хранит значения в Redis как есть (байтами).
type Store struct {
	client *redis.Client
}

// New создает Store для готового клиента.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Open разбирает redis:// URL. Сеть не трогает: недоступный Redis
// проявится ошибками операций, а не ошибкой старта.
func Open(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opts)), nil
}

// Ping проверяет доступность сервера.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get возвращает значение ключа.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

// Set выполняет SET key value EX ttl.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// List собирает значения по префиксу через SCAN + MGET.
func (s *Store) List(ctx context.Context, prefix string) ([][]byte, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget %s: %w", prefix, err)
	}
	values := make([][]byte, 0, len(raw))
	for _, v := range raw {
		// ключ мог истечь между SCAN и MGET
		str, ok := v.(string)
		if !ok {
			continue
		}
		values = append(values, []byte(str))
	}
	return values, nil
}

// Close закрывает клиент.
func (s *Store) Close() error {
	return s.client.Close()
}

// Package redisstore persists the account-pool state in Redis as a single
// JSON blob, for deployments where the proxy runs in a container without a
// durable filesystem.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xilu0/antigravity-claude-proxy/internal/account"
)

const defaultKey = "antigravity:accounts"

// Options configures a Store.
type Options struct {
	// Addr is the Redis address, e.g. "localhost:6379".
	Addr     string
	Password string
	DB       int
	// Key overrides the state key. Defaults to "antigravity:accounts".
	Key string
	// Timeout bounds each Redis operation. Defaults to 5s.
	Timeout time.Duration
}

// Store implements account.Store on top of Redis.
type Store struct {
	client  *redis.Client
	key     string
	timeout time.Duration
}

// New creates a Redis-backed store and verifies connectivity.
func New(opts Options) (*Store, error) {
	if opts.Key == "" {
		opts.Key = defaultKey
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Store{client: client, key: opts.Key, timeout: opts.Timeout}, nil
}

// Load reads the persisted state. A missing key returns an empty state.
func (s *Store) Load() (*account.State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return &account.State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.key, err)
	}

	var state account.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state from redis: %w", err)
	}
	return &state, nil
}

// Save writes the state blob.
func (s *Store) Save(state *account.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

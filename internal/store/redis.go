// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: Keeps the whole snapshot as one JSON document under a single key

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key the snapshot document is stored under.
const DefaultRedisKey = "coven-hub:state"

// RedisConfig holds Redis connection settings for RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisStore implements the Store interface on a single Redis string value.
type RedisStore struct {
	rdb    *redis.Client
	key    string
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	logger := slog.Default().With("component", "store")

	key := cfg.Key
	if key == "" {
		key = DefaultRedisKey
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("Redis store initialized", "addr", cfg.Addr, "key", key)
	return &RedisStore{rdb: rdb, key: key, logger: logger}, nil
}

// LoadAll reads the snapshot document. A missing key yields an empty snapshot.
func (r *RedisStore) LoadAll(ctx context.Context) (*Snapshot, error) {
	data, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

// SaveAll overwrites the snapshot document.
func (r *RedisStore) SaveAll(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	r.logger.Info("closing Redis store")
	return r.rdb.Close()
}

// decodeSnapshot parses a JSON snapshot document, filling in empty collections.
func decodeSnapshot(data []byte) (*Snapshot, error) {
	snap := NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if snap.Agents == nil {
		snap.Agents = make(map[string]*Agent)
	}
	if snap.History == nil {
		snap.History = []HistoryEntry{}
	}
	for id, a := range snap.Agents {
		if a == nil {
			delete(snap.Agents, id)
			continue
		}
		if a.ID == "" {
			a.ID = id
		}
		if a.QueuedCommands == nil {
			a.QueuedCommands = []QueuedCommand{}
		}
	}
	return snap, nil
}

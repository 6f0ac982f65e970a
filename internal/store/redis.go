// ABOUTME: Redis implementation of PresenceStore
// ABOUTME: Keeps every presence record as a JSON field of one Redis hash

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements PresenceStore on top of a Redis hash. Field names are
// account IDs and values are JSON-encoded PresenceRecords, so a whole
// snapshot is a single HGETALL.
type RedisStore struct {
	rdb    redis.UniversalClient
	key    string
	logger *slog.Logger
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}

	return NewRedisStoreFromClient(rdb, opts.KeyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes ownership
// and closes it on Close.
func NewRedisStoreFromClient(rdb redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		key:    keyPrefix + "accounts",
		logger: slog.Default().With("component", "store", "backend", "redis"),
	}
}

// UpsertPresence creates or replaces the presence record for an account.
func (s *RedisStore) UpsertPresence(ctx context.Context, rec *PresenceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding presence: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.key, rec.AccountID, data).Err(); err != nil {
		return unavailable("upserting presence", err)
	}
	return nil
}

// GetPresence retrieves the presence record for an account.
// Returns ErrNotFound if the account has no record.
func (s *RedisStore) GetPresence(ctx context.Context, accountID string) (*PresenceRecord, error) {
	raw, err := s.rdb.HGet(ctx, s.key, accountID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying presence", err)
	}
	return decodePresence(raw)
}

// ListPresence returns every presence record keyed by account.
func (s *RedisStore) ListPresence(ctx context.Context) (map[string]*PresenceRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, unavailable("listing presence", err)
	}

	records := make(map[string]*PresenceRecord, len(fields))
	for accountID, raw := range fields {
		rec, err := decodePresence(raw)
		if err != nil {
			s.logger.Warn("skipping corrupt presence record", "account_id", accountID, "error", err)
			continue
		}
		records[accountID] = rec
	}
	return records, nil
}

// RemovePresence deletes the presence record for an account.
func (s *RedisStore) RemovePresence(ctx context.Context, accountID string) error {
	if err := s.rdb.HDel(ctx, s.key, accountID).Err(); err != nil {
		return unavailable("deleting presence", err)
	}
	return nil
}

// Ping checks that Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("pinging redis", err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func decodePresence(raw string) (*PresenceRecord, error) {
	var rec PresenceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding presence: %w", err)
	}
	return &rec, nil
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding the key records.
const DefaultRedisKey = "keygate:keys"

// RedisBackend stores records as JSON values of one Redis hash keyed by
// record id. SaveAll replaces the hash inside MULTI/EXEC.
type RedisBackend struct {
	client    redis.UniversalClient
	key       string
	ownClient bool
}

// Ensure RedisBackend implements Backend.
var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a backend on an existing client. The caller keeps
// ownership of the client.
func NewRedisBackend(client redis.UniversalClient, key string) *RedisBackend {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{client: client, key: key}
}

// DialRedisBackend connects to address and verifies the connection.
func DialRedisBackend(ctx context.Context, address, password string, db int, key string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", address, err)
	}

	b := NewRedisBackend(client, key)
	b.ownClient = true
	return b, nil
}

// LoadAll reads every record of the hash ordered by creation time.
func (r *RedisBackend) LoadAll(ctx context.Context) ([]Record, error) {
	values, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r.key, err)
	}

	records := make([]Record, 0, len(values))
	for id, raw := range values {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// SaveAll replaces the hash contents atomically.
func (r *RedisBackend) SaveAll(ctx context.Context, records []Record) error {
	fields := make(map[string]interface{}, len(records))
	for i := range records {
		data, err := json.Marshal(records[i])
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", records[i].ID, err)
		}
		fields[records[i].ID] = string(data)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(fields) > 0 {
			pipe.HSet(ctx, r.key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", r.key, err)
	}
	return nil
}

// Close closes the client when the backend created it.
func (r *RedisBackend) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}

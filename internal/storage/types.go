package storage

import (
	"context"
	"errors"
	"time"
)

// Backend types.
const (
	TypeMemory = "memory"
	TypeFile   = "file"
	TypeSQLite = "sqlite"
	TypeRedis  = "redis"
)

var (
	// ErrUnknownBackend is returned by New for an unsupported backend type.
	ErrUnknownBackend = errors.New("unknown storage backend")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("storage backend closed")
)

// Record is the persisted form of an API key. A revoked key is kept as a
// tombstone carrying only its ID and token hash.
type Record struct {
	ID          string            `yaml:"id" json:"id"`
	Token       string            `yaml:"token,omitempty" json:"token,omitempty"`
	Hash        string            `yaml:"hash,omitempty" json:"hash,omitempty"`
	Name        string            `yaml:"name" json:"name"`
	CreatedAt   time.Time         `yaml:"createdAt" json:"createdAt"`
	ExpiresAt   *time.Time        `yaml:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	Permissions []string          `yaml:"permissions" json:"permissions"`
	Metadata    map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Revoked     bool              `yaml:"revoked,omitempty" json:"revoked,omitempty"`
}

// Tombstone returns the record of a revoked key.
func Tombstone(id, hash string) Record {
	return Record{ID: id, Hash: hash, Revoked: true}
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		out.ExpiresAt = &t
	}
	if r.Permissions != nil {
		out.Permissions = append([]string(nil), r.Permissions...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Backend persists the full set of API key records. SaveAll replaces the
// stored set, so records absent from the slice are removed.
type Backend interface {
	// LoadAll returns every stored record.
	LoadAll(ctx context.Context) ([]Record, error)

	// SaveAll atomically replaces the stored records.
	SaveAll(ctx context.Context, records []Record) error

	// Close releases backend resources.
	Close() error
}

// Config configures a storage backend.
type Config struct {
	// Type is one of memory, file, sqlite, redis.
	Type string

	// Path is the file or database path for the file and sqlite backends.
	Path string

	// BusyTimeout is the sqlite lock wait.
	BusyTimeout time.Duration

	// Redis connection settings for the redis backend.
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisKey      string

	// Breaker wraps the backend in a circuit breaker when set.
	Breaker *BreakerConfig
}

func cloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	for i := range records {
		out[i] = records[i].Clone()
	}
	return out
}

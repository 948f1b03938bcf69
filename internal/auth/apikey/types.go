package apikey

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/astraguard/keygate/internal/secrets"
	"github.com/astraguard/keygate/internal/storage"
)

// Default permission scopes granted when none are requested.
var defaultPermissions = []string{"read", "write"}

// Metadata keys set by keygate.
const (
	MetadataSource    = "source"
	SourceEnvironment = "environment"
	SourceAPI         = "api"
)

// APIKey is a key owned by the KeyStore. Everything but the revoked flag and
// the usage counters is fixed after creation, and the permission set and
// metadata are only handed out as copies.
type APIKey struct {
	// ID is the non-secret record identifier used in logs and admin APIs.
	ID string

	// Token is the secret bearer value.
	Token string

	// Name is a human-readable label.
	Name string

	// Hash is the hash index entry of Token. It is also the rate-limit key.
	Hash string

	// CreatedAt is when the key was created.
	CreatedAt time.Time

	expiresAt   time.Time
	permissions map[string]struct{}
	metadata    map[string]string

	revoked  atomic.Bool
	requests atomic.Int64
	lastUsed atomic.Int64
}

// ExpiresAt returns the expiry time and whether the key expires at all.
func (k *APIKey) ExpiresAt() (time.Time, bool) {
	return k.expiresAt, !k.expiresAt.IsZero()
}

// IsExpired reports whether the key has an expiry at or before now.
func (k *APIKey) IsExpired(now time.Time) bool {
	return !k.expiresAt.IsZero() && !now.Before(k.expiresAt)
}

// Permissions returns a sorted copy of the permission set.
func (k *APIKey) Permissions() []string {
	out := make([]string, 0, len(k.permissions))
	for p := range k.permissions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasPermission reports whether the key holds the exact scope.
func (k *APIKey) HasPermission(permission string) bool {
	_, ok := k.permissions[permission]
	return ok
}

// Metadata returns a copy of the key metadata.
func (k *APIKey) Metadata() map[string]string {
	out := make(map[string]string, len(k.metadata))
	for key, v := range k.metadata {
		out[key] = v
	}
	return out
}

// Revoked reports whether the key has been revoked or expired out of the
// store.
func (k *APIKey) Revoked() bool {
	return k.revoked.Load()
}

// RequestCount returns the number of successful validations.
func (k *APIKey) RequestCount() int64 {
	return k.requests.Load()
}

// LastUsed returns the time of the last successful validation, zero if
// never used.
func (k *APIKey) LastUsed() time.Time {
	n := k.lastUsed.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// MaskedToken returns the token with all but its last characters hidden.
func (k *APIKey) MaskedToken() string {
	return secrets.Mask(k.Token, secrets.DefaultVisibleChars)
}

func (k *APIKey) recordUse(now time.Time) {
	k.requests.Add(1)
	k.lastUsed.Store(now.UnixNano())
}

func newAPIKey(id, token, name, hash string, createdAt, expiresAt time.Time, permissions []string, metadata map[string]string) *APIKey {
	k := &APIKey{
		ID:          id,
		Token:       token,
		Name:        name,
		Hash:        hash,
		CreatedAt:   createdAt,
		expiresAt:   expiresAt,
		permissions: make(map[string]struct{}, len(permissions)),
		metadata:    make(map[string]string, len(metadata)),
	}
	for _, p := range permissions {
		if p != "" {
			k.permissions[p] = struct{}{}
		}
	}
	for key, v := range metadata {
		k.metadata[key] = v
	}
	return k
}

func (k *APIKey) toRecord() storage.Record {
	r := storage.Record{
		ID:          k.ID,
		Token:       k.Token,
		Name:        k.Name,
		CreatedAt:   k.CreatedAt,
		Permissions: k.Permissions(),
		Revoked:     k.Revoked(),
	}
	if exp, ok := k.ExpiresAt(); ok {
		r.ExpiresAt = &exp
	}
	if len(k.metadata) > 0 {
		r.Metadata = k.Metadata()
	}
	return r
}

func keyFromRecord(r storage.Record, hash string) *APIKey {
	var exp time.Time
	if r.ExpiresAt != nil {
		exp = *r.ExpiresAt
	}
	k := newAPIKey(r.ID, r.Token, r.Name, hash, r.CreatedAt, exp, r.Permissions, r.Metadata)
	k.revoked.Store(r.Revoked)
	return k
}

package apikey

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/astraguard/keygate/internal/observability"
	"github.com/astraguard/keygate/internal/storage"
)

// RevocationHook runs synchronously after a key leaves the store, before
// Revoke returns.
type RevocationHook func(ctx context.Context, key *APIKey)

// Pair is one name/token entry of a bulk import.
type Pair struct {
	Name  string
	Token string
}

// BulkResult counts the outcome of a BulkLoad call.
type BulkResult struct {
	// Created is the number of new keys.
	Created int

	// Existing is the number of tokens already present.
	Existing int

	// Revoked is the number of tokens that were revoked or expired earlier
	// and are not brought back.
	Revoked int

	// Skipped is the number of pairs with an empty name or token.
	Skipped int
}

// KeyStore holds the live API keys in a token index and a hash index that
// always change together.
type KeyStore struct {
	mu      sync.RWMutex
	keys    map[string]*APIKey // token -> key
	hashes  map[string]string  // hash -> token
	revoked map[string]string  // hash -> record ID of a revoked or expired key
	seq     uint64

	persistMu sync.Mutex
	persisted uint64

	hooksMu sync.RWMutex
	hooks   []RevocationHook

	backend  storage.Backend
	hasher   Hasher
	defaults []string
	random   io.Reader
	now      func() time.Time
	logger   observability.Logger
	metrics  *Metrics
}

// StoreOption is a functional option for the key store.
type StoreOption func(*KeyStore)

// WithBackend sets the storage collaborator. Without one the store is
// memory only.
func WithBackend(backend storage.Backend) StoreOption {
	return func(s *KeyStore) {
		s.backend = backend
	}
}

// WithHasher sets the token hasher.
func WithHasher(hasher Hasher) StoreOption {
	return func(s *KeyStore) {
		s.hasher = hasher
	}
}

// WithDefaultPermissions sets the scopes granted to keys created without
// any and to imported keys.
func WithDefaultPermissions(permissions []string) StoreOption {
	return func(s *KeyStore) {
		if len(permissions) > 0 {
			s.defaults = append([]string(nil), permissions...)
		}
	}
}

// WithRandom sets the randomness source for token generation.
func WithRandom(r io.Reader) StoreOption {
	return func(s *KeyStore) {
		s.random = r
	}
}

// WithStoreClock sets the clock used for creation timestamps.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *KeyStore) {
		s.now = now
	}
}

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger observability.Logger) StoreOption {
	return func(s *KeyStore) {
		s.logger = logger
	}
}

// WithStoreMetrics sets the metrics for the store.
func WithStoreMetrics(metrics *Metrics) StoreOption {
	return func(s *KeyStore) {
		s.metrics = metrics
	}
}

// NewKeyStore creates an empty key store.
func NewKeyStore(opts ...StoreOption) *KeyStore {
	s := &KeyStore{
		keys:     make(map[string]*APIKey),
		hashes:   make(map[string]string),
		revoked:  make(map[string]string),
		hasher:   defaultHasher(),
		defaults: append([]string(nil), defaultPermissions...),
		now:      time.Now,
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = NewMetrics("keygate")
	}

	return s
}

// CreateOption configures a single Create call.
type CreateOption func(*createOptions)

type createOptions struct {
	expiresAt time.Time
}

// WithExpiry sets the key expiry time.
func WithExpiry(t time.Time) CreateOption {
	return func(o *createOptions) {
		o.expiresAt = t
	}
}

// OnRevoke registers a hook run after every revocation and expiry.
func (s *KeyStore) OnRevoke(hook RevocationHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Create generates a new key. An empty permission set falls back to the
// default scopes.
func (s *KeyStore) Create(
	ctx context.Context,
	name string,
	permissions []string,
	metadata map[string]string,
	opts ...CreateOption,
) (*APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrMalformed)
	}

	var co createOptions
	for _, opt := range opts {
		opt(&co)
	}

	token, err := GenerateToken(s.random)
	if err != nil {
		return nil, err
	}
	id, err := newKeyID()
	if err != nil {
		return nil, err
	}
	if len(permissions) == 0 {
		permissions = s.defaults
	}

	hash := s.hasher.Hash(token)
	key := newAPIKey(id, token, name, hash, s.now(), co.expiresAt, permissions, metadata)

	s.mu.Lock()
	if s.existsLocked(token, hash) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: generated token already exists", ErrConflict)
	}
	s.insertLocked(key)
	seq, records := s.snapshotLocked()
	count := len(s.keys)
	s.mu.Unlock()

	s.metrics.SetKeys(count)
	s.persist(ctx, "create", seq, records)

	s.logger.Info("API key created",
		observability.String("key_id", id),
		observability.String("name", name),
		observability.Strings("permissions", key.Permissions()),
	)

	return key, nil
}

// Lookup returns the live key for the token.
func (s *KeyStore) Lookup(token string) (*APIKey, error) {
	s.mu.RLock()
	key, ok := s.keys[token]
	s.mu.RUnlock()

	if !ok || key.Revoked() {
		return nil, ErrNotFound
	}
	return key, nil
}

// GetByID returns the live key with the record ID.
func (s *KeyStore) GetByID(id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, key := range s.keys {
		if key.ID == id {
			return key, nil
		}
	}
	return nil, ErrNotFound
}

// Revoke removes the key from the store, persists the change and runs the
// revocation hooks.
func (s *KeyStore) Revoke(ctx context.Context, token string) error {
	if s.remove(ctx, token, "revoked", true) == nil {
		return ErrNotFound
	}
	return nil
}

// RevokeByID revokes the key with the record ID.
func (s *KeyStore) RevokeByID(ctx context.Context, id string) error {
	key, err := s.GetByID(id)
	if err != nil {
		return err
	}
	return s.Revoke(ctx, key.Token)
}

// Expire removes a key found past its expiry. Unknown tokens are ignored.
// It runs on the request path and does not write to storage: LoadAll
// derives expiry from the stored expiry time, and the next persisted
// mutation records the tombstone.
func (s *KeyStore) Expire(ctx context.Context, token string) error {
	s.remove(ctx, token, "expired", false)
	return nil
}

func (s *KeyStore) remove(ctx context.Context, token, reason string, persist bool) *APIKey {
	s.mu.Lock()
	key, ok := s.keys[token]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	key.revoked.Store(true)
	delete(s.keys, token)
	delete(s.hashes, key.Hash)
	s.revoked[key.Hash] = key.ID
	var (
		seq     uint64
		records []storage.Record
	)
	if persist {
		seq, records = s.snapshotLocked()
	}
	count := len(s.keys)
	s.mu.Unlock()

	s.metrics.SetKeys(count)
	s.metrics.RecordRevocation(reason)
	if persist {
		s.persist(ctx, reason, seq, records)
	}

	s.logger.Info("API key removed",
		observability.String("key_id", key.ID),
		observability.String("reason", reason),
	)

	s.hooksMu.RLock()
	hooks := append([]RevocationHook(nil), s.hooks...)
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, key)
	}

	return key
}

// BulkLoad imports name/token pairs. Present tokens are left untouched and
// revoked ones are not brought back. New keys get the default scopes and
// are persisted once for the batch.
func (s *KeyStore) BulkLoad(ctx context.Context, pairs []Pair) BulkResult {
	var res BulkResult
	now := s.now()

	s.mu.Lock()
	for _, p := range pairs {
		name := strings.TrimSpace(p.Name)
		token := strings.TrimSpace(p.Token)
		if name == "" || token == "" {
			res.Skipped++
			continue
		}
		if _, ok := s.keys[token]; ok {
			res.Existing++
			continue
		}
		hash := s.hasher.Hash(token)
		if _, ok := s.revoked[hash]; ok {
			res.Revoked++
			continue
		}
		id, err := newKeyID()
		if err != nil {
			s.logger.Warn("skipping imported key", observability.Error(err))
			res.Skipped++
			continue
		}
		s.insertLocked(newAPIKey(id, token, name, hash, now, time.Time{}, s.defaults,
			map[string]string{MetadataSource: SourceEnvironment}))
		res.Created++
	}

	var (
		seq     uint64
		records []storage.Record
	)
	if res.Created > 0 {
		seq, records = s.snapshotLocked()
	}
	count := len(s.keys)
	s.mu.Unlock()

	s.metrics.SetKeys(count)
	s.metrics.RecordImport("created", res.Created)
	s.metrics.RecordImport("existing", res.Existing)
	s.metrics.RecordImport("revoked", res.Revoked)
	s.metrics.RecordImport("skipped", res.Skipped)

	if res.Created > 0 {
		s.persist(ctx, "import", seq, records)
	}

	return res
}

// LoadAll populates the store from the storage backend. Revoked and expired
// records are remembered by hash but not served, and duplicate tokens are
// skipped. It returns the number of live keys loaded.
func (s *KeyStore) LoadAll(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, nil
	}

	records, err := s.backend.LoadAll(ctx)
	if err != nil {
		s.metrics.RecordPersistenceFailure("load")
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	loaded, expired, duplicates := 0, 0, 0
	now := s.now()

	s.mu.Lock()
	for _, r := range records {
		hash := r.Hash
		if r.Token != "" {
			hash = s.hasher.Hash(r.Token)
		}
		if hash == "" {
			duplicates++
			continue
		}
		if r.Revoked {
			s.revoked[hash] = r.ID
			continue
		}
		if r.Token == "" {
			duplicates++
			continue
		}
		if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
			if !s.existsLocked(r.Token, hash) {
				s.revoked[hash] = r.ID
			}
			expired++
			continue
		}
		if s.existsLocked(r.Token, hash) {
			duplicates++
			continue
		}
		if r.ID == "" {
			if r.ID, err = newKeyID(); err != nil {
				duplicates++
				continue
			}
		}
		s.insertLocked(keyFromRecord(r, hash))
		loaded++
	}
	count := len(s.keys)
	s.mu.Unlock()

	s.metrics.SetKeys(count)
	if duplicates > 0 {
		s.logger.Warn("skipped stored API keys",
			observability.Int("count", duplicates))
	}
	s.logger.Info("API keys loaded from storage",
		observability.Int("loaded", loaded),
		observability.Int("expired", expired),
		observability.Int("total", count),
	)

	return loaded, nil
}

// List returns the live keys ordered by creation time.
func (s *KeyStore) List() []*APIKey {
	s.mu.RLock()
	out := make([]*APIKey, 0, len(s.keys))
	for _, key := range s.keys {
		out = append(out, key)
	}
	s.mu.RUnlock()

	sortKeys(out)
	return out
}

// Count returns the number of live keys.
func (s *KeyStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// VerifyIntegrity checks that every live key has exactly one hash index
// entry pointing back at it.
func (s *KeyStore) VerifyIntegrity() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error
	if len(s.keys) != len(s.hashes) {
		errs = append(errs, fmt.Errorf("index size mismatch: %d keys, %d hashes", len(s.keys), len(s.hashes)))
	}
	for token, key := range s.keys {
		switch {
		case key.Token != token:
			errs = append(errs, fmt.Errorf("key %s indexed under another token", key.ID))
		case key.Revoked():
			errs = append(errs, fmt.Errorf("key %s is revoked but indexed", key.ID))
		case s.hasher.Hash(token) != key.Hash:
			errs = append(errs, fmt.Errorf("key %s has a stale hash", key.ID))
		case s.hashes[key.Hash] != token:
			errs = append(errs, fmt.Errorf("key %s missing from hash index", key.ID))
		}
	}
	for hash, token := range s.hashes {
		if _, ok := s.keys[token]; !ok {
			errs = append(errs, fmt.Errorf("hash %s points at no key", hash))
		}
	}
	return errors.Join(errs...)
}

func (s *KeyStore) existsLocked(token, hash string) bool {
	if _, ok := s.keys[token]; ok {
		return true
	}
	if _, ok := s.hashes[hash]; ok {
		return true
	}
	_, ok := s.revoked[hash]
	return ok
}

func (s *KeyStore) insertLocked(key *APIKey) {
	s.keys[key.Token] = key
	s.hashes[key.Hash] = key.Token
}

// snapshotLocked copies the store into records, live keys first and then
// token-free tombstones, and tags the copy with a mutation sequence number.
func (s *KeyStore) snapshotLocked() (uint64, []storage.Record) {
	s.seq++

	live := make([]*APIKey, 0, len(s.keys))
	for _, key := range s.keys {
		live = append(live, key)
	}
	sortKeys(live)
	dead := make([]storage.Record, 0, len(s.revoked))
	for hash, id := range s.revoked {
		dead = append(dead, storage.Tombstone(id, hash))
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].ID < dead[j].ID })

	records := make([]storage.Record, 0, len(live)+len(dead))
	for _, key := range live {
		records = append(records, key.toRecord())
	}
	return s.seq, append(records, dead...)
}

// persist writes a snapshot unless a newer one was already written. Failures
// are logged and counted, never returned.
func (s *KeyStore) persist(ctx context.Context, operation string, seq uint64, records []storage.Record) {
	if s.backend == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if seq <= s.persisted {
		return
	}
	s.persisted = seq

	if err := s.backend.SaveAll(context.WithoutCancel(ctx), records); err != nil {
		s.metrics.RecordPersistenceFailure("save")
		s.logger.Error("failed to persist API keys",
			observability.String("operation", operation),
			observability.Error(fmt.Errorf("%w: %w", ErrPersistence, err)),
		)
	}
}

func sortKeys(keys []*APIKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].ID < keys[j].ID
		}
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
}

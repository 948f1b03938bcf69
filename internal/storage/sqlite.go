package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteBackend stores records in a SQLite database. SaveAll upserts every
// record tagged with a fresh generation and then deletes rows of older
// generations, all inside one transaction.
type SQLiteBackend struct {
	db         *sql.DB
	dbPath     string
	mu         sync.Mutex
	generation int64
	closeOnce  sync.Once

	upsertStmt *sql.Stmt
	sweepStmt  *sql.Stmt
	loadStmt   *sql.Stmt
}

// Ensure SQLiteBackend implements Backend.
var _ Backend = (*SQLiteBackend)(nil)

// SQLiteBackendConfig configures the SQLite backend.
type SQLiteBackendConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteBackend creates a SQLite backend at dbPath with default settings.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	return NewSQLiteBackendWithConfig(SQLiteBackendConfig{DBPath: dbPath})
}

// NewSQLiteBackendWithConfig creates a SQLite backend with custom configuration.
func NewSQLiteBackendWithConfig(cfg SQLiteBackendConfig) (*SQLiteBackend, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.DBPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	backend := &SQLiteBackend{
		db:     db,
		dbPath: cfg.DBPath,
	}

	if err := backend.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := backend.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	if err := db.QueryRow(`SELECT COALESCE(MAX(generation), 0) FROM api_keys`).Scan(&backend.generation); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to read generation: %w", err)
	}

	return backend, nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		token TEXT UNIQUE,
		hash TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		permissions TEXT NOT NULL,
		metadata TEXT NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0,
		generation INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_api_keys_generation ON api_keys(generation);
	`

	_, err := s.db.Exec(schema)
	return err
}

// prepareStatements prepares SQL statements for reuse.
func (s *SQLiteBackend) prepareStatements() error {
	var err error

	s.upsertStmt, err = s.db.Prepare(`
		INSERT INTO api_keys (id, token, hash, name, created_at, expires_at, permissions, metadata, revoked, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			token = excluded.token,
			hash = excluded.hash,
			name = excluded.name,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			permissions = excluded.permissions,
			metadata = excluded.metadata,
			revoked = excluded.revoked,
			generation = excluded.generation
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	s.sweepStmt, err = s.db.Prepare(`DELETE FROM api_keys WHERE generation <> ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare sweep statement: %w", err)
	}

	s.loadStmt, err = s.db.Prepare(`
		SELECT id, token, hash, name, created_at, expires_at, permissions, metadata, revoked
		FROM api_keys
		ORDER BY created_at, id
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare load statement: %w", err)
	}

	return nil
}

// LoadAll returns every stored record ordered by creation time.
func (s *SQLiteBackend) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := s.loadStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec         Record
			token       sql.NullString
			createdAt   int64
			expiresAt   sql.NullInt64
			permissions string
			metadata    string
			revoked     int
		)
		if err := rows.Scan(&rec.ID, &token, &rec.Hash, &rec.Name, &createdAt, &expiresAt, &permissions, &metadata, &revoked); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		rec.Token = token.String
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		if expiresAt.Valid {
			t := time.Unix(0, expiresAt.Int64).UTC()
			rec.ExpiresAt = &t
		}
		if err := json.Unmarshal([]byte(permissions), &rec.Permissions); err != nil {
			return nil, fmt.Errorf("failed to decode permissions of %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", rec.ID, err)
		}
		rec.Revoked = revoked != 0

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

// SaveAll replaces the stored records in one transaction.
func (s *SQLiteBackend) SaveAll(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	generation := s.generation + 1

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := tx.StmtContext(ctx, s.upsertStmt)
	for i := range records {
		rec := &records[i]

		permissions, err := json.Marshal(rec.Permissions)
		if err != nil {
			return fmt.Errorf("failed to encode permissions of %s: %w", rec.ID, err)
		}
		metadata, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata of %s: %w", rec.ID, err)
		}

		var expiresAt sql.NullInt64
		if rec.ExpiresAt != nil {
			expiresAt = sql.NullInt64{Int64: rec.ExpiresAt.UnixNano(), Valid: true}
		}

		revoked := 0
		if rec.Revoked {
			revoked = 1
		}

		// NULL keeps token-free tombstones clear of the unique index.
		token := sql.NullString{String: rec.Token, Valid: rec.Token != ""}

		if _, err := upsert.ExecContext(ctx,
			rec.ID, token, rec.Hash, rec.Name, rec.CreatedAt.UnixNano(), expiresAt,
			string(permissions), string(metadata), revoked, generation,
		); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", rec.ID, err)
		}
	}

	if _, err := tx.StmtContext(ctx, s.sweepStmt).ExecContext(ctx, generation); err != nil {
		return fmt.Errorf("failed to delete stale records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.generation = generation
	return nil
}

// Close closes the database.
func (s *SQLiteBackend) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for _, stmt := range []*sql.Stmt{s.upsertStmt, s.sweepStmt, s.loadStmt} {
			if stmt != nil {
				_ = stmt.Close()
			}
		}
		err = s.db.Close()
	})
	return err
}

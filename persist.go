package fundex

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/oarkflow/squealx/connection"
)

// SchemaVersion is bumped whenever the persisted layout changes; a mismatch
// on load is treated as no usable cache.
const SchemaVersion = 1

// CacheMetadata is persisted beside the records and judged independently of
// them, so a wiped record store still detects "no metadata present".
type CacheMetadata struct {
	ContentHash   string    `json:"content_hash" db:"content_hash"`
	LastUpdate    time.Time `json:"last_update" db:"last_update"`
	SchemaVersion int       `json:"schema_version" db:"schema_version"`
}

// Store persists fund records and cache metadata in two tables so either can
// be read or wiped without the other.
type Store struct {
	db           *squealx.DB
	persistLimit int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPersistLimit caps how many records one persist cycle writes. Records
// beyond the cap, in source order, stay memory-only.
func WithPersistLimit(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.persistLimit = n
		}
	}
}

// NewStore wraps an existing database handle.
func NewStore(db *squealx.DB, opts ...StoreOption) (*Store, error) {
	s := &Store{db: db, persistLimit: 100000}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenStore opens (or creates) a sqlite-backed store at path.
func OpenStore(path string, opts ...StoreOption) (*Store, error) {
	db, _, err := connection.FromConfig(squealx.Config{
		Driver:   "sqlite",
		Database: path,
	})
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	return NewStore(db, opts...)
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fund_records (
			code TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT,
			pinyin_abbr TEXT,
			pinyin_full TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS cache_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			content_hash TEXT NOT NULL,
			last_update TIMESTAMP NOT NULL,
			schema_version INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return &PersistenceError{Op: "migrate", Err: err}
		}
	}
	return nil
}

// SaveRecords replaces the persisted record set with records, capped at the
// persist limit in source order. The replace runs in one transaction: a
// failure mid-batch leaves the previous set intact. It returns how many
// records were written.
func (s *Store) SaveRecords(ctx context.Context, records []FundRecord) (int, error) {
	if len(records) > s.persistLimit {
		records = records[:s.persistLimit]
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fund_records`); err != nil {
		return 0, &PersistenceError{Op: "clear records", Err: err}
	}
	const insert = `INSERT INTO fund_records (code, name, type, pinyin_abbr, pinyin_full)
		VALUES (:code, :name, :type, :pinyin_abbr, :pinyin_full)`
	for _, rec := range records {
		if _, err := tx.NamedExecContext(ctx, insert, rec); err != nil {
			return 0, &PersistenceError{Op: fmt.Sprintf("insert record %s", rec.Code), Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, &PersistenceError{Op: "commit", Err: err}
	}
	return len(records), nil
}

// LoadRecords reads every persisted record, ordered by code.
func (s *Store) LoadRecords(ctx context.Context) ([]FundRecord, error) {
	var records []FundRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT code, name, type, pinyin_abbr, pinyin_full FROM fund_records ORDER BY code`)
	if err != nil {
		return nil, &PersistenceError{Op: "load records", Err: err}
	}
	return records, nil
}

// SaveMetadata upserts the single metadata row.
func (s *Store) SaveMetadata(ctx context.Context, meta CacheMetadata) error {
	const upsert = `INSERT INTO cache_metadata (id, content_hash, last_update, schema_version)
		VALUES (1, :content_hash, :last_update, :schema_version)
		ON CONFLICT(id) DO UPDATE SET
			content_hash = excluded.content_hash,
			last_update = excluded.last_update,
			schema_version = excluded.schema_version`
	if _, err := s.db.NamedExecContext(ctx, upsert, meta); err != nil {
		return &PersistenceError{Op: "save metadata", Err: err}
	}
	return nil
}

// LoadMetadata reads the metadata row. A missing row or a schema-version
// mismatch is an error: callers treat it as "no usable cache".
func (s *Store) LoadMetadata(ctx context.Context) (CacheMetadata, error) {
	var meta CacheMetadata
	err := s.db.GetContext(ctx, &meta,
		`SELECT content_hash, last_update, schema_version FROM cache_metadata WHERE id = 1`)
	if err != nil {
		return CacheMetadata{}, &PersistenceError{Op: "load metadata", Err: err}
	}
	if meta.SchemaVersion != SchemaVersion {
		return CacheMetadata{}, &PersistenceError{
			Op:  "load metadata",
			Err: fmt.Errorf("schema version %d, want %d", meta.SchemaVersion, SchemaVersion),
		}
	}
	return meta, nil
}

// WipeRecords clears the record table only; metadata survives so hash-based
// no-op detection still works after a rebuild from a fresh fetch.
func (s *Store) WipeRecords(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fund_records`); err != nil {
		return &PersistenceError{Op: "wipe records", Err: err}
	}
	return nil
}

// WipeMetadata clears the metadata row only.
func (s *Store) WipeMetadata(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_metadata`); err != nil {
		return &PersistenceError{Op: "wipe metadata", Err: err}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

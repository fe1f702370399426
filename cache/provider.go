package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Record is a single cached value. A record is readable as long as
// now - WrittenAt <= TTL; expired records are deleted by the read that
// discovers them.
type Record struct {
	Key       string
	Data      []byte
	WrittenAt time.Time
	TTL       time.Duration
}

// Expired reports whether the record is past its time-to-live at now.
func (r Record) Expired(now time.Time) bool {
	return now.Sub(r.WrittenAt) > r.TTL
}

// Provider is the storage backend for cached records, partitioned into
// named collections, plus a small key-value meta area for scalar state
// (last wipe instant, cold-start snapshots, the mutation queue).
//
// Implementations must be thread-safe.
type Provider interface {
	// Get returns the record stored under key in the given collection.
	// The boolean is false if no record is stored. Expiry is not checked
	// here; that is the Store's job.
	Get(collection, key string) (Record, bool, error)
	// Put stores the record in the given collection, replacing any
	// existing record with the same key.
	Put(collection string, rec Record) error
	// All returns every record in the collection, expired or not.
	All(collection string) ([]Record, error)
	// Delete removes the record under key, if any.
	Delete(collection, key string) error
	// Clear removes every record in the collection.
	Clear(collection string) error
	// Count returns the number of stored records in the collection.
	Count(collection string) (int, error)

	// GetMeta returns the meta value stored under key.
	GetMeta(key string) (string, bool, error)
	// PutMeta stores the meta value under key.
	PutMeta(key, value string) error
	// DeleteMeta removes the meta value under key, if any.
	DeleteMeta(key string) error

	// Close releases the underlying storage.
	Close() error
}

type memCollection map[string]Record

// MemProvider is an in-memory Provider for tests and throwaway hosts.
type MemProvider struct {
	mu   sync.RWMutex
	cols map[string]memCollection
	meta map[string]string
}

func NewMemProvider() *MemProvider {
	return &MemProvider{
		cols: make(map[string]memCollection),
		meta: make(map[string]string),
	}
}

func (m *MemProvider) Get(collection, key string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.cols[collection][key]
	return rec, ok, nil
}

func (m *MemProvider) Put(collection string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.cols[collection]
	if !ok {
		col = make(memCollection)
		m.cols[collection] = col
	}
	col[rec.Key] = rec
	return nil
}

func (m *MemProvider) All(collection string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col := m.cols[collection]
	recs := make([]Record, 0, len(col))
	for _, rec := range col {
		recs = append(recs, rec)
	}
	return recs, nil
}

func (m *MemProvider) Delete(collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cols[collection], key)
	return nil
}

func (m *MemProvider) Clear(collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cols, collection)
	return nil
}

func (m *MemProvider) Count(collection string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cols[collection]), nil
}

func (m *MemProvider) GetMeta(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.meta[key]
	return val, ok, nil
}

func (m *MemProvider) PutMeta(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

func (m *MemProvider) DeleteMeta(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.meta, key)
	return nil
}

func (m *MemProvider) Close() error { return nil }

// SQLiteProvider persists records and meta values in a local SQLite file.
type SQLiteProvider struct {
	db *sql.DB
}

// NewSQLiteProvider opens (or creates) the database at path and ensures
// the schema exists.
func NewSQLiteProvider(path string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			written_at INTEGER NOT NULL,
			ttl_ms INTEGER NOT NULL,
			data BLOB,
			PRIMARY KEY (collection, key)
		)`,
		`CREATE INDEX IF NOT EXISTS records_written_idx ON records (collection, written_at)`,
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteProvider{db: db}, nil
}

func (s *SQLiteProvider) Get(collection, key string) (Record, bool, error) {
	var writtenAt, ttlMs int64
	var data []byte
	err := s.db.QueryRow(
		"SELECT written_at, ttl_ms, data FROM records WHERE collection = ? AND key = ?",
		collection, key,
	).Scan(&writtenAt, &ttlMs, &data)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return Record{
		Key:       key,
		Data:      data,
		WrittenAt: time.UnixMilli(writtenAt),
		TTL:       time.Duration(ttlMs) * time.Millisecond,
	}, true, nil
}

func (s *SQLiteProvider) Put(collection string, rec Record) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO records (collection, key, written_at, ttl_ms, data) VALUES (?, ?, ?, ?, ?)",
		collection, rec.Key, rec.WrittenAt.UnixMilli(), rec.TTL.Milliseconds(), rec.Data,
	)
	return err
}

func (s *SQLiteProvider) All(collection string) ([]Record, error) {
	rows, err := s.db.Query(
		"SELECT key, written_at, ttl_ms, data FROM records WHERE collection = ?",
		collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []Record
	for rows.Next() {
		var rec Record
		var writtenAt, ttlMs int64
		if err := rows.Scan(&rec.Key, &writtenAt, &ttlMs, &rec.Data); err != nil {
			return nil, err
		}
		rec.WrittenAt = time.UnixMilli(writtenAt)
		rec.TTL = time.Duration(ttlMs) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteProvider) Delete(collection, key string) error {
	_, err := s.db.Exec("DELETE FROM records WHERE collection = ? AND key = ?", collection, key)
	return err
}

func (s *SQLiteProvider) Clear(collection string) error {
	_, err := s.db.Exec("DELETE FROM records WHERE collection = ?", collection)
	return err
}

func (s *SQLiteProvider) Count(collection string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM records WHERE collection = ?", collection).Scan(&n)
	return n, err
}

func (s *SQLiteProvider) GetMeta(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteProvider) PutMeta(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value)
	return err
}

func (s *SQLiteProvider) DeleteMeta(key string) error {
	_, err := s.db.Exec("DELETE FROM meta WHERE key = ?", key)
	return err
}

func (s *SQLiteProvider) Close() error { return s.db.Close() }

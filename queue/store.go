package queue

import (
	"database/sql"
	"encoding/json"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

const queueKey = "request_queue"

// Store persists the queue as an ordered list. The queue is always
// written as a full-list replace; the Queue serializes access, so a
// store never sees concurrent writers.
type Store interface {
	Load() ([]Item, error)
	Save(items []Item) error
}

// MemStore keeps the queue in memory, for tests.
type MemStore struct {
	mu    sync.Mutex
	items []Item
}

func NewMemStore() *MemStore { return &MemStore{} }

func (m *MemStore) Load() ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, len(m.items))
	copy(out, m.items)
	return out, nil
}

func (m *MemStore) Save(items []Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make([]Item, len(items))
	copy(m.items, items)
	return nil
}

// SQLiteStore persists the queue as a JSON list under a well-known key,
// in the same kv shape as the cache meta table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures
// the meta table exists. The path may be shared with the cache provider.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT)"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load() ([]Item, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", queueKey).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []Item
	if err := json.Unmarshal([]byte(value), &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *SQLiteStore) Save(items []Item) error {
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	_, err = s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", queueKey, string(data))
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("idempotency")

// Key is an idempotency key scoped to the caller that sent it.
type Key struct {
	Caller string `json:"caller"`
	Value  string `json:"key"`
}

// Record holds a stored response, or marks a request still in flight.
type Record struct {
	Pending    bool      `json:"pending"`
	StatusCode int       `json:"statusCode"`
	Response   []byte    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store abstracts idempotency persistence.
type Store interface {
	// Reserve claims key as pending until ttl elapses. When key already holds
	// an unexpired record, that record is returned and nothing is claimed.
	Reserve(ctx context.Context, key Key, ttl time.Duration) (*Record, error)
	Get(ctx context.Context, key Key) (*Record, error)
	// Save stores the final response, replacing any reservation.
	Save(ctx context.Context, key Key, record Record) error
	// Release drops a pending reservation. Completed records are kept.
	Release(ctx context.Context, key Key) error
}

func pendingRecord(now time.Time, ttl time.Duration) Record {
	return Record{Pending: true, CreatedAt: now, ExpiresAt: now.Add(ttl)}
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data map[Key]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[Key]Record),
	}
}

func (m *MemoryStore) Reserve(_ context.Context, key Key, ttl time.Duration) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if rec, ok := m.data[key]; ok && !rec.expired(now) {
		return &rec, nil
	}
	m.data[key] = pendingRecord(now, ttl)
	return nil, nil
}

func (m *MemoryStore) Get(_ context.Context, key Key) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if rec.expired(time.Now()) {
		delete(m.data, key)
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key Key, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.Pending = false
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && rec.Pending {
		delete(m.data, key)
	}
	return nil
}

// FileStore persists records to disk. Suitable for local dev.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[Key]Record
}

type fileEntry struct {
	Key
	Record Record `json:"record"`
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[Key]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	var entries []fileEntry
	if err := json.Unmarshal(blob, &entries); err != nil {
		return err
	}
	now := time.Now()
	for _, e := range entries {
		// reservations do not survive a restart
		if e.Record.Pending || e.Record.expired(now) {
			continue
		}
		f.data[e.Key] = e.Record
	}
	return nil
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	entries := make([]fileEntry, 0, len(f.data))
	for k, rec := range f.data {
		if rec.Pending {
			continue
		}
		entries = append(entries, fileEntry{Key: k, Record: rec})
	}
	blob, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Reserve(_ context.Context, key Key, ttl time.Duration) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	if rec, ok := f.data[key]; ok && !rec.expired(now) {
		return &rec, nil
	}
	f.data[key] = pendingRecord(now, ttl)
	return nil, nil
}

func (f *FileStore) Get(_ context.Context, key Key) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if record.expired(time.Now()) {
		delete(f.data, key)
		if err := f.persist(); err != nil {
			log.Warnw("persist after expiry failed", "path", f.path, "error", err)
		}
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key Key, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record.Pending = false
	f.data[key] = record
	return f.persist()
}

func (f *FileStore) Release(_ context.Context, key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.data[key]; ok && rec.Pending {
		delete(f.data, key)
	}
	return nil
}

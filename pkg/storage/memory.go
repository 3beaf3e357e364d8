package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/orneryd/graphpersist/pkg/persistence"
)

// MemoryDatabase keeps records in memory. Records are stored encoded, so
// callers never share state with the database. It is useful for tests and
// for staging an import.
type MemoryDatabase struct {
	Database

	mu     sync.RWMutex
	docs   map[string][]byte
	urls   map[string]string
	closed bool
}

// NewMemoryDatabase returns an empty, open MemoryDatabase.
func NewMemoryDatabase() *MemoryDatabase {
	return NewMemoryDatabaseWithLogger(nil)
}

// NewMemoryDatabaseWithLogger is NewMemoryDatabase with a logger.
func NewMemoryDatabaseWithLogger(logger persistence.Logger) *MemoryDatabase {
	return &MemoryDatabase{
		Database: newDatabase(logger),
		docs:     make(map[string][]byte),
		urls:     make(map[string]string),
	}
}

// Fetch implements persistence.Datasource. Memory records are never stale.
func (m *MemoryDatabase) Fetch(ctx context.Context, id string) (*persistence.FetchResult, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	data, ok := m.docs[id]
	if !ok {
		m.logger.Log(persistence.LevelDebug, "cannot find document", map[string]any{"uuid": id})
		return nil, nil
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	return &persistence.FetchResult{Record: rec}, nil
}

// Put implements persistence.Datasource.
func (m *MemoryDatabase) Put(ctx context.Context, id string, rec persistence.Record) error {
	if id == "" {
		return ErrInvalidID
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	if old, ok := m.docs[id]; ok {
		if prev, err := decodeRecord(old); err == nil {
			if url := urlOf(prev); url != "" && m.urls[url] == id {
				delete(m.urls, url)
			}
		}
	}
	m.docs[id] = data
	if url := urlOf(rec); url != "" {
		m.urls[url] = id
	}
	return nil
}

// Remove implements persistence.Datasource. Removing a missing id is not an
// error.
func (m *MemoryDatabase) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	if _, ok := m.docs[id]; !ok {
		return nil
	}
	delete(m.docs, id)
	for url, owner := range m.urls {
		if owner == id {
			delete(m.urls, url)
		}
	}
	return nil
}

// Flush announces the flush; there is nothing to persist.
func (m *MemoryDatabase) Flush(ctx context.Context) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	return m.fireFlushing(ctx)
}

// AddURLMapping maps url to id without touching the record.
func (m *MemoryDatabase) AddURLMapping(url, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urls[url] = id
}

// IDFromURL implements Store.
func (m *MemoryDatabase) IDFromURL(ctx context.Context, url string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrStorageClosed
	}
	return m.urls[NormalizeURL(url)], nil
}

// Scan implements Store.
func (m *MemoryDatabase) Scan(ctx context.Context, fn func(id string, rec persistence.Record) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStorageClosed
	}
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	snapshot := make(map[string][]byte, len(m.docs))
	for id, data := range m.docs {
		snapshot[id] = data
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := decodeRecord(snapshot[id])
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		if err := fn(id, rec); err != nil {
			return err
		}
	}
	return nil
}

// Stats implements Store.
func (m *MemoryDatabase) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Stats{}, ErrStorageClosed
	}
	st := Stats{Records: len(m.docs), URLs: len(m.urls)}
	for _, data := range m.docs {
		st.Bytes += int64(len(data))
	}
	return st, nil
}

// Close drops every record.
func (m *MemoryDatabase) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.docs = nil
	m.urls = nil
	return nil
}

func (m *MemoryDatabase) ensureOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

var _ Store = (*MemoryDatabase)(nil)

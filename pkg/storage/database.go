// Package storage provides the datasources a persistence.Controller loads
// from and saves to: an in-memory map, a directory of JSON files and an
// embedded Badger store. All of them keep records as JSON documents keyed by
// uuid, with an optional secondary index on the document's url.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/orneryd/graphpersist/pkg/persistence"
)

// FieldURL is the record key indexed for IDFromURL.
const FieldURL = "url"

// Store is a persistence.Datasource with the administrative surface shared
// by every backend.
type Store interface {
	persistence.Datasource
	persistence.FlushNotifier

	// Scan calls fn for every record in id order until fn returns an error.
	Scan(ctx context.Context, fn func(id string, rec persistence.Record) error) error
	// IDFromURL returns the id of the record whose url is url, or "" when
	// none matches. "/" maps to "index" and a trailing "/" to ".../index".
	IDFromURL(ctx context.Context, url string) (string, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats summarizes the content of a Store.
type Stats struct {
	Records int
	Bytes   int64
	URLs    int
}

// Database holds what all backends share: the flushing listeners, id
// generation and the logger. Backends embed it.
type Database struct {
	logger persistence.Logger

	listenersMu sync.Mutex
	listeners   []func(ctx context.Context) error
}

func newDatabase(logger persistence.Logger) Database {
	if logger == nil {
		logger = persistence.NewStdLogger("storage", persistence.LevelInfo)
	}
	return Database{logger: logger}
}

// OnFlushing registers fn to run at the start of every Flush, before the
// backend persists anything. It implements persistence.FlushNotifier.
func (d *Database) OnFlushing(fn func(ctx context.Context) error) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *Database) fireFlushing(ctx context.Context) error {
	d.listenersMu.Lock()
	fns := append([]func(context.Context) error(nil), d.listeners...)
	d.listenersMu.Unlock()
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("flushing listener: %w", err)
		}
	}
	return nil
}

// CreateID returns a random (version 4) uuid.
func (d *Database) CreateID() string {
	return uuid.NewString()
}

// Logger returns the database logger.
func (d *Database) Logger() persistence.Logger { return d.logger }

// NormalizeURL applies the index conventions of IDFromURL.
func NormalizeURL(url string) string {
	switch {
	case url == "/":
		return "index"
	case strings.HasSuffix(url, "/"):
		return url + "index"
	}
	return url
}

func urlOf(rec persistence.Record) string {
	s, _ := rec[FieldURL].(string)
	return s
}

func encodeRecord(rec persistence.Record) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return b, nil
}

func decodeRecord(data []byte) (persistence.Record, error) {
	var rec persistence.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return rec, nil
}

// Find returns every record of s whose top level values equal those of
// query.
func Find(ctx context.Context, s Store, query map[string]any) ([]persistence.Record, error) {
	var out []persistence.Record
	err := s.Scan(ctx, func(_ string, rec persistence.Record) error {
		if matchQuery(rec, query) {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// errStopScan ends a Scan early without failing it.
var errStopScan = errors.New("stop scan")

// FindOne returns the first record matching query, or nil.
func FindOne(ctx context.Context, s Store, query map[string]any) (persistence.Record, error) {
	var found persistence.Record
	err := s.Scan(ctx, func(_ string, rec persistence.Record) error {
		if matchQuery(rec, query) {
			found = rec
			return errStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, err
	}
	return found, nil
}

func matchQuery(rec persistence.Record, query map[string]any) bool {
	for k, want := range query {
		got, ok := rec[k]
		if !ok {
			return false
		}
		a, err := json.Marshal(got)
		if err != nil {
			return false
		}
		b, err := json.Marshal(want)
		if err != nil || string(a) != string(b) {
			return false
		}
	}
	return true
}

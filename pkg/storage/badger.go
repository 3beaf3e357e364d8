package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/graphpersist/pkg/persistence"
)

// Key prefixes. Single bytes keep keys short and scans cheap.
const (
	prefixRecord = byte(0x01) // record:uuid -> JSON(record)
	prefixURL    = byte(0x02) // url:url -> uuid
)

// BadgerOptions configures a BadgerDatabase.
type BadgerOptions struct {
	// DataDir is the directory for the data files. Ignored when InMemory.
	DataDir string

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool

	// SyncWrites forces an fsync after each write.
	SyncWrites bool

	// LowMemory shrinks memtables and caches.
	LowMemory bool

	// BadgerLogger receives Badger's own logging; nil silences it.
	BadgerLogger badger.Logger

	Logger persistence.Logger
}

// BadgerDatabase stores records in an embedded Badger database.
//
// Key structure:
//   - Records: 0x01 + uuid -> JSON(record)
//   - URL index: 0x02 + url -> uuid
//
// A fetched record is stale once its key has been written again, which Badger
// exposes through the item version.
type BadgerDatabase struct {
	Database

	db       *badger.DB
	mu       sync.RWMutex
	closed   bool
	inMemory bool
}

// NewBadgerDatabase opens a BadgerDatabase in dataDir with default settings.
func NewBadgerDatabase(dataDir string) (*BadgerDatabase, error) {
	return NewBadgerDatabaseWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerDatabaseInMemory opens a throwaway in-memory BadgerDatabase.
func NewBadgerDatabaseInMemory() (*BadgerDatabase, error) {
	return NewBadgerDatabaseWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerDatabaseWithOptions opens a BadgerDatabase.
func NewBadgerDatabaseWithOptions(opts BadgerOptions) (*BadgerDatabase, error) {
	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(opts.BadgerLogger)

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(8 << 20).
			WithValueLogFileSize(32 << 20).
			WithNumMemtables(1).
			WithNumLevelZeroTables(1).
			WithNumLevelZeroTablesStall(2).
			WithBlockCacheSize(8 << 20).
			WithIndexCacheSize(4 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerDatabase{
		Database: newDatabase(opts.Logger),
		db:       db,
		inMemory: opts.InMemory,
	}, nil
}

func recordKey(id string) []byte {
	return append([]byte{prefixRecord}, id...)
}

func urlKey(url string) []byte {
	return append([]byte{prefixURL}, url...)
}

// IsInMemory reports whether the database lives in RAM only.
func (b *BadgerDatabase) IsInMemory() bool { return b.inMemory }

// Fetch implements persistence.Datasource.
func (b *BadgerDatabase) Fetch(ctx context.Context, id string) (*persistence.FetchResult, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	var (
		rec     persistence.Record
		version uint64
	)
	err := b.view(func(txn *badger.Txn) error {
		var err error
		rec, version, err = getRecord(txn, id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		b.logger.Log(persistence.LevelDebug, "cannot find document", map[string]any{"uuid": id})
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", id, err)
	}
	if _, ok := rec[persistence.FieldID]; !ok {
		rec[persistence.FieldID] = id
	}

	return &persistence.FetchResult{
		Record: rec,
		IsStale: func(context.Context) (bool, error) {
			stale := false
			err := b.view(func(txn *badger.Txn) error {
				item, err := txn.Get(recordKey(id))
				if err != nil {
					return err
				}
				stale = item.Version() > version
				return nil
			})
			if errors.Is(err, ErrNotFound) {
				// deleted
				return true, nil
			}
			return stale, err
		},
	}, nil
}

// Put implements persistence.Datasource and maintains the URL index.
func (b *BadgerDatabase) Put(ctx context.Context, id string, rec persistence.Record) error {
	if id == "" {
		return ErrInvalidID
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	url := urlOf(rec)
	return b.update(func(txn *badger.Txn) error {
		if err := b.dropURLInTxn(txn, id, url); err != nil {
			return err
		}
		if err := txn.Set(recordKey(id), data); err != nil {
			return err
		}
		if url != "" {
			return txn.Set(urlKey(url), []byte(id))
		}
		return nil
	})
}

// dropURLInTxn removes the URL index entry of the record currently stored
// under id unless it is keep.
func (b *BadgerDatabase) dropURLInTxn(txn *badger.Txn, id, keep string) error {
	prev, _, err := getRecord(txn, id)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	old := urlOf(prev)
	if old == "" || old == keep {
		return nil
	}
	owner, err := txn.Get(urlKey(old))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ownerID, err := owner.ValueCopy(nil)
	if err != nil {
		return err
	}
	if string(ownerID) != id {
		return nil
	}
	return txn.Delete(urlKey(old))
}

// Remove implements persistence.Datasource.
func (b *BadgerDatabase) Remove(ctx context.Context, id string) error {
	return b.update(func(txn *badger.Txn) error {
		if err := b.dropURLInTxn(txn, id, ""); err != nil {
			return err
		}
		return txn.Delete(recordKey(id))
	})
}

// Flush announces the flush and syncs to disk.
func (b *BadgerDatabase) Flush(ctx context.Context) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if err := b.fireFlushing(ctx); err != nil {
		return err
	}
	if b.inMemory {
		return nil
	}
	return b.Sync()
}

// IDFromURL implements Store.
func (b *BadgerDatabase) IDFromURL(ctx context.Context, url string) (string, error) {
	var id string
	err := b.view(func(txn *badger.Txn) error {
		item, err := txn.Get(urlKey(NormalizeURL(url)))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		id = string(v)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return id, err
}

// Scan implements Store. Records are visited in key order inside one read
// transaction.
func (b *BadgerDatabase) Scan(ctx context.Context, fn func(id string, rec persistence.Record) error) error {
	return b.view(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIterator([]byte{prefixRecord}, true))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			id := string(item.Key()[1:])
			var rec persistence.Record
			if err := item.Value(func(val []byte) error {
				var decodeErr error
				rec, decodeErr = decodeRecord(val)
				return decodeErr
			}); err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			if _, ok := rec[persistence.FieldID]; !ok {
				rec[persistence.FieldID] = id
			}
			if err := fn(id, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats implements Store. Bytes is Badger's on-disk size (LSM + value log).
func (b *BadgerDatabase) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := b.view(func(txn *badger.Txn) error {
		st.Records = countKeys(txn, prefixRecord)
		st.URLs = countKeys(txn, prefixURL)
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	lsm, vlog := b.Size()
	st.Bytes = lsm + vlog
	return st, nil
}

func countKeys(txn *badger.Txn, prefix byte) int {
	it := txn.NewIterator(prefixIterator([]byte{prefix}, false))
	defer it.Close()
	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

// Close closes the Badger database.
func (b *BadgerDatabase) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Sync forces a sync of all data to disk.
func (b *BadgerDatabase) Sync() error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.db.Sync()
}

// RunGC runs garbage collection on the value log.
func (b *BadgerDatabase) RunGC() error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Size returns the approximate size of the database in bytes.
func (b *BadgerDatabase) Size() (lsm, vlog int64) {
	if b.ensureOpen() != nil {
		return 0, 0
	}
	return b.db.Size()
}

func (b *BadgerDatabase) ensureOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// view runs fn in a read transaction. A missing key surfacing from fn is
// reported as ErrNotFound.
func (b *BadgerDatabase) view(fn func(txn *badger.Txn) error) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return notFound(b.db.View(fn))
}

// update runs fn in a read-write transaction, like view.
func (b *BadgerDatabase) update(fn func(txn *badger.Txn) error) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return notFound(b.db.Update(fn))
}

func notFound(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// getRecord decodes the record stored under id together with its version.
func getRecord(txn *badger.Txn, id string) (persistence.Record, uint64, error) {
	item, err := txn.Get(recordKey(id))
	if err != nil {
		return nil, 0, err
	}
	var rec persistence.Record
	err = item.Value(func(val []byte) error {
		var decodeErr error
		rec, decodeErr = decodeRecord(val)
		return decodeErr
	})
	return rec, item.Version(), err
}

// prefixIterator iterates the keys under prefix, with their values only
// when values is set.
func prefixIterator(prefix []byte, values bool) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = values
	if values {
		opts.PrefetchSize = 100
	}
	return opts
}

var _ Store = (*BadgerDatabase)(nil)

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/orneryd/graphpersist/pkg/persistence"
)

const (
	fileIndexName = "db.json"
	fileUUIDDir   = "_uuids"

	// DefaultIndexSaveDelay debounces index writes of a FileDatabase.
	DefaultIndexSaveDelay = 250 * time.Millisecond
)

// FileOptions configures a FileDatabase.
type FileOptions struct {
	// IndexSaveDelay is how long index changes wait before db.json is
	// rewritten; further changes restart the wait.
	IndexSaveDelay time.Duration
	Logger         persistence.Logger
}

type fileIndexEntry struct {
	Filename string `json:"filename"`
}

type fileIndex struct {
	IDs            map[string]fileIndexEntry `json:"ids"`
	IDFromFilename map[string]string         `json:"idFromFilename"`
}

// FileDatabase stores every record as an indented JSON file under
// <root>/_uuids and keeps an index of them in <root>/db.json. A fetched
// record is stale once its file is modified or deleted.
type FileDatabase struct {
	Database

	root      string
	saveDelay time.Duration

	mu        sync.Mutex
	index     *fileIndex
	saveTimer *time.Timer
	closed    bool

	writeMu sync.Mutex
}

// OpenFileDatabase opens the database rooted at root, which must exist.
func OpenFileDatabase(root string, opts FileOptions) (*FileDatabase, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNoRootDir, root)
	}
	if opts.IndexSaveDelay <= 0 {
		opts.IndexSaveDelay = DefaultIndexSaveDelay
	}
	d := &FileDatabase{
		Database:  newDatabase(opts.Logger),
		root:      root,
		saveDelay: opts.IndexSaveDelay,
		index: &fileIndex{
			IDs:            make(map[string]fileIndexEntry),
			IDFromFilename: make(map[string]string),
		},
	}

	data, err := os.ReadFile(filepath.Join(root, fileIndexName))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading index: %w", err)
	default:
		if err := json.Unmarshal(data, d.index); err != nil {
			return nil, fmt.Errorf("decoding index: %w", err)
		}
		if d.index.IDs == nil {
			d.index.IDs = make(map[string]fileIndexEntry)
		}
		if d.index.IDFromFilename == nil {
			d.index.IDFromFilename = make(map[string]string)
		}
	}

	if err := os.MkdirAll(filepath.Join(root, fileUUIDDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", fileUUIDDir, err)
	}
	return d, nil
}

func (d *FileDatabase) entry(id string) (fileIndexEntry, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fileIndexEntry{}, false, ErrStorageClosed
	}
	e, ok := d.index.IDs[id]
	return e, ok, nil
}

// Fetch implements persistence.Datasource.
func (d *FileDatabase) Fetch(ctx context.Context, id string) (*persistence.FetchResult, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	e, ok, err := d.entry(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		d.logger.Log(persistence.LevelDebug, "cannot find document", map[string]any{"uuid": id})
		return nil, nil
	}

	filename := filepath.Join(d.root, e.Filename)
	info, err := os.Stat(filename)
	if err != nil {
		return nil, fmt.Errorf("cannot find data for uuid %s: %w", id, err)
	}
	mtime := info.ModTime()
	rec, err := readRecordFile(filename)
	if err != nil {
		return nil, err
	}
	switch stored, _ := rec[persistence.FieldID].(string); {
	case stored == "":
		rec[persistence.FieldID] = id
	case stored != id:
		return nil, fmt.Errorf("%w: %s holds %s, expected %s", ErrWrongUUID, e.Filename, stored, id)
	}

	return &persistence.FetchResult{
		Record: rec,
		IsStale: func(context.Context) (bool, error) {
			info, err := os.Stat(filename)
			if err != nil {
				// deleted
				return true, nil
			}
			return info.ModTime().After(mtime), nil
		},
	}, nil
}

// Put implements persistence.Datasource.
func (d *FileDatabase) Put(ctx context.Context, id string, rec persistence.Record) error {
	if id == "" {
		return ErrInvalidID
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrStorageClosed
	}
	e, ok := d.index.IDs[id]
	if !ok {
		e = fileIndexEntry{Filename: filepath.ToSlash(filepath.Join(fileUUIDDir, id+".json"))}
		d.index.IDs[id] = e
		d.index.IDFromFilename[e.Filename] = id
		d.scheduleSaveLocked()
	}
	d.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", id, err)
	}
	if err := os.WriteFile(filepath.Join(d.root, e.Filename), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", id, err)
	}
	return nil
}

// Remove implements persistence.Datasource.
func (d *FileDatabase) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrStorageClosed
	}
	e, ok := d.index.IDs[id]
	if !ok {
		d.mu.Unlock()
		d.logger.Log(persistence.LevelError, "cannot delete uuid because it does not exist", map[string]any{"uuid": id})
		return nil
	}
	delete(d.index.IDs, id)
	delete(d.index.IDFromFilename, e.Filename)
	d.scheduleSaveLocked()
	d.mu.Unlock()

	if err := os.Remove(filepath.Join(d.root, e.Filename)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", id, err)
	}
	return nil
}

// Flush announces the flush and schedules an index save.
func (d *FileDatabase) Flush(ctx context.Context) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrStorageClosed
	}
	if err := d.fireFlushing(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.scheduleSaveLocked()
	d.mu.Unlock()
	return nil
}

func (d *FileDatabase) scheduleSaveLocked() {
	if d.saveTimer != nil {
		d.saveTimer.Reset(d.saveDelay)
		return
	}
	d.saveTimer = time.AfterFunc(d.saveDelay, func() {
		if err := d.SaveIndex(); err != nil && !errors.Is(err, ErrStorageClosed) {
			d.logger.Log(persistence.LevelError, "cannot save index", map[string]any{
				"root":  d.root,
				"error": err.Error(),
			})
		}
	})
}

// SaveIndex writes db.json now.
func (d *FileDatabase) SaveIndex() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrStorageClosed
	}
	data, err := json.MarshalIndent(d.index, "", "  ")
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	return d.writeIndex(data)
}

func (d *FileDatabase) writeIndex(data []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	path := filepath.Join(d.root, fileIndexName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing index: %w", err)
	}
	return nil
}

// Scan implements Store.
func (d *FileDatabase) Scan(ctx context.Context, fn func(id string, rec persistence.Record) error) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrStorageClosed
	}
	ids := make([]string, 0, len(d.index.IDs))
	files := make(map[string]string, len(d.index.IDs))
	for id, e := range d.index.IDs {
		ids = append(ids, id)
		files[id] = e.Filename
	}
	d.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := readRecordFile(filepath.Join(d.root, files[id]))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		if _, ok := rec[persistence.FieldID]; !ok {
			rec[persistence.FieldID] = id
		}
		if err := fn(id, rec); err != nil {
			return err
		}
	}
	return nil
}

// IDFromURL implements Store by scanning the records.
func (d *FileDatabase) IDFromURL(ctx context.Context, url string) (string, error) {
	rec, err := FindOne(ctx, d, map[string]any{FieldURL: NormalizeURL(url)})
	if err != nil || rec == nil {
		return "", err
	}
	id, _ := rec[persistence.FieldID].(string)
	return id, nil
}

// Stats implements Store.
func (d *FileDatabase) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	d.mu.Lock()
	files := make([]string, 0, len(d.index.IDs))
	for _, e := range d.index.IDs {
		files = append(files, e.Filename)
	}
	d.mu.Unlock()
	for _, f := range files {
		if info, err := os.Stat(filepath.Join(d.root, f)); err == nil {
			st.Bytes += info.Size()
		}
	}
	err := d.Scan(ctx, func(_ string, rec persistence.Record) error {
		st.Records++
		if urlOf(rec) != "" {
			st.URLs++
		}
		return nil
	})
	return st, err
}

// Close writes the index and closes the database.
func (d *FileDatabase) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	if d.saveTimer != nil {
		d.saveTimer.Stop()
	}
	data, err := json.MarshalIndent(d.index, "", "  ")
	d.closed = true
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	return d.writeIndex(data)
}

func readRecordFile(filename string) (persistence.Record, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return rec, nil
}

var _ Store = (*FileDatabase)(nil)

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/orneryd/graphpersist/pkg/persistence"
)

// ImportStats counts what an Import did.
type ImportStats struct {
	Imported int
	Removed  int
	Skipped  int
}

// ImportExport copies documents between a directory tree of JSON files and
// a Store. A file's path below the root, without ".json", is the document's
// url; files under a "_uuids" directory are keyed by their name instead.
type ImportExport struct {
	root   string
	db     Store
	logger persistence.Logger
}

// NewImportExport returns an ImportExport between root and db.
func NewImportExport(root string, db Store, logger persistence.Logger) *ImportExport {
	if logger == nil {
		logger = persistence.NewStdLogger("import", persistence.LevelInfo)
	}
	return &ImportExport{root: root, db: db, logger: logger}
}

// Import reads every JSON document below the root into the database and
// flushes it. An empty file removes the document with that url. Documents
// that cannot be parsed, or whose uuid contradicts their file name, are
// logged and skipped.
func (ie *ImportExport) Import(ctx context.Context) (ImportStats, error) {
	var st ImportStats
	err := filepath.WalkDir(ie.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), ".json") {
			return nil
		}
		rel, err := filepath.Rel(ie.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == fileIndexName {
			return nil
		}
		return ie.importFile(ctx, p, rel, &st)
	})
	if err != nil {
		return st, fmt.Errorf("importing %s: %w", ie.root, err)
	}
	if err := ie.db.Flush(ctx); err != nil {
		return st, err
	}
	return st, nil
}

func (ie *ImportExport) importFile(ctx context.Context, filename, rel string, st *ImportStats) error {
	dirURL := path.Dir(rel)
	if dirURL == "." {
		dirURL = ""
	}
	name := strings.TrimSuffix(path.Base(rel), ".json")
	fileURL := strings.TrimSuffix(rel, ".json")

	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		id, err := ie.db.IDFromURL(ctx, fileURL)
		if err != nil {
			return err
		}
		if id != "" {
			if err := ie.db.Remove(ctx, id); err != nil {
				return err
			}
			st.Removed++
		}
		return nil
	}

	var rec persistence.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		ie.logger.Log(persistence.LevelError, "cannot parse JSON", map[string]any{"file": filename, "error": err.Error()})
		st.Skipped++
		return nil
	}

	id, _ := rec[persistence.FieldID].(string)
	if path.Base(dirURL) != fileUUIDDir {
		if url := urlOf(rec); url != "" && !strings.EqualFold(url, fileURL) {
			ie.logger.Log(persistence.LevelWarn, "document url does not match its path", map[string]any{
				"file":  filename,
				"found": url,
				"url":   fileURL,
			})
		}
		rec[FieldURL] = fileURL
	} else if id == "" {
		id = name
	} else if !strings.EqualFold(id, name) {
		ie.logger.Log(persistence.LevelError, "file has the wrong uuid, not importing", map[string]any{"file": filename, "uuid": id})
		st.Skipped++
		return nil
	}

	if id == "" {
		existing, err := ie.db.IDFromURL(ctx, fileURL)
		if err != nil {
			return err
		}
		id = existing
		if id == "" {
			id = ie.db.CreateID()
		}
	}
	rec[persistence.FieldID] = id
	if err := ie.db.Put(ctx, id, rec); err != nil {
		return err
	}
	st.Imported++
	return nil
}

// Export writes every document to <url>.json, or _uuids/<uuid>.json when it
// has no url, and returns the number written.
func (ie *ImportExport) Export(ctx context.Context) (int, error) {
	n := 0
	err := ie.db.Scan(ctx, func(id string, rec persistence.Record) error {
		rel := filepath.Join(fileUUIDDir, id+".json")
		if url := urlOf(rec); url != "" {
			rel = filepath.FromSlash(url) + ".json"
		}
		filename := filepath.Join(ie.root, rel)
		if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
			return err
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding %s: %w", id, err)
		}
		if err := os.WriteFile(filename, data, 0o644); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("exporting to %s: %w", ie.root, err)
	}
	return n, nil
}

package storage

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/orneryd/graphpersist/pkg/persistence"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
)

// OpenOptions selects and configures a backend.
type OpenOptions struct {
	Backend        string
	DataDir        string
	InMemory       bool
	SyncWrites     bool
	LowMemory      bool
	IndexSaveDelay time.Duration
	Logger         persistence.Logger
}

// Open opens the backend named by opts.Backend.
func Open(opts OpenOptions) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case BackendMemory, "":
		return NewMemoryDatabaseWithLogger(opts.Logger), nil
	case BackendFile:
		if opts.DataDir == "" {
			return nil, fmt.Errorf("file backend: data directory required")
		}
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", opts.DataDir, err)
		}
		return OpenFileDatabase(opts.DataDir, FileOptions{
			IndexSaveDelay: opts.IndexSaveDelay,
			Logger:         opts.Logger,
		})
	case BackendBadger:
		if opts.DataDir == "" && !opts.InMemory {
			return nil, fmt.Errorf("badger backend: data directory required")
		}
		return NewBadgerDatabaseWithOptions(BadgerOptions{
			DataDir:    opts.DataDir,
			InMemory:   opts.InMemory,
			SyncWrites: opts.SyncWrites,
			LowMemory:  opts.LowMemory,
			Logger:     opts.Logger,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, opts.Backend)
	}
}

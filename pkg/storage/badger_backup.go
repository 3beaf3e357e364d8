package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// Backup writes a full, consistent snapshot of the database to path.
func (b *BadgerDatabase) Backup(path string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	buf := bufio.NewWriterSize(f, 4*1024*1024)
	if _, err := b.db.Backup(buf, 0); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush backup: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync backup: %w", err)
	}
	return nil
}

// Restore loads a backup written by Backup into the database. Records with
// the same keys are overwritten.
func (b *BadgerDatabase) Restore(r io.Reader) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	if err := b.db.Load(r, 256); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	return nil
}

// DeleteByPrefix deletes every record whose uuid starts with prefix, along
// with its URL index entry, and returns how many were deleted.
func (b *BadgerDatabase) DeleteByPrefix(prefix string) (int, error) {
	if prefix == "" {
		return 0, fmt.Errorf("prefix cannot be empty")
	}
	var ids []string
	err := b.view(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIterator(recordKey(prefix), false))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().KeyCopy(nil)[1:]))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		err := b.update(func(txn *badger.Txn) error {
			if err := b.dropURLInTxn(txn, id, ""); err != nil {
				return err
			}
			return txn.Delete(recordKey(id))
		})
		if err != nil {
			return deleted, fmt.Errorf("deleting %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}

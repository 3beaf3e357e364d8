package storage

import "errors"

var (
	ErrStorageClosed = errors.New("storage: closed")
	ErrNotFound      = errors.New("storage: not found")
	ErrInvalidID     = errors.New("storage: invalid id")
	ErrWrongUUID     = errors.New("storage: record has the wrong uuid")
	ErrNoRootDir     = errors.New("storage: root directory does not exist")
	ErrUnknownType   = errors.New("storage: unknown backend")
)

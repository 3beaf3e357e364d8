package persistence

import (
	"errors"
	"fmt"
)

// Configuration errors. These are fatal: they surface through the failing
// call or Future and are never retried.
var (
	ErrUnknownClass       = errors.New("persistence: unknown class")
	ErrAbstractClass      = errors.New("persistence: class cannot be instantiated")
	ErrNoCodec            = errors.New("persistence: no codec for class")
	ErrDuplicateObject    = errors.New("persistence: object created twice for the same identifier")
	ErrIdentifierMismatch = errors.New("persistence: identifier mismatch")
	ErrUnknownChangeType  = errors.New("persistence: unknown change type")
	ErrMissingTypeTag     = errors.New("persistence: record has no type tag")
	ErrNoIdentity         = errors.New("persistence: object has no identity")
	ErrNotObservable      = errors.New("persistence: object is not observable")
	ErrAlreadyWatched     = errors.New("persistence: object is already watched")
	ErrNotWatched         = errors.New("persistence: object is not watched")
	ErrNotTracked         = errors.New("persistence: object is not tracked by the controller")
	ErrAlreadyComplete    = errors.New("persistence: object already completed")
	ErrReloadInProgress   = errors.New("persistence: object is being loaded or reloaded")
	ErrUnknownProperty    = errors.New("persistence: unknown property")
	ErrClassRegistered    = errors.New("persistence: class name already registered")
)

// ErrTooManySavePasses is returned when draining the dependency queue keeps
// discovering new objects after the configured number of passes.
var ErrTooManySavePasses = errors.New("persistence: save produces an endless stream of dependent objects")

// LoadError reports a failed load. Object holds the instance as far as it was
// populated; it is shared with every waiter of the same identifier.
type LoadError struct {
	ID     string
	Object Object
	Err    error
}

func (e *LoadError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("persistence: loading %s: %v", e.ID, e.Err)
	}
	if e.Object != nil {
		return fmt.Sprintf("persistence: loading %s: %v", e.Object.ClassName(), e.Err)
	}
	return fmt.Sprintf("persistence: loading: %v", e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// partialValue travels through a rejected Future when a value could be built
// but some nested object failed to load. The value is still applied; the
// error is attached to the owner's completion.
type partialValue struct {
	value any
	err   error
}

func (p *partialValue) Error() string { return p.err.Error() }

func (p *partialValue) Unwrap() error { return p.err }

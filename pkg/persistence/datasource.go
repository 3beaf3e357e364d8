package persistence

import "context"

// StaleProbe reports whether the stored record changed since it was fetched.
type StaleProbe func(ctx context.Context) (bool, error)

// FetchResult is a fetched record and an optional staleness probe.
type FetchResult struct {
	Record  Record
	IsStale StaleProbe
}

// Datasource is the raw JSON storage behind a Controller.
type Datasource interface {
	// Fetch returns the record stored under id, or nil when there is none.
	Fetch(ctx context.Context, id string) (*FetchResult, error)
	// CreateID returns a new, globally unique identifier.
	CreateID() string
	// Put stores rec under id, replacing any previous record.
	Put(ctx context.Context, id string, rec Record) error
	Remove(ctx context.Context, id string) error
	// Flush ends a batch of puts.
	Flush(ctx context.Context) error
}

// FlushNotifier is implemented by datasources that announce a flush before
// performing it. The controller registers itself on construction; datasources
// without it get the announcement from the controller directly.
type FlushNotifier interface {
	OnFlushing(fn func(ctx context.Context) error)
}

// ChangeSink receives the captured property changes, keyed by identifier,
// when a flush is announced.
type ChangeSink interface {
	PutPropertyChanges(ctx context.Context, changes map[string]*ChangeStore) error
}

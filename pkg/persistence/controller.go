// Package persistence maps a graph of objects to JSON records and back.
//
// A Controller keeps an identity cache of loaded objects, so every
// identifier maps to exactly one instance, and coordinates loading and saving
// through the per-class codecs held by a Registry. Nested objects are either
// embedded (ClassIo) or stored as reference stubs (RefIo); references found
// while saving are queued and saved in the same batch.
//
// Example:
//
//	reg := persistence.NewRegistry().MustRegister(PageClass, PieceClass)
//	ctrl := persistence.NewController(storage.NewMemoryDatabase(), reg)
//
//	page := NewPage("My New Title")
//	if err := ctrl.Save(ctx, page); err != nil {
//		return err
//	}
//	obj, err := ctrl.Load(ctx, page.ID())
package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/orneryd/graphpersist/pkg/future"
)

// DefaultMaxSavePasses bounds the dependency drain of one flush.
const DefaultMaxSavePasses = 50

// EntryState is the load state of a cache entry.
type EntryState int

const (
	StateLoading EntryState = iota
	StateSuccess
	StateError
	// StateStale marks an entry being reloaded on the same instance after
	// its staleness probe fired.
	StateStale
)

func (s EntryState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

func (s EntryState) terminal() bool { return s == StateSuccess || s == StateError }

type entry struct {
	obj       Object
	state     EntryState
	fut       *future.Future
	probe     StaleProbe
	reloading bool
	notified  bool
	// unstored marks an object registered as a save dependency whose
	// record has not been written yet.
	unstored  bool
	err       error
}

// EntryInfo is a snapshot of a cache entry.
type EntryInfo struct {
	Object    Object
	State     EntryState
	Reloading bool
	Err       error
}

// FlushStats describes the last flush.
type FlushStats struct {
	Passes         int
	Saved          int
	ChangedObjects int
	At             time.Time
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Registry *Registry
	Logger   Logger
	// MaxSavePasses bounds the number of drain passes; 0 means
	// DefaultMaxSavePasses.
	MaxSavePasses int
	// AutoWatch starts capturing changes of every object once saved.
	AutoWatch bool
}

// DefaultControllerOptions returns options with the default pass limit and
// auto-watching enabled.
func DefaultControllerOptions() ControllerOptions {
	return ControllerOptions{
		MaxSavePasses: DefaultMaxSavePasses,
		AutoWatch:     true,
	}
}

// Controller is the identity cache and load/save coordinator for one
// datasource. It is safe for concurrent use; its lock is never held while
// calling the datasource, codecs or object code.
type Controller struct {
	ds        Datasource
	registry  *Registry
	logger    Logger
	maxPasses int
	autoWatch bool

	mu       sync.Mutex
	entries  map[string]*entry
	hashKeys map[Object]string
	hashSeq  uint64
	depth    int
	queue    map[string]Object
	done     map[string]bool
	saving   map[string]int
	watched  map[string]*WatchHandle
	changes  map[string]*ChangeStore
	stats    FlushStats

	// drainMu serializes dependency drains; a pass assumes the previous one
	// has fully settled.
	drainMu sync.Mutex
}

// NewController returns a Controller with default options.
func NewController(ds Datasource, registry *Registry) *Controller {
	opts := DefaultControllerOptions()
	opts.Registry = registry
	return NewControllerWithOptions(ds, opts)
}

// NewControllerWithOptions returns a Controller for ds.
func NewControllerWithOptions(ds Datasource, opts ControllerOptions) *Controller {
	if opts.Registry == nil {
		opts.Registry = NewRegistryWithLogger(opts.Logger)
	}
	if opts.MaxSavePasses <= 0 {
		opts.MaxSavePasses = DefaultMaxSavePasses
	}
	c := &Controller{
		ds:        ds,
		registry:  opts.Registry,
		logger:    loggerOrDefault(opts.Logger),
		maxPasses: opts.MaxSavePasses,
		autoWatch: opts.AutoWatch,
		entries:   make(map[string]*entry),
		hashKeys:  make(map[Object]string),
		queue:     make(map[string]Object),
		done:      make(map[string]bool),
		saving:    make(map[string]int),
		watched:   make(map[string]*WatchHandle),
		changes:   make(map[string]*ChangeStore),
	}
	if n, ok := ds.(FlushNotifier); ok {
		n.OnFlushing(c.onFlushing)
	}
	return c
}

// Datasource returns the controller's datasource.
func (c *Controller) Datasource() Datasource { return c.ds }

// Registry returns the controller's registry.
func (c *Controller) Registry() *Registry { return c.registry }

// Logger returns the controller's logger.
func (c *Controller) Logger() Logger { return c.logger }

// Load returns the object stored under id once it and every object loading
// alongside it have settled. A nil object and nil error mean not found. When
// the object loaded with errors it is returned together with a *LoadError.
func (c *Controller) Load(ctx context.Context, id string) (Object, error) {
	f := c.LoadNoWait(ctx, id, false)
	if err := c.WaitForAll(ctx); err != nil {
		return nil, err
	}
	v, err := f.Await(ctx)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			return le.Object, err
		}
		return nil, err
	}
	obj, _ := v.(Object)
	return obj, nil
}

// LoadNoWait returns a Future for the object stored under id. Concurrent
// calls for the same id share one fetch. With allowIncomplete, an object that
// is still being populated is returned as is; references use this to close
// cycles. A loaded object whose staleness probe fires is reloaded in place.
func (c *Controller) LoadNoWait(ctx context.Context, id string, allowIncomplete bool) *future.Future {
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{state: StateLoading, fut: future.New()}
		c.entries[id] = e
		f := e.fut
		c.mu.Unlock()
		go c.fetch(ctx, id, e)
		return f
	}

	switch {
	case e.state == StateError:
		f := e.fut
		c.mu.Unlock()
		return f

	case e.state == StateSuccess:
		obj, probe := e.obj, e.probe
		if probe == nil || c.saving[id] > 0 {
			c.mu.Unlock()
			return future.Resolved(obj)
		}
		c.mu.Unlock()
		return c.reloadIfStale(ctx, id, e, probe, allowIncomplete)

	case allowIncomplete && e.obj != nil:
		obj := e.obj
		c.mu.Unlock()
		return future.Resolved(obj)

	default:
		f := e.fut
		c.mu.Unlock()
		return f
	}
}

func (c *Controller) reloadIfStale(ctx context.Context, id string, e *entry, probe StaleProbe, allowIncomplete bool) *future.Future {
	stale, err := probe(ctx)
	if err != nil {
		c.logger.Log(LevelWarn, "staleness probe failed", map[string]any{"id": id, "error": err.Error()})
		stale = false
	}

	c.mu.Lock()
	if c.entries[id] != e {
		c.mu.Unlock()
		return c.LoadNoWait(ctx, id, allowIncomplete)
	}
	if e.reloading {
		f := e.fut
		obj := e.obj
		c.mu.Unlock()
		if allowIncomplete && obj != nil {
			return future.Resolved(obj)
		}
		return f
	}
	if !stale || c.saving[id] > 0 || e.state != StateSuccess {
		obj := e.obj
		c.mu.Unlock()
		return future.Resolved(obj)
	}
	e.probe = nil
	e.state = StateStale
	e.reloading = true
	e.notified = false
	e.err = nil
	e.fut = future.New()
	f := e.fut
	c.mu.Unlock()

	c.logger.Log(LevelDebug, "reloading stale object", map[string]any{"id": id})
	go c.fetch(ctx, id, e)
	return f
}

// fetch reads the record of id and deserializes it into e.
func (c *Controller) fetch(ctx context.Context, id string, e *entry) {
	res, err := c.ds.Fetch(ctx, id)
	if err != nil {
		c.failEntry(id, e, fmt.Errorf("fetching: %w", err))
		return
	}
	if res == nil || res.Record == nil {
		c.mu.Lock()
		if c.entries[id] == e {
			delete(c.entries, id)
		}
		f := e.fut
		c.mu.Unlock()
		f.Resolve(nil)
		c.notifyIfAllComplete()
		return
	}

	rec := make(Record, len(res.Record)+1)
	for k, v := range res.Record {
		rec[k] = v
	}
	switch stored := stubID(rec); stored {
	case "":
		rec[FieldID] = id
	case id:
	default:
		c.failEntry(id, e, fmt.Errorf("%w: record %s carries uuid %s", ErrIdentifierMismatch, id, stored))
		return
	}

	c.mu.Lock()
	if res.IsStale != nil {
		e.probe = res.IsStale
	}
	var existing Object
	if e.reloading {
		existing = e.obj
	}
	c.mu.Unlock()

	className, _ := rec[FieldRootClass].(string)
	if className == "" {
		c.failEntry(id, e, fmt.Errorf("%w: %s", ErrMissingTypeTag, id))
		return
	}
	io, err := c.registry.ClassIo(className)
	if err != nil {
		c.failEntry(id, e, err)
		return
	}

	if _, err := io.DeserializeInto(ctx, c, rec, existing).Result(); err != nil {
		var le *LoadError
		if !errors.As(err, &le) {
			c.failEntry(id, e, err)
		}
	}
}

// failEntry settles a still pending entry with err.
func (c *Controller) failEntry(id string, e *entry, err error) {
	c.mu.Lock()
	if c.entries[id] != e || e.state.terminal() {
		c.mu.Unlock()
		return
	}
	le := &LoadError{ID: id, Object: e.obj, Err: err}
	e.state = StateError
	e.err = le
	e.reloading = false
	f := e.fut
	c.mu.Unlock()

	c.logger.Log(LevelError, "cannot load object", map[string]any{"id": id, "error": err.Error()})
	f.Reject(le)
	c.notifyIfAllComplete()
}

// WaitForAll blocks until no tracked entry is loading.
func (c *Controller) WaitForAll(ctx context.Context) error {
	for {
		c.mu.Lock()
		var pending []*future.Future
		for _, e := range c.entries {
			if !e.state.terminal() {
				pending = append(pending, e.fut)
			}
		}
		c.mu.Unlock()
		if len(pending) == 0 {
			return nil
		}
		for _, f := range pending {
			select {
			case <-f.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// CreateObject instantiates className for a load. With an id the object is
// registered under it; without one (embedded objects) under a generated
// key that is dropped once every tracked load has settled. Creating a second object for an id is an error, except while that id
// is being reloaded, when the existing instance is returned.
func (c *Controller) CreateObject(className, id string) (Object, error) {
	class, ok := c.registry.Class(className)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, className)
	}
	if class.New == nil {
		return nil, fmt.Errorf("%w: %s", ErrAbstractClass, className)
	}

	if id != "" {
		c.mu.Lock()
		if e := c.entries[id]; e != nil && e.obj != nil {
			obj, reloading := e.obj, e.reloading
			c.mu.Unlock()
			if reloading {
				return obj, nil
			}
			return nil, fmt.Errorf("%w: %s (%s)", ErrDuplicateObject, id, className)
		}
		c.mu.Unlock()
	}

	obj := class.New()
	if n, ok := obj.(Notifiable); ok {
		n.ReceiveDataNotification(NotifyCreated, c)
	}

	if id == "" {
		c.mu.Lock()
		c.hashSeq++
		key := "$" + strconv.FormatUint(c.hashSeq, 10)
		c.hashKeys[obj] = key
		c.entries[key] = &entry{obj: obj, state: StateLoading, fut: future.New()}
		c.mu.Unlock()
		return obj, nil
	}

	hi, ok := obj.(HasIdentity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoIdentity, className)
	}
	hi.SetID(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	if e == nil {
		e = &entry{state: StateLoading, fut: future.New()}
		c.entries[id] = e
	} else if e.obj != nil {
		return nil, fmt.Errorf("%w: %s (%s)", ErrDuplicateObject, id, className)
	}
	e.obj = obj
	return obj, nil
}

// lookupLocked finds the entry of obj, by generated key first.
func (c *Controller) lookupLocked(obj Object) (string, *entry) {
	if key, ok := c.hashKeys[obj]; ok {
		return key, c.entries[key]
	}
	if id := idOf(obj); id != "" {
		return id, c.entries[id]
	}
	return "", nil
}

// MarkComplete settles the entry of obj, successfully when err is nil. Once
// every tracked entry is settled, objects that have not been told yet
// receive the load-complete notification.
func (c *Controller) MarkComplete(obj Object, err error) error {
	c.mu.Lock()
	key, e := c.lookupLocked(obj)
	if e == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotTracked, obj.ClassName())
	}
	if e.state.terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyComplete, key)
	}
	if e.obj != obj {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s holds another object", ErrIdentifierMismatch, key)
	}
	f := e.fut
	e.reloading = false
	if err != nil {
		id := key
		if _, hashed := c.hashKeys[obj]; hashed {
			id = ""
		}
		e.state = StateError
		e.err = &LoadError{ID: id, Object: obj, Err: err}
	} else {
		e.state = StateSuccess
	}
	loadErr := e.err
	c.mu.Unlock()

	if loadErr != nil {
		c.logger.Log(LevelError, "error during object initialisation", map[string]any{
			"class": obj.ClassName(),
			"key":   key,
			"error": loadErr.Error(),
		})
		f.Reject(loadErr)
	} else {
		f.Resolve(obj)
	}
	c.notifyIfAllComplete()
	return nil
}

func (c *Controller) notifyIfAllComplete() {
	c.mu.Lock()
	if !c.allCompleteLocked() {
		c.mu.Unlock()
		return
	}
	var targets []Notifiable
	for _, e := range c.entries {
		if e.notified || e.obj == nil {
			continue
		}
		if n, ok := e.obj.(Notifiable); ok {
			e.notified = true
			targets = append(targets, n)
		}
	}
	// embedded objects are owned by their parents from here on
	for obj, key := range c.hashKeys {
		delete(c.entries, key)
		delete(c.hashKeys, obj)
	}
	c.mu.Unlock()

	for _, n := range targets {
		n.ReceiveDataNotification(NotifyLoadComplete, nil)
	}
}

func (c *Controller) allCompleteLocked() bool {
	for _, e := range c.entries {
		if !e.state.terminal() {
			return false
		}
	}
	return true
}

// IsAllComplete reports whether no tracked entry is still loading.
func (c *Controller) IsAllComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allCompleteLocked()
}

// Forget drops the entry of obj from the cache.
func (c *Controller) Forget(obj Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, e := c.lookupLocked(obj)
	if e == nil {
		return
	}
	delete(c.entries, key)
	delete(c.hashKeys, obj)
}

// ForgetAllComplete drops every settled entry from the cache.
func (c *Controller) ForgetAllComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if !e.state.terminal() {
			continue
		}
		delete(c.entries, key)
		if e.obj != nil {
			if hk, ok := c.hashKeys[e.obj]; ok && hk == key {
				delete(c.hashKeys, e.obj)
			}
		}
	}
}

// Entry returns a snapshot of the cache entry for id.
func (c *Controller) Entry(id string) (EntryInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return EntryInfo{}, false
	}
	return EntryInfo{Object: e.obj, State: e.state, Reloading: e.reloading, Err: e.err}, true
}

// Len returns the number of tracked entries.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// LastFlushStats describes the most recent flush.
func (c *Controller) LastFlushStats() FlushStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

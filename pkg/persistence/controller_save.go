package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/orneryd/graphpersist/pkg/future"
)

// Save writes obj and every object it references that is new to the
// controller, then flushes the datasource. Saves nested between Grab and
// Release are flushed together by the outermost Release.
func (c *Controller) Save(ctx context.Context, obj Object) error {
	c.Grab()
	err := c.saveImpl(ctx, obj)
	if rerr := c.Release(ctx); rerr != nil {
		err = errors.Join(err, rerr)
	}
	return err
}

// Grab defers flushing until the matching Release. Calls may nest.
func (c *Controller) Grab() {
	c.mu.Lock()
	c.depth++
	c.mu.Unlock()
}

// Release ends a Grab. The outermost Release drains the dependency queue and
// flushes the datasource.
func (c *Controller) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.depth > 0 {
		c.depth--
	}
	outermost := c.depth == 0
	c.mu.Unlock()

	if outermost {
		return c.flush(ctx)
	}
	return nil
}

// Flush drains the dependency queue and flushes the datasource.
func (c *Controller) Flush(ctx context.Context) error {
	return c.flush(ctx)
}

func (c *Controller) flush(ctx context.Context) error {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	passes, saved, err := c.drainDependencies(ctx)
	c.mu.Lock()
	c.stats = FlushStats{Passes: passes, Saved: saved, At: time.Now()}
	c.mu.Unlock()
	if err != nil {
		c.resetSaveState()
		return err
	}

	if _, ok := c.ds.(FlushNotifier); !ok {
		if err := c.onFlushing(ctx); err != nil {
			return err
		}
	}
	if err := c.ds.Flush(ctx); err != nil {
		return fmt.Errorf("flushing datasource: %w", err)
	}
	return nil
}

// saveImpl serializes and stores one object.
func (c *Controller) saveImpl(ctx context.Context, obj Object) error {
	hi, ok := obj.(HasIdentity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoIdentity, obj.ClassName())
	}
	io, err := c.registry.ClassIo(obj.ClassName())
	if err != nil {
		return err
	}

	before := hi.ID()
	if before != "" {
		c.mu.Lock()
		e := c.entries[before]
		var conflict error
		switch {
		case e == nil:
		case e.obj != nil && e.obj != obj:
			conflict = fmt.Errorf("%w: %s is held by another object", ErrIdentifierMismatch, before)
		case e.reloading || e.state == StateLoading || e.state == StateStale:
			conflict = fmt.Errorf("%w: %s", ErrReloadInProgress, before)
		}
		c.mu.Unlock()
		if conflict != nil {
			return conflict
		}
	}

	rec, err := io.SerializeInto(ctx, c, obj, nil)
	if err != nil {
		return fmt.Errorf("serializing %s: %w", obj.ClassName(), err)
	}
	id := hi.ID()
	if before != "" && id != before {
		return fmt.Errorf("%w: changed from %s to %s while saving", ErrIdentifierMismatch, before, id)
	}
	if id == "" {
		id = c.ds.CreateID()
	}
	rec[FieldRootClass] = obj.ClassName()
	rec[FieldID] = id

	c.mu.Lock()
	e := c.entries[id]
	created := e == nil
	if created {
		e = &entry{}
		c.entries[id] = e
	}
	e.obj = obj
	e.state = StateSuccess
	e.err = nil
	e.probe = nil
	e.reloading = false
	e.notified = true
	e.fut = future.Resolved(obj)
	c.saving[id]++
	c.mu.Unlock()

	err = c.ds.Put(ctx, id, rec)
	if err == nil {
		if cur := hi.ID(); cur != "" && cur != id {
			err = fmt.Errorf("%w: changed from %s to %s while saving", ErrIdentifierMismatch, id, cur)
		}
	}
	if err == nil {
		hi.SetID(id)
	}

	c.mu.Lock()
	if c.saving[id]--; c.saving[id] <= 0 {
		delete(c.saving, id)
	}
	if err == nil {
		c.done[id] = true
		e.unstored = false
	} else if created && c.entries[id] == e {
		delete(c.entries, id)
	}
	_, watched := c.watched[id]
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("saving %s: %w", id, err)
	}

	if c.autoWatch && !watched {
		if werr := c.Watch(ctx, obj); werr != nil && !errors.Is(werr, ErrNotObservable) && !errors.Is(werr, ErrAlreadyWatched) {
			c.logger.Log(LevelWarn, "cannot watch saved object", map[string]any{"id": id, "error": werr.Error()})
		}
	}
	return nil
}

// RegisterDependency is called by reference codecs while serializing. It
// assigns obj an identifier if it has none and queues it for saving unless
// the controller already holds it as loaded or stored.
func (c *Controller) RegisterDependency(obj Object) error {
	hi, ok := obj.(HasIdentity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoIdentity, obj.ClassName())
	}
	id := hi.ID()
	if id == "" {
		id = c.ds.CreateID()
		hi.SetID(id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queue[id]; ok && q != obj {
		return fmt.Errorf("%w: %s registered for two objects", ErrIdentifierMismatch, id)
	}
	e := c.entries[id]
	switch {
	case e == nil:
		c.entries[id] = &entry{obj: obj, state: StateSuccess, fut: future.Resolved(obj), notified: true, unstored: true}
		c.queue[id] = obj
	case e.obj != nil && e.obj != obj:
		return fmt.Errorf("%w: %s held by another object", ErrIdentifierMismatch, id)
	case e.state == StateError, e.unstored:
		c.queue[id] = obj
	}
	// loading entries are stored already; success entries are saved or
	// loaded and only need a save when they are the subject of one
	return nil
}

// drainDependencies saves queued objects not yet saved in this batch until
// a pass finds nothing new.
func (c *Controller) drainDependencies(ctx context.Context) (passes, saved int, err error) {
	for {
		c.mu.Lock()
		var ids []string
		for id := range c.queue {
			if !c.done[id] {
				ids = append(ids, id)
			}
		}
		objs := make([]Object, len(ids))
		sort.Strings(ids)
		for i, id := range ids {
			objs[i] = c.queue[id]
		}
		c.mu.Unlock()

		if len(ids) == 0 {
			return passes, saved, nil
		}
		if passes >= c.maxPasses {
			return passes, saved, fmt.Errorf("%w (%d passes)", ErrTooManySavePasses, passes)
		}
		passes++
		for _, obj := range objs {
			if err := c.saveImpl(ctx, obj); err != nil {
				return passes, saved, err
			}
			saved++
		}
	}
}

func (c *Controller) resetSaveState() {
	c.mu.Lock()
	c.queue = make(map[string]Object)
	c.done = make(map[string]bool)
	c.mu.Unlock()
}

// onFlushing hands captured changes to the datasource and starts a new
// batch.
func (c *Controller) onFlushing(ctx context.Context) error {
	c.mu.Lock()
	changes := c.changes
	c.changes = make(map[string]*ChangeStore)
	c.queue = make(map[string]Object)
	c.done = make(map[string]bool)
	c.stats.ChangedObjects = len(changes)
	c.mu.Unlock()

	sink, ok := c.ds.(ChangeSink)
	if !ok || len(changes) == 0 {
		return nil
	}
	if err := sink.PutPropertyChanges(ctx, changes); err != nil {
		return fmt.Errorf("shipping property changes: %w", err)
	}
	return nil
}

// Remove deletes obj from the datasource, stops watching it, clears its
// identifier and drops it from the cache.
func (c *Controller) Remove(ctx context.Context, obj Object) error {
	hi, ok := obj.(HasIdentity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoIdentity, obj.ClassName())
	}
	if err := c.Unwatch(obj); err != nil && !errors.Is(err, ErrNotWatched) {
		return err
	}
	id := hi.ID()
	if id == "" {
		return nil
	}
	if err := c.ds.Remove(ctx, id); err != nil {
		return fmt.Errorf("removing %s: %w", id, err)
	}
	hi.SetID("")

	c.mu.Lock()
	if e := c.entries[id]; e != nil && e.obj == obj {
		delete(c.entries, id)
	}
	delete(c.queue, id)
	delete(c.done, id)
	c.mu.Unlock()
	return nil
}

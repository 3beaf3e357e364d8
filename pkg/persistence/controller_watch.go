package persistence

import (
	"context"
	"fmt"
)

// Watch starts capturing property changes of obj into its ChangeStore.
// Objects referenced by new values are registered as save dependencies.
func (c *Controller) Watch(ctx context.Context, obj Object) error {
	id := idOf(obj)
	if id == "" {
		return fmt.Errorf("%w: %s has no identifier", ErrNoIdentity, obj.ClassName())
	}
	c.mu.Lock()
	_, exists := c.watched[id]
	c.mu.Unlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyWatched, id)
	}

	io, err := c.registry.ClassIo(obj.ClassName())
	if err != nil {
		return err
	}
	h, err := io.Watch(ctx, c, obj, c.onWatchChange)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, exists := c.watched[id]; exists {
		c.mu.Unlock()
		io.Unwatch(h)
		return fmt.Errorf("%w: %s", ErrAlreadyWatched, id)
	}
	c.watched[id] = h
	c.mu.Unlock()
	return nil
}

// Unwatch stops capturing changes of obj and discards those not flushed.
func (c *Controller) Unwatch(obj Object) error {
	id := idOf(obj)
	c.mu.Lock()
	h, ok := c.watched[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotWatched, obj.ClassName())
	}
	delete(c.watched, id)
	delete(c.changes, id)
	c.mu.Unlock()

	io, err := c.registry.ClassIo(obj.ClassName())
	if err != nil {
		return err
	}
	io.Unwatch(h)
	return nil
}

// IsWatched reports whether changes of the object stored under id are
// captured.
func (c *Controller) IsWatched(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watched[id]
	return ok
}

func (c *Controller) onWatchChange(obj Object, property string, changeType ChangeType, value any) {
	id := idOf(obj)
	if id == "" {
		return
	}
	c.mu.Lock()
	store, ok := c.changes[id]
	if !ok {
		store = &ChangeStore{}
		c.changes[id] = store
	}
	err := store.Record(property, changeType, value)
	c.mu.Unlock()
	if err != nil {
		c.logger.Log(LevelError, "cannot record change", map[string]any{
			"id":       id,
			"property": property,
			"error":    err.Error(),
		})
	}
}

// PropertyChanges returns a copy of the changes captured since the last
// flush, keyed by identifier.
func (c *Controller) PropertyChanges() map[string]*ChangeStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*ChangeStore, len(c.changes))
	for id, store := range c.changes {
		out[id] = store.Clone()
	}
	return out
}

// ReplayRemoteChange applies changes captured elsewhere to the object cached
// under id.
func (c *Controller) ReplayRemoteChange(ctx context.Context, id string, store *ChangeStore) error {
	c.mu.Lock()
	e := c.entries[id]
	var obj Object
	if e != nil {
		obj = e.obj
	}
	c.mu.Unlock()
	if obj == nil {
		return fmt.Errorf("%w: %s", ErrNotTracked, id)
	}

	io, err := c.registry.ClassIo(obj.ClassName())
	if err != nil {
		return err
	}
	_, err = io.RestoreChanges(ctx, c, store, obj).Await(ctx)
	return err
}

package persistence

import (
	"context"
	"fmt"

	"github.com/orneryd/graphpersist/pkg/future"
)

// RefIo stores an object as a reference stub {uuid, $$classname}. It is the
// default reference codec of ObjectClass and its subclasses.
type RefIo struct{}

// Deserialize resolves a stub through the controller without waiting for
// the target to finish loading. Stubs with a missing or unknown class, or
// without an identifier, resolve to nil.
func (RefIo) Deserialize(ctx context.Context, c *Controller, value any) *future.Future {
	if value == nil {
		return future.Resolved(nil)
	}
	rec, ok := asRecord(value)
	if !ok {
		c.Logger().Log(LevelError, "reference is not an object", map[string]any{"value": value})
		return future.Resolved(nil)
	}
	tag := classTag(rec)
	if tag == "" {
		c.Logger().Log(LevelError, "cannot deserialize reference without a class", map[string]any{"value": value})
		return future.Resolved(nil)
	}
	if _, known := c.Registry().Class(tag); !known {
		c.Logger().Log(LevelError, "cannot deserialize reference to unknown class", map[string]any{"class": tag})
		return future.Resolved(nil)
	}
	id := stubID(rec)
	if id == "" {
		c.Logger().Log(LevelError, "cannot deserialize reference without an identifier", map[string]any{"class": tag})
		return future.Resolved(nil)
	}
	return c.LoadNoWait(ctx, id, true)
}

// Serialize registers obj as a save dependency and returns its stub.
func (RefIo) Serialize(_ context.Context, c *Controller, obj Object) (any, error) {
	if obj == nil || isNilPointer(obj) {
		return nil, nil
	}
	hi, ok := obj.(HasIdentity)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot be referenced", ErrNoIdentity, obj.ClassName())
	}
	if err := c.RegisterDependency(obj); err != nil {
		return nil, err
	}
	return map[string]any{
		FieldID:    hi.ID(),
		FieldClass: obj.ClassName(),
	}, nil
}

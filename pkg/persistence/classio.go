package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/orneryd/graphpersist/pkg/future"
)

// ClassIo is the structural codec of one class: it reads and writes every
// persistent property, embedding or referencing nested objects as their
// descriptors say. ClassIo values are obtained from Registry.ClassIo and are
// safe for concurrent use.
type ClassIo struct {
	class    *Class
	registry *Registry

	once   sync.Once
	props  []*Descriptor
	byName map[string]*Descriptor
}

// Class returns the class handled by io.
func (io *ClassIo) Class() *Class { return io.class }

func (io *ClassIo) init() {
	io.once.Do(func() {
		io.props = buildDescriptors(io.registry, io.class)
		io.byName = make(map[string]*Descriptor, len(io.props))
		for _, d := range io.props {
			io.byName[d.Name] = d
		}
	})
}

// Descriptors returns the persistent properties in declaration order.
func (io *ClassIo) Descriptors() []*Descriptor {
	io.init()
	return io.props
}

// Descriptor looks up one persistent property.
func (io *ClassIo) Descriptor(name string) (*Descriptor, bool) {
	io.init()
	d, ok := io.byName[name]
	return d, ok
}

// Deserialize implements Codec for embedded values.
func (io *ClassIo) Deserialize(ctx context.Context, c *Controller, value any) *future.Future {
	if value == nil {
		return future.Resolved(nil)
	}
	rec, ok := asRecord(value)
	if !ok {
		c.Logger().Log(LevelWarn, "embedded value is not an object", map[string]any{
			"class": io.class.Name,
			"value": value,
		})
		return future.Resolved(nil)
	}
	return io.DeserializeInto(ctx, c, rec, nil)
}

// Serialize implements Codec for embedded values.
func (io *ClassIo) Serialize(ctx context.Context, c *Controller, obj Object) (any, error) {
	rec, err := io.SerializeInto(ctx, c, obj, nil)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeserializeInto populates obj from rec, creating obj through the controller
// when it is nil. The Future resolves to the object once every property,
// including references still being loaded, has been applied. If any of them
// failed it rejects with a *LoadError carrying the object; the controller is
// told either way.
func (io *ClassIo) DeserializeInto(ctx context.Context, c *Controller, rec Record, obj Object) *future.Future {
	if obj == nil {
		if tag := classTag(rec); tag != "" && tag != io.class.Name {
			if sub, ok := io.registry.Class(tag); ok && sub.IsSubclassOf(io.class) {
				subIo, err := io.registry.ClassIo(tag)
				if err == nil {
					return subIo.DeserializeInto(ctx, c, rec, nil)
				}
			}
		}
		created, err := c.CreateObject(io.class.Name, stubID(rec))
		if err != nil {
			return future.Rejected(err)
		}
		obj = created
	}

	var steps []any
	for _, d := range io.Descriptors() {
		raw, present := rec[d.Name]
		if !present {
			continue
		}
		d := d
		native := io.toNative(ctx, c, raw, d)
		steps = append(steps, future.Now(native, func(v any, err error) (any, error) {
			var pending error
			if err != nil {
				var pv *partialValue
				if !errors.As(err, &pv) {
					return nil, err
				}
				v, pending = pv.value, pv.err
			}
			return joinAfter(io.apply(c, obj, d, v), pending)
		}))
	}

	all := future.AllSettled(steps)
	return future.From(future.Now(all, func(v any, _ error) (any, error) {
		var errs []error
		for _, o := range v.([]future.Outcome) {
			if o.Err != nil {
				errs = append(errs, o.Err)
			}
		}
		loadErr := errors.Join(errs...)
		if err := c.MarkComplete(obj, loadErr); err != nil {
			c.Logger().Log(LevelError, "cannot complete object", map[string]any{
				"class": obj.ClassName(),
				"error": err.Error(),
			})
		}
		if loadErr != nil {
			return nil, &LoadError{ID: idOf(obj), Object: obj, Err: loadErr}
		}
		return obj, nil
	}))
}

// joinAfter settles with step's outcome joined with pending once step
// settles. step is nil or a *future.Future.
func joinAfter(step any, pending error) (any, error) {
	f, ok := step.(*future.Future)
	if !ok || f == nil {
		return nil, pending
	}
	if pending == nil {
		return f, nil
	}
	return f.Then(func(_ any, err error) (any, error) {
		return nil, errors.Join(pending, err)
	}), nil
}

// apply hands a converted value to the property's setter. The result is nil
// or a Future for an asynchronous setter.
func (io *ClassIo) apply(c *Controller, obj Object, d *Descriptor, value any) any {
	if value == nil && !d.Nullable {
		c.Logger().Log(LevelWarn, "cannot apply null value", map[string]any{
			"property": d.path,
		})
		return nil
	}
	if d.setAsync != nil {
		if f := d.setAsync(obj, value); f != nil {
			return f.Then(func(_ any, err error) (any, error) {
				if err != nil {
					return nil, fmt.Errorf("%s: %w", d.path, err)
				}
				return nil, nil
			})
		}
		return nil
	}
	if err := d.set(obj, value); err != nil {
		return future.Rejected(fmt.Errorf("%s: %w", d.path, err))
	}
	return nil
}

// SerializeInto writes obj's persistent properties into rec, allocating it
// when nil, and tags it with the object's class. Reference values register
// their targets as save dependencies.
func (io *ClassIo) SerializeInto(ctx context.Context, c *Controller, obj Object, rec Record) (Record, error) {
	if rec == nil {
		rec = make(Record)
	}
	rec[FieldClass] = obj.ClassName()
	for _, d := range io.Descriptors() {
		v, err := io.toJSON(ctx, c, d.get(obj), d)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.path, err)
		}
		rec[d.Name] = v
	}
	return rec, nil
}

func idOf(obj Object) string {
	if hi, ok := obj.(HasIdentity); ok {
		return hi.ID()
	}
	return ""
}

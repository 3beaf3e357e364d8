package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/orneryd/graphpersist/pkg/future"
)

// ChangeFunc receives captured changes in JSON form.
type ChangeFunc func(obj Object, property string, changeType ChangeType, value any)

// WatchHandle holds the listeners installed by ClassIo.Watch.
type WatchHandle struct {
	obj   Object
	props []*propertyWatch
}

// Object returns the watched object.
func (h *WatchHandle) Object() Object { return h.obj }

type propertyWatch struct {
	name     string
	listener ListenerID

	mu     sync.Mutex
	list   *List
	listID ListenerID
}

func (p *propertyWatch) attach(list *List, fn func(ListChange)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.list != nil {
		p.list.RemoveListener(p.listID)
		p.list = nil
	}
	if list != nil {
		p.list = list
		p.listID = list.AddListener(fn)
	}
}

// Watch installs listeners on every persistent property of obj. Scalar
// changes report setValue; element changes of a List report arrayChange and
// replacing the List reports arrayReplace (setValue when it becomes nil).
func (io *ClassIo) Watch(ctx context.Context, c *Controller, obj Object, onChange ChangeFunc) (*WatchHandle, error) {
	obs, ok := obj.(Observable)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotObservable, obj.ClassName())
	}
	ctx = context.WithoutCancel(ctx)
	h := &WatchHandle{obj: obj}

	emit := func(d *Descriptor, changeType ChangeType, native any) {
		value, err := io.toJSON(ctx, c, native, d)
		if err != nil {
			c.Logger().Log(LevelError, "cannot serialize changed value", map[string]any{
				"property": d.path,
				"error":    err.Error(),
			})
			return
		}
		onChange(obj, d.Name, changeType, value)
	}

	for _, d := range io.Descriptors() {
		d := d
		pw := &propertyWatch{name: d.Name}
		h.props = append(h.props, pw)

		if d.Kind != KindList {
			pw.listener = obs.AddListener(d.Name, func(pc PropertyChange) {
				emit(d, ChangeSetValue, pc.Value)
			})
			continue
		}

		onList := func(lc ListChange) {
			if lc.Type == ListReplace {
				emit(d, ChangeArrayReplace, lc.Added)
				return
			}
			removed, err := io.sequenceToJSON(ctx, c, lc.Removed, d)
			if err == nil {
				var added []any
				added, err = io.sequenceToJSON(ctx, c, lc.Added, d)
				if err == nil && (len(added) > 0 || len(removed) > 0) {
					onChange(obj, d.Name, ChangeArray, ArrayDelta{Added: added, Removed: removed})
				}
			}
			if err != nil {
				c.Logger().Log(LevelError, "cannot serialize changed elements", map[string]any{
					"property": d.path,
					"error":    err.Error(),
				})
			}
		}
		pw.listener = obs.AddListener(d.Name, func(pc PropertyChange) {
			list := AsList(pc.Value)
			pw.attach(list, onList)
			if list == nil {
				emit(d, ChangeSetValue, nil)
				return
			}
			emit(d, ChangeArrayReplace, list)
		})
		pw.attach(AsList(d.get(obj)), onList)
	}
	return h, nil
}

// Unwatch removes the listeners installed by Watch.
func (io *ClassIo) Unwatch(h *WatchHandle) {
	if h == nil {
		return
	}
	obs, _ := h.obj.(Observable)
	for _, pw := range h.props {
		if obs != nil {
			obs.RemoveListener(pw.listener)
		}
		pw.attach(nil, nil)
	}
	h.props = nil
}

// ApplyChange replays one captured change onto obj. arrayChange values are
// ArrayDelta(s) or their JSON; removed elements match by identifier for
// objects with identity and by JSON equality otherwise.
func (io *ClassIo) ApplyChange(ctx context.Context, c *Controller, obj Object, property string, changeType ChangeType, value any) *future.Future {
	d, ok := io.Descriptor(property)
	if !ok {
		return future.Rejected(fmt.Errorf("%w: %s.%s", ErrUnknownProperty, io.class.Name, property))
	}

	switch changeType {
	case ChangeSetValue, ChangeArrayReplace:
		native := io.toNative(ctx, c, value, d)
		return future.From(future.Now(native, func(v any, err error) (any, error) {
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

	case ChangeArray:
		deltas, err := toDeltas(value)
		if err != nil {
			return future.Rejected(err)
		}
		steps := make([]any, 0, len(deltas))
		for _, delta := range deltas {
			steps = append(steps, io.applyDelta(ctx, c, obj, d, delta))
		}
		return future.From(future.Now(future.AllSettled(steps), func(v any, _ error) (any, error) {
			return nil, outcomesErr(v.([]future.Outcome))
		}))

	default:
		return future.Rejected(fmt.Errorf("%w: %q for %s", ErrUnknownChangeType, changeType, d.path))
	}
}

func (io *ClassIo) applyDelta(ctx context.Context, c *Controller, obj Object, d *Descriptor, delta ArrayDelta) any {
	var added any
	if len(delta.Added) > 0 {
		added = io.toNativeSequence(ctx, c, delta.Added, d)
	}
	return future.Now(added, func(v any, err error) (any, error) {
		var pending error
		if err != nil {
			var pv *partialValue
			if !errors.As(err, &pv) {
				return nil, err
			}
			v, pending = pv.value, pv.err
		}
		items := AsSlice(v)
		matches := func(elem any) bool {
			for _, raw := range delta.Removed {
				if io.matchesJSON(ctx, c, elem, raw, d) {
					return true
				}
			}
			return false
		}

		if d.Kind == KindList {
			list := AsList(d.get(obj))
			if list == nil {
				return joinAfter(io.apply(c, obj, d, NewList(items...)), pending)
			}
			for range delta.Removed {
				if !list.RemoveFunc(matches) {
					break
				}
			}
			list.Push(items...)
			return nil, pending
		}

		current := AsSlice(d.get(obj))
		next := make([]any, 0, len(current)+len(items))
		remaining := len(delta.Removed)
		for _, elem := range current {
			if remaining > 0 && matches(elem) {
				remaining--
				continue
			}
			next = append(next, elem)
		}
		next = append(next, items...)
		return joinAfter(io.apply(c, obj, d, next), pending)
	})
}

// matchesJSON reports whether a native element corresponds to raw.
func (io *ClassIo) matchesJSON(ctx context.Context, c *Controller, elem any, raw any, d *Descriptor) bool {
	if rec, ok := asRecord(raw); ok {
		if id := stubID(rec); id != "" {
			hi, ok := elem.(HasIdentity)
			return ok && hi.ID() == id
		}
	}
	if sameValue(elem, raw) {
		return true
	}
	j, err := io.toJSON(ctx, c, elem, d)
	if err != nil {
		return false
	}
	return jsonEqual(j, raw)
}

// StoreChange records a change in store.
func (io *ClassIo) StoreChange(store *ChangeStore, property string, changeType ChangeType, value any) error {
	return store.Record(property, changeType, value)
}

// RestoreChanges replays every change of store onto obj, values before
// deltas, properties in name order.
func (io *ClassIo) RestoreChanges(ctx context.Context, c *Controller, store *ChangeStore, obj Object) *future.Future {
	if store.IsEmpty() {
		return future.Resolved(nil)
	}
	var steps []any
	for _, name := range sortedKeys(store.SetValue) {
		steps = append(steps, io.ApplyChange(ctx, c, obj, name, ChangeSetValue, store.SetValue[name]))
	}
	for _, name := range sortedKeys(store.ArrayChange) {
		steps = append(steps, io.ApplyChange(ctx, c, obj, name, ChangeArray, store.ArrayChange[name]))
	}
	return future.From(future.Now(future.AllSettled(steps), func(v any, _ error) (any, error) {
		return nil, outcomesErr(v.([]future.Outcome))
	}))
}

func outcomesErr(outcomes []future.Outcome) error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

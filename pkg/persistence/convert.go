package persistence

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/orneryd/graphpersist/pkg/future"
)

// toNative converts a JSON value for property d. The result is a plain value
// or a *future.Future. Data errors are logged and yield nil; a nested object
// that loaded with errors is still returned, wrapped in a partialValue
// rejection.
func (io *ClassIo) toNative(ctx context.Context, c *Controller, raw any, d *Descriptor) any {
	if raw == nil {
		return nil
	}
	log := c.Logger()
	warn := func(msg string) any {
		log.Log(LevelWarn, msg, map[string]any{"property": d.path, "value": raw})
		return nil
	}

	switch d.Kind {
	case KindArray:
		return io.toNativeSequence(ctx, c, raw, d)

	case KindList:
		return mapPartial(io.toNativeSequence(ctx, c, raw, d), func(v any) any {
			return NewList(AsSlice(v)...)
		})

	case KindObject:
		className := d.RefType
		if rec, ok := asRecord(raw); ok {
			if tag := classTag(rec); tag != "" {
				if _, known := io.registry.Class(tag); known {
					className = tag
				}
			}
		}
		return io.toNativeObject(ctx, c, raw, d, className)

	case KindDate:
		switch v := raw.(type) {
		case time.Time:
			return v
		case string:
			t, err := time.Parse(DateLayout, v)
			if err != nil {
				return warn("cannot parse date")
			}
			return t
		default:
			return warn("cannot parse date which is not a string")
		}

	case KindInteger:
		n, ok := toInt(raw)
		if !ok {
			return warn("cannot parse integer")
		}
		return n

	case KindNumber:
		f, ok := toFloat(raw)
		if !ok {
			return warn("cannot parse number")
		}
		return f

	case KindBoolean:
		return truthy(raw)

	case KindEnum:
		for _, allowed := range d.Enum {
			if enumEqual(allowed, raw) {
				return allowed
			}
		}
		return warn("cannot apply invalid value")

	case KindString:
		switch v := raw.(type) {
		case string:
			return v
		case map[string]any, []any:
			return warn("cannot apply structured value to a string property")
		default:
			b, err := jsonScalar(v)
			if err != nil {
				return warn("cannot convert value to string")
			}
			return b
		}
	}
	return raw
}

// toNativeObject resolves one object value through the codec for className.
func (io *ClassIo) toNativeObject(ctx context.Context, c *Controller, raw any, d *Descriptor, className string) any {
	log := c.Logger()
	codec, err := io.registry.codecFor(d, className)
	if err != nil || codec == nil {
		log.Log(LevelWarn, "missing codec required to deserialize object", map[string]any{
			"property": d.path,
			"class":    className,
			"value":    raw,
		})
		return nil
	}
	return future.Now(codec.Deserialize(ctx, c, raw), func(v any, err error) (any, error) {
		if err != nil {
			var le *LoadError
			if errors.As(err, &le) && le.Object != nil {
				return nil, &partialValue{value: le.Object, err: err}
			}
			log.Log(LevelWarn, "failed to deserialize object", map[string]any{
				"property": d.path,
				"class":    className,
				"error":    err.Error(),
			})
			return nil, nil
		}
		if v == nil {
			log.Log(LevelWarn, "failed to deserialize object", map[string]any{
				"property": d.path,
				"class":    className,
				"value":    raw,
			})
			return nil, nil
		}
		return v, nil
	})
}

// toNativeSequence converts every element of a sequence. Elements carrying a
// type tag use that class, others the descriptor's element class. An object
// element without either is dropped to nil; scalars pass through.
func (io *ClassIo) toNativeSequence(ctx context.Context, c *Controller, raw any, d *Descriptor) any {
	src, ok := raw.([]any)
	if !ok {
		src = []any{raw}
	}
	items := make([]any, len(src))
	for i, item := range src {
		rec, isRecord := asRecord(item)
		if !isRecord {
			items[i] = item
			continue
		}
		className := ""
		if tag := classTag(rec); tag != "" {
			if _, known := io.registry.Class(tag); known {
				className = tag
			} else {
				c.Logger().Log(LevelError, "cannot find class of array element", map[string]any{
					"property": d.path,
					"class":    tag,
				})
			}
		}
		if className == "" {
			className = d.ElemType
		}
		if className == "" {
			c.Logger().Log(LevelWarn, "cannot determine the type of array element", map[string]any{
				"property": d.path,
				"value":    item,
			})
			items[i] = nil
			continue
		}
		items[i] = io.toNativeObject(ctx, c, item, d, className)
	}

	return future.Now(future.AllSettled(items), func(v any, _ error) (any, error) {
		outcomes := v.([]future.Outcome)
		out := make([]any, len(outcomes))
		var errs []error
		for i, o := range outcomes {
			out[i] = o.Value
			if o.Err == nil {
				continue
			}
			var pv *partialValue
			if errors.As(o.Err, &pv) {
				out[i] = pv.value
				errs = append(errs, pv.err)
			}
		}
		if len(errs) > 0 {
			return nil, &partialValue{value: out, err: errors.Join(errs...)}
		}
		return out, nil
	})
}

// mapPartial applies fn to v's value, keeping a partialValue rejection
// partial.
func mapPartial(v any, fn func(any) any) any {
	return future.Now(v, func(val any, err error) (any, error) {
		if err != nil {
			var pv *partialValue
			if errors.As(err, &pv) {
				return nil, &partialValue{value: fn(pv.value), err: pv.err}
			}
			return nil, err
		}
		return fn(val), nil
	})
}

func enumEqual(allowed, raw any) bool {
	if a, ok := toFloatStrict(allowed); ok {
		b, ok := toFloatStrict(raw)
		return ok && a == b
	}
	return sameValue(allowed, raw)
}

// toFloatStrict accepts numeric types only.
func toFloatStrict(v any) (float64, bool) {
	switch v.(type) {
	case string, nil, bool:
		return 0, false
	}
	return toFloat(v)
}

// toJSON converts a native value held by property d (nil outside a
// property). Objects go through their codec; a missing codec is logged and
// yields nil, a failing codec is an error.
func (io *ClassIo) toJSON(ctx context.Context, c *Controller, value any, d *Descriptor) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case Object:
		if isNilPointer(v) {
			return nil, nil
		}
		return io.objectToJSON(ctx, c, v, d)
	case *List:
		if v == nil {
			return nil, nil
		}
		return io.sequenceToJSON(ctx, c, v.Items(), d)
	case []any:
		return io.sequenceToJSON(ctx, c, v, d)
	case time.Time:
		return v.UTC().Format(DateLayout), nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		return v.UTC().Format(DateLayout), nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return io.sequenceToJSON(ctx, c, items, d)
	}
	return value, nil
}

func (io *ClassIo) objectToJSON(ctx context.Context, c *Controller, obj Object, d *Descriptor) (any, error) {
	path := "(unspecified)"
	if d != nil {
		path = d.path
	}
	codec, err := io.registry.codecFor(d, obj.ClassName())
	if err != nil || codec == nil {
		c.Logger().Log(LevelWarn, "missing codec required to serialize object", map[string]any{
			"property": path,
			"class":    obj.ClassName(),
		})
		return nil, nil
	}
	out, err := codec.Serialize(ctx, c, obj)
	if err != nil {
		return nil, err
	}
	if out == nil {
		c.Logger().Log(LevelWarn, "failed to serialize object", map[string]any{
			"property": path,
			"class":    obj.ClassName(),
		})
	}
	return out, nil
}

func (io *ClassIo) sequenceToJSON(ctx context.Context, c *Controller, items []any, d *Descriptor) ([]any, error) {
	out := make([]any, len(items))
	for i, item := range items {
		v, err := io.toJSON(ctx, c, item, d)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

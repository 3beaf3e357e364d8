package persistence

import (
	"github.com/orneryd/graphpersist/pkg/future"
)

// Descriptor is the merged, normalized definition of one persistent property
// of a class.
type Descriptor struct {
	Name     string
	Kind     Kind
	Type     string
	Nullable bool
	Init     any
	Enum     []any
	// Embed is true when object values are stored inline.
	Embed bool
	// ElemType is the element class of a sequence, from ArrayAnnotation.
	ElemType string
	// RefType is the class used to pick the default codec: ElemType for
	// sequences, Type for objects.
	RefType string
	// Codec is an explicit override from a PropertyAnnotation.
	Codec Codec
	// DefaultCodec is the codec registered for RefType, if any.
	DefaultCodec Codec

	path     string
	get      func(Object) any
	set      func(Object, any) error
	setAsync func(Object, any) *future.Future
}

// Path returns "Class.property" for diagnostics.
func (d *Descriptor) Path() string { return d.path }

type mergedProperty struct {
	prop        Property
	annotations []any
}

// buildDescriptors merges the property declarations of class and its
// ancestors and keeps those carrying a PropertyAnnotation.
func buildDescriptors(r *Registry, class *Class) []*Descriptor {
	var chain []*Class
	for c := class; c != nil; c = c.Super {
		chain = append([]*Class{c}, chain...)
	}

	var order []string
	merged := make(map[string]*mergedProperty)
	for _, c := range chain {
		for _, p := range c.Properties {
			cur, ok := merged[p.Name]
			if !ok {
				merged[p.Name] = &mergedProperty{prop: p, annotations: append([]any(nil), p.Annotations...)}
				order = append(order, p.Name)
				continue
			}
			if p.Init != nil {
				cur.prop.Init = p.Init
			}
			if p.Get != nil {
				cur.prop.Get = p.Get
			}
			if p.Set != nil {
				cur.prop.Set = p.Set
			}
			if p.SetAsync != nil {
				cur.prop.SetAsync = p.SetAsync
			}
			// most derived first
			cur.annotations = append(append([]any(nil), p.Annotations...), cur.annotations...)
		}
	}

	var out []*Descriptor
	for _, name := range order {
		m := merged[name]
		d, ok := resolveDescriptor(r, class, m)
		if ok {
			out = append(out, d)
		}
	}
	return out
}

func resolveDescriptor(r *Registry, class *Class, m *mergedProperty) (*Descriptor, bool) {
	p := m.prop
	d := &Descriptor{
		Name:     p.Name,
		Kind:     p.Kind,
		Type:     p.Type,
		Nullable: p.Nullable,
		Init:     p.Init,
		Enum:     p.Enum,
		path:     class.Name + "." + p.Name,
		get:      p.Get,
		set:      p.Set,
		setAsync: p.SetAsync,
	}

	var annos []PropertyAnnotation
	for _, a := range m.annotations {
		switch a := a.(type) {
		case PropertyAnnotation:
			annos = append(annos, a)
		case *PropertyAnnotation:
			annos = append(annos, *a)
		case ArrayAnnotation:
			if d.ElemType == "" {
				d.ElemType = a.ElemType
			}
		case *ArrayAnnotation:
			if a != nil && d.ElemType == "" {
				d.ElemType = a.ElemType
			}
		}
	}
	if len(annos) == 0 {
		return nil, false
	}
	if d.get == nil || (d.set == nil && d.setAsync == nil) {
		r.logger.Log(LevelWarn, "persistent property has no accessors", map[string]any{
			"property": d.path,
		})
		return nil, false
	}

	for _, a := range annos {
		if a.Mode != ModeInherit {
			d.Embed = a.Mode == ModeEmbed
			break
		}
	}
	for _, a := range annos {
		c := a.RefCodec
		if d.Embed {
			c = a.Codec
		}
		if c != nil {
			d.Codec = c
			break
		}
	}

	switch {
	case d.Kind.isSequence():
		d.RefType = d.ElemType
	case d.Kind == KindObject:
		d.RefType = d.Type
	}
	if d.RefType == "" {
		return d, true
	}
	if _, ok := r.Class(d.RefType); !ok {
		r.logger.Log(LevelWarn, "property refers to an unknown class", map[string]any{
			"property": d.path,
			"class":    d.RefType,
		})
		return nil, false
	}
	if d.Embed {
		d.DefaultCodec, _ = r.EmbedCodec(d.RefType)
	} else {
		d.DefaultCodec, _ = r.DefaultRefCodec(d.RefType)
	}
	return d, true
}

// codecFor picks the codec for a value of className held by property d.
// d may be nil for values outside any property.
func (r *Registry) codecFor(d *Descriptor, className string) (Codec, error) {
	if d != nil {
		if d.Codec != nil {
			return d.Codec, nil
		}
		if className == d.RefType && d.DefaultCodec != nil {
			return d.DefaultCodec, nil
		}
		if d.Embed {
			return r.EmbedCodec(className)
		}
	}
	return r.DefaultRefCodec(className)
}

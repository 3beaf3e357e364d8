package persistence

import (
	"context"

	"github.com/orneryd/graphpersist/pkg/future"
)

// Kind is the value kind of a property; it selects the JSON conversion.
type Kind int

const (
	// KindAny passes values through unchanged.
	KindAny Kind = iota
	KindString
	KindInteger
	KindNumber
	KindBoolean
	// KindDate values are time.Time, stored as RFC 3339 text.
	KindDate
	// KindEnum values must be members of Property.Enum.
	KindEnum
	// KindArray values are []any.
	KindArray
	// KindList values are *List and are watched element by element.
	KindList
	// KindObject values are Objects of class Property.Type.
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindDate:
		return "date"
	case KindEnum:
		return "enum"
	case KindArray:
		return "array"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return "any"
	}
}

func (k Kind) isSequence() bool { return k == KindArray || k == KindList }

// Class describes a persistable type.
type Class struct {
	// Name is the type tag written to records.
	Name string
	// Super is the parent class, if any. Properties and annotations are
	// inherited from it.
	Super *Class
	// New creates a zero instance. Classes without New are abstract.
	New func() Object
	// Properties declared by this class. A property repeated from Super
	// overrides the parent's init value and adds annotations.
	Properties []Property
	// Annotations on the class itself, typically ClassAnnotation.
	Annotations []any
}

// IsSubclassOf reports whether c is other or derives from it.
func (c *Class) IsSubclassOf(other *Class) bool {
	for cur := c; cur != nil; cur = cur.Super {
		if cur == other || (other != nil && cur.Name == other.Name) {
			return true
		}
	}
	return false
}

// Property declares one property of a class.
type Property struct {
	Name string
	Kind Kind
	// Type is the class name of a KindObject property.
	Type string
	// Nullable properties accept nil. A nil value for any other property is
	// ignored with a warning.
	Nullable bool
	// Init is the default value; the most derived declaration wins.
	Init any
	// Enum lists the allowed values of a KindEnum property.
	Enum []any
	// Annotations: PropertyAnnotation marks the property as persistent,
	// ArrayAnnotation gives the element class of sequences.
	Annotations []any

	Get func(obj Object) any
	Set func(obj Object, value any) error
	// SetAsync, when set, is used instead of Set and may validate
	// asynchronously. A rejected Future marks the owning object as failed.
	SetAsync func(obj Object, value any) *future.Future
}

// EmbedMode selects how an object valued property is stored.
type EmbedMode int

const (
	// ModeInherit leaves the decision to less derived annotations.
	ModeInherit EmbedMode = iota
	// ModeReference stores a reference stub.
	ModeReference
	// ModeEmbed stores the full structure inline.
	ModeEmbed
)

// PropertyAnnotation marks a property as persistent.
type PropertyAnnotation struct {
	Mode EmbedMode
	// Codec overrides the structural codec for embedded values.
	Codec Codec
	// RefCodec overrides the reference codec for referenced values.
	RefCodec Codec
}

// Predefined property annotations.
var (
	Persist   = PropertyAnnotation{}
	Embed     = PropertyAnnotation{Mode: ModeEmbed}
	Reference = PropertyAnnotation{Mode: ModeReference}
)

// ArrayAnnotation names the class of sequence elements that carry no type
// tag of their own.
type ArrayAnnotation struct {
	ElemType string
}

// ClassAnnotation overrides codecs for a class and its subclasses.
type ClassAnnotation struct {
	Codec    Codec
	RefCodec Codec
}

// Codec converts objects of one class to and from JSON values.
//
// Deserialize returns a Future resolving to the Object (or nil). Serialize
// returns the JSON value; it may register dependencies with the controller.
type Codec interface {
	Deserialize(ctx context.Context, c *Controller, value any) *future.Future
	Serialize(ctx context.Context, c *Controller, obj Object) (any, error)
}

// ObjectClassName is the name of the abstract root class.
const ObjectClassName = "persistence.Object"

// ObjectClass is the abstract root class of identity bearing objects. Its
// class annotation installs RefIo as the default reference codec, so any class
// deriving from it is stored by reference unless a property embeds it.
var ObjectClass = &Class{
	Name:        ObjectClassName,
	Annotations: []any{ClassAnnotation{RefCodec: RefIo{}}},
}

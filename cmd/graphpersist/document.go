package main

import (
	"github.com/orneryd/graphpersist/pkg/persistence"
)

// document stands in for any stored class when the CLI loads records it
// has no Go type for. It carries identity only.
type document struct {
	persistence.Base
	class string
}

func (d *document) ClassName() string { return d.class }

// documentRegistry registers a property-less class for every name in
// classes that the registry does not know yet.
func documentRegistry(classes []string, logger persistence.Logger) (*persistence.Registry, error) {
	reg := persistence.NewRegistryWithLogger(logger)
	for _, name := range classes {
		if _, ok := reg.Class(name); ok {
			continue
		}
		err := reg.Register(&persistence.Class{
			Name:  name,
			Super: persistence.ObjectClass,
			New:   func() persistence.Object { return &document{class: name} },
		})
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// danglingRefs calls fn for every reference stub below v whose uuid is not
// in ids.
func danglingRefs(v any, ids map[string]bool, fn func(class, uuid string)) {
	switch v := v.(type) {
	case map[string]any:
		class, _ := v[persistence.FieldClass].(string)
		uuid, _ := v[persistence.FieldID].(string)
		if class != "" && uuid != "" && !ids[uuid] {
			fn(class, uuid)
		}
		for _, child := range v {
			danglingRefs(child, ids, fn)
		}
	case []any:
		for _, child := range v {
			danglingRefs(child, ids, fn)
		}
	}
}

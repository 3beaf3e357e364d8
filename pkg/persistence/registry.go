package persistence

import (
	"fmt"
	"sync"
)

// Registry maps type tags to classes and codecs. A Registry is populated at
// startup and shared by the controllers using it.
type Registry struct {
	logger Logger

	mu        sync.RWMutex
	classes   map[string]*Class
	ios       map[string]*ClassIo
	codecs    map[string]Codec // structural overrides
	refCodecs map[string]Codec // reference defaults
}

// NewRegistry returns a Registry holding ObjectClass.
func NewRegistry() *Registry {
	return NewRegistryWithLogger(nil)
}

// NewRegistryWithLogger is NewRegistry with a logger for class resolution
// warnings.
func NewRegistryWithLogger(logger Logger) *Registry {
	r := &Registry{
		logger:    loggerOrDefault(logger),
		classes:   make(map[string]*Class),
		ios:       make(map[string]*ClassIo),
		codecs:    make(map[string]Codec),
		refCodecs: make(map[string]Codec),
	}
	r.classes[ObjectClass.Name] = ObjectClass
	return r
}

// Register adds class and, if missing, its ancestors.
func (r *Registry) Register(class *Class) error {
	if class == nil || class.Name == "" {
		return fmt.Errorf("persistence: register: class has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := class; c != nil; c = c.Super {
		existing, ok := r.classes[c.Name]
		if ok && existing != c {
			return fmt.Errorf("%w: %s", ErrClassRegistered, c.Name)
		}
		r.classes[c.Name] = c
	}
	return nil
}

// MustRegister registers classes and panics on error.
func (r *Registry) MustRegister(classes ...*Class) *Registry {
	for _, c := range classes {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Class looks up a class by name.
func (r *Registry) Class(name string) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	return c, ok
}

// Classes returns the registered class names.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	return names
}

// ClassIo returns the structural codec of a class, creating it on first use.
// Its descriptors are resolved lazily, so classes may refer to each other.
func (r *Registry) ClassIo(name string) (*ClassIo, error) {
	r.mu.RLock()
	io, ok := r.ios[name]
	r.mu.RUnlock()
	if ok {
		return io, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if io, ok := r.ios[name]; ok {
		return io, nil
	}
	class, ok := r.classes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	io = &ClassIo{class: class, registry: r}
	r.ios[name] = io
	return io, nil
}

// RegisterCodec overrides the structural codec used to embed values of the
// named class.
func (r *Registry) RegisterCodec(name string, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codecs[name]; ok {
		r.logger.Log(LevelWarn, "replacing codec", map[string]any{"class": name})
	}
	r.codecs[name] = codec
}

// EmbedCodec returns the codec used to embed values of the named class: a
// registered override, else a ClassAnnotation.Codec found on the class or
// its ancestors, else the class's ClassIo.
func (r *Registry) EmbedCodec(name string) (Codec, error) {
	r.mu.RLock()
	codec, ok := r.codecs[name]
	class, known := r.classes[name]
	r.mu.RUnlock()
	if ok {
		return codec, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	if codec := annotatedCodec(class, false); codec != nil {
		return codec, nil
	}
	return r.ClassIo(name)
}

// RegisterDefaultRefCodec sets the reference codec for the named class. It
// takes precedence over class annotations.
func (r *Registry) RegisterDefaultRefCodec(name string, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.refCodecs[name]; ok {
		r.logger.Log(LevelWarn, "replacing default reference codec", map[string]any{"class": name})
	}
	r.refCodecs[name] = codec
}

// DefaultRefCodec returns the reference codec for the named class, or
// ErrNoCodec when neither a registration nor a class annotation provides
// one.
func (r *Registry) DefaultRefCodec(name string) (Codec, error) {
	r.mu.RLock()
	codec, ok := r.refCodecs[name]
	class, known := r.classes[name]
	r.mu.RUnlock()
	if ok {
		return codec, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	if codec := annotatedCodec(class, true); codec != nil {
		return codec, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoCodec, name)
}

func annotatedCodec(class *Class, ref bool) Codec {
	for c := class; c != nil; c = c.Super {
		for _, a := range c.Annotations {
			var ca ClassAnnotation
			switch a := a.(type) {
			case ClassAnnotation:
				ca = a
			case *ClassAnnotation:
				ca = *a
			default:
				continue
			}
			codec := ca.Codec
			if ref {
				codec = ca.RefCodec
			}
			if codec != nil {
				return codec
			}
		}
	}
	return nil
}

package persistence

import (
	"sync"
	"sync/atomic"
)

// Object is anything a ClassIo can (de)serialize. ClassName must match the
// name the object's Class was registered under. Implementations must be
// pointer types: objects are tracked by identity.
type Object interface {
	ClassName() string
}

// HasIdentity is implemented by objects that are stored as their own records
// and referenced by identifier. Objects without it can only be embedded.
type HasIdentity interface {
	Object
	ID() string
	SetID(id string)
}

// Observable objects publish property changes; Controller.Watch relies on it.
type Observable interface {
	AddListener(property string, fn func(PropertyChange)) ListenerID
	RemoveListener(id ListenerID)
}

// Notifiable objects receive lifecycle notifications from the controller.
type Notifiable interface {
	ReceiveDataNotification(key string, data any)
}

// Notification keys passed to Notifiable.ReceiveDataNotification.
const (
	// NotifyCreated is sent right after instantiation; data is the *Controller.
	NotifyCreated = "created"
	// NotifyLoadComplete is sent once every tracked object has finished loading.
	NotifyLoadComplete = "dataLoadComplete"
)

// PropertyChange describes a property that changed value.
type PropertyChange struct {
	Property string
	Value    any
	Old      any
}

// ListenerID identifies a registered listener. IDs are unique per process.
type ListenerID uint64

var listenerSeq atomic.Uint64

func nextListenerID() ListenerID {
	return ListenerID(listenerSeq.Add(1))
}

// Observed is an embeddable implementation of Observable. Setters of the
// embedding type call Fire after changing a value.
type Observed struct {
	mu        sync.RWMutex
	listeners map[ListenerID]propertyListener
}

type propertyListener struct {
	property string
	fn       func(PropertyChange)
}

// AddListener registers fn for changes of property.
func (o *Observed) AddListener(property string, fn func(PropertyChange)) ListenerID {
	id := nextListenerID()
	o.mu.Lock()
	if o.listeners == nil {
		o.listeners = make(map[ListenerID]propertyListener)
	}
	o.listeners[id] = propertyListener{property: property, fn: fn}
	o.mu.Unlock()
	return id
}

// RemoveListener unregisters a listener. Unknown ids are ignored.
func (o *Observed) RemoveListener(id ListenerID) {
	o.mu.Lock()
	delete(o.listeners, id)
	o.mu.Unlock()
}

// ListenerCount returns the number of registered listeners.
func (o *Observed) ListenerCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.listeners)
}

// Fire notifies listeners of property. Listeners run synchronously on the
// caller's goroutine, outside the listener lock.
func (o *Observed) Fire(property string, value, old any) {
	o.mu.RLock()
	var fns []func(PropertyChange)
	for _, l := range o.listeners {
		if l.property == property {
			fns = append(fns, l.fn)
		}
	}
	o.mu.RUnlock()

	change := PropertyChange{Property: property, Value: value, Old: old}
	for _, fn := range fns {
		fn(change)
	}
}

// Base is an embeddable starting point for persistable objects: it carries
// the identifier, change listeners and load notifications.
//
//	type Site struct {
//		persistence.Base
//		title string
//	}
//
//	func (s *Site) ClassName() string { return "Site" }
type Base struct {
	Observed

	idMu         sync.RWMutex
	id           string
	controller   *Controller
	loadComplete bool
	onLoaded     []func()
}

// ID returns the identifier, empty until the object is first saved.
func (b *Base) ID() string {
	b.idMu.RLock()
	defer b.idMu.RUnlock()
	return b.id
}

// SetID assigns the identifier and fires a change of the "uuid" property.
func (b *Base) SetID(id string) {
	b.idMu.Lock()
	old := b.id
	b.id = id
	b.idMu.Unlock()
	if old != id {
		b.Fire(FieldID, id, old)
	}
}

// Controller returns the controller that created the object, if any.
func (b *Base) Controller() *Controller {
	b.idMu.RLock()
	defer b.idMu.RUnlock()
	return b.controller
}

// IsDataLoadComplete reports whether the load-complete notification arrived.
func (b *Base) IsDataLoadComplete() bool {
	b.idMu.RLock()
	defer b.idMu.RUnlock()
	return b.loadComplete
}

// OnDataLoadComplete registers fn to run when the load-complete notification
// arrives. If it already arrived fn runs immediately.
func (b *Base) OnDataLoadComplete(fn func()) {
	b.idMu.Lock()
	if b.loadComplete {
		b.idMu.Unlock()
		fn()
		return
	}
	b.onLoaded = append(b.onLoaded, fn)
	b.idMu.Unlock()
}

// ReceiveDataNotification implements Notifiable.
func (b *Base) ReceiveDataNotification(key string, data any) {
	switch key {
	case NotifyCreated:
		if c, ok := data.(*Controller); ok {
			b.idMu.Lock()
			b.controller = c
			b.idMu.Unlock()
		}
	case NotifyLoadComplete:
		b.idMu.Lock()
		b.loadComplete = true
		fns := b.onLoaded
		b.onLoaded = nil
		b.idMu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

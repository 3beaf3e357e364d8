package persistence

import (
	"reflect"
	"sync"
)

// ListChangeType classifies a ListChange.
type ListChangeType int

const (
	// ListAdd means Added were appended.
	ListAdd ListChangeType = iota
	// ListRemove means Removed were taken out.
	ListRemove
	// ListReplace means the whole content was swapped; Added holds the new
	// items and Removed the old ones.
	ListReplace
)

// ListChange describes one mutation of a List.
type ListChange struct {
	Type    ListChangeType
	Added   []any
	Removed []any
}

// List is an observable sequence, the value type of KindList properties.
// Watchers receive element level changes instead of whole-value changes.
type List struct {
	mu        sync.RWMutex
	items     []any
	listeners map[ListenerID]func(ListChange)
}

// NewList returns a List holding a copy of items.
func NewList(items ...any) *List {
	l := &List{}
	l.items = append(l.items, items...)
	return l
}

// Len returns the number of items.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// At returns the item at index i.
func (l *List) At(i int) any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.items[i]
}

// Items returns a copy of the content.
func (l *List) Items() []any {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]any, len(l.items))
	copy(out, l.items)
	return out
}

// Push appends items.
func (l *List) Push(items ...any) {
	if len(items) == 0 {
		return
	}
	l.mu.Lock()
	l.items = append(l.items, items...)
	l.mu.Unlock()
	l.fire(ListChange{Type: ListAdd, Added: append([]any(nil), items...)})
}

// Remove removes the first occurrence of item and reports whether it was
// present. Objects match by identity, other values by deep equality.
func (l *List) Remove(item any) bool {
	l.mu.Lock()
	idx := -1
	for i, v := range l.items {
		if sameValue(v, item) {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return false
	}
	removed := l.items[idx]
	l.items = append(l.items[:idx], l.items[idx+1:]...)
	l.mu.Unlock()
	l.fire(ListChange{Type: ListRemove, Removed: []any{removed}})
	return true
}

// RemoveFunc removes the first item for which match returns true.
func (l *List) RemoveFunc(match func(item any) bool) bool {
	l.mu.RLock()
	idx := -1
	for i, v := range l.items {
		if match(v) {
			idx = i
			break
		}
	}
	l.mu.RUnlock()
	if idx < 0 {
		return false
	}
	l.RemoveAt(idx)
	return true
}

// RemoveAt removes and returns the item at index i.
func (l *List) RemoveAt(i int) any {
	l.mu.Lock()
	removed := l.items[i]
	l.items = append(l.items[:i], l.items[i+1:]...)
	l.mu.Unlock()
	l.fire(ListChange{Type: ListRemove, Removed: []any{removed}})
	return removed
}

// Replace swaps the whole content.
func (l *List) Replace(items []any) {
	l.mu.Lock()
	old := l.items
	l.items = append([]any(nil), items...)
	l.mu.Unlock()
	l.fire(ListChange{Type: ListReplace, Added: append([]any(nil), items...), Removed: old})
}

// AddListener registers fn for every change of the list.
func (l *List) AddListener(fn func(ListChange)) ListenerID {
	id := nextListenerID()
	l.mu.Lock()
	if l.listeners == nil {
		l.listeners = make(map[ListenerID]func(ListChange))
	}
	l.listeners[id] = fn
	l.mu.Unlock()
	return id
}

// RemoveListener unregisters a listener.
func (l *List) RemoveListener(id ListenerID) {
	l.mu.Lock()
	delete(l.listeners, id)
	l.mu.Unlock()
}

func (l *List) fire(change ListChange) {
	l.mu.RLock()
	fns := make([]func(ListChange), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(change)
	}
}

// sameValue compares with == where the dynamic values allow it and falls
// back to deep equality for maps, slices and the like.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	if va.Comparable() {
		return va.Equal(vb)
	}
	return reflect.DeepEqual(a, b)
}

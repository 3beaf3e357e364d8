// Package future provides a small settle-once future used to chain asynchronous
// steps of object loading and saving.
//
// Most persistence code paths are synchronous in the common case and only need
// to suspend while a nested reference is still being fetched. The helpers in
// this package keep that fast path cheap: Now runs its continuation inline when
// the input is a plain value or an already settled Future, and only falls back
// to a goroutine when it genuinely has to wait.
//
// Example:
//
//	v := codec.Deserialize(ctx, ctrl, raw) // plain value or *Future
//	out := future.Now(v, func(obj any, err error) (any, error) {
//		if err != nil {
//			return nil, err
//		}
//		return obj, setter(obj)
//	})
//	obj, err := future.Await(ctx, out)
package future

import (
	"context"
	"sync"
)

// Future is a value that becomes available later. A Future settles exactly
// once, either resolved with a value or rejected with an error; later calls to
// Resolve or Reject are ignored.
type Future struct {
	done chan struct{}

	mu      sync.Mutex
	settled bool
	value   any
	err     error
}

// New returns a pending Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a Future already resolved with v.
func Resolved(v any) *Future {
	f := New()
	f.Resolve(v)
	return f
}

// Rejected returns a Future already rejected with err.
func Rejected(err error) *Future {
	f := New()
	f.Reject(err)
	return f
}

// From wraps v in a Future unless it already is one.
func From(v any) *Future {
	if f, ok := v.(*Future); ok {
		return f
	}
	return Resolved(v)
}

// Resolve settles the Future with v. If v is itself a *Future, f settles with
// v's outcome once v settles. Returns false if f was already settled.
func (f *Future) Resolve(v any) bool {
	if inner, ok := v.(*Future); ok {
		if inner == f {
			return false
		}
		if inner.Settled() {
			return f.settle(inner.value, inner.err)
		}
		go func() {
			<-inner.done
			f.settle(inner.value, inner.err)
		}()
		return true
	}
	return f.settle(v, nil)
}

// Reject settles the Future with err. A nil err rejects with ErrNilRejection.
func (f *Future) Reject(err error) bool {
	if err == nil {
		err = ErrNilRejection
	}
	return f.settle(nil, err)
}

func (f *Future) settle(v any, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value = v
	f.err = err
	f.mu.Unlock()
	close(f.done)
	return true
}

// Done returns a channel closed when the Future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the Future has a value or an error.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the Future settles and returns its outcome.
func (f *Future) Result() (any, error) {
	<-f.done
	return f.value, f.err
}

// Await blocks until the Future settles or ctx is done.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then returns a Future settled with the result of fn applied to f's outcome.
// fn runs inline when f is already settled.
func (f *Future) Then(fn func(value any, err error) (any, error)) *Future {
	if f.Settled() {
		return From(settleWith(fn(f.value, f.err)))
	}
	out := New()
	go func() {
		<-f.done
		v, err := fn(f.value, f.err)
		if err != nil {
			out.Reject(err)
			return
		}
		out.Resolve(v)
	}()
	return out
}

func settleWith(v any, err error) any {
	if err != nil {
		return Rejected(err)
	}
	return v
}

// Now applies fn to v. When v is a plain value or a settled Future, fn runs
// immediately and its result is returned directly (or as a rejected Future on
// error). Otherwise a Future for fn's eventual result is returned.
func Now(v any, fn func(value any, err error) (any, error)) any {
	f, ok := v.(*Future)
	if !ok {
		return settleWith(fn(v, nil))
	}
	if f.Settled() {
		return settleWith(fn(f.value, f.err))
	}
	return f.Then(fn)
}

// IsPending reports whether v is a Future that has not settled yet.
func IsPending(v any) bool {
	f, ok := v.(*Future)
	return ok && !f.Settled()
}

// Await returns v's value, waiting for it if it is a Future.
func Await(ctx context.Context, v any) (any, error) {
	f, ok := v.(*Future)
	if !ok {
		return v, nil
	}
	return f.Await(ctx)
}

// Outcome is the settled result of one input to AllSettled.
type Outcome struct {
	Value any
	Err   error
}

// AllSettled waits for every element of vs. It returns []Outcome directly when
// nothing is pending, otherwise a Future resolving to []Outcome. The returned
// Future never rejects; errors are reported per element.
func AllSettled(vs []any) any {
	pending := false
	for _, v := range vs {
		if IsPending(v) {
			pending = true
			break
		}
	}
	if !pending {
		return collect(vs)
	}

	out := New()
	go func() {
		for _, v := range vs {
			if f, ok := v.(*Future); ok {
				<-f.done
			}
		}
		out.Resolve(collect(vs))
	}()
	return out
}

func collect(vs []any) []Outcome {
	outcomes := make([]Outcome, len(vs))
	for i, v := range vs {
		if f, ok := v.(*Future); ok {
			outcomes[i] = Outcome{Value: f.value, Err: f.err}
			continue
		}
		outcomes[i] = Outcome{Value: v}
	}
	return outcomes
}

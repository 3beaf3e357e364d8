package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/orneryd/graphpersist/pkg/future"
)

// Test classes modelled on a small website: a Page holds embedded Pieces, a
// Site references its home Page, DemoReferences point at each other.

var errMustNotBeThree = errors.New("value must not be three")

type Piece struct {
	Observed

	mu             sync.Mutex
	content        string
	mustNotBeThree int64
}

func newPiece(content string, n int64) *Piece {
	return &Piece{content: content, mustNotBeThree: n}
}

func (p *Piece) ClassName() string { return "test.Piece" }

func (p *Piece) Content() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content
}

func (p *Piece) SetContent(s string) {
	p.mu.Lock()
	old := p.content
	p.content = s
	p.mu.Unlock()
	p.Fire("content", s, old)
}

func (p *Piece) MustNotBeThree() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mustNotBeThree
}

func (p *Piece) setMustNotBeThree(n int64) {
	p.mu.Lock()
	old := p.mustNotBeThree
	p.mustNotBeThree = n
	p.mu.Unlock()
	p.Fire("mustNotBeThree", n, old)
}

var pieceClass = &Class{
	Name: "test.Piece",
	New:  func() Object { return &Piece{} },
	Properties: []Property{
		{
			Name:        "content",
			Kind:        KindString,
			Init:        "",
			Annotations: []any{Persist},
			Get:         func(o Object) any { return o.(*Piece).Content() },
			Set: func(o Object, v any) error {
				o.(*Piece).SetContent(AsString(v))
				return nil
			},
		},
		{
			Name:        "mustNotBeThree",
			Kind:        KindInteger,
			Annotations: []any{Persist},
			Get:         func(o Object) any { return o.(*Piece).MustNotBeThree() },
			// validates off the caller's goroutine, like a remote check
			SetAsync: func(o Object, v any) *future.Future {
				f := future.New()
				go func() {
					time.Sleep(2 * time.Millisecond)
					n := AsInt(v)
					if n == 3 {
						f.Reject(errMustNotBeThree)
						return
					}
					o.(*Piece).setMustNotBeThree(n)
					f.Resolve(nil)
				}()
				return f
			},
		},
	},
}

type Page struct {
	Base

	mu           sync.Mutex
	title        string
	url          string
	lastModified time.Time
	status       any
	pieces       *List
	tags         []any
}

func newPage(title string, pieces ...*Piece) *Page {
	p := &Page{title: title, pieces: NewList()}
	for _, piece := range pieces {
		p.pieces.Push(piece)
	}
	return p
}

func (p *Page) ClassName() string { return "test.Page" }

func (p *Page) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

func (p *Page) SetTitle(s string) {
	p.mu.Lock()
	old := p.title
	p.title = s
	p.mu.Unlock()
	if old != s {
		p.Fire("title", s, old)
	}
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) SetURL(s string) {
	p.mu.Lock()
	old := p.url
	p.url = s
	p.mu.Unlock()
	p.Fire("url", s, old)
}

func (p *Page) LastModified() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastModified
}

func (p *Page) SetLastModified(t time.Time) {
	p.mu.Lock()
	old := p.lastModified
	p.lastModified = t
	p.mu.Unlock()
	p.Fire("lastModified", t, old)
}

func (p *Page) Status() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Page) Pieces() *List {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pieces
}

func (p *Page) SetPieces(l *List) {
	p.mu.Lock()
	old := p.pieces
	p.pieces = l
	p.mu.Unlock()
	p.Fire("pieces", l, old)
}

func (p *Page) Tags() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tags
}

func (p *Page) pieceContents() []string {
	var out []string
	for _, item := range p.Pieces().Items() {
		out = append(out, item.(*Piece).Content())
	}
	return out
}

var pageClass = &Class{
	Name:  "test.Page",
	Super: ObjectClass,
	New:   func() Object { return &Page{pieces: NewList()} },
	Properties: []Property{
		{
			Name:        "title",
			Kind:        KindString,
			Nullable:    true,
			Annotations: []any{Persist},
			Get:         func(o Object) any { return o.(*Page).Title() },
			Set: func(o Object, v any) error {
				o.(*Page).SetTitle(AsString(v))
				return nil
			},
		},
		{
			Name:        "url",
			Kind:        KindString,
			Nullable:    true,
			Annotations: []any{Persist},
			Get:         func(o Object) any { return o.(*Page).URL() },
			Set: func(o Object, v any) error {
				o.(*Page).SetURL(AsString(v))
				return nil
			},
		},
		{
			Name:        "lastModified",
			Kind:        KindDate,
			Nullable:    true,
			Annotations: []any{Persist},
			Get: func(o Object) any {
				t := o.(*Page).LastModified()
				if t.IsZero() {
					return nil
				}
				return t
			},
			Set: func(o Object, v any) error {
				o.(*Page).SetLastModified(AsTime(v))
				return nil
			},
		},
		{
			Name:        "status",
			Kind:        KindEnum,
			Nullable:    true,
			Enum:        []any{"draft", "published"},
			Annotations: []any{Persist},
			Get:         func(o Object) any { return o.(*Page).Status() },
			Set: func(o Object, v any) error {
				p := o.(*Page)
				p.mu.Lock()
				p.status = v
				p.mu.Unlock()
				return nil
			},
		},
		{
			Name:        "pieces",
			Kind:        KindList,
			Annotations: []any{Embed, ArrayAnnotation{ElemType: "test.Piece"}},
			Get:         func(o Object) any { return o.(*Page).Pieces() },
			Set: func(o Object, v any) error {
				o.(*Page).SetPieces(AsList(v))
				return nil
			},
		},
		{
			Name:        "tags",
			Kind:        KindArray,
			Nullable:    true,
			Annotations: []any{Persist},
			Get:         func(o Object) any { return o.(*Page).Tags() },
			Set: func(o Object, v any) error {
				p := o.(*Page)
				p.mu.Lock()
				p.tags = AsSlice(v)
				p.mu.Unlock()
				return nil
			},
		},
	},
}

type Site struct {
	Base

	mu       sync.Mutex
	name     string
	homePage *Page
}

func (s *Site) ClassName() string { return "test.Site" }

func (s *Site) HomePage() *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.homePage
}

func (s *Site) SetHomePage(p *Page) {
	s.mu.Lock()
	old := s.homePage
	s.homePage = p
	s.mu.Unlock()
	s.Fire("homePage", p, old)
}

var siteClass = &Class{
	Name:  "test.Site",
	Super: ObjectClass,
	New:   func() Object { return &Site{} },
	Properties: []Property{
		{
			Name:        "name",
			Kind:        KindString,
			Nullable:    true,
			Annotations: []any{Persist},
			Get: func(o Object) any {
				s := o.(*Site)
				s.mu.Lock()
				defer s.mu.Unlock()
				return s.name
			},
			Set: func(o Object, v any) error {
				s := o.(*Site)
				s.mu.Lock()
				s.name = AsString(v)
				s.mu.Unlock()
				return nil
			},
		},
		{
			Name:        "homePage",
			Kind:        KindObject,
			Type:        "test.Page",
			Nullable:    true,
			Annotations: []any{Persist},
			Get: func(o Object) any {
				if p := o.(*Site).HomePage(); p != nil {
					return p
				}
				return nil
			},
			Set: func(o Object, v any) error {
				o.(*Site).SetHomePage(AsObject[*Page](v))
				return nil
			},
		},
	},
}

type DemoReferences struct {
	Base

	mu    sync.Mutex
	title string
	other *DemoReferences
	onGet func()
}

func (d *DemoReferences) ClassName() string { return "test.DemoReferences" }

func (d *DemoReferences) Other() *DemoReferences {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.other
}

func (d *DemoReferences) SetOther(o *DemoReferences) {
	d.mu.Lock()
	old := d.other
	d.other = o
	d.mu.Unlock()
	d.Fire("other", o, old)
}

var demoClass = &Class{
	Name:  "test.DemoReferences",
	Super: ObjectClass,
	New:   func() Object { return &DemoReferences{} },
	Properties: []Property{
		{
			Name:        "title",
			Kind:        KindString,
			Nullable:    true,
			Annotations: []any{Persist},
			Get: func(o Object) any {
				d := o.(*DemoReferences)
				d.mu.Lock()
				hook := d.onGet
				title := d.title
				d.mu.Unlock()
				if hook != nil {
					hook()
				}
				return title
			},
			Set: func(o Object, v any) error {
				d := o.(*DemoReferences)
				d.mu.Lock()
				d.title = AsString(v)
				d.mu.Unlock()
				return nil
			},
		},
		{
			Name:        "other",
			Kind:        KindObject,
			Type:        "test.DemoReferences",
			Nullable:    true,
			Annotations: []any{Persist},
			Get: func(o Object) any {
				if other := o.(*DemoReferences).Other(); other != nil {
					return other
				}
				return nil
			},
			Set: func(o Object, v any) error {
				o.(*DemoReferences).SetOther(AsObject[*DemoReferences](v))
				return nil
			},
		},
	},
}

// Runaway hands out a brand new dependent every time it is serialized.
type Runaway struct {
	Base
}

func (r *Runaway) ClassName() string { return "test.Runaway" }

var runawayClass = &Class{
	Name:  "test.Runaway",
	Super: ObjectClass,
	New:   func() Object { return &Runaway{} },
	Properties: []Property{
		{
			Name:        "next",
			Kind:        KindObject,
			Type:        "test.Runaway",
			Nullable:    true,
			Annotations: []any{Persist},
			Get:         func(Object) any { return &Runaway{} },
			Set:         func(Object, any) error { return nil },
		},
	},
}

type logEntry struct {
	level  string
	msg    string
	fields map[string]any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) Log(level string, msg string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (l *recordingLogger) has(level, substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && strings.Contains(e.msg, substr) {
			return true
		}
	}
	return false
}

func newTestRegistry(logger Logger) *Registry {
	return NewRegistryWithLogger(logger).MustRegister(pieceClass, pageClass, siteClass, demoClass, runawayClass)
}

// testDatasource keeps records as JSON round-tripped copies, counts
// fetches and lets tests mark records stale.
type testDatasource struct {
	mu          sync.Mutex
	records     map[string]Record
	fetches     map[string]int
	stale       map[string]bool
	fetchDelay  time.Duration
	seq         int
	flushes     int
	listeners   []func(context.Context) error
	shipped     []map[string]*ChangeStore
	// putFailures makes the next n puts of a class fail
	putFailures map[string]int
}

var errPutFailed = errors.New("put failed")

func newTestDatasource() *testDatasource {
	return &testDatasource{
		records:     make(map[string]Record),
		fetches:     make(map[string]int),
		stale:       make(map[string]bool),
		putFailures: make(map[string]int),
	}
}

func (ds *testDatasource) Fetch(ctx context.Context, id string) (*FetchResult, error) {
	ds.mu.Lock()
	ds.fetches[id]++
	delay := ds.fetchDelay
	ds.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	rec, ok := ds.records[id]
	if !ok {
		return nil, nil
	}
	delete(ds.stale, id)
	clone, err := CloneRecord(rec)
	if err != nil {
		return nil, err
	}
	return &FetchResult{
		Record: clone,
		IsStale: func(context.Context) (bool, error) {
			ds.mu.Lock()
			defer ds.mu.Unlock()
			return ds.stale[id], nil
		},
	}, nil
}

func (ds *testDatasource) CreateID() string {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.seq++
	return fmt.Sprintf("id-%04d", ds.seq)
}

func (ds *testDatasource) Put(ctx context.Context, id string, rec Record) error {
	clone, err := CloneRecord(rec)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if class, _ := rec[FieldRootClass].(string); ds.putFailures[class] > 0 {
		ds.putFailures[class]--
		return errPutFailed
	}
	ds.records[id] = clone
	return nil
}

func (ds *testDatasource) Remove(ctx context.Context, id string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	delete(ds.records, id)
	return nil
}

func (ds *testDatasource) Flush(ctx context.Context) error {
	ds.mu.Lock()
	listeners := append([]func(context.Context) error(nil), ds.listeners...)
	ds.mu.Unlock()
	for _, fn := range listeners {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	ds.mu.Lock()
	ds.flushes++
	ds.mu.Unlock()
	return nil
}

func (ds *testDatasource) OnFlushing(fn func(context.Context) error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.listeners = append(ds.listeners, fn)
}

func (ds *testDatasource) PutPropertyChanges(ctx context.Context, changes map[string]*ChangeStore) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.shipped = append(ds.shipped, changes)
	return nil
}

func (ds *testDatasource) set(id string, rec Record) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.records[id] = rec
}

func (ds *testDatasource) get(id string) (Record, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	rec, ok := ds.records[id]
	return rec, ok
}

func (ds *testDatasource) fetchCount(id string) int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.fetches[id]
}

func (ds *testDatasource) failPuts(class string, n int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.putFailures[class] = n
}

func (ds *testDatasource) markStale(id string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.stale[id] = true
}

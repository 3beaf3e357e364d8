package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphpersist/pkg/persistence"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryDatabaseWithLogger(persistence.NopLogger{})
		},
		"file": func(t *testing.T) Store {
			db, err := OpenFileDatabase(t.TempDir(), FileOptions{Logger: persistence.NopLogger{}})
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return db
		},
		"badger": func(t *testing.T) Store {
			db, err := NewBadgerDatabaseWithOptions(BadgerOptions{InMemory: true, Logger: persistence.NopLogger{}})
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return db
		},
	}
}

func TestStore_Conformance(t *testing.T) {
	ctx := context.Background()
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("put and fetch", func(t *testing.T) {
				db := factory(t)
				require.NoError(t, db.Put(ctx, "a", persistence.Record{"title": "A", "n": 1}))

				res, err := db.Fetch(ctx, "a")
				require.NoError(t, err)
				require.NotNil(t, res)
				assert.Equal(t, "A", res.Record["title"])
				assert.Equal(t, float64(1), res.Record["n"])
				assert.Equal(t, "a", res.Record[persistence.FieldID])

				res.Record["title"] = "mutated"
				again, err := db.Fetch(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, "A", again.Record["title"], "fetched records are copies")
			})

			t.Run("missing records", func(t *testing.T) {
				db := factory(t)
				res, err := db.Fetch(ctx, "nope")
				require.NoError(t, err)
				assert.Nil(t, res)
				assert.NoError(t, db.Remove(ctx, "nope"))

				_, err = db.Fetch(ctx, "")
				assert.ErrorIs(t, err, ErrInvalidID)
				assert.ErrorIs(t, db.Put(ctx, "", persistence.Record{}), ErrInvalidID)
			})

			t.Run("remove", func(t *testing.T) {
				db := factory(t)
				require.NoError(t, db.Put(ctx, "a", persistence.Record{FieldURL: "about"}))
				require.NoError(t, db.Remove(ctx, "a"))
				res, err := db.Fetch(ctx, "a")
				require.NoError(t, err)
				assert.Nil(t, res)
				id, err := db.IDFromURL(ctx, "about")
				require.NoError(t, err)
				assert.Empty(t, id)
			})

			t.Run("url index", func(t *testing.T) {
				db := factory(t)
				require.NoError(t, db.Put(ctx, "home", persistence.Record{FieldURL: "index"}))
				require.NoError(t, db.Put(ctx, "blog", persistence.Record{FieldURL: "blog/index"}))
				require.NoError(t, db.Put(ctx, "post", persistence.Record{FieldURL: "blog/first"}))

				for url, want := range map[string]string{
					"/":          "home",
					"index":      "home",
					"blog/":      "blog",
					"blog/first": "post",
					"missing":    "",
				} {
					id, err := db.IDFromURL(ctx, url)
					require.NoError(t, err)
					assert.Equal(t, want, id, url)
				}

				require.NoError(t, db.Put(ctx, "post", persistence.Record{FieldURL: "blog/renamed"}))
				id, err := db.IDFromURL(ctx, "blog/first")
				require.NoError(t, err)
				assert.Empty(t, id)
				id, err = db.IDFromURL(ctx, "blog/renamed")
				require.NoError(t, err)
				assert.Equal(t, "post", id)
			})

			t.Run("scan and find", func(t *testing.T) {
				db := factory(t)
				require.NoError(t, db.Put(ctx, "b", persistence.Record{"kind": "page", FieldURL: "b"}))
				require.NoError(t, db.Put(ctx, "a", persistence.Record{"kind": "page"}))
				require.NoError(t, db.Put(ctx, "c", persistence.Record{"kind": "site"}))

				var ids []string
				require.NoError(t, db.Scan(ctx, func(id string, _ persistence.Record) error {
					ids = append(ids, id)
					return nil
				}))
				assert.Equal(t, []string{"a", "b", "c"}, ids)

				pages, err := Find(ctx, db, map[string]any{"kind": "page"})
				require.NoError(t, err)
				assert.Len(t, pages, 2)

				site, err := FindOne(ctx, db, map[string]any{"kind": "site"})
				require.NoError(t, err)
				require.NotNil(t, site)
				assert.Equal(t, "c", site[persistence.FieldID])

				none, err := FindOne(ctx, db, map[string]any{"kind": "blog"})
				require.NoError(t, err)
				assert.Nil(t, none)

				st, err := db.Stats(ctx)
				require.NoError(t, err)
				assert.Equal(t, 3, st.Records)
				assert.Equal(t, 1, st.URLs)
			})

			t.Run("flush announces itself", func(t *testing.T) {
				db := factory(t)
				calls := 0
				db.OnFlushing(func(context.Context) error {
					calls++
					return nil
				})
				require.NoError(t, db.Flush(ctx))
				require.NoError(t, db.Flush(ctx))
				assert.Equal(t, 2, calls)
			})

			t.Run("ids are uuids", func(t *testing.T) {
				db := factory(t)
				a, b := db.CreateID(), db.CreateID()
				assert.NotEqual(t, a, b)
				_, err := uuid.Parse(a)
				assert.NoError(t, err)
			})

			t.Run("closed", func(t *testing.T) {
				db := factory(t)
				require.NoError(t, db.Close())
				_, err := db.Fetch(ctx, "a")
				assert.ErrorIs(t, err, ErrStorageClosed)
				assert.ErrorIs(t, db.Put(ctx, "a", persistence.Record{}), ErrStorageClosed)
				assert.ErrorIs(t, db.Flush(ctx), ErrStorageClosed)
			})
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "index", NormalizeURL("/"))
	assert.Equal(t, "docs/index", NormalizeURL("docs/"))
	assert.Equal(t, "docs/page", NormalizeURL("docs/page"))
}

func TestMemoryDatabase_AddURLMapping(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabase()
	db.AddURLMapping("legacy", "a")
	id, err := db.IDFromURL(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	res, err := db.Fetch(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestOpen(t *testing.T) {
	for _, backend := range []string{BackendMemory, BackendFile, BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			db, err := Open(OpenOptions{Backend: backend, DataDir: t.TempDir(), InMemory: true})
			require.NoError(t, err)
			assert.NoError(t, db.Close())
		})
	}

	_, err := Open(OpenOptions{Backend: "nedb"})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Open(OpenOptions{Backend: BackendFile})
	assert.Error(t, err)
}

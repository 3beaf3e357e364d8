package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphpersist/pkg/persistence"
	"github.com/orneryd/graphpersist/pkg/storage"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(new(nopWriter))
	cmd.SetErr(new(nopWriter))
	return cmd.Execute()
}

type nopWriter struct{}

func (*nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	chdir(t, t.TempDir())
	for _, k := range []string{"GRAPHPERSIST_BACKEND", "GRAPHPERSIST_DATA_DIR", "GRAPHPERSIST_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func TestCLI_ImportExportFileBackend(t *testing.T) {
	isolate(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.json"),
		[]byte(`{"uuid": "home", "__classname": "site.Page", "title": "Home"}`), 0o644))

	data := filepath.Join(t.TempDir(), "data")
	flags := []string{"--backend", "file", "--data-dir", data, "--log-level", "ERROR"}

	require.NoError(t, run(t, append([]string{"import", src}, flags...)...))
	require.NoError(t, run(t, append([]string{"verify"}, flags...)...))
	require.NoError(t, run(t, append([]string{"stats"}, flags...)...))
	require.NoError(t, run(t, append([]string{"get", "--url", "/"}, flags...)...))
	assert.FileExists(t, filepath.Join(data, "_uuids", "home.json"))

	out := t.TempDir()
	require.NoError(t, run(t, append([]string{"export", out}, flags...)...))
	assert.FileExists(t, filepath.Join(out, "index.json"))

	require.NoError(t, run(t, append([]string{"remove", "home"}, flags...)...))
	err := run(t, append([]string{"get", "home"}, flags...)...)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCLI_Verify(t *testing.T) {
	isolate(t)
	data := t.TempDir()
	db, err := storage.OpenFileDatabase(data, storage.FileOptions{Logger: persistence.NopLogger{}})
	require.NoError(t, err)
	require.NoError(t, db.Put(context.Background(), "x", persistence.Record{"uuid": "x"}))
	require.NoError(t, db.Close())

	err = run(t, "verify", "--backend", "file", "--data-dir", data, "--log-level", "ERROR")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 problems")
}

func TestCLI_Errors(t *testing.T) {
	isolate(t)
	assert.Error(t, run(t, "stats", "--backend", "nedb"))
	assert.Error(t, run(t, "backup", filepath.Join(t.TempDir(), "b.bak"), "--backend", "memory"))
	assert.Error(t, run(t, "get"))
}

func TestCLI_VerifyReferencesAndLoads(t *testing.T) {
	isolate(t)
	ctx := context.Background()

	t.Run("dangling references", func(t *testing.T) {
		data := t.TempDir()
		db, err := storage.OpenFileDatabase(data, storage.FileOptions{Logger: persistence.NopLogger{}})
		require.NoError(t, err)
		require.NoError(t, db.Put(ctx, "a", persistence.Record{
			"uuid":        "a",
			"__classname": "site.Site",
			"homePage":    map[string]any{"$$classname": "site.Page", "uuid": "gone"},
			"footer":      map[string]any{"$$classname": "site.Piece", "text": "embedded"},
		}))
		require.NoError(t, db.Close())

		err = run(t, "verify", "--backend", "file", "--data-dir", data, "--log-level", "ERROR")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 problems")
	})

	t.Run("loading through a controller", func(t *testing.T) {
		data := t.TempDir()
		db, err := storage.NewBadgerDatabaseWithOptions(storage.BadgerOptions{DataDir: data, Logger: persistence.NopLogger{}})
		require.NoError(t, err)
		require.NoError(t, db.Put(ctx, "home", persistence.Record{"uuid": "home", "__classname": "site.Page"}))
		require.NoError(t, db.Put(ctx, "site", persistence.Record{
			"uuid":        "site",
			"__classname": "site.Site",
			"homePage":    map[string]any{"$$classname": "site.Page", "uuid": "home"},
		}))
		require.NoError(t, db.Close())

		flags := []string{"--backend", "badger", "--data-dir", data, "--log-level", "ERROR"}
		require.NoError(t, run(t, append([]string{"verify", "--load"}, flags...)...))

		db, err = storage.NewBadgerDatabaseWithOptions(storage.BadgerOptions{DataDir: data, Logger: persistence.NopLogger{}})
		require.NoError(t, err)
		require.NoError(t, db.Put(ctx, "stray", persistence.Record{"uuid": "other", "__classname": "site.Page"}))
		require.NoError(t, db.Close())

		err = run(t, append([]string{"verify", "--load"}, flags...)...)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2 problems", "the uuid check and the failed load both report it")
	})
}

func TestDanglingRefs(t *testing.T) {
	rec := map[string]any{
		"uuid": "a",
		"refs": []any{
			map[string]any{"$$classname": "x.Y", "uuid": "known"},
			map[string]any{"$$classname": "x.Y", "uuid": "unknown"},
		},
		"embedded": map[string]any{"$$classname": "x.Z", "inner": map[string]any{"$$classname": "x.Y", "uuid": "lost"}},
	}
	var missing []string
	danglingRefs(rec, map[string]bool{"a": true, "known": true}, func(class, uuid string) {
		missing = append(missing, uuid)
	})
	assert.ElementsMatch(t, []string{"unknown", "lost"}, missing)
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup, like testing.T.Chdir in newer Go releases.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}

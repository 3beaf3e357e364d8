// Package main provides the graphpersist CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/orneryd/graphpersist/pkg/config"
	"github.com/orneryd/graphpersist/pkg/persistence"
	"github.com/orneryd/graphpersist/pkg/storage"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "graphpersist",
		Short: "graphpersist - document store tooling for persistent object graphs",
		Long: `graphpersist inspects and maintains the document stores behind a
persistence controller.

Backends:
  • memory  - volatile, for experiments
  • file    - one JSON file per document plus a db.json index
  • badger  - embedded key-value store`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (default: search standard locations)")
	rootCmd.PersistentFlags().String("backend", "", "Storage backend: memory, file, badger")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory")
	rootCmd.PersistentFlags().Bool("in-memory", false, "Run badger without touching disk")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: DEBUG, INFO, WARN, ERROR")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("graphpersist v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "import [directory]",
		Short: "Import a tree of JSON documents",
		Long:  "Import every *.json file below directory. Empty files remove the document with that url.",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "export [directory]",
		Short: "Export all documents as a tree of JSON files",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	})

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Print a document",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	getCmd.Flags().Bool("url", false, "Treat the argument as a url instead of an id")
	rootCmd.AddCommand(getCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "remove [id]",
		Short: "Remove a document",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemove,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		RunE:  runStats,
	})

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check classes, uuids and references of every document",
		RunE:  runVerify,
	}
	verifyCmd.Flags().Bool("load", false, "Also load every document through a persistence controller")
	rootCmd.AddCommand(verifyCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "backup [file]",
		Short: "Write a badger backup",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackup,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "restore [file]",
		Short: "Load a badger backup",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestore,
	})

	return rootCmd
}

// loadConfig applies file, environment and flags, in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("backend") {
		cfg.Storage.Backend, _ = cmd.Flags().GetString("backend")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Storage.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("in-memory") {
		cfg.Storage.InMemory, _ = cmd.Flags().GetBool("in-memory")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openStore(cmd *cobra.Command) (storage.Store, persistence.Logger, error) {
	db, _, logger, err := openStoreWithConfig(cmd)
	return db, logger, err
}

func openStoreWithConfig(cmd *cobra.Command) (storage.Store, *config.Config, persistence.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := persistence.NewStdLogger("graphpersist", cfg.Logging.Level)
	logger.Log(persistence.LevelDebug, "opening store", map[string]any{"config": cfg.String()})

	db, err := storage.Open(storage.OpenOptions{
		Backend:        cfg.Storage.Backend,
		DataDir:        cfg.Storage.DataDir,
		InMemory:       cfg.Storage.InMemory,
		SyncWrites:     cfg.Storage.SyncWrites,
		LowMemory:      cfg.Storage.LowMemory,
		IndexSaveDelay: cfg.Storage.IndexSaveDelay,
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	return db, cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	db, logger, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := storage.NewImportExport(args[0], db, logger).Import(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("✅ Imported %d documents, removed %d, skipped %d\n", st.Imported, st.Removed, st.Skipped)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	db, logger, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := os.MkdirAll(args[0], 0o755); err != nil {
		return err
	}
	n, err := storage.NewImportExport(args[0], db, logger).Export(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("✅ Exported %d documents to %s\n", n, args[0])
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	id := args[0]
	if byURL, _ := cmd.Flags().GetBool("url"); byURL {
		id, err = db.IDFromURL(ctx, args[0])
		if err != nil {
			return err
		}
		if id == "" {
			return fmt.Errorf("%w: no document at url %q", storage.ErrNotFound, args[0])
		}
	}

	res, err := db.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	out, err := json.MarshalIndent(res.Record, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Remove(ctx, args[0]); err != nil {
		return err
	}
	if err := db.Flush(ctx); err != nil {
		return err
	}
	fmt.Printf("🗑️  Removed %s\n", args[0])
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := db.Stats(ctx)
	if err != nil {
		return err
	}

	classes := map[string]int{}
	err = db.Scan(ctx, func(id string, rec persistence.Record) error {
		name, _ := rec[persistence.FieldRootClass].(string)
		if name == "" {
			name = "(none)"
		}
		classes[name]++
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Println("📊 Store Statistics")
	fmt.Printf("  Documents: %s\n", humanize.Comma(int64(st.Records)))
	fmt.Printf("  With url:  %s\n", humanize.Comma(int64(st.URLs)))
	fmt.Printf("  Size:      %s\n", humanize.Bytes(uint64(st.Bytes)))

	names := make([]string, 0, len(classes))
	for name := range classes {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Println("  Classes:")
	for _, name := range names {
		fmt.Printf("    %-30s %s\n", name, humanize.Comma(int64(classes[name])))
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	db, cfg, logger, err := openStoreWithConfig(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	problems := 0
	ids := map[string]bool{}
	classOf := map[string]string{}
	err = db.Scan(ctx, func(id string, rec persistence.Record) error {
		ids[id] = true
		name, _ := rec[persistence.FieldRootClass].(string)
		if name == "" {
			logger.Log(persistence.LevelWarn, "document has no class", map[string]any{"id": id})
			problems++
		} else {
			classOf[id] = name
		}
		if uuid, _ := rec[persistence.FieldID].(string); uuid != id {
			logger.Log(persistence.LevelWarn, "document uuid does not match its key", map[string]any{"id": id, "uuid": uuid})
			problems++
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = db.Scan(ctx, func(id string, rec persistence.Record) error {
		danglingRefs(rec, ids, func(class, uuid string) {
			logger.Log(persistence.LevelWarn, "document refers to a missing document", map[string]any{
				"id":    id,
				"class": class,
				"uuid":  uuid,
			})
			problems++
		})
		return nil
	})
	if err != nil {
		return err
	}

	if load, _ := cmd.Flags().GetBool("load"); load {
		n, err := loadAll(ctx, db, cfg, logger, classOf)
		if err != nil {
			return err
		}
		problems += n
	}

	if problems > 0 {
		return fmt.Errorf("found %d problems", problems)
	}
	fmt.Println("✅ All documents are consistent")
	return nil
}

// loadAll loads every classed document through a controller and returns
// how many failed.
func loadAll(ctx context.Context, db storage.Store, cfg *config.Config, logger persistence.Logger, classOf map[string]string) (int, error) {
	ids := make([]string, 0, len(classOf))
	names := map[string]bool{}
	for id, name := range classOf {
		ids = append(ids, id)
		names[name] = true
	}
	sort.Strings(ids)
	classes := make([]string, 0, len(names))
	for name := range names {
		classes = append(classes, name)
	}
	sort.Strings(classes)

	reg, err := documentRegistry(classes, logger)
	if err != nil {
		return 0, err
	}
	ctrl := persistence.NewControllerWithOptions(db, cfg.ControllerOptions(reg, logger))

	failed := 0
	for _, id := range ids {
		obj, err := ctrl.Load(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			failed++
		}
		if obj != nil {
			ctrl.Forget(obj)
		}
	}
	ctrl.ForgetAllComplete()
	return failed, nil
}

func openBadger(cmd *cobra.Command) (*storage.BadgerDatabase, error) {
	db, _, err := openStore(cmd)
	if err != nil {
		return nil, err
	}
	bdb, ok := db.(*storage.BadgerDatabase)
	if !ok {
		db.Close()
		return nil, fmt.Errorf("backups require the badger backend")
	}
	return bdb, nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	db, err := openBadger(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Backup(args[0]); err != nil {
		return err
	}
	if info, err := os.Stat(args[0]); err == nil {
		fmt.Printf("💾 Backup written to %s (%s)\n", args[0], humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	db, err := openBadger(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	if err := db.Restore(f); err != nil {
		return err
	}
	fmt.Printf("✅ Restored %s\n", args[0])
	return nil
}

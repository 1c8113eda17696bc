package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/s3refgc/s3refgc/backupstore"
	"github.com/s3refgc/s3refgc/cdc"
	"github.com/s3refgc/s3refgc/config"
	"github.com/s3refgc/s3refgc/executor"
	"github.com/s3refgc/s3refgc/gc"
	"github.com/s3refgc/s3refgc/metrics"
	"github.com/s3refgc/s3refgc/objectstore"
	"github.com/s3refgc/s3refgc/registry"
	"github.com/s3refgc/s3refgc/restore"
	"github.com/s3refgc/s3refgc/vault"
)

func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}

	return defaultValue
}

// commonFlags holds pointers to flags shared across every subcommand.
type commonFlags struct {
	bucket      *string
	s3Endpoint  *string
	s3AccessKey *string
	s3SecretKey *string
	s3UseSSL    *bool
	vaultPath   *string
	registryDB  *string
	debug       *bool
	help        *bool
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	fs.Usage = func() {}

	cf := commonFlags{
		bucket:      fs.String("bucket", getEnvOrDefault("S3REFGC_BUCKET", ""), "S3 bucket name"),
		s3Endpoint:  fs.String("s3-endpoint", getEnvOrDefault("S3REFGC_S3_ENDPOINT", ""), "S3 endpoint"),
		s3AccessKey: fs.String("s3-access-key", getEnvOrDefault("S3REFGC_S3_ACCESS_KEY", ""), "S3 access key"),
		s3SecretKey: fs.String("s3-secret-key", getEnvOrDefault("S3REFGC_S3_SECRET_KEY", ""), "S3 secret key"),
		s3UseSSL:    fs.Bool("s3-use-ssl", getEnvOrDefault("S3REFGC_S3_USE_SSL", "true") == "true", "Use SSL for S3"),
		vaultPath:   fs.String("vault-path", getEnvOrDefault("S3REFGC_VAULT_PATH", "./s3refgc-vault.db"), "Path to the vault SQLite database"),
		registryDB:  fs.String("registry-db", getEnvOrDefault("S3REFGC_REGISTRY_DB", "./s3refgc-registry.db"), "Path to the registry SQLite database"),
		debug:       fs.Bool("debug", false, "Enable debug logging"),
		help:        fs.Bool("help", false, "Show help"),
	}
	fs.BoolVar(cf.help, "h", false, "Show help")

	return cf
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: s3refgc <command> [flags]")
	fmt.Fprintln(os.Stderr, "\nCommands:")
	fmt.Fprintln(os.Stderr, "  cycle              Run one GC cycle (dry_run/audit_only/execute)")
	fmt.Fprintln(os.Stderr, "  restore-operation  Restore every unrestored deletion from a GC operation")
	fmt.Fprintln(os.Stderr, "  restore-key        Restore the most recent deletion of a single key")
	fmt.Fprintln(os.Stderr, "  ingest-outbox      Run the Postgres outbox CDC ingestor")
	fmt.Fprintln(os.Stderr, "  vault-stats        Print registry and vault summary statistics")
	fmt.Fprintln(os.Stderr, "\nGlobal flags:")
	fmt.Fprintln(os.Stderr, "  -h, --help    Show help")
	fmt.Fprintln(os.Stderr, "\nUse 's3refgc <command> --help' for more information about a command.")
}

func printCycleHelp() {
	fmt.Fprintln(os.Stderr, "Usage: s3refgc cycle [flags]")
	fmt.Fprintln(os.Stderr, "\nRun one garbage collection cycle against the configured bucket.")
	fmt.Fprintln(os.Stderr, "\nFlags:")
	fmt.Fprintln(os.Stderr, "  --bucket string          S3 bucket name (or S3REFGC_BUCKET)")
	fmt.Fprintln(os.Stderr, "  --s3-endpoint string     S3 endpoint (or S3REFGC_S3_ENDPOINT)")
	fmt.Fprintln(os.Stderr, "  --mode string            dry_run | audit_only | execute (default: dry_run)")
	fmt.Fprintln(os.Stderr, "  --retention-days int     Minimum object age before deletion (default: 30)")
	fmt.Fprintln(os.Stderr, "  --exclude-prefixes list  Comma-separated key prefixes to never delete")
	fmt.Fprintln(os.Stderr, "  --max-concurrent-ops int Bounded concurrency for verify/execute (default: 10)")
	fmt.Fprintln(os.Stderr, "  --vault-path string      Vault SQLite path (or S3REFGC_VAULT_PATH)")
	fmt.Fprintln(os.Stderr, "  --registry-db string     Registry SQLite path (or S3REFGC_REGISTRY_DB)")
	fmt.Fprintln(os.Stderr, "  --metrics-addr string    If set, serve Prometheus metrics on this address")
	fmt.Fprintln(os.Stderr, "  --debug                  Enable debug logging")
	fmt.Fprintln(os.Stderr, "  -h, --help               Show this help message")
}

func printRestoreOperationHelp() {
	fmt.Fprintln(os.Stderr, "Usage: s3refgc restore-operation [flags] <operation-id>")
	fmt.Fprintln(os.Stderr, "\nFlags:")
	fmt.Fprintln(os.Stderr, "  --dry-run         Report what would be restored without writing")
	fmt.Fprintln(os.Stderr, "  --skip-existing   Skip keys already present in the store")
	fmt.Fprintln(os.Stderr, "  -h, --help        Show this help message")
}

func printRestoreKeyHelp() {
	fmt.Fprintln(os.Stderr, "Usage: s3refgc restore-key [flags] <key>")
	fmt.Fprintln(os.Stderr, "\nFlags:")
	fmt.Fprintln(os.Stderr, "  --dry-run   Report what would be restored without writing")
	fmt.Fprintln(os.Stderr, "  -h, --help  Show this help message")
}

func printIngestOutboxHelp() {
	fmt.Fprintln(os.Stderr, "Usage: s3refgc ingest-outbox [flags]")
	fmt.Fprintln(os.Stderr, "\nRuns forever, polling the application's Postgres outbox table and")
	fmt.Fprintln(os.Stderr, "applying ref-count deltas to the registry until interrupted.")
	fmt.Fprintln(os.Stderr, "\nFlags:")
	fmt.Fprintln(os.Stderr, "  --app-db string        Postgres connection string for the outbox table")
	fmt.Fprintln(os.Stderr, "  --poll-interval string Poll interval (default: \"2s\")")
	fmt.Fprintln(os.Stderr, "  --batch-size int       Rows fetched per poll (default: 100)")
	fmt.Fprintln(os.Stderr, "  -h, --help             Show this help message")
}

func requireBucket(bucket string) error {
	if bucket == "" {
		return errors.New("bucket is required (use --bucket or S3REFGC_BUCKET)")
	}

	return nil
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()

		return errors.New("no command provided")
	}

	if os.Args[1] == "--help" || os.Args[1] == "-h" || os.Args[1] == "help" {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "cycle":
		return runCycleCommand(os.Args[2:])
	case "restore-operation":
		return runRestoreOperationCommand(os.Args[2:])
	case "restore-key":
		return runRestoreKeyCommand(os.Args[2:])
	case "ingest-outbox":
		return runIngestOutboxCommand(os.Args[2:])
	case "vault-stats":
		return runVaultStatsCommand(os.Args[2:])
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

func openStore(cf commonFlags) (*objectstore.MinioStore, error) {
	return objectstore.NewMinioStore(*cf.s3Endpoint, *cf.s3AccessKey, *cf.s3SecretKey, *cf.bucket, *cf.s3UseSSL)
}

func runCycleCommand(args []string) error {
	fs := flag.NewFlagSet("cycle", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	mode := fs.String("mode", "dry_run", "dry_run | audit_only | execute")
	retentionDays := fs.Int("retention-days", 30, "minimum object age before deletion, in days")
	excludePrefixes := fs.String("exclude-prefixes", "", "comma-separated key prefixes to never delete")
	maxConcurrentOps := fs.Int("max-concurrent-ops", 10, "bounded concurrency for verify/execute")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printCycleHelp()
			os.Exit(0)
		}

		return fmt.Errorf("parsing flags: %w", err)
	}

	if *cf.help {
		printCycleHelp()
		os.Exit(0)
	}

	setupLogger(*cf.debug)

	if err := requireBucket(*cf.bucket); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var prefixes []string
	if *excludePrefixes != "" {
		prefixes = strings.Split(*excludePrefixes, ",")
	}

	cfg, err := config.New(*cf.bucket,
		config.WithMode(config.Mode(*mode)),
		config.WithRetentionDays(*retentionDays),
		config.WithExcludePrefixes(prefixes),
		config.WithMaxConcurrentOps(*maxConcurrentOps),
		config.WithVaultPath(*cf.vaultPath),
	)
	if err != nil {
		return fmt.Errorf("building config: %w", err)
	}

	store, err := openStore(cf)
	if err != nil {
		return fmt.Errorf("connecting to s3: %w", err)
	}

	reg, err := registry.Open(ctx, *cf.registryDB)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer reg.Close()

	v, err := vault.Open(ctx, *cf.vaultPath)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer v.Close()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	deps := gc.Deps{
		Store:    store,
		Registry: reg,
		Vault:    v,
		Executor: &executor.Executor{
			Store:              store,
			Vault:              v,
			Backups:            backupstore.New(*cf.vaultPath + ".blobs"),
			CompressBackups:    cfg.CompressBackups,
			BackupBeforeDelete: cfg.BackupBeforeDelete,
		},
	}

	result, err := gc.RunCycle(ctx, cfg, deps)
	if err != nil {
		return fmt.Errorf("running gc cycle: %w", err)
	}

	slog.Info("gc cycle complete",
		"operation_id", result.OperationID,
		"mode", result.Mode,
		"total_scanned", result.TotalScanned,
		"candidates_found", result.CandidatesFound,
		"verified_orphans", result.VerifiedOrphans,
		"deleted_count", result.DeletedCount,
		"backed_up_count", result.BackedUpCount,
		"error_count", len(result.Errors),
		"duration", result.Duration,
	)

	for _, e := range result.Errors {
		slog.Warn("per-key error during gc cycle", "error", e)
	}

	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	slog.Info("serving metrics", "addr", addr)

	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server stopped", "error", err)
	}
}

func runRestoreOperationCommand(args []string) error {
	fs := flag.NewFlagSet("restore-operation", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	dryRun := fs.Bool("dry-run", false, "report what would be restored without writing")
	skipExisting := fs.Bool("skip-existing", true, "skip keys already present in the store")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printRestoreOperationHelp()
			os.Exit(0)
		}

		return fmt.Errorf("parsing flags: %w", err)
	}

	if *cf.help {
		printRestoreOperationHelp()
		os.Exit(0)
	}

	setupLogger(*cf.debug)

	if err := requireBucket(*cf.bucket); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) != 1 {
		return errors.New("exactly one operation-id argument is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cf)
	if err != nil {
		return fmt.Errorf("connecting to s3: %w", err)
	}

	v, err := vault.Open(ctx, *cf.vaultPath)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer v.Close()

	engine := &restore.Engine{Store: store, Vault: v, Backups: backupstore.New(*cf.vaultPath + ".blobs")}

	result, err := engine.RestoreOperation(ctx, rest[0], *dryRun, *skipExisting)
	if err != nil {
		return fmt.Errorf("restoring operation: %w", err)
	}

	slog.Info("restore complete",
		"restored_count", result.RestoredCount,
		"failed_count", result.FailedCount,
		"skipped_count", result.SkippedCount,
		"dry_run", result.DryRun,
		"duration", result.Duration,
	)

	for _, e := range result.Errors {
		slog.Warn("per-key error during restore", "error", e)
	}

	return nil
}

func runRestoreKeyCommand(args []string) error {
	fs := flag.NewFlagSet("restore-key", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	dryRun := fs.Bool("dry-run", false, "report what would be restored without writing")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printRestoreKeyHelp()
			os.Exit(0)
		}

		return fmt.Errorf("parsing flags: %w", err)
	}

	if *cf.help {
		printRestoreKeyHelp()
		os.Exit(0)
	}

	setupLogger(*cf.debug)

	if err := requireBucket(*cf.bucket); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) != 1 {
		return errors.New("exactly one key argument is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cf)
	if err != nil {
		return fmt.Errorf("connecting to s3: %w", err)
	}

	v, err := vault.Open(ctx, *cf.vaultPath)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer v.Close()

	engine := &restore.Engine{Store: store, Vault: v, Backups: backupstore.New(*cf.vaultPath + ".blobs")}

	result, err := engine.RestoreKey(ctx, rest[0], *dryRun)
	if err != nil {
		return fmt.Errorf("restoring key: %w", err)
	}

	slog.Info("restore-key complete",
		"restored_count", result.RestoredCount,
		"failed_count", result.FailedCount,
		"skipped_count", result.SkippedCount,
	)

	for _, e := range result.Errors {
		slog.Warn("error during restore-key", "error", e)
	}

	return nil
}

func runIngestOutboxCommand(args []string) error {
	fs := flag.NewFlagSet("ingest-outbox", flag.ContinueOnError)
	fs.Usage = func() {}
	help := fs.Bool("help", false, "show help")
	fs.BoolVar(help, "h", false, "show help")
	debug := fs.Bool("debug", false, "enable debug logging")
	appDB := fs.String("app-db", getEnvOrDefault("S3REFGC_APP_DB", ""), "postgres connection string for the outbox table")
	registryDB := fs.String("registry-db", getEnvOrDefault("S3REFGC_REGISTRY_DB", "./s3refgc-registry.db"), "path to the registry sqlite database")
	pollInterval := fs.String("poll-interval", "2s", "poll interval")
	batchSize := fs.Int("batch-size", 100, "rows fetched per poll")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printIngestOutboxHelp()
			os.Exit(0)
		}

		return fmt.Errorf("parsing flags: %w", err)
	}

	if *help {
		printIngestOutboxHelp()
		os.Exit(0)
	}

	setupLogger(*debug)

	if *appDB == "" {
		return errors.New("--app-db is required (or S3REFGC_APP_DB)")
	}

	interval, err := time.ParseDuration(*pollInterval)
	if err != nil {
		return fmt.Errorf("parsing --poll-interval: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, *appDB)
	if err != nil {
		return fmt.Errorf("connecting to app db: %w", err)
	}
	defer pool.Close()

	if err := cdc.EnsureOutboxSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensuring outbox schema: %w", err)
	}

	reg, err := registry.Open(ctx, *registryDB)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer reg.Close()

	outbox := cdc.NewOutbox(pool, interval, *batchSize)
	ingestor := cdc.New(outbox, reg)

	go outbox.Run(ctx)

	slog.Info("ingest-outbox running", "poll_interval", interval, "batch_size", *batchSize)

	if err := ingestor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("running ingestor: %w", err)
	}

	return nil
}

func runVaultStatsCommand(args []string) error {
	fs := flag.NewFlagSet("vault-stats", flag.ContinueOnError)
	cf := addCommonFlags(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}

		return fmt.Errorf("parsing flags: %w", err)
	}

	if *cf.help {
		os.Exit(0)
	}

	setupLogger(*cf.debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Open(ctx, *cf.registryDB)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer reg.Close()

	stats, err := reg.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("getting registry stats: %w", err)
	}

	slog.Info("registry stats",
		"total_keys", stats.TotalKeys,
		"referenced_keys", stats.ReferencedKeys,
		"orphaned_keys", stats.OrphanedKeys,
		"total_references", stats.TotalReferences,
	)

	v, err := vault.Open(ctx, *cf.vaultPath)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer v.Close()

	vstats, err := v.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("getting vault stats: %w", err)
	}

	slog.Info("vault stats", "total_operations", vstats.TotalOperations, "total_deletions", vstats.TotalDeletions,
		"restored_deletions", vstats.RestoredDeletions, "total_original_bytes", vstats.TotalOriginalBytes,
		"total_compressed_bytes", vstats.TotalCompressedBytes)

	return nil
}

// Package main provides the Nexus CLI entry point: serve the engine,
// initialize a data directory, and administer databases.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nexus-db/nexus-core/pkg/cache"
	"github.com/nexus-db/nexus-core/pkg/config"
	"github.com/nexus-db/nexus-core/pkg/dbmanager"
	"github.com/nexus-db/nexus-core/pkg/engine"
	"github.com/nexus-db/nexus-core/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nexusd",
		Short: "Nexus - a labeled-property graph storage engine",
		Long: `Nexus is a labeled-property graph storage engine: memory-mapped
record files, a write-ahead log, a row-level lock manager, and an
adaptive query result cache, fronted by a multi-database manager.`,
	}
	rootCmd.PersistentFlags().String("data-dir", "./data", "base directory for all databases")
	rootCmd.PersistentFlags().String("log-level", "info", "trace, debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "console", "console or json")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nexusd v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newDBCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds a zerolog.Logger from the root command's --log-level
// and --log-format flags. Never stored in a package-global — every
// caller that needs logging receives this value (or a .With()-derived
// child of it) explicitly.
func newLogger(cmd *cobra.Command) zerolog.Logger {
	levelStr, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")

	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out zerolog.ConsoleWriter
	var logger zerolog.Logger
	if format == "json" {
		logger = zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	} else {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	}
	return logger
}

func loadConfig(cmd *cobra.Command) config.Config {
	cfg := config.LoadFromEnv()
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	return cfg
}

func engineConfigFrom(cfg config.Config) engine.Config {
	syncMode := storage.SyncOnCommit
	if cfg.Storage.WALSyncMode == "append" {
		syncMode = storage.SyncEveryAppend
	}
	return engine.Config{
		MaxNodeFileBytes:     cfg.Storage.MaxNodeFileBytes,
		MaxRelFileBytes:      cfg.Storage.MaxRelFileBytes,
		MaxPropertyFileBytes: cfg.Storage.MaxPropertyFileBytes,
		LockTimeout:          cfg.Lock.Timeout,
		WALSyncMode:          syncMode,
		CacheEnabled:         cfg.Cache.Enabled,
		Cache: cache.Config{
			MaxEntries:     cfg.Cache.MaxEntries,
			MaxMemoryBytes: cfg.Cache.MaxMemoryBytes,
			DefaultTTL:     cfg.Cache.DefaultTTL,
			AdaptiveTTL:    cfg.Cache.AdaptiveTTL && cfg.Features.AdaptiveTTLEnabled,
			MinTTL:         cfg.Cache.MinTTL,
			MaxTTL:         cfg.Cache.MaxTTL,
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Nexus database manager and block until signaled",
		RunE:  runServe,
	}
	cmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address to serve Prometheus metrics on")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger(cmd)
	cfg := loadConfig(cmd)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Info().Str("data_dir", cfg.Storage.DataDir).Str("default_database", cfg.Storage.DefaultDatabase).Msg("starting nexusd")

	mgr, err := dbmanager.Open(cfg.Storage.DataDir, cfg.Storage.DefaultDatabase, engineConfigFrom(cfg), log)
	if err != nil {
		return fmt.Errorf("opening database manager: %w", err)
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Error().Err(err).Msg("error closing database manager")
		}
	}()

	reg := prometheus.NewRegistry()
	defaultEng, err := mgr.GetDatabaseIfOnline(cfg.Storage.DefaultDatabase)
	if err != nil {
		return fmt.Errorf("locating default database: %w", err)
	}
	if err := defaultEng.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", metricsAddr).Msg("serving metrics at /metrics")

	log.Info().Msg("nexusd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down metrics server")
	}

	return nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a new Nexus data directory with a default config file",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dataDir, err)
	}

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = dataDir

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	configPath := filepath.Join(dataDir, "nexus.yaml")
	if err := os.WriteFile(configPath, raw, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", configPath, err)
	}

	fmt.Printf("Initialized Nexus data directory at %s\n", dataDir)
	fmt.Printf("Config written to %s\n", configPath)
	return nil
}

func newDBCmd() *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Administer databases within a Nexus data directory",
	}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(mgr *dbmanager.Manager) error {
				if err := mgr.CreateDatabase(args[0]); err != nil {
					return err
				}
				fmt.Printf("created database %q\n", args[0])
				return nil
			})
		},
	}

	dropCmd := &cobra.Command{
		Use:   "drop <name>",
		Short: "Drop a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ifExists, _ := cmd.Flags().GetBool("if-exists")
			return withManager(cmd, func(mgr *dbmanager.Manager) error {
				if err := mgr.DropDatabase(args[0], ifExists); err != nil {
					return err
				}
				fmt.Printf("dropped database %q\n", args[0])
				return nil
			})
		},
	}
	dropCmd.Flags().Bool("if-exists", false, "do not error if the database does not exist")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every database and its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(mgr *dbmanager.Manager) error {
				for _, info := range mgr.ListDatabases() {
					fmt.Printf("%-20s %-10s nodes=%-8d rels=%-8d size=%s\n",
						info.Name, info.State, info.NodeCount, info.RelCount, config.FormatMemorySize(info.StorageBytes))
				}
				return nil
			})
		},
	}

	startCmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start an offline database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(mgr *dbmanager.Manager) error {
				if err := mgr.StartDatabase(args[0]); err != nil {
					return err
				}
				fmt.Printf("started database %q\n", args[0])
				return nil
			})
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop an online database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(mgr *dbmanager.Manager) error {
				if err := mgr.StopDatabase(args[0]); err != nil {
					return err
				}
				fmt.Printf("stopped database %q\n", args[0])
				return nil
			})
		},
	}

	dbCmd.AddCommand(createCmd, dropCmd, listCmd, startCmd, stopCmd)
	return dbCmd
}

// withManager opens the database manager rooted at --data-dir, runs fn,
// and always closes it afterward — every `db` subcommand is a single
// short-lived invocation of the CLI, not a long-running server.
func withManager(cmd *cobra.Command, fn func(*dbmanager.Manager) error) error {
	log := newLogger(cmd)
	cfg := loadConfig(cmd)

	mgr, err := dbmanager.Open(cfg.Storage.DataDir, cfg.Storage.DefaultDatabase, engineConfigFrom(cfg), log)
	if err != nil {
		return fmt.Errorf("opening database manager: %w", err)
	}
	defer mgr.Close()

	return fn(mgr)
}

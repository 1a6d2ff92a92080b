// Package main is the CLI entry point for screenledger.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aminenidae/screentime-rewards/internal/catalog"
	"github.com/aminenidae/screentime-rewards/internal/clock"
	"github.com/aminenidae/screentime-rewards/internal/config"
	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/infra"
	"github.com/aminenidae/screentime-rewards/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "screenledger",
	Short: "Usage ledger and reward engine for screen time",
	Long: `screenledger records foreground time reported by the platform activity
observer, converts learning-app time into reward points, and lets reward apps
be unlocked by spending them.

The observer process runs "screenledger observe" for each threshold event.
The main process runs "screenledger serve" for the local UI API.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var (
	configPath string
	verbose    bool
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $"+config.EnvConfig+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Development logging to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Machine-readable output")

	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(shieldCmd)
	rootCmd.AddCommand(appsCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(diagnosticsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(enforceCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// role selects process-specific wiring.
type role int

const (
	roleMain role = iota
	roleObserver
)

// app is the per-invocation runtime: configuration, logger, and the ledger core.
type app struct {
	cfg     *config.Config
	paths   *infra.Paths
	logger  *zap.Logger
	catalog *catalog.Catalog
	pm      domain.ProcessManager
	ledger  *usecase.Ledger
}

func openApp(r role) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	paths := infra.PathsFor(cfg.DataDir)
	logger := createLogger(cfg.Logging, paths, r)

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}
	cat, err := catalog.LoadFile(cfg.AppsFile)
	if err != nil {
		return nil, err
	}

	store, err := infra.OpenStore(storeOptions(cfg), paths, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger store: %w", err)
	}

	pm := infra.NewProcessManager()
	var sink domain.BlockingSink
	if r == roleObserver {
		sink = infra.NewLogSink(logger)
	} else {
		sink = usecase.NewProcessSink(cat, pm, logger)
	}

	l, err := usecase.NewLedger(usecase.Options{
		Store:            store,
		Clock:            clock.Real(),
		Location:         loc,
		Rewards:          cfg.Rewards,
		Health:           cfg.Health,
		ErrorLogCapacity: cfg.ErrorLog.Capacity,
		OpTimeout:        cfg.Store.OpTimeout,
		Catalog:          cat,
		Sink:             sink,
		Memory:           infra.NewMemoryProbe(),
		Logger:           logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{cfg: cfg, paths: paths, logger: logger, catalog: cat, pm: pm, ledger: l}, nil
}

func (a *app) Close() {
	if err := a.ledger.Close(); err != nil {
		a.logger.Warn("failed to close ledger store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func storeOptions(cfg *config.Config) infra.StoreOptions {
	return infra.StoreOptions{
		Backend: cfg.Store.Backend,
		Path:    cfg.Store.Path,
		KeyFile: cfg.Store.KeyFile,
		Redis: infra.RedisOptions{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
			Prefix:   cfg.Store.RedisPrefix,
		},
		Timeout: cfg.Store.OpTimeout,
	}
}

// createLogger builds the zap logger. The observer logs to a file in the
// data directory by default so it never writes to the platform's stdout.
func createLogger(cfg config.LoggingConfig, paths *infra.Paths, r role) *zap.Logger {
	if verbose {
		logger, err := zap.NewDevelopment()
		if err == nil {
			return logger
		}
	}

	config := zap.NewProductionConfig()
	if level, err := zap.ParseAtomicLevel(cfg.Level); err == nil {
		config.Level = level
	}
	config.OutputPaths = cfg.OutputPaths
	config.ErrorOutputPaths = cfg.ErrorOutputPaths
	if len(config.OutputPaths) == 0 {
		config.OutputPaths = []string{"stderr"}
		if r == roleObserver {
			config.OutputPaths = []string{paths.LogPath}
		}
	}
	if len(config.ErrorOutputPaths) == 0 {
		config.ErrorOutputPaths = config.OutputPaths
	}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	for _, p := range append(config.OutputPaths, config.ErrorOutputPaths...) {
		if p != "stdout" && p != "stderr" {
			_ = os.MkdirAll(filepath.Dir(p), 0700)
		}
	}

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("screenledger %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatSeconds(s int64) string {
	return (time.Duration(s) * time.Second).String()
}

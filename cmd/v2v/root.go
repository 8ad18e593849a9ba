package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/v2v/internal/config"
	"github.com/BadgerOps/v2v/internal/model"
	"github.com/BadgerOps/v2v/internal/output"
	"github.com/BadgerOps/v2v/internal/output/local"
	"github.com/BadgerOps/v2v/internal/output/null"
	"github.com/BadgerOps/v2v/internal/output/upload"
	"github.com/BadgerOps/v2v/internal/qemuimg"
	"github.com/BadgerOps/v2v/internal/store"
)

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore    *store.Store
	globalImg      *qemuimg.Tool
	globalBackends *output.Registry
)

// initializeComponents opens the run ledger and builds the backend registry
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	// Initialize store
	dbPath := globalCfg.DatabasePath()
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	globalImg = qemuimg.New(globalCfg.Work.QemuImg, qemuimg.ExecRunner, logger)

	globalBackends, err = buildBackends(globalCfg, globalImg, logger)
	if err != nil {
		return err
	}

	logger.Debug("components initialized successfully")
	return nil
}

// buildBackends registers every built-in output backend and applies its
// section of the config.
func buildBackends(cfg *config.Config, img *qemuimg.Tool, logger *slog.Logger) (*output.Registry, error) {
	reg := output.NewRegistry()
	reg.Register(local.NewBackend(img, logger))
	reg.Register(null.NewBackend(logger))
	reg.Register(upload.NewBackend(cfg.Work.WorkDir, logger))

	for name, raw := range cfg.Backends {
		b, ok := reg.Get(name)
		if !ok {
			logger.Warn("ignoring config for unknown backend", "backend", name)
			continue
		}
		if err := b.Configure(raw); err != nil {
			return nil, fmt.Errorf("%w: configuring %s backend: %v", model.ErrUser, name, err)
		}
	}
	return reg, nil
}

// shouldSkipComponentInit checks if a command, or the group it belongs to,
// runs without the store and backends
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
	}
	for c := cmd; c != nil; c = c.Parent() {
		if skipInitCmds[c.Name()] {
			return true
		}
	}
	return false
}

// closeComponents closes the store and any backend holding helpers
func closeComponents() {
	if globalBackends != nil {
		for _, name := range globalBackends.Names() {
			b, _ := globalBackends.Get(name)
			if c, ok := b.(io.Closer); ok {
				if err := c.Close(); err != nil {
					logger.Error("failed to close backend", "backend", name, "error", err)
				}
			}
		}
	}
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "v2v",
		Short: "Convert virtual machine disks to run on KVM",
		Long: `v2v converts the disks of a guest from a foreign hypervisor into disks a
KVM guest can boot. Source disks are never written: every change is made in a
temporary overlay, the guest is adapted in place on the overlays, and the
result is copied to the selected output.

Outputs are pluggable backends: local files, a null sink for testing, or an
upload helper that streams each disk to remote storage.`,
		Example: `  v2v convert guest.yaml -o /var/lib/images
  v2v convert --disk fedora.qcow2 --format qcow2 -o /var/lib/images
  v2v convert guest.yaml --backend upload
  v2v runs
  v2v cleanup --dry-run`,
		Version:       "0.1.0",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging(cmd.ErrOrStderr())

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("%w: failed to load config: %v", model.ErrUser, err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Override with command-line flags if provided
			if dataDir != "" {
				globalCfg.Work.DataDir = dataDir
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Work.DataDir)
			}

			// Initialize components after config is loaded
			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory (run ledger)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress and non-error output")

	// Add subcommands
	cmd.AddCommand(
		newConvertCmd(),
		newRunsCmd(),
		newCleanupCmd(),
		newBackendsCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging(w io.Writer) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

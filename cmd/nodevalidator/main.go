// Package main implements the nodevalidator CLI.
//
// `nodevalidator serve` owns the browser, the run coordinator and the durable
// store. Every other command is a client of a running serve process.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nodevalidator/internal/config"
	"nodevalidator/internal/control"
	"nodevalidator/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	addr       string
	timeout    time.Duration

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger

	nowFunc = time.Now
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "nodevalidator",
	Short: "Validate CSS/XPath selectors against live pages, one item at a time",
	Long: `nodevalidator walks a list of (url, targetNode) pairs in a Chrome tab.

For each item it navigates the tab, locates and highlights the target node,
and records a verdict: by a human in manual mode, or by whether the node was
found in automated mode. Progress survives restarts of either the server or
the client.

Start the server with 'nodevalidator serve', then drive it with the other
commands or the interactive 'nodevalidator panel'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if addr == "" {
			addr = cfg.Server.Listen
		}
		if err := logging.Initialize(cfg.LogsDir(), loggingSettings(cfg)); err != nil {
			logger.Warn("Categorized logging disabled", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "Config file")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "Server address (default: server.listen from config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loadCmd, startCmd, stopCmd, resumeCmd, verdictCmd, advanceCmd)
	rootCmd.AddCommand(stateCmd, modeCmd, resetCmd, pingCmd, watchCmd)
	rootCmd.AddCommand(exportCmd, reportsCmd)
	rootCmd.AddCommand(panelCmd, analyzeCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loggingSettings(c *config.Config) logging.Settings {
	return logging.Settings{
		DebugMode:  c.Logging.DebugMode,
		Categories: c.Logging.Categories,
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
	}
}

// newClient returns a client for the configured server.
func newClient() *control.Client {
	return control.NewClient(addr, timeout)
}

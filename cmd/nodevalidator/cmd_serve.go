package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nodevalidator/internal/agent"
	"nodevalidator/internal/analysis"
	"nodevalidator/internal/browser"
	"nodevalidator/internal/config"
	"nodevalidator/internal/coordinator"
	"nodevalidator/internal/logging"
	"nodevalidator/internal/notify"
	"nodevalidator/internal/server"
	"nodevalidator/internal/store"
)

var (
	idleTimeout time.Duration
	rulesPath   string
	noWatch     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the validation server (browser, coordinator, store)",
	Long: `Starts the command server. It connects to Chrome (or launches one),
opens the durable store and accepts commands on server.listen.

With --idle-timeout the server exits when no command or heartbeat arrives
for that long while no run is active. Run state is durable, so a supervisor
can start it again and the next command picks up where the last one left off.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", -1, "Exit after this long idle with no active run (0 disables; default from config)")
	serveCmd.Flags().StringVar(&rulesPath, "rules", "", "Accessibility rules YAML (default: built-in rules)")
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload run timings when the config file changes")
}

func browserConfig(c *config.Config) browser.Config {
	bc := browser.DefaultConfig()
	bc.DebuggerURL = c.Browser.DebuggerURL
	bc.Launch = c.Browser.Launch
	bc.Headless = c.Browser.Headless
	bc.Bin = c.Browser.Bin
	bc.ViewportWidth = c.Browser.ViewportWidth
	bc.ViewportHeight = c.Browser.ViewportHeight
	bc.NavigationTimeout = c.GetNavigationTimeout()
	bc.OpenTabIfMissing = c.Browser.OpenTabIfMissing
	bc.InstallScript = agent.InstallSource()
	return bc
}

func timingsFrom(c *config.Config) coordinator.Timings {
	return coordinator.Timings{
		Settle:    c.GetSettleDelay(),
		InterItem: c.GetInterItemDelay(),
		Finish:    c.GetFinishDelay(),
		Retry:     c.GetRetryDelay(),
	}
}

func loadRules() ([]analysis.Rule, error) {
	if rulesPath != "" {
		return analysis.LoadRules(rulesPath)
	}
	return analysis.DefaultRules()
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if idleTimeout < 0 {
		idleTimeout = cfg.GetIdleTimeout()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, recycle := context.WithCancel(ctx)
	defer recycle()

	if err := logging.InitAudit(); err != nil {
		logger.Warn("Audit log disabled", zap.Error(err))
	}
	defer logging.CloseAudit()

	// 1. Durable store
	db, err := store.OpenSQLite(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	// 2. Browser
	tabs := browser.NewTabManager(browserConfig(cfg))
	if err := tabs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tabs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown failed", zap.Error(err))
		}
	}()
	logger.Info("Browser ready", zap.String("control_url", tabs.ControlURL()))

	// 3. Coordinator
	pageAgent := agent.NewClient(tabs, agent.Options{
		AllowScriptSelectors: cfg.Agent.AllowScriptSelectors,
		HighlightDuration:    cfg.GetHighlightDuration(),
		ReplyTimeout:         cfg.GetAgentTimeout(),
	})
	hub := notify.NewHub(64)
	defer hub.Close()
	coord := coordinator.New(coordinator.Config{
		Store:    store.NewRunStore(db),
		Tabs:     tabs,
		Agent:    pageAgent,
		Notifier: hub,
		Timings:  timingsFrom(cfg),
	})
	defer coord.Close()

	// 4. Optional analysis
	rules, err := loadRules()
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	var analyzer *analysis.Analyzer
	if gen, err := analysis.NewGemini(ctx, cfg.Analysis.APIKey, cfg.Analysis.Model); err == nil {
		analyzer = analysis.NewAnalyzer(gen, cfg.GetAnalysisTimeout())
	} else {
		logger.Info("Accessibility analysis disabled", zap.Error(err))
	}

	srv := server.New(server.Options{
		Commands: coord,
		Hub:      hub,
		Reports:  store.NewReports(db),
		Analyzer: analyzer,
		Rules:    rules,
	})

	// 5. Hot reload of run timings
	if !noWatch {
		if _, statErr := os.Stat(configPath); statErr == nil {
			w, err := config.NewWatcher(configPath, func(c *config.Config) {
				coord.SetTimings(timingsFrom(c))
				if err := logging.Initialize(c.LogsDir(), loggingSettings(c)); err != nil {
					logger.Warn("Logging reload failed", zap.Error(err))
				}
				logger.Info("Config reloaded", zap.Any("timings", coord.Timings()))
			})
			if err != nil {
				logger.Warn("Config watcher unavailable", zap.Error(err))
			} else if err := w.Start(ctx); err != nil {
				logger.Warn("Config watcher failed to start", zap.Error(err))
			} else {
				defer w.Stop()
			}
		}
	}

	logger.Info("Serving",
		zap.String("addr", addr),
		zap.String("store", cfg.Store.Path),
		zap.Duration("idle_timeout", idleTimeout),
		zap.Bool("analysis", analyzer != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, addr)
	})
	g.Go(func() error {
		server.WatchIdle(gctx, coord, idleTimeout, func() {
			logger.Info("Idle timeout reached, exiting")
			recycle()
		})
		return nil
	})
	return g.Wait()
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the file name looked up in the working directory.
const DefaultConfigFile = "nodevalidator.yaml"

// Config holds all nodevalidator configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`

	Store     StoreConfig     `yaml:"store"`
	Server    ServerConfig    `yaml:"server"`
	Browser   BrowserConfig   `yaml:"browser"`
	Run       RunConfig       `yaml:"run"`
	Agent     AgentConfig     `yaml:"agent"`
	KeepAlive KeepAliveConfig `yaml:"keepalive"`
	Analysis  AnalysisConfig  `yaml:"analysis"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the durable run store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite3 (mattn, cgo) or sqlite (modernc, pure Go)
	Path   string `yaml:"path"`
}

// ServerConfig configures the command endpoint hosted by `serve`.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	IdleTimeout string `yaml:"idle_timeout"` // empty or "0" disables recycling
}

// BrowserConfig configures the Chrome connection.
type BrowserConfig struct {
	DebuggerURL       string `yaml:"debugger_url"` // ws://... of an existing Chrome; empty launches one
	Launch            bool   `yaml:"launch"`
	Headless          bool   `yaml:"headless"`
	Bin               string `yaml:"bin"`
	ViewportWidth     int    `yaml:"viewport_width"`
	ViewportHeight    int    `yaml:"viewport_height"`
	NavigationTimeout string `yaml:"navigation_timeout"`
	OpenTabIfMissing  bool   `yaml:"open_tab_if_missing"`
}

// RunConfig holds the run pacing delays.
type RunConfig struct {
	SettleDelay    string `yaml:"settle_delay"`
	InterItemDelay string `yaml:"inter_item_delay"`
	FinishDelay    string `yaml:"finish_delay"`
	AgentTimeout   string `yaml:"agent_timeout"`
	RetryDelay     string `yaml:"retry_delay"`
}

// AgentConfig configures the in-page script.
type AgentConfig struct {
	// AllowScriptSelectors enables evaluating selectors that mention document. or window.
	// Off by default: such selectors run arbitrary code in the page.
	AllowScriptSelectors bool   `yaml:"allow_script_selectors"`
	HighlightDuration    string `yaml:"highlight_duration"`
}

// KeepAliveConfig configures the heartbeat beacon.
type KeepAliveConfig struct {
	Period         string `yaml:"period"`
	ReconnectDelay string `yaml:"reconnect_delay"`
}

// AnalysisConfig configures the optional accessibility analysis.
type AnalysisConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "nodevalidator",
		DataDir: ".nodevalidator",

		Store: StoreConfig{
			Driver: "sqlite3",
			Path:   ".nodevalidator/state.db",
		},

		Server: ServerConfig{
			Listen:      "127.0.0.1:7777",
			IdleTimeout: "0",
		},

		Browser: BrowserConfig{
			Launch:            true,
			Headless:          false,
			ViewportWidth:     1920,
			ViewportHeight:    1080,
			NavigationTimeout: "30s",
			OpenTabIfMissing:  true,
		},

		Run: RunConfig{
			SettleDelay:    "2s",
			InterItemDelay: "2s",
			FinishDelay:    "1s",
			AgentTimeout:   "5s",
			RetryDelay:     "500ms",
		},

		Agent: AgentConfig{
			AllowScriptSelectors: false,
			HighlightDuration:    "5s",
		},

		KeepAlive: KeepAliveConfig{
			Period:         "10s",
			ReconnectDelay: "1s",
		},

		Analysis: AnalysisConfig{
			Model:   "gemini-2.5-flash",
			Timeout: "60s",
		},

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "json",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Return defaults if config file doesn't exist
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("NODEVALIDATOR_LISTEN"); addr != "" {
		c.Server.Listen = addr
	}
	if path := os.Getenv("NODEVALIDATOR_DB"); path != "" {
		c.Store.Path = path
	}
	if url := os.Getenv("NODEVALIDATOR_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
		c.Browser.Launch = false
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Analysis.APIKey = key
	}
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// GetNavigationTimeout returns the page navigation timeout.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Browser.NavigationTimeout, 30*time.Second)
}

// GetSettleDelay returns the wait after a page load before locating the target.
func (c *Config) GetSettleDelay() time.Duration {
	return parseDuration(c.Run.SettleDelay, 2*time.Second)
}

// GetInterItemDelay returns the automated-mode pause between items.
func (c *Config) GetInterItemDelay() time.Duration {
	return parseDuration(c.Run.InterItemDelay, 2*time.Second)
}

// GetFinishDelay returns the pause before a run is finalized.
func (c *Config) GetFinishDelay() time.Duration {
	return parseDuration(c.Run.FinishDelay, time.Second)
}

// GetAgentTimeout returns the bound on a single page agent reply.
func (c *Config) GetAgentTimeout() time.Duration {
	return parseDuration(c.Run.AgentTimeout, 5*time.Second)
}

// GetRetryDelay returns the wait between injecting the agent and retrying.
func (c *Config) GetRetryDelay() time.Duration {
	return parseDuration(c.Run.RetryDelay, 500*time.Millisecond)
}

// GetHighlightDuration returns how long the FOUND badge stays visible.
func (c *Config) GetHighlightDuration() time.Duration {
	return parseDuration(c.Agent.HighlightDuration, 5*time.Second)
}

// GetKeepAlivePeriod returns the heartbeat interval.
func (c *Config) GetKeepAlivePeriod() time.Duration {
	return parseDuration(c.KeepAlive.Period, 10*time.Second)
}

// GetReconnectDelay returns the wait before the early probe after a failed heartbeat.
func (c *Config) GetReconnectDelay() time.Duration {
	return parseDuration(c.KeepAlive.ReconnectDelay, time.Second)
}

// GetIdleTimeout returns the server idle recycle timeout; zero disables it.
func (c *Config) GetIdleTimeout() time.Duration {
	return parseDuration(c.Server.IdleTimeout, 0)
}

// GetAnalysisTimeout returns the bound on one analysis request.
func (c *Config) GetAnalysisTimeout() time.Duration {
	return parseDuration(c.Analysis.Timeout, 60*time.Second)
}

// LogsDir returns the directory categorized log files are written to.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ValidDrivers lists the database/sql drivers the store can open.
var ValidDrivers = []string{"sqlite3", "sqlite"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validDriver := false
	for _, d := range ValidDrivers {
		if c.Store.Driver == d {
			validDriver = true
			break
		}
	}
	if !validDriver {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, ValidDrivers)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store path not configured (set store.path or NODEVALIDATOR_DB)")
	}
	if strings.TrimSpace(c.Server.Listen) == "" {
		return fmt.Errorf("server listen address not configured")
	}
	if !c.Browser.Launch && c.Browser.DebuggerURL == "" {
		return fmt.Errorf("browser.launch is false but no debugger_url is set")
	}

	durations := map[string]string{
		"browser.navigation_timeout": c.Browser.NavigationTimeout,
		"run.settle_delay":           c.Run.SettleDelay,
		"run.inter_item_delay":       c.Run.InterItemDelay,
		"run.finish_delay":           c.Run.FinishDelay,
		"run.agent_timeout":          c.Run.AgentTimeout,
		"run.retry_delay":            c.Run.RetryDelay,
		"agent.highlight_duration":   c.Agent.HighlightDuration,
		"keepalive.period":           c.KeepAlive.Period,
		"keepalive.reconnect_delay":  c.KeepAlive.ReconnectDelay,
	}
	for key, raw := range durations {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, raw)
		}
		if d < 0 {
			return fmt.Errorf("negative duration for %s: %s", key, raw)
		}
	}
	if c.GetAgentTimeout() == 0 {
		return fmt.Errorf("run.agent_timeout must be positive")
	}
	if c.GetKeepAlivePeriod() == 0 {
		return fmt.Errorf("keepalive.period must be positive")
	}

	return nil
}

// Package config loads and validates the proxy's YAML configuration:
// strict decode (unknown keys are errors), then validate before use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/relaywire/proxycore/internal/common/configtypes"
	"github.com/relaywire/proxycore/internal/common/yamlutil"
	"github.com/relaywire/proxycore/pkg/types"
)

const (
	defaultGracePeriod         = 5 * time.Second
	defaultJanitorInterval     = 5 * time.Second
	defaultMaxSuspendedAge     = 5 * time.Minute
	defaultOutboundQueueDepth  = 256
	defaultReplayTimeout       = 30 * time.Second
	defaultAutosaveInterval    = 2 * time.Second
	defaultBrowserStartTimeout = 30 * time.Second
)

// Manager loads configuration from a file path and exposes the parsed result.
type Manager struct {
	config     *configtypes.ProxyConfig
	configPath string
}

// NewManager creates a Manager and performs the initial load.
func NewManager(configPath string) (*Manager, error) {
	m := &Manager{configPath: configPath}
	if err := m.LoadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}
	return m, nil
}

// LoadConfig (re)reads and validates the config file.
func (m *Manager) LoadConfig() error {
	cfg, err := LoadProxyConfig(m.configPath)
	if err != nil {
		return err
	}
	m.config = cfg
	return nil
}

// GetConfig returns the currently loaded configuration.
func (m *Manager) GetConfig() *configtypes.ProxyConfig {
	return m.config
}

// LoadProxyConfig reads, strictly decodes, defaults, and validates a proxy config file.
func LoadProxyConfig(configPath string) (*configtypes.ProxyConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg configtypes.ProxyConfig
	if err := yamlutil.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *configtypes.ProxyConfig) {
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = configtypes.LogLevelInfo
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = configtypes.LogFormatConsole
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = configtypes.LogFormatText
	}

	if cfg.Intercept.GracePeriod == 0 {
		cfg.Intercept.GracePeriod = types.Duration(defaultGracePeriod)
	}
	if cfg.Intercept.JanitorInterval == 0 {
		cfg.Intercept.JanitorInterval = types.Duration(defaultJanitorInterval)
	}
	if cfg.Intercept.MaxSuspendedAge == 0 {
		cfg.Intercept.MaxSuspendedAge = types.Duration(defaultMaxSuspendedAge)
	}

	if cfg.Router.OutboundQueueDepth == 0 {
		cfg.Router.OutboundQueueDepth = defaultOutboundQueueDepth
	}

	if cfg.Replay.Timeout == 0 {
		cfg.Replay.Timeout = types.Duration(defaultReplayTimeout)
	}
	if cfg.Replay.MaxConcurrency == 0 {
		cfg.Replay.MaxConcurrency = runtime.NumCPU() * 4
	}

	if cfg.Project.AutosaveInterval == 0 {
		cfg.Project.AutosaveInterval = types.Duration(defaultAutosaveInterval)
	}

	if cfg.Browser.StartTimeout == 0 {
		cfg.Browser.StartTimeout = types.Duration(defaultBrowserStartTimeout)
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "proxycore"
	}
}

var namespacePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks configuration validity, failing fast on the first
// problem found.
func Validate(cfg *configtypes.ProxyConfig) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if err := configtypes.ValidateListenAddress(cfg.Server.Listen); err != nil {
		return fmt.Errorf("invalid server.listen: %w", err)
	}

	if cfg.Project.RootDir == "" {
		return fmt.Errorf("project.root_dir is required")
	}

	validLogLevels := map[string]bool{
		configtypes.LogLevelDebug:  true,
		configtypes.LogLevelInfo:   true,
		configtypes.LogLevelWarn:   true,
		configtypes.LogLevelError:  true,
		configtypes.LogLevelDPanic: true,
		configtypes.LogLevelPanic:  true,
		configtypes.LogLevelFatal:  true,
	}
	if !validLogLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log.level: %s", cfg.Log.Level)
	}

	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		return fmt.Errorf("log.file.path must be specified when file logging is enabled")
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			return fmt.Errorf("metrics.listen is required when metrics enabled")
		}
		if err := configtypes.ValidateListenAddress(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
		metricsPort, err1 := configtypes.GetPortFromListen(cfg.Metrics.Listen)
		serverPort, err2 := configtypes.GetPortFromListen(cfg.Server.Listen)
		if err1 == nil && err2 == nil && metricsPort == serverPort {
			return fmt.Errorf("metrics.listen port (%d) must differ from server.listen port (%d)", metricsPort, serverPort)
		}
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("invalid metrics.path: %s (must start with /)", cfg.Metrics.Path)
	}
	if cfg.Metrics.Namespace != "" && !namespacePattern.MatchString(cfg.Metrics.Namespace) {
		return fmt.Errorf("invalid metrics.namespace: %s", cfg.Metrics.Namespace)
	}

	if cfg.Query != nil && cfg.Query.Enabled && cfg.Query.Listen == "" {
		return fmt.Errorf("query.listen is required when query.enabled is true")
	}

	if cfg.ClickHouse != nil && cfg.ClickHouse.Enabled && cfg.ClickHouse.DSN == "" {
		return fmt.Errorf("clickhouse.dsn is required when clickhouse.enabled is true")
	}

	return nil
}

// GetConfigPath resolves and existence-checks a config file path.
func GetConfigPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("config path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path: %w", err)
	}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return "", fmt.Errorf("config file does not exist: %s", absPath)
	}
	return absPath, nil
}

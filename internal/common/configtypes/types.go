// Package configtypes holds the plain data shapes the YAML config decodes
// into, kept separate from the loading/validation logic in
// internal/common/config.
package configtypes

import "github.com/relaywire/proxycore/pkg/types"

// Log level constants.
const (
	LogLevelDebug  = "debug"
	LogLevelInfo   = "info"
	LogLevelWarn   = "warn"
	LogLevelError  = "error"
	LogLevelDPanic = "dpanic"
	LogLevelPanic  = "panic"
	LogLevelFatal  = "fatal"
)

// Log format constants.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
	LogFormatText    = "text"
)

// ProxyConfig is the top-level configuration document for cmd/proxy.
type ProxyConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Project    ProjectConfig    `yaml:"project"`
	Browser    BrowserConfig    `yaml:"browser"`
	Intercept  InterceptConfig  `yaml:"intercept"`
	Router     RouterConfig     `yaml:"router"`
	Replay     ReplayConfig     `yaml:"replay"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Query      *QueryConfig     `yaml:"query,omitempty"`
	ClickHouse *ClickHouseConfig `yaml:"clickhouse,omitempty"`
}

// ServerConfig configures the management HTTP/WebSocket listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// ProjectConfig configures the flat-JSON-directory project store.
type ProjectConfig struct {
	RootDir          string         `yaml:"root_dir"`
	AutosaveInterval types.Duration `yaml:"autosave_interval"`
}

// BrowserConfig configures the chromedp-driven browser driver.
type BrowserConfig struct {
	ExecutablePath string         `yaml:"executable_path,omitempty"`
	Headless       bool           `yaml:"headless"`
	StartTimeout   types.Duration `yaml:"start_timeout"`
}

// InterceptConfig configures the Interception Coordinator's degraded-mode and janitor policy.
type InterceptConfig struct {
	GracePeriod     types.Duration `yaml:"grace_period"`
	JanitorInterval types.Duration `yaml:"janitor_interval"`
	MaxSuspendedAge types.Duration `yaml:"max_suspended_age"`
}

// RouterConfig configures the Operator Channel's outbound queue.
type RouterConfig struct {
	OutboundQueueDepth int `yaml:"outbound_queue_depth"`
}

// ReplayConfig configures the Replay Executor.
type ReplayConfig struct {
	Timeout        types.Duration `yaml:"timeout"`
	MaxConcurrency int            `yaml:"max_concurrency"`
	CacheAddr      string         `yaml:"cache_addr,omitempty"`
}

// QueryConfig configures the optional SQL query surface over project history.
type QueryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ClickHouseConfig configures the optional rewrite-rule-warning sink.
type ClickHouseConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

// LogConfig configures the DynamicLogger.
type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
	Level   string `yaml:"level,omitempty"`
}

type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Format   string         `yaml:"format"`
	Level    string         `yaml:"level,omitempty"`
	Rotation RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxAge     int  `yaml:"max_age"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

package replay

import "time"

// Config configures the Replay Executor. Mirrors configtypes.ReplayConfig,
// decoupled from the YAML layer the way internal/proxy/browserdriver.Config
// decouples from configtypes.BrowserConfig.
type Config struct {
	Timeout        time.Duration
	MaxConcurrency int
	CacheAddr      string
}

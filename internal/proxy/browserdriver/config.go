package browserdriver

import "time"

// Config configures the chromedp-driven Browser Driver. Mirrors
// configtypes.BrowserConfig, decoupled from the YAML layer so this package
// has no dependency on internal/common/configtypes.
type Config struct {
	ExecutablePath string
	Headless       bool
	StartTimeout   time.Duration
}

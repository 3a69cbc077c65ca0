package project

import "time"

// Config configures the flat-JSON-directory Project Store. Mirrors
// configtypes.ProjectConfig, decoupled from the YAML layer the way
// browserdriver.Config and replay.Config decouple from their own
// configtypes entries.
type Config struct {
	RootDir          string
	AutosaveInterval time.Duration
}

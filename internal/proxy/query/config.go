package query

// Config configures the optional SQL query surface over a project's
// captured exchange history. Mirrors configtypes.QueryConfig.
type Config struct {
	Enabled bool
	Listen  string
}

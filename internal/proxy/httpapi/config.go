package httpapi

// Config configures the management HTTP/WebSocket server. Mirrors
// configtypes.ServerConfig, decoupled from the YAML layer the way every
// other proxy package decouples from its own configtypes entry.
type Config struct {
	Listen string
}

package ratelimit

import (
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string  // Endpoint path pattern (supports prefix matching)
	Method string  // HTTP method (GET, POST, etc.)
	RPS    float64 // Sustained requests per second; 0 means unlimited
	Burst  int     // Burst capacity (defaults to ceil(RPS) if 0)
}

// key is the bucket identity: prefix patterns share one bucket across ids
func (c *EndpointConfig) key(path string) string {
	if c.Path != "" && strings.HasSuffix(c.Path, "/") {
		return c.Path
	}
	return path
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	DefaultRPS      float64
	DefaultBurst    int
	CleanupInterval time.Duration
	IdleTTL         time.Duration
	Exempt          map[string]bool // client ids never limited
	EndpointConfigs []EndpointConfig
}

// DefaultConfig returns the limiter used when none is configured
func DefaultConfig() *Config {
	return NewConfig(5, 10)
}

// NewConfig creates a configuration with the given default rate and burst and
// the built-in endpoint tiers. A non-positive rps disables limiting.
func NewConfig(rps float64, burst int) *Config {
	return &Config{
		Enabled:         rps > 0,
		DefaultRPS:      rps,
		DefaultBurst:    burst,
		CleanupInterval: time.Minute,
		IdleTTL:         3 * time.Minute,
		Exempt:          make(map[string]bool),
		EndpointConfigs: DefaultEndpointConfigs(rps, burst),
	}
}

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
func DefaultEndpointConfigs(rps float64, burst int) []EndpointConfig {
	triggerBurst := max(1, burst/5)
	return []EndpointConfig{
		// Tier 1: Run triggers start inference work (strictest limits)
		{Path: "/runs", Method: "POST", RPS: rps / 5, Burst: triggerBurst},
		{Path: "/runs/", Method: "POST", RPS: rps / 2, Burst: max(1, burst/2)},

		// Tier 2: Reads use the default limit
		// Tier 3: Health and metrics (unlimited) - handled by special case in matcher
	}
}

// ParseList parses a comma-separated list of client ids into a set.
func ParseList(list string) map[string]bool {
	result := make(map[string]bool)
	for _, id := range strings.Split(list, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			result[id] = true
		}
	}
	return result
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfit/oauth-server/security"
)

// rateLimitSpec is one endpoint entry in the rate limit YAML file.
type rateLimitSpec struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// DefaultRateLimits returns the built-in per-endpoint limits. Registration is
// the tightest tier since every accepted request creates a durable record.
func DefaultRateLimits() map[string]security.EndpointLimit {
	return map[string]security.EndpointLimit{
		"register":  {MaxRequests: 10, Window: time.Minute},
		"authorize": {MaxRequests: 30, Window: time.Minute},
		"token":     {MaxRequests: 60, Window: time.Minute},
		"revoke":    {MaxRequests: 30, Window: time.Minute},
	}
}

// LoadRateLimits reads per-endpoint limits from a YAML file, e.g.:
//
//	register:
//	  max_requests: 10
//	  window: 1m
//	token:
//	  max_requests: 120
//	  window: 1m
//
// Endpoints absent from the file keep the built-in defaults. An empty path
// returns the defaults unchanged.
func LoadRateLimits(path string) (map[string]security.EndpointLimit, error) {
	limits := DefaultRateLimits()
	if path == "" {
		return limits, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit file: %w", err)
	}

	var specs map[string]rateLimitSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse rate limit file: %w", err)
	}

	for endpoint, spec := range specs {
		if spec.MaxRequests <= 0 || spec.Window <= 0 {
			return nil, fmt.Errorf("invalid rate limit for endpoint %q", endpoint)
		}
		limits[endpoint] = security.EndpointLimit{
			MaxRequests: spec.MaxRequests,
			Window:      spec.Window,
		}
	}
	return limits, nil
}

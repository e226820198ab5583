package cache

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the tuning for a single named cache.
type Config struct {
	// Enabled turns the cache on. A disabled cache behaves as a no-op and
	// every lookup is a miss.
	Enabled bool `yaml:"enabled"`

	// TimeoutSeconds is the entry TTL. Zero or negative means entries never
	// expire and no local expiry management runs.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// Capacity caps the number of entries per backing instance. Oldest
	// entries are evicted beyond it. Zero or negative means unbounded.
	Capacity int `yaml:"capacity"`

	// Distributed marks the backing store as shared across tenants. A
	// distributed cache uses one backing instance with tenant-qualified
	// keys; a local cache gets one backing instance per tenant.
	Distributed bool `yaml:"distributed"`
}

// FileConfig is the on-disk cache configuration, one entry per cache name.
type FileConfig struct {
	Caches map[string]Config `yaml:"caches"`
}

// LoadConfig reads per-cache configuration from a YAML file. Caches not named
// in the file fall back to defaults with caching enabled.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache config %s: %w", path, err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse cache config %s: %w", path, err)
	}

	return &cfg, nil
}

// For returns the configuration for the named cache, or an enabled default
// (no expiry, unbounded) when the file does not mention it.
func (f *FileConfig) For(name string) Config {
	if f != nil {
		if c, ok := f.Caches[name]; ok {
			return c
		}
	}
	return Config{Enabled: true}
}

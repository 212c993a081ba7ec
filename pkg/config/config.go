// Package config reads the agent's local configuration file (spec §6
// filesystem layout, /etc/adu/du-config.json), grounded on
// pkg/render.Config's "read one local file into a typed struct" shape.
package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
)

// Config is the on-disk shape of du-config.json. JSON tags double as
// the YAML keys since ghodss/yaml accepts JSON as a YAML subset,
// exactly as pkg/render.Config relies on for OperatorConfig.
type Config struct {
	// DownloadSandboxBase is the base of the per-deployment sandbox
	// tree (spec §6: /var/lib/adu/downloads/<workflowId>/).
	DownloadSandboxBase string `json:"downloadSandboxBase"`
	// ExtensionsRegistrationPath is the handler registration file
	// under the extensions directory (spec §6, §4.5).
	ExtensionsRegistrationPath string `json:"extensionsRegistrationPath"`
	// WorkflowStatePath is the persisted checkpoint path (spec §4.7).
	WorkflowStatePath string `json:"workflowStatePath"`
	// RootKeyPackagePath is where the trusted root key package is
	// persisted (spec §4.3).
	RootKeyPackagePath string `json:"rootKeyPackagePath"`
	// SourceCacheBase is the source update cache's filesystem root
	// (spec §4.4).
	SourceCacheBase string `json:"sourceCacheBase"`
	// SourceCacheSizeCapBytes bounds the cache's total size; exceeding
	// it triggers EvictOldestUntilUnder.
	SourceCacheSizeCapBytes int64 `json:"sourceCacheSizeCapBytes"`
	// RedisAddr is the address of the Redis instance backing the
	// cache's atime/size index (spec §4.4 implementation note).
	RedisAddr string `json:"redisAddr"`
	// MetricsAddr is the address the Prometheus metrics HTTP server
	// listens on.
	MetricsAddr string `json:"metricsAddr"`
	// TickIntervalSec is how often the host calls Facade.Tick to drive
	// time-based retries (spec §4.8).
	TickIntervalSec int `json:"tickIntervalSec"`
}

// Default returns a Config populated with the filesystem layout
// defaults named in spec §6.
func Default() Config {
	return Config{
		DownloadSandboxBase:        "/var/lib/adu/downloads",
		ExtensionsRegistrationPath: "/var/lib/adu/extensions/sources/registrations.json",
		WorkflowStatePath:          "/var/lib/adu/workflow_state.json",
		RootKeyPackagePath:         "/var/lib/adu/rootkey_package.json",
		SourceCacheBase:            "/var/lib/adu/cache",
		SourceCacheSizeCapBytes:    2 << 30, // 2 GiB
		RedisAddr:                  "localhost:6379",
		MetricsAddr:                ":8080",
		TickIntervalSec:            30,
	}
}

// Load reads configFile, overlaying its values onto Default() so a
// partial config file is valid -- unset fields keep their default
// rather than zeroing out.
func Load(configFile string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(configFile)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", configFile, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal %q: %w", configFile, err)
	}
	return cfg, nil
}

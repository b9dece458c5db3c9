package tandem

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines core configuration.
type Config struct {
	// Path is the file path for the local database. Required.
	Path string `yaml:"path"`

	// Label is a human-readable device name advertised during discovery.
	Label string `yaml:"label"`

	// Transport configures the peer sync listener.
	Transport TransportConfig `yaml:"transport"`

	// Discovery configures local-network peer discovery.
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Orchestrator configures automatic sync scheduling.
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Retry configures retry behavior for sync operations.
	Retry RetryConfig `yaml:"retry"`

	// Feed configures the local WebSocket change feed.
	Feed FeedConfig `yaml:"feed"`

	// Bundle configures out-of-band bundle encoding.
	Bundle BundleConfig `yaml:"bundle"`

	// SnapshotEvery is how many committed changes between document
	// snapshot writes. Default: 100.
	SnapshotEvery int `yaml:"snapshotEvery"`
}

// BundleConfig groups bundle codec settings.
type BundleConfig struct {
	// Compress enables snappy compression of bundle bodies.
	// Default: true.
	Compress bool `yaml:"compress"`

	// Seal encrypts bundle bodies with the recipient's pairing key.
	// Default: false.
	Seal bool `yaml:"seal"`
}

// DefaultConfig returns a configuration with sensible defaults. Path
// must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		Transport:     DefaultTransportConfig(),
		Discovery:     DefaultDiscoveryConfig(),
		Orchestrator:  DefaultOrchestratorConfig(),
		Retry:         DefaultRetryConfig(),
		Feed:          DefaultFeedConfig(),
		Bundle:        BundleConfig{Compress: true},
		SnapshotEvery: 100,
	}
}

// LoadConfig reads a YAML configuration file, layering it over the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("config: path is required")
	}
	if c.Transport.MaxFrameSize != 0 && c.Transport.MaxFrameSize < 4096 {
		return fmt.Errorf("config: transport max frame size %d is below the 4096 byte minimum", c.Transport.MaxFrameSize)
	}
	if c.Transport.HandshakeTimeout < 0 || c.Transport.ExchangeTimeout < 0 {
		return fmt.Errorf("config: transport timeouts must not be negative")
	}
	if c.Discovery.AnnounceInterval < 0 || c.Discovery.ScanWindow < 0 {
		return fmt.Errorf("config: discovery intervals must not be negative")
	}
	if c.Orchestrator.AutoSyncInterval < 0 {
		return fmt.Errorf("config: auto sync interval must not be negative")
	}
	if c.Orchestrator.AutoSyncInterval > 0 && c.Orchestrator.AutoSyncInterval < time.Second {
		return fmt.Errorf("config: auto sync interval below 1s would saturate the network")
	}
	if c.SnapshotEvery < 0 {
		return fmt.Errorf("config: snapshotEvery must not be negative")
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string `yaml:"logLevel"`

	ClusterID    string        `yaml:"clusterID"`
	PollInterval time.Duration `yaml:"pollInterval"`

	// MaxDrainWorkers bounds how many node drain/replace operations may run
	// concurrently within one campaign or evictor cycle.
	MaxDrainWorkers int `yaml:"maxDrainWorkers"`

	DryRun bool `yaml:"dryRun"`

	NodeLabels   NodeLabelConfig   `yaml:"nodeLabels"`
	IgnoreLabels map[string]string `yaml:"ignoreLabels"`

	Evictor EvictorConfig `yaml:"evictor"`

	Provisioner ProvisionerConfig `yaml:"provisioner"`

	// FleetFile points at the templates/schedules snapshot handed over by the
	// configuration layer. The engine re-reads it at each cycle and never
	// writes it back.
	FleetFile string `yaml:"fleetFile"`
}

// ProvisionerConfig selects the node provisioner backend. Mode "disabled"
// plans and drains but never talks to a provider; mode "http" posts launch
// and terminate requests to the given endpoint.
type ProvisionerConfig struct {
	Mode      string        `yaml:"mode"`
	Endpoint  string        `yaml:"endpoint"`
	TokenFile string        `yaml:"tokenFile"`
	Timeout   time.Duration `yaml:"timeout"`
}

type NodeLabelConfig struct {
	Managed  string `yaml:"managed"`
	Disabled string `yaml:"disabled"`
}

// EvictorConfig mirrors the evictor policy surface of the configuration
// layer. CycleInterval bounds the minimum re-evaluation latency of the whole
// engine.
type EvictorConfig struct {
	Enabled                           bool          `yaml:"enabled"`
	DryRun                            bool          `yaml:"dryRun"`
	AggressiveMode                    bool          `yaml:"aggressiveMode"`
	ScopedMode                        bool          `yaml:"scopedMode"`
	CycleInterval                     time.Duration `yaml:"cycleInterval"`
	NodeGracePeriodMinutes            int           `yaml:"nodeGracePeriodMinutes"`
	PodEvictionFailureBackOffInterval time.Duration `yaml:"podEvictionFailureBackOffInterval"`
	IgnorePodDisruptionBudgets        bool          `yaml:"ignorePodDisruptionBudgets"`
	KeepDrainTimeoutNodes             bool          `yaml:"keepDrainTimeoutNodes"`

	EmptyNodeDelaySeconds int `yaml:"emptyNodeDelaySeconds"`

	// UnderusedThresholdPercent marks a node underused when both its CPU and
	// memory requests stay below this fraction of allocatable. Only consulted
	// in aggressive mode.
	UnderusedThresholdPercent int `yaml:"underusedThresholdPercent"`

	MaxEvictionRetries int `yaml:"maxEvictionRetries"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxDrainWorkers == 0 {
		cfg.MaxDrainWorkers = 4
	}
	if cfg.Evictor.CycleInterval == 0 {
		cfg.Evictor.CycleInterval = 60 * time.Second
	}
	if cfg.Evictor.PodEvictionFailureBackOffInterval == 0 {
		cfg.Evictor.PodEvictionFailureBackOffInterval = 30 * time.Second
	}
	if cfg.Evictor.MaxEvictionRetries == 0 {
		cfg.Evictor.MaxEvictionRetries = 5
	}
	if cfg.Evictor.UnderusedThresholdPercent == 0 {
		cfg.Evictor.UnderusedThresholdPercent = 20
	}
	if cfg.Provisioner.Mode == "" {
		cfg.Provisioner.Mode = "disabled"
	}
	if cfg.Provisioner.Timeout == 0 {
		cfg.Provisioner.Timeout = 30 * time.Second
	}
}

// Validate rejects malformed configuration before the engine consumes it.
func (c *Config) Validate() error {
	if c.MaxDrainWorkers < 1 {
		return fmt.Errorf("maxDrainWorkers must be >= 1, got %d", c.MaxDrainWorkers)
	}
	if c.Evictor.CycleInterval <= 0 {
		return fmt.Errorf("evictor.cycleInterval must be > 0, got %s", c.Evictor.CycleInterval)
	}
	if c.Evictor.NodeGracePeriodMinutes < 0 {
		return fmt.Errorf("evictor.nodeGracePeriodMinutes must be >= 0, got %d", c.Evictor.NodeGracePeriodMinutes)
	}
	if c.Evictor.EmptyNodeDelaySeconds < 0 {
		return fmt.Errorf("evictor.emptyNodeDelaySeconds must be >= 0, got %d", c.Evictor.EmptyNodeDelaySeconds)
	}
	if p := c.Evictor.UnderusedThresholdPercent; p < 0 || p > 100 {
		return fmt.Errorf("evictor.underusedThresholdPercent must be within 0-100, got %d", p)
	}
	if c.Evictor.ScopedMode && c.NodeLabels.Managed == "" {
		return fmt.Errorf("evictor.scopedMode requires nodeLabels.managed to be set")
	}
	switch c.Provisioner.Mode {
	case "disabled":
	case "http":
		if c.Provisioner.Endpoint == "" {
			return fmt.Errorf("provisioner.endpoint is required in http mode")
		}
	default:
		return fmt.Errorf("unknown provisioner mode: %s", c.Provisioner.Mode)
	}
	return nil
}

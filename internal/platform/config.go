package platform

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/mipsvm/internal/devices/gcr"
	"github.com/tinyrange/mipsvm/internal/devices/gic"
)

// Config describes the machine topology the platform builds.
type Config struct {
	NumVPE     int    `yaml:"num_vpe"`
	NumSources int    `yaml:"num_sources"`
	GICBase    uint64 `yaml:"gic_base"`
	GCRBase    uint64 `yaml:"gcr_base"`
}

// DefaultConfig returns a single-VPE machine with the conventional window
// placement.
func DefaultConfig() Config {
	return Config{
		NumVPE:     1,
		NumSources: 256,
		GICBase:    gic.DefaultBase,
		GCRBase:    gcr.DefaultBase,
	}
}

// Validate checks the topology against what the controller supports.
func (c Config) Validate() error {
	if c.NumVPE < 1 || c.NumVPE > 64 {
		return fmt.Errorf("platform: num_vpe %d outside [1, 64]", c.NumVPE)
	}
	if c.NumSources < 1 || c.NumSources > 256 {
		return fmt.Errorf("platform: num_sources %d outside [1, 256]", c.NumSources)
	}
	if c.GICBase == c.GCRBase {
		return fmt.Errorf("platform: gic and gcr windows overlap at 0x%x", c.GICBase)
	}
	return nil
}

// LoadConfig reads a machine config from a YAML file. Fields that the file
// leaves unset keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("platform: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("platform: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedAgent is one card-less agent registered at startup.
type SeedAgent struct {
	DID          string           `yaml:"did"`
	Name         string           `yaml:"name"`
	Endpoint     string           `yaml:"endpoint"`
	Capabilities []SeedCapability `yaml:"capabilities"`
}

// SeedCapability is one capability of a seed agent.
type SeedCapability struct {
	CapabilityID string   `yaml:"capability_id"`
	Description  string   `yaml:"description"`
	Tags         []string `yaml:"tags,omitempty"`
}

// SeedConfig is the optional YAML file named by SEED_CONFIG.
type SeedConfig struct {
	Agents []SeedAgent `yaml:"agents"`
}

// LoadSeedConfig loads seed agents from a YAML file. Environment variables
// in the file are expanded before parsing.
func LoadSeedConfig(path string) (*SeedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed config: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg SeedConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse seed config: %w", err)
	}

	for i, a := range cfg.Agents {
		if a.DID == "" {
			return nil, fmt.Errorf("seed agent %d: did is required", i)
		}
		if a.Endpoint == "" {
			return nil, fmt.Errorf("seed agent %s: endpoint is required", a.DID)
		}
		if len(a.Capabilities) == 0 {
			return nil, fmt.Errorf("seed agent %s: at least one capability is required", a.DID)
		}
	}
	return &cfg, nil
}

package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quotaguard/quotaguard/internal/core"
)

type seedFile struct {
	Endpoints []yaml.Node `yaml:"endpoints"`
}

// LoadSeedFile reads endpoint configs from a YAML file. Fields an entry omits
// take their values from defaults.
func LoadSeedFile(path string, defaults core.Defaults) ([]*core.EndpointConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read endpoints file: %w", err)
	}
	configs, err := ParseSeed(data, defaults)
	if err != nil {
		return nil, fmt.Errorf("parse endpoints file %s: %w", path, err)
	}
	return configs, nil
}

// ParseSeed decodes a YAML document with a top-level endpoints list.
func ParseSeed(data []byte, defaults core.Defaults) ([]*core.EndpointConfig, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	configs := make([]*core.EndpointConfig, 0, len(file.Endpoints))
	seen := make(map[core.EndpointKey]bool, len(file.Endpoints))
	for i := range file.Endpoints {
		node := &file.Endpoints[i]

		var raw core.EndpointKey
		if err := node.Decode(&raw); err != nil {
			return nil, fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		key := core.NewEndpointKey(raw.Endpoint, raw.Method)
		if key.Endpoint == "" {
			return nil, fmt.Errorf("endpoints[%d]: endpoint is required", i)
		}
		if seen[key] {
			return nil, fmt.Errorf("endpoints[%d]: duplicate entry for %s", i, key)
		}
		seen[key] = true

		cfg := core.NewEndpointConfig(key, defaults)
		if err := node.Decode(cfg); err != nil {
			return nil, fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		cfg.Endpoint = key.Endpoint
		cfg.Method = key.Method
		configs = append(configs, cfg)
	}
	return configs, nil
}

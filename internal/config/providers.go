package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type providersFile struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// LoadProvidersFile reads a YAML key pool description:
//
//	providers:
//	  - name: provider_a
//	    default_model: gpt-4o-mini
//	    keys: [sk-1, sk-2]
func LoadProvidersFile(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key pool file: %w", err)
	}

	var f providersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse key pool file: %w", err)
	}

	for i, p := range f.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider %d: name is required", i)
		}
	}
	return f.Providers, nil
}

// MergeProviders appends env keys to the file entry of the same provider.
// File keys keep priority; providers only present in env are appended.
func MergeProviders(file, env []ProviderConfig) []ProviderConfig {
	out := make([]ProviderConfig, 0, len(file)+len(env))
	index := make(map[string]int, len(file))
	for _, p := range file {
		index[p.Name] = len(out)
		p.Keys = append([]string(nil), p.Keys...)
		out = append(out, p)
	}
	for _, p := range env {
		i, ok := index[p.Name]
		if !ok {
			out = append(out, p)
			continue
		}
		out[i].Keys = append(out[i].Keys, p.Keys...)
		if out[i].BaseURL == "" {
			out[i].BaseURL = p.BaseURL
		}
		if out[i].DefaultModel == "" {
			out[i].DefaultModel = p.DefaultModel
		}
	}
	return out
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coderunner/evalplatform/internal/domain"
)

type sandboxProfileFile struct {
	Profiles map[string]sandboxProfileEntry `yaml:"profiles"`
}

type sandboxProfileEntry struct {
	CPUs           float64 `yaml:"cpus"`
	MemoryBytes    int64   `yaml:"memory_bytes"`
	NetworkDenyAll bool    `yaml:"network_deny_all"`
	ReadOnlyRoot   bool    `yaml:"read_only_root"`
	NonRootUser    bool    `yaml:"non_root_user"`
}

// LoadSandboxProfiles reads the named isolation profile bundles from path.
// There is no hot reload: a changed file takes effect on the next process
// restart, consistent with the rest of this config layer.
func LoadSandboxProfiles(path string) (map[string]domain.ResourceLimits, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadSandboxProfiles: %w", err)
	}

	var file sandboxProfileFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("op=config.LoadSandboxProfiles: %w", err)
	}

	profiles := make(map[string]domain.ResourceLimits, len(file.Profiles))
	for name, entry := range file.Profiles {
		profiles[name] = domain.ResourceLimits{
			CPUs:           entry.CPUs,
			MemoryBytes:    entry.MemoryBytes,
			NetworkDenyAll: entry.NetworkDenyAll,
			ReadOnlyRoot:   entry.ReadOnlyRoot,
			NonRootUser:    entry.NonRootUser,
		}
	}
	return profiles, nil
}

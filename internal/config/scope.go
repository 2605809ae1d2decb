package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// scopeFile is the on-disk shape of the scope file:
//
//	inspections:
//	  - srv-inspection-id-1
//	  - srv-inspection-id-2
type scopeFile struct {
	Inspections []string `yaml:"inspections"`
}

// LoadScope reads the scope file named by the config. An unset scope
// file means no scoping: pull everything visible to the device.
func (c *Config) LoadScope() ([]string, error) {
	if c.ScopeFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(c.ScopeFile)
	if err != nil {
		return nil, fmt.Errorf("reading scope file: %w", err)
	}

	var sf scopeFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parsing scope file: %w", err)
	}

	var ids []string

	seen := make(map[string]struct{}, len(sf.Inspections))
	for _, id := range sf.Inspections {
		if id == "" {
			continue
		}

		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	return ids, nil
}

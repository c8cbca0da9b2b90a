package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rosterFile is the YAML shape of the index roster document.
type rosterFile struct {
	Indices []IndexConfig `yaml:"indices"`
}

// LoadRoster reads the index roster from a YAML file.
func LoadRoster(path string) ([]IndexConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}

	var doc rosterFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse roster YAML: %w", err)
	}
	if len(doc.Indices) == 0 {
		return nil, fmt.Errorf("roster file %s declares no indices", path)
	}

	for i := range doc.Indices {
		ix := &doc.Indices[i]
		if len(ix.ExpiryRules) == 0 {
			ix.ExpiryRules = []string{"this_week"}
		}
		if ix.StrikesITM <= 0 {
			ix.StrikesITM = 10
		}
		if ix.StrikesOTM <= 0 {
			ix.StrikesOTM = 10
		}
	}
	return doc.Indices, nil
}

// SaveRoster writes the roster back to disk, used by tooling that edits the
// tracked index set.
func SaveRoster(indices []IndexConfig, path string) error {
	data, err := yaml.Marshal(rosterFile{Indices: indices})
	if err != nil {
		return fmt.Errorf("failed to marshal roster: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write roster file: %w", err)
	}
	return nil
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CoreUserEntry describes one shared Matrix identity the bridge maintains
// independently of any Letta agent (the "letta" relay account that drives
// Event Ingress, plus any additional orchestration identities an operator
// wants invited into every agent room).
type CoreUserEntry struct {
	Role     string `yaml:"role"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoadCoreUserRoster reads a YAML file listing additional core users beyond
// the required "letta" relay identity. A missing file is not an error —
// most deployments only need the one relay account, supplied via
// environment variables instead of a roster file.
func LoadCoreUserRoster(path string) ([]CoreUserEntry, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read core user roster %s: %w", path, err)
	}

	var roster []CoreUserEntry
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("config: parse core user roster %s: %w", path, err)
	}
	for i, entry := range roster {
		if entry.Role == "" || entry.Username == "" || entry.Password == "" {
			return nil, fmt.Errorf("config: core user roster entry %d missing role/username/password", i)
		}
	}
	return roster, nil
}

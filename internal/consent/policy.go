package consent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// DefaultPolicyPath is the on-disk location of the permission-id policy
// map, installed alongside the rest of the sandboxing policy.
const DefaultPolicyPath = "/usr/share/permission/policy/linglong/dbus_map_config"

// policyRule is one entry of a permission id's rule array.
type policyRule struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Ifce string `json:"ifce"`
}

// PolicyMap resolves a D-Bus (name, path, interface) triple to the
// permission id that governs it.
type PolicyMap struct {
	rules map[string][]policyRule
}

// LoadPolicyMap reads and parses the permission-id policy file at path.
func LoadPolicyMap(path string) (*PolicyMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy map %s: %w", path, err)
	}

	var rules map[string][]policyRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse policy map %s: %w", path, err)
	}

	return &PolicyMap{rules: rules}, nil
}

// Resolve returns the permission id whose rule array contains an entry
// matching name, path, and ifce exactly, or "" if none does.
func (p *PolicyMap) Resolve(logger *slog.Logger, name, path, ifce string) string {
	for id, entries := range p.rules {
		for _, e := range entries {
			if e.Name == name && e.Path == path && e.Ifce == ifce {
				return id
			}
		}
	}
	logger.Warn("permission id not found",
		slog.String("name", name),
		slog.String("path", path),
		slog.String("interface", ifce),
	)
	return ""
}

package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SelectionRule maps an operation kind to the minimum capability tier a
// task of that kind requires. The dispatcher consults these rules before
// matching agents.
type SelectionRule struct {
	// Operation is the task operation kind this rule covers.
	Operation OperationKind `yaml:"operation"`
	// RequiredTier is the minimum tier the operation demands.
	RequiredTier CapabilityTier `yaml:"required_tier"`
}

// Manifest is the structured agent catalog consumed by the dispatcher.
type Manifest struct {
	// Capabilities declares the tier lattice, least privileged first.
	// Present for documentation and validated against the known lattice.
	Capabilities []CapabilityTier `yaml:"capabilities"`
	// Agents are inline catalog entries. Entries loaded from descriptor
	// files are merged in by the registry; inline entries win on conflict.
	Agents []Agent `yaml:"agents"`
	// SelectionRules is the operation-to-tier rule table.
	SelectionRules []SelectionRule `yaml:"selection_rules"`
}

// ParseManifest parses a manifest document.
func ParseManifest(content []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	for _, c := range m.Capabilities {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: %q in manifest capabilities", ErrInvalidTier, c)
		}
	}
	for i := range m.Agents {
		if err := m.Agents[i].Validate(); err != nil {
			return nil, err
		}
	}
	for _, r := range m.SelectionRules {
		if r.Operation == "" {
			return nil, fmt.Errorf("selection rule missing operation")
		}
		if !r.RequiredTier.Valid() {
			return nil, fmt.Errorf("%w: %q in rule for %s", ErrInvalidTier, r.RequiredTier, r.Operation)
		}
	}
	return &m, nil
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return ParseManifest(content)
}

// RequiredTier returns the tier the rule table demands for an operation.
// Operations without a rule default to read_only, the least privilege.
func (m *Manifest) RequiredTier(op OperationKind) CapabilityTier {
	for _, r := range m.SelectionRules {
		if r.Operation == op {
			return r.RequiredTier
		}
	}
	return TierReadOnly
}

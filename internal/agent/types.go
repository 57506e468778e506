// Package agent defines the capability-scoped worker catalog.
//
// Agents are immutable catalog entries loaded at startup from Markdown
// descriptors with YAML frontmatter plus a structured manifest. The
// capability tiers form a strict lattice: read_only < write_reports <
// write_files. A higher tier may perform everything a lower tier may,
// but dispatch always prefers the least-privileged eligible agent.
package agent

import (
	"errors"
	"fmt"
)

// Errors for catalog loading and lookup.
var (
	ErrInvalidTier       = errors.New("invalid capability tier")
	ErrInvalidDescriptor = errors.New("invalid agent descriptor")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrDuplicateAgent    = errors.New("duplicate agent id")
)

// CapabilityTier is an agent's privilege level.
type CapabilityTier string

const (
	// TierReadOnly agents may inspect but not write anything.
	TierReadOnly CapabilityTier = "read_only"
	// TierWriteReports agents may additionally write report artifacts.
	TierWriteReports CapabilityTier = "write_reports"
	// TierWriteFiles agents may modify source files.
	TierWriteFiles CapabilityTier = "write_files"
)

// tierRank orders tiers from least to most privileged.
var tierRank = map[CapabilityTier]int{
	TierReadOnly:     0,
	TierWriteReports: 1,
	TierWriteFiles:   2,
}

// Valid reports whether the tier is a known lattice member.
func (t CapabilityTier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank returns the tier's position in the lattice, lowest first.
// Unknown tiers rank below read_only so they never win selection.
func (t CapabilityTier) Rank() int {
	r, ok := tierRank[t]
	if !ok {
		return -1
	}
	return r
}

// Allows reports whether an agent at this tier may act at the required
// tier. write_files allows everything, read_only only itself.
func (t CapabilityTier) Allows(required CapabilityTier) bool {
	return t.Valid() && required.Valid() && t.Rank() >= required.Rank()
}

// OperationKind names a category of work a task demands.
type OperationKind string

// Operation kinds used by the canonical agent roster. The set is open:
// manifests may declare additional kinds.
const (
	OpAnalyze    OperationKind = "analyze"
	OpEvaluate   OperationKind = "evaluate"
	OpSynthesize OperationKind = "synthesize"
	OpImplement  OperationKind = "implement"
	OpFix        OperationKind = "fix"
	OpReport     OperationKind = "report"
)

// Agent is one immutable catalog entry.
type Agent struct {
	// ID is the stable identifier used in dispatch decisions and audit.
	ID string `json:"id" yaml:"name"`
	// Description says what the agent is for.
	Description string `json:"description" yaml:"description"`
	// Model is the backing model identifier.
	Model string `json:"model" yaml:"model"`
	// Tier is the agent's capability tier.
	Tier CapabilityTier `json:"tier" yaml:"tier"`
	// Operations the agent may be dispatched for.
	Operations []OperationKind `json:"operations" yaml:"operations"`
	// Prompt is the descriptor body used as the agent's system prompt.
	Prompt string `json:"-" yaml:"-"`
}

// Validate checks a loaded entry is usable.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidDescriptor)
	}
	if !a.Tier.Valid() {
		return fmt.Errorf("%w: %q for agent %s", ErrInvalidTier, a.Tier, a.ID)
	}
	if len(a.Operations) == 0 {
		return fmt.Errorf("%w: agent %s declares no operations", ErrInvalidDescriptor, a.ID)
	}
	return nil
}

// CanPerform reports whether the agent declares the operation.
func (a *Agent) CanPerform(op OperationKind) bool {
	for _, o := range a.Operations {
		if o == op {
			return true
		}
	}
	return false
}

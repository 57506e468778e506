// Package spec defines the core data model for orchestrated work units
// and the phase state machine that governs their lifecycle.
//
// A Spec is a long-running unit of work driven through an ordered
// sequence of phases. Each phase carries entry/exit gates: required
// artifacts that must exist and verification commands that must pass
// before the spec may advance.
package spec

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the overall lifecycle state of a spec.
type Status string

const (
	// StatusActive means the spec is progressing through its phases.
	StatusActive Status = "active"
	// StatusBlocked means forward progress is halted pending intervention.
	StatusBlocked Status = "blocked"
	// StatusDone means all phases completed.
	StatusDone Status = "done"
	// StatusArchived means the spec is retained for audit only.
	StatusArchived Status = "archived"
)

// PhaseStatus represents the completion status of a single phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseBlocked    PhaseStatus = "blocked"
	PhaseComplete   PhaseStatus = "complete"
	PhaseSkipped    PhaseStatus = "skipped"
)

// ComplexityTier classifies how much process a spec needs.
type ComplexityTier string

const (
	// TierSimple specs may skip the synthesis phase.
	TierSimple ComplexityTier = "simple"
	// TierStandard specs run every phase.
	TierStandard ComplexityTier = "standard"
	// TierComplex specs run every phase and default to wider fan-out.
	TierComplex ComplexityTier = "complex"
)

// Valid reports whether the tier is a known value.
func (t ComplexityTier) Valid() bool {
	switch t {
	case TierSimple, TierStandard, TierComplex:
		return true
	}
	return false
}

// ArtifactKind identifies a category of work product a phase must produce.
type ArtifactKind string

// Command is a verification gate command executed at phase exit.
// Raw is passed to the shell verbatim; exit code 0 means pass.
type Command struct {
	// Raw is the shell command line, e.g. "make lint".
	Raw string `json:"raw"`
	// Flaky permits exactly one automatic retry on failure.
	Flaky bool `json:"flaky,omitempty"`
}

// Phase is an ordered stage within a spec.
type Phase struct {
	// Index is the position within the spec's lifecycle, starting at 0.
	Index int `json:"index"`
	// Name is the canonical phase name.
	Name string `json:"name"`
	// RequiredArtifacts must all exist before the phase may complete.
	RequiredArtifacts []ArtifactKind `json:"required_artifacts,omitempty"`
	// GateCommands must all exit zero before the phase may complete.
	GateCommands []Command `json:"gate_commands,omitempty"`
	// Status is the current phase status.
	Status PhaseStatus `json:"status"`
}

// Canonical lifecycle phase names.
const (
	NameScaffolding = "scaffolding"
	NameDiscovery   = "discovery"
	NameEvaluation  = "evaluation"
	NameSynthesis   = "synthesis"
	NameExecution   = "execution"
)

// Fixed indices for the pre-execution phases.
const (
	IndexScaffolding = 0
	IndexDiscovery   = 1
	IndexEvaluation  = 2
	IndexSynthesis   = 3
	// IndexExecutionStart is the first iterative execution phase.
	IndexExecutionStart = 4
)

// Spec is a unit of multi-phase orchestrated work.
type Spec struct {
	// ID is the unique identifier for this spec.
	ID string `json:"id"`
	// Name is a human-readable spec name.
	Name string `json:"name"`
	// Tier classifies the spec's complexity.
	Tier ComplexityTier `json:"tier"`
	// CurrentPhaseIndex is monotonically non-decreasing except on
	// explicit, audited rollback.
	CurrentPhaseIndex int `json:"current_phase_index"`
	// Status is the overall lifecycle status.
	Status Status `json:"status"`
	// Phases is the full ordered phase plan.
	Phases []Phase `json:"phases"`
	// CreatedAt is when the spec was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the spec was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a spec with the canonical phase plan:
// scaffolding(0), discovery(1), evaluation(2), synthesis(3), then
// executionPhases numbered execution phases starting at index 4.
// Simple-tier specs still carry the synthesis phase so indices stay
// stable; the state machine skips it at advance time.
func New(name string, tier ComplexityTier, executionPhases int) (*Spec, error) {
	if name == "" {
		return nil, fmt.Errorf("spec name is required")
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("invalid complexity tier: %q", tier)
	}
	if executionPhases < 1 {
		return nil, fmt.Errorf("at least one execution phase is required")
	}

	phases := []Phase{
		{Index: IndexScaffolding, Name: NameScaffolding, Status: PhaseInProgress},
		{Index: IndexDiscovery, Name: NameDiscovery, Status: PhasePending},
		{Index: IndexEvaluation, Name: NameEvaluation, Status: PhasePending},
		{Index: IndexSynthesis, Name: NameSynthesis, Status: PhasePending},
	}
	for i := 0; i < executionPhases; i++ {
		phases = append(phases, Phase{
			Index:  IndexExecutionStart + i,
			Name:   fmt.Sprintf("%s-%d", NameExecution, i+1),
			Status: PhasePending,
		})
	}

	now := time.Now().UTC()
	return &Spec{
		ID:                uuid.New().String(),
		Name:              name,
		Tier:              tier,
		CurrentPhaseIndex: 0,
		Status:            StatusActive,
		Phases:            phases,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// CurrentPhase returns the phase at the current index.
func (s *Spec) CurrentPhase() (*Phase, error) {
	if s.CurrentPhaseIndex < 0 || s.CurrentPhaseIndex >= len(s.Phases) {
		return nil, fmt.Errorf("phase index %d out of range", s.CurrentPhaseIndex)
	}
	return &s.Phases[s.CurrentPhaseIndex], nil
}

// PhaseAt returns the phase with the given index.
func (s *Spec) PhaseAt(index int) (*Phase, error) {
	if index < 0 || index >= len(s.Phases) {
		return nil, fmt.Errorf("phase index %d out of range", index)
	}
	return &s.Phases[index], nil
}

// GateResult is the recorded outcome of one gate command execution.
// Full results (with captured output) live in the verify package; the
// state machine only needs command identity and exit code.
type GateResult struct {
	Command   string    `json:"command"`
	ExitCode  int       `json:"exit_code"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditRecord is one entry in the append-only audit log.
type AuditRecord struct {
	SpecID     string    `json:"spec_id"`
	Action     string    `json:"action"`
	PhaseIndex int       `json:"phase_index"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Audit log action names.
const (
	AuditAdvance  = "advance"
	AuditBlock    = "block"
	AuditRollback = "rollback"
	AuditSkip     = "skip"
	AuditDispatch = "dispatch"
	AuditHandoff  = "handoff"
	AuditArchive  = "archive"
)

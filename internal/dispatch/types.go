// Package dispatch selects agents for tasks and runs bounded parallel
// fan-outs within a phase.
//
// Selection is deterministic rule evaluation against the agent catalog:
// the least-privileged eligible agent wins, ties break on the lexically
// smallest agent ID, and every decision is logged with the matched rule
// for later audit.
package dispatch

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/budget"
)

// Errors for dispatch operations.
var (
	// ErrNoEligibleAgent means no registered agent matches the task's
	// operation kind at a sufficient tier.
	ErrNoEligibleAgent = errors.New("no eligible agent for operation")
	// ErrPartitionOverlap means two fan-out tasks touch overlapping
	// resource partitions and must run sequentially instead.
	ErrPartitionOverlap = errors.New("fan-out tasks have overlapping partitions")
	// ErrPhaseNotInProgress means a task was dispatched before its phase
	// entered in_progress.
	ErrPhaseNotInProgress = errors.New("phase is not in progress")
)

// ResultState is the lifecycle state of a task result.
type ResultState string

const (
	ResultPending ResultState = "pending"
	ResultSuccess ResultState = "success"
	ResultFailure ResultState = "failure"
)

// ReasonCancelled is the failure reason recorded when a task's context
// is cancelled. Cancellation is always a terminal failure, never a
// silent disappearance.
const ReasonCancelled = "cancelled"

// Result is the terminal (or pending) outcome of a task.
type Result struct {
	State ResultState `json:"state"`
	// Output is the agent's output on success.
	Output string `json:"output,omitempty"`
	// Reason explains a failure.
	Reason string `json:"reason,omitempty"`
}

// Task is one bounded unit of delegated work within a phase.
type Task struct {
	// ID is the unique task identifier.
	ID string `json:"id"`
	// SpecID is the owning spec.
	SpecID string `json:"spec_id"`
	// PhaseIndex is the phase this task belongs to.
	PhaseIndex int `json:"phase_index"`
	// Operation is the kind of work the task demands.
	Operation agent.OperationKind `json:"operation"`
	// Partition is the resource partition the task operates on,
	// expressed as a file-path prefix. Fan-out tasks must use disjoint
	// partitions.
	Partition string `json:"partition,omitempty"`
	// AgentID is the selected agent, set at dispatch time.
	AgentID string `json:"agent_id,omitempty"`
	// Packet is the budget-checked instruction content.
	Packet *budget.Packet `json:"packet"`
	// Result is mutated exactly once, by the returning agent call.
	Result Result `json:"result"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal result.
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// NewTask creates a pending task for a phase.
func NewTask(specID string, phaseIndex int, op agent.OperationKind, partition string, packet *budget.Packet) *Task {
	return &Task{
		ID:         uuid.New().String(),
		SpecID:     specID,
		PhaseIndex: phaseIndex,
		Operation:  op,
		Partition:  partition,
		Packet:     packet,
		Result:     Result{State: ResultPending},
		CreatedAt:  time.Now().UTC(),
	}
}

// Decision records why an agent was selected, for the audit trail and
// the reflection loop.
type Decision struct {
	TaskID       string               `json:"task_id"`
	Operation    agent.OperationKind  `json:"operation"`
	RequiredTier agent.CapabilityTier `json:"required_tier"`
	AgentID      string               `json:"agent_id"`
	AgentTier    agent.CapabilityTier `json:"agent_tier"`
	Candidates   int                  `json:"candidates"`
	DecidedAt    time.Time            `json:"decided_at"`
}

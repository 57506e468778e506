package spec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/specd/internal/spec"

// Errors for state machine operations.
var (
	// ErrGateNotSatisfied means required artifacts are missing or a gate
	// command recorded a nonzero exit.
	ErrGateNotSatisfied = errors.New("phase gate not satisfied")
	// ErrTasksPending means dispatched tasks have not rejoined the barrier.
	ErrTasksPending = errors.New("dispatched tasks still pending")
	// ErrSpecNotActive means the spec is blocked, done, or archived.
	ErrSpecNotActive = errors.New("spec is not active")
	// ErrInvalidRollback means the rollback target is not strictly earlier.
	ErrInvalidRollback = errors.New("rollback target must precede current phase")
	// ErrBlockReasonRequired means Block was called without a reason.
	ErrBlockReasonRequired = errors.New("block reason is required")
)

// Store is the durable record the machine reads and mutates. The machine
// and the handoff manager are the only writers; the store enforces the
// single-writer lease discipline underneath.
type Store interface {
	// GetSpec loads a spec with its full phase plan.
	GetSpec(ctx context.Context, id string) (*Spec, error)

	// UpdateSpec persists spec mutations. The store rejects index
	// regressions unless the update carries a rollback audit record.
	UpdateSpec(ctx context.Context, s *Spec) error

	// ListArtifacts returns the artifact kinds recorded for a phase.
	ListArtifacts(ctx context.Context, specID string, phaseIndex int) ([]ArtifactKind, error)

	// ListGateResults returns recorded gate outcomes for a phase.
	ListGateResults(ctx context.Context, specID string, phaseIndex int) ([]GateResult, error)

	// PendingTaskCount returns the number of dispatched tasks for a phase
	// that have not yet produced a terminal result.
	PendingTaskCount(ctx context.Context, specID string, phaseIndex int) (int, error)

	// AppendAudit appends to the audit log. Append-only, never rewritten.
	AppendAudit(ctx context.Context, rec AuditRecord) error
}

// EventType identifies a state machine event.
type EventType string

const (
	EventPhaseAdvanced EventType = "phase_advanced"
	EventPhaseBlocked  EventType = "phase_blocked"
	EventRolledBack    EventType = "rolled_back"
	EventSpecDone      EventType = "spec_done"
)

// Event is emitted on every state transition.
type Event struct {
	Type      EventType `json:"type"`
	SpecID    string    `json:"spec_id"`
	FromIndex int       `json:"from_index"`
	ToIndex   int       `json:"to_index"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// EventFunc receives state machine events.
type EventFunc func(Event)

// Machine enforces legal phase transitions for specs.
type Machine struct {
	store   Store
	logger  *zap.Logger
	tracer  trace.Tracer
	onEvent EventFunc
}

// NewMachine creates a phase state machine backed by the given store.
func NewMachine(store Store, logger *zap.Logger) (*Machine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// OnEvent sets the event callback. Events are delivered synchronously
// after the corresponding store mutation succeeds.
func (m *Machine) OnEvent(fn EventFunc) {
	m.onEvent = fn
}

// Advance moves the spec to its next phase. It fails with
// ErrGateNotSatisfied if required artifacts are missing or any gate
// command recorded a nonzero exit, and with ErrTasksPending while any
// dispatched task has not reached a terminal result.
//
// A simple-tier spec advancing out of evaluation skips synthesis and
// enters the first execution phase directly; this is the only legal
// phase skip and it is recorded in the audit log.
func (m *Machine) Advance(ctx context.Context, specID string) (*Spec, error) {
	ctx, span := m.tracer.Start(ctx, "spec.advance")
	defer span.End()
	span.SetAttributes(attribute.String("spec_id", specID))

	s, err := m.store.GetSpec(ctx, specID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if s.Status != StatusActive {
		return nil, fmt.Errorf("%w: status %s", ErrSpecNotActive, s.Status)
	}

	current, err := s.CurrentPhase()
	if err != nil {
		return nil, err
	}

	pending, err := m.store.PendingTaskCount(ctx, specID, current.Index)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	if pending > 0 {
		return nil, fmt.Errorf("%w: %d tasks in phase %d", ErrTasksPending, pending, current.Index)
	}

	if err := m.checkGates(ctx, s, current); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	from := s.CurrentPhaseIndex
	next := from + 1

	// Simple-tier specs skip synthesis, the only legal skip.
	skipped := false
	if s.Tier == TierSimple && next == IndexSynthesis {
		if p, perr := s.PhaseAt(IndexSynthesis); perr == nil {
			p.Status = PhaseSkipped
		}
		next = IndexExecutionStart
		skipped = true
	}

	current.Status = PhaseComplete

	if next >= len(s.Phases) {
		s.Status = StatusDone
		s.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdateSpec(ctx, s); err != nil {
			span.RecordError(err)
			return nil, err
		}
		m.audit(ctx, specID, AuditAdvance, from, "all phases complete")
		m.emit(Event{Type: EventSpecDone, SpecID: specID, FromIndex: from, ToIndex: from, At: time.Now().UTC()})
		m.logger.Info("spec done", zap.String("spec_id", specID))
		return s, nil
	}

	s.CurrentPhaseIndex = next
	s.Phases[next].Status = PhaseInProgress
	s.UpdatedAt = time.Now().UTC()

	if err := m.store.UpdateSpec(ctx, s); err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.audit(ctx, specID, AuditAdvance, next, fmt.Sprintf("advanced from phase %d", from))
	if skipped {
		m.audit(ctx, specID, AuditSkip, IndexSynthesis, "synthesis skipped: simple tier")
	}
	m.emit(Event{Type: EventPhaseAdvanced, SpecID: specID, FromIndex: from, ToIndex: next, At: time.Now().UTC()})

	m.logger.Info("phase advanced",
		zap.String("spec_id", specID),
		zap.Int("from", from),
		zap.Int("to", next),
		zap.Bool("synthesis_skipped", skipped),
	)
	span.SetAttributes(attribute.Int("to_index", next))
	return s, nil
}

// Block halts forward progress on the current phase. A non-empty reason
// is required. Blocking an already-blocked spec is a no-op.
func (m *Machine) Block(ctx context.Context, specID, reason string) error {
	ctx, span := m.tracer.Start(ctx, "spec.block")
	defer span.End()
	span.SetAttributes(attribute.String("spec_id", specID))

	if reason == "" {
		return ErrBlockReasonRequired
	}

	s, err := m.store.GetSpec(ctx, specID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if s.Status == StatusBlocked {
		return nil
	}
	if s.Status != StatusActive {
		return fmt.Errorf("%w: status %s", ErrSpecNotActive, s.Status)
	}

	current, err := s.CurrentPhase()
	if err != nil {
		return err
	}
	current.Status = PhaseBlocked
	s.Status = StatusBlocked
	s.UpdatedAt = time.Now().UTC()

	if err := m.store.UpdateSpec(ctx, s); err != nil {
		span.RecordError(err)
		return err
	}

	m.audit(ctx, specID, AuditBlock, current.Index, reason)
	m.emit(Event{Type: EventPhaseBlocked, SpecID: specID, FromIndex: current.Index, ToIndex: current.Index, Reason: reason, At: time.Now().UTC()})

	m.logger.Warn("phase blocked",
		zap.String("spec_id", specID),
		zap.Int("phase", current.Index),
		zap.String("reason", reason),
	)
	return nil
}

// Unblock returns a blocked spec to active so work can resume on the
// current phase.
func (m *Machine) Unblock(ctx context.Context, specID string) error {
	s, err := m.store.GetSpec(ctx, specID)
	if err != nil {
		return err
	}
	if s.Status != StatusBlocked {
		return fmt.Errorf("%w: status %s", ErrSpecNotActive, s.Status)
	}
	current, err := s.CurrentPhase()
	if err != nil {
		return err
	}
	current.Status = PhaseInProgress
	s.Status = StatusActive
	s.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateSpec(ctx, s); err != nil {
		return err
	}
	m.logger.Info("spec unblocked", zap.String("spec_id", specID), zap.Int("phase", current.Index))
	return nil
}

// Rollback moves the spec back to an earlier phase for re-analysis.
// Only legal when toIndex strictly precedes the current index. The
// regression is never silent: an explicit audit record is written and
// a RolledBack event emitted.
func (m *Machine) Rollback(ctx context.Context, specID string, toIndex int) (*Spec, error) {
	ctx, span := m.tracer.Start(ctx, "spec.rollback")
	defer span.End()
	span.SetAttributes(
		attribute.String("spec_id", specID),
		attribute.Int("to_index", toIndex),
	)

	s, err := m.store.GetSpec(ctx, specID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if toIndex < 0 || toIndex >= s.CurrentPhaseIndex {
		return nil, fmt.Errorf("%w: to=%d current=%d", ErrInvalidRollback, toIndex, s.CurrentPhaseIndex)
	}

	from := s.CurrentPhaseIndex
	for i := toIndex + 1; i < len(s.Phases); i++ {
		if s.Phases[i].Status != PhasePending {
			s.Phases[i].Status = PhasePending
		}
	}
	s.Phases[toIndex].Status = PhaseInProgress
	s.CurrentPhaseIndex = toIndex
	s.Status = StatusActive
	s.UpdatedAt = time.Now().UTC()

	if err := m.store.UpdateSpec(ctx, s); err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.audit(ctx, specID, AuditRollback, toIndex, fmt.Sprintf("rolled back from phase %d", from))
	m.emit(Event{Type: EventRolledBack, SpecID: specID, FromIndex: from, ToIndex: toIndex, At: time.Now().UTC()})

	m.logger.Warn("spec rolled back",
		zap.String("spec_id", specID),
		zap.Int("from", from),
		zap.Int("to", toIndex),
	)
	return s, nil
}

// Archive marks a done spec as archived. Specs are never deleted.
func (m *Machine) Archive(ctx context.Context, specID string) error {
	s, err := m.store.GetSpec(ctx, specID)
	if err != nil {
		return err
	}
	if s.Status != StatusDone {
		return fmt.Errorf("cannot archive spec with status %s", s.Status)
	}
	s.Status = StatusArchived
	s.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateSpec(ctx, s); err != nil {
		return err
	}
	m.audit(ctx, specID, AuditArchive, s.CurrentPhaseIndex, "")
	return nil
}

// checkGates verifies the exit conditions of the current phase.
func (m *Machine) checkGates(ctx context.Context, s *Spec, phase *Phase) error {
	produced, err := m.store.ListArtifacts(ctx, s.ID, phase.Index)
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}
	have := make(map[ArtifactKind]bool, len(produced))
	for _, a := range produced {
		have[a] = true
	}
	var missing []ArtifactKind
	for _, req := range phase.RequiredArtifacts {
		if !have[req] {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing artifacts %v", ErrGateNotSatisfied, missing)
	}

	if len(phase.GateCommands) == 0 {
		return nil
	}
	results, err := m.store.ListGateResults(ctx, s.ID, phase.Index)
	if err != nil {
		return fmt.Errorf("failed to list gate results: %w", err)
	}
	// Latest result per command wins; results are totally ordered.
	latest := make(map[string]GateResult, len(results))
	for _, r := range results {
		latest[r.Command] = r
	}
	for _, cmd := range phase.GateCommands {
		r, ok := latest[cmd.Raw]
		if !ok {
			return fmt.Errorf("%w: gate %q has not run", ErrGateNotSatisfied, cmd.Raw)
		}
		if r.ExitCode != 0 {
			return fmt.Errorf("%w: gate %q exited %d", ErrGateNotSatisfied, cmd.Raw, r.ExitCode)
		}
	}
	return nil
}

func (m *Machine) audit(ctx context.Context, specID, action string, phaseIndex int, detail string) {
	rec := AuditRecord{
		SpecID:     specID,
		Action:     action,
		PhaseIndex: phaseIndex,
		Detail:     detail,
		RecordedAt: time.Now().UTC(),
	}
	if err := m.store.AppendAudit(ctx, rec); err != nil {
		m.logger.Error("failed to append audit record",
			zap.String("spec_id", specID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (m *Machine) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

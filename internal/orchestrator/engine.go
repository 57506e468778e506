// Package orchestrator drives specs through their phases.
//
// The engine owns the per-phase data flow: fan out tasks, wait at the
// consolidation barrier, run verification gates, record reflection,
// emit the handoff pair, then advance the state machine. Failed tasks
// are redispatched with enriched context; a phase that keeps failing is
// blocked rather than retried forever. Gate failures found after tasks
// complete go back out as fix tasks so capability tiers stay honest.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/budget"
	"github.com/fyrsmithlabs/specd/internal/dispatch"
	"github.com/fyrsmithlabs/specd/internal/handoff"
	"github.com/fyrsmithlabs/specd/internal/reflection"
	"github.com/fyrsmithlabs/specd/internal/spec"
	"github.com/fyrsmithlabs/specd/internal/specstore"
	"github.com/fyrsmithlabs/specd/internal/verify"
)

const instrumentationName = "github.com/fyrsmithlabs/specd/internal/orchestrator"

var phaseRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "specd_orchestrator_phase_runs_total",
	Help: "Phase runs by outcome.",
}, []string{"outcome"})

// Store is the durable state the engine needs beyond the machine's view.
type Store interface {
	spec.Store

	CreateSpec(ctx context.Context, sp *spec.Spec) error
	AcquireLease(ctx context.Context, specID, holder string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, specID, holder string) error
}

// Config configures the engine.
type Config struct {
	// MaxRecoveries bounds redispatch attempts per failed task before the
	// phase is blocked (default 2).
	MaxRecoveries int `koanf:"max_recoveries"`
	// LeaseTTL is how long a resume lease lives between renewals.
	LeaseTTL time.Duration `koanf:"lease_ttl"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRecoveries: 2,
		LeaseTTL:      5 * time.Minute,
	}
}

// Engine drives the per-phase orchestration loop.
type Engine struct {
	config      *Config
	store       Store
	machine     *spec.Machine
	dispatcher  *dispatch.Dispatcher
	runner      *verify.Runner
	reflections *reflection.Aggregator
	handoffs    *handoff.Manager
	logger      *zap.Logger
	tracer      trace.Tracer

	// holder identifies this engine instance in lease records.
	holder string
}

// NewEngine creates an engine from its collaborators.
func NewEngine(cfg *Config, store Store, machine *spec.Machine, dispatcher *dispatch.Dispatcher, runner *verify.Runner, reflections *reflection.Aggregator, handoffs *handoff.Manager, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxRecoveries <= 0 {
		cfg.MaxRecoveries = 2
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if machine == nil {
		return nil, errors.New("state machine is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if runner == nil {
		return nil, errors.New("gate runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config:      cfg,
		store:       store,
		machine:     machine,
		dispatcher:  dispatcher,
		runner:      runner,
		reflections: reflections,
		handoffs:    handoffs,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		holder:      uuid.New().String(),
	}, nil
}

// Holder returns the engine's lease identity.
func (e *Engine) Holder() string {
	return e.holder
}

// CreateSpec creates and persists a spec with the canonical phase plan.
func (e *Engine) CreateSpec(ctx context.Context, name string, tier spec.ComplexityTier, executionPhases int) (*spec.Spec, error) {
	sp, err := spec.New(name, tier, executionPhases)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateSpec(ctx, sp); err != nil {
		return nil, err
	}
	return sp, nil
}

// RunPhase executes one full pass of the current phase: fan out the
// given tasks, recover failures, run gates, reflect, hand off, advance.
// The phase must be in_progress and every task must target it. The
// spec's writer lease is held for the duration of the run; a concurrent
// run by another orchestrator gets the store's ErrLeaseHeld.
func (e *Engine) RunPhase(ctx context.Context, specID string, tasks []*dispatch.Task) (*spec.Spec, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.run_phase")
	defer span.End()
	span.SetAttributes(
		attribute.String("spec_id", specID),
		attribute.Int("task_count", len(tasks)),
	)

	sp, err := e.store.GetSpec(ctx, specID)
	if err != nil {
		return nil, err
	}
	phase, err := sp.CurrentPhase()
	if err != nil {
		return nil, err
	}
	if phase.Status != spec.PhaseInProgress {
		return nil, fmt.Errorf("%w: phase %d is %s", dispatch.ErrPhaseNotInProgress, phase.Index, phase.Status)
	}
	for _, t := range tasks {
		if t.SpecID != specID || t.PhaseIndex != phase.Index {
			return nil, fmt.Errorf("task %s targets spec %s phase %d, want %s phase %d",
				t.ID, t.SpecID, t.PhaseIndex, specID, phase.Index)
		}
	}

	if err := e.store.AcquireLease(ctx, specID, e.holder, e.config.LeaseTTL); err != nil {
		span.RecordError(err)
		return nil, err
	}
	// Store writes during the run authenticate against the lease.
	ctx = specstore.WithHolder(ctx, e.holder)
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), specID, e.holder); err != nil {
			e.logger.Error("failed to release lease", zap.String("spec_id", specID), zap.Error(err))
		}
	}()

	if len(tasks) > 0 {
		if err := e.dispatcher.FanOut(ctx, tasks); err != nil {
			phaseRuns.WithLabelValues("dispatch_error").Inc()
			span.RecordError(err)
			return nil, err
		}
		if err := e.recoverFailures(ctx, specID, phase.Index, tasks); err != nil {
			phaseRuns.WithLabelValues("blocked").Inc()
			return nil, err
		}
	}

	gateResults, err := e.runGatesWithFix(ctx, sp, phase)
	if err != nil {
		phaseRuns.WithLabelValues("gate_failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.reflect(ctx, specID, phase.Index, tasks, gateResults)

	if e.handoffs != nil {
		if _, err := e.handoffs.Emit(ctx, specID, phase.Index); err != nil {
			phaseRuns.WithLabelValues("handoff_error").Inc()
			return nil, fmt.Errorf("failed to emit handoff: %w", err)
		}
	}

	advanced, err := e.machine.Advance(ctx, specID)
	if err != nil {
		phaseRuns.WithLabelValues("advance_error").Inc()
		return nil, err
	}
	phaseRuns.WithLabelValues("ok").Inc()

	e.logger.Info("phase run complete",
		zap.String("spec_id", specID),
		zap.Int("phase_index", phase.Index),
		zap.Int("tasks", len(tasks)),
		zap.String("status", string(advanced.Status)),
	)
	return advanced, nil
}

// recoverFailures redispatches each failed task with its failure folded
// into the packet's episodic tier. After MaxRecoveries failed attempts
// for any task the phase is blocked.
func (e *Engine) recoverFailures(ctx context.Context, specID string, phaseIndex int, tasks []*dispatch.Task) error {
	for _, t := range tasks {
		if t.Result.State != dispatch.ResultFailure {
			continue
		}
		if t.Result.Reason == dispatch.ReasonCancelled {
			return context.Canceled
		}

		failed := t
		recovered := false
		episodicChars := e.dispatcher.Limits().Episodic * 4
		for attempt := 1; attempt <= e.config.MaxRecoveries; attempt++ {
			retry := redispatchTask(failed, failed.Result.Reason, episodicChars)
			e.logger.Info("redispatching failed task",
				zap.String("spec_id", specID),
				zap.String("original_task_id", t.ID),
				zap.String("retry_task_id", retry.ID),
				zap.Int("attempt", attempt),
			)
			if err := e.dispatcher.Dispatch(ctx, retry); err != nil {
				return err
			}
			if retry.Result.State == dispatch.ResultSuccess {
				recovered = true
				break
			}
			if retry.Result.Reason == dispatch.ReasonCancelled {
				return context.Canceled
			}
			failed = retry
		}
		if !recovered {
			reason := fmt.Sprintf("task %s failed after %d recoveries: %s",
				t.ID, e.config.MaxRecoveries, failed.Result.Reason)
			if err := e.machine.Block(ctx, specID, reason); err != nil {
				return err
			}
			return fmt.Errorf("phase %d blocked: %s", phaseIndex, reason)
		}
	}
	return nil
}

// redispatchTask clones a failed task under a new ID with the failure
// context appended to the episodic tier. The tier is re-elided to
// maxChars so accumulated failure notes cannot push the packet over
// the episodic ceiling.
func redispatchTask(t *dispatch.Task, reason string, maxChars int) *dispatch.Task {
	packet := *t.Packet
	note := fmt.Sprintf("Previous attempt failed: %s", reason)
	if packet.Episodic == "" {
		packet.Episodic = note
	} else {
		packet.Episodic += "\n" + note
	}
	packet.Episodic = elideMiddle(packet.Episodic, maxChars)
	return dispatch.NewTask(t.SpecID, t.PhaseIndex, t.Operation, t.Partition, &packet)
}

// elideMiddle bounds s to max bytes by cutting from the middle, keeping
// the head and the tail. Gate and agent output put the verdict at the
// end; the beginning names what ran.
func elideMiddle(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	const marker = "\n[...output elided...]\n"
	if max <= len(marker) {
		return s[len(s)-max:]
	}
	keep := max - len(marker)
	head := keep / 2
	return s[:head] + marker + s[len(s)-(keep-head):]
}

// runGatesWithFix runs the phase's gates. A failing gate is handed to a
// fix task once, then the gates are rerun from the start. A second
// failure is returned as ErrGateNotSatisfied.
func (e *Engine) runGatesWithFix(ctx context.Context, sp *spec.Spec, phase *spec.Phase) ([]verify.Result, error) {
	results, err := e.runner.RunGates(ctx, sp.ID, phase)
	if err != nil {
		return nil, err
	}
	failed := firstFailure(results)
	if failed == nil {
		return results, nil
	}

	// Gate output can dwarf the working ceiling; compress it so the fix
	// packet passes CheckBudget instead of aborting the phase.
	header := fmt.Sprintf("Gate %q exited %d. Make it pass.\n\nOutput:\n", failed.Command, failed.ExitCode)
	output := elideMiddle(failed.Output, e.dispatcher.Limits().Working*4-len(header))
	fix := dispatch.NewTask(sp.ID, phase.Index, agent.OpFix, "", &budget.Packet{
		Working: header + output,
	})
	e.logger.Warn("gate failed, dispatching fix task",
		zap.String("spec_id", sp.ID),
		zap.Int("phase_index", phase.Index),
		zap.String("command", failed.Command),
		zap.String("fix_task_id", fix.ID),
	)
	if err := e.dispatcher.Dispatch(ctx, fix); err != nil {
		return nil, err
	}
	if fix.Result.State != dispatch.ResultSuccess {
		return results, fmt.Errorf("%w: gate %q failed and fix task did not succeed: %s",
			spec.ErrGateNotSatisfied, failed.Command, fix.Result.Reason)
	}

	results, err = e.runner.RunGates(ctx, sp.ID, phase)
	if err != nil {
		return nil, err
	}
	if failed := firstFailure(results); failed != nil {
		return results, fmt.Errorf("%w: gate %q still failing after fix", spec.ErrGateNotSatisfied, failed.Command)
	}
	return results, nil
}

func firstFailure(results []verify.Result) *verify.Result {
	for i := range results {
		if !results[i].Passed() {
			return &results[i]
		}
	}
	return nil
}

// reflect records a structured entry for the completed phase. Reflection
// is advisory; failures are logged, never fatal.
func (e *Engine) reflect(ctx context.Context, specID string, phaseIndex int, tasks []*dispatch.Task, gates []verify.Result) {
	if e.reflections == nil {
		return
	}
	entry := reflection.Entry{
		SpecID:     specID,
		PhaseIndex: phaseIndex,
		RecordedAt: time.Now().UTC(),
	}
	for _, t := range tasks {
		desc := fmt.Sprintf("%s on %s", t.Operation, t.Partition)
		if t.Result.State == dispatch.ResultSuccess {
			entry.WhatWorked = append(entry.WhatWorked, desc)
		} else {
			entry.WhatDidntWork = append(entry.WhatDidntWork, desc+": "+t.Result.Reason)
		}
	}
	for _, g := range gates {
		if !g.Passed() {
			entry.WhatDidntWork = append(entry.WhatDidntWork,
				fmt.Sprintf("gate %s: %s", g.Command, firstLine(g.Output)))
		}
	}
	if err := e.reflections.Record(ctx, entry); err != nil {
		e.logger.Error("failed to record reflection",
			zap.String("spec_id", specID),
			zap.Error(err),
		)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// PacketRefinements folds synthesized prompt diffs for an operation into
// a base packet, so later phases inherit earlier learnings.
func (e *Engine) PacketRefinements(ctx context.Context, specID string, op agent.OperationKind, base *budget.Packet) error {
	if e.reflections == nil {
		return nil
	}
	syn, err := e.reflections.SynthesizeSpec(ctx, specID)
	if err != nil {
		return err
	}
	var adds []string
	for _, d := range syn.PromptDiffs {
		if d.Scope != "all" && d.Scope != string(op) {
			continue
		}
		if d.Add != "" {
			adds = append(adds, d.Add)
		}
		if d.Remove != "" {
			base.Working = strings.ReplaceAll(base.Working, d.Remove, "")
		}
	}
	if len(adds) > 0 {
		refined := "Refinements from earlier phases:\n- " + strings.Join(adds, "\n- ")
		if base.Semantic == "" {
			base.Semantic = refined
		} else {
			base.Semantic += "\n\n" + refined
		}
	}
	return nil
}

// Resume takes the spec's writer lease and reconstructs state from the
// latest handoff pair. A second concurrent resumer gets the store's
// ErrLeaseHeld.
func (e *Engine) Resume(ctx context.Context, specID string) (*handoff.Handoff, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.resume")
	defer span.End()
	span.SetAttributes(attribute.String("spec_id", specID))

	if _, err := e.store.GetSpec(ctx, specID); err != nil {
		return nil, err
	}
	if err := e.store.AcquireLease(ctx, specID, e.holder, e.config.LeaseTTL); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if e.handoffs == nil {
		return nil, errors.New("handoff manager not configured")
	}

	h, err := e.handoffs.Resume(ctx, specID)
	if err != nil {
		// Do not hold the lease over a failed resume.
		if rerr := e.store.ReleaseLease(ctx, specID, e.holder); rerr != nil {
			e.logger.Error("failed to release lease", zap.String("spec_id", specID), zap.Error(rerr))
		}
		return nil, err
	}

	e.logger.Info("resumed from handoff",
		zap.String("spec_id", specID),
		zap.Int("phase_index", h.PhaseIndex),
	)
	return h, nil
}

// Release drops the engine's lease on a spec.
func (e *Engine) Release(ctx context.Context, specID string) error {
	return e.store.ReleaseLease(ctx, specID, e.holder)
}

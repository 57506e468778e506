package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/budget"
)

const instrumentationName = "github.com/fyrsmithlabs/specd/internal/dispatch"

// DefaultMaxParallel caps concurrent tasks within one phase fan-out.
const DefaultMaxParallel = 4

var (
	dispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specd_dispatch_tasks_total",
		Help: "Tasks dispatched, by operation and terminal result state.",
	}, []string{"operation", "state"})

	selectionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "specd_dispatch_no_eligible_agent_total",
		Help: "Dispatch attempts that found no eligible agent.",
	})
)

// Worker executes one instruction packet against an external agent.
// The engine treats the agent as a black box: it accepts a bounded
// packet and eventually returns output or an error.
type Worker interface {
	Execute(ctx context.Context, task *Task, a *agent.Agent) (string, error)
}

// TaskRecorder persists task state for audit. Implemented by specstore.
type TaskRecorder interface {
	SaveTask(ctx context.Context, t *Task) error
	UpdateTaskResult(ctx context.Context, t *Task) error
}

// Config configures the dispatcher.
type Config struct {
	// MaxParallel caps concurrent tasks in one fan-out (default 4).
	MaxParallel int `koanf:"max_parallel"`
}

// Dispatcher selects agents and executes tasks.
type Dispatcher struct {
	registry *agent.Registry
	tracker  *budget.Tracker
	recorder TaskRecorder
	worker   Worker
	logger   *zap.Logger
	tracer   trace.Tracer

	maxParallel int
	onDecision  func(Decision)
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(registry *agent.Registry, tracker *budget.Tracker, recorder TaskRecorder, worker Worker, logger *zap.Logger, cfg *Config) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("agent registry is required")
	}
	if tracker == nil {
		return nil, errors.New("budget tracker is required")
	}
	if worker == nil {
		return nil, errors.New("worker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxParallel := DefaultMaxParallel
	if cfg != nil && cfg.MaxParallel > 0 {
		maxParallel = cfg.MaxParallel
	}
	return &Dispatcher{
		registry:    registry,
		tracker:     tracker,
		recorder:    recorder,
		worker:      worker,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		maxParallel: maxParallel,
	}, nil
}

// OnDecision sets a callback receiving every selection decision. The
// reflection aggregator subscribes here.
func (d *Dispatcher) OnDecision(fn func(Decision)) {
	d.onDecision = fn
}

// Limits returns the budget ceilings packets are checked against, so
// callers can compress content to fit before dispatching.
func (d *Dispatcher) Limits() budget.Limits {
	return d.tracker.Limits()
}

// SelectAgent picks the least-privileged agent able to perform the
// operation. Among agents at the same tier the lexically smallest ID
// wins, making selection deterministic. Fails with ErrNoEligibleAgent
// when nothing matches. The returned Decision records the matched rule;
// the caller fills in the task ID.
func (d *Dispatcher) SelectAgent(op agent.OperationKind) (*agent.Agent, Decision, error) {
	catalog := d.registry.Catalog()
	required := catalog.RequiredTier(op)

	var best *agent.Agent
	candidates := 0
	for _, a := range catalog.Agents() {
		if !a.CanPerform(op) || !a.Tier.Allows(required) {
			continue
		}
		candidates++
		if best == nil {
			best = a
			continue
		}
		if a.Tier.Rank() < best.Tier.Rank() ||
			(a.Tier.Rank() == best.Tier.Rank() && a.ID < best.ID) {
			best = a
		}
	}

	decision := Decision{
		Operation:    op,
		RequiredTier: required,
		Candidates:   candidates,
		DecidedAt:    time.Now().UTC(),
	}
	if best == nil {
		selectionFailures.Inc()
		return nil, decision, fmt.Errorf("%w: %s (required tier %s)", ErrNoEligibleAgent, op, required)
	}
	decision.AgentID = best.ID
	decision.AgentTier = best.Tier
	return best, decision, nil
}

// Dispatch runs a single task to a terminal result. The call blocks
// until the agent returns; cancellation is recorded as a terminal
// failure with reason "cancelled".
func (d *Dispatcher) Dispatch(ctx context.Context, task *Task) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("spec_id", task.SpecID),
		attribute.String("operation", string(task.Operation)),
		attribute.Int("phase_index", task.PhaseIndex),
	)

	if task.Packet == nil {
		return errors.New("task has no instruction packet")
	}
	if err := d.tracker.CheckBudget(ctx, task.Packet); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	selected, decision, err := d.SelectAgent(task.Operation)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	task.AgentID = selected.ID
	decision.TaskID = task.ID

	d.logger.Info("dispatch decision",
		zap.String("task_id", task.ID),
		zap.String("operation", string(task.Operation)),
		zap.String("required_tier", string(decision.RequiredTier)),
		zap.String("agent_id", selected.ID),
		zap.String("agent_tier", string(selected.Tier)),
		zap.Int("candidates", decision.Candidates),
	)
	if d.onDecision != nil {
		d.onDecision(decision)
	}

	if d.recorder != nil {
		if err := d.recorder.SaveTask(ctx, task); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to persist task: %w", err)
		}
	}

	output, execErr := d.worker.Execute(ctx, task, selected)
	task.CompletedAt = time.Now().UTC()

	switch {
	case execErr == nil:
		task.Result = Result{State: ResultSuccess, Output: output}
	case errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded):
		task.Result = Result{State: ResultFailure, Reason: ReasonCancelled}
	default:
		task.Result = Result{State: ResultFailure, Reason: execErr.Error()}
	}
	dispatchesTotal.WithLabelValues(string(task.Operation), string(task.Result.State)).Inc()

	if d.recorder != nil {
		if err := d.recorder.UpdateTaskResult(ctx, task); err != nil {
			d.logger.Error("failed to persist task result",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
		}
	}

	if task.Result.State == ResultFailure {
		d.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("agent_id", task.AgentID),
			zap.String("reason", task.Result.Reason),
		)
		span.SetStatus(codes.Error, task.Result.Reason)
	}
	return nil
}

// FanOut dispatches tasks in parallel within one phase, capped at
// MaxParallel, and blocks at the consolidation barrier until every task
// has a terminal result. All tasks must declare pairwise-disjoint
// resource partitions; overlap is rejected up front so the caller can
// fall back to sequential dispatch.
func (d *Dispatcher) FanOut(ctx context.Context, tasks []*Task) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.fanout")
	defer span.End()
	span.SetAttributes(attribute.Int("task_count", len(tasks)))

	if err := CheckPartitions(tasks); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxParallel)
	for _, task := range tasks {
		g.Go(func() error {
			return d.Dispatch(gctx, task)
		})
	}

	// Consolidation barrier: no result ordering is guaranteed among the
	// fan-out tasks, only relative to this join.
	if err := g.Wait(); err != nil {
		return err
	}

	d.logger.Info("fan-out complete", zap.Int("tasks", len(tasks)))
	return nil
}

// CheckPartitions validates that fan-out tasks operate on pairwise
// disjoint path-prefix partitions. An empty partition means "the whole
// tree" and overlaps everything else.
func CheckPartitions(tasks []*Task) error {
	if len(tasks) < 2 {
		return nil
	}
	for i := 0; i < len(tasks); i++ {
		for j := i + 1; j < len(tasks); j++ {
			if partitionsOverlap(tasks[i].Partition, tasks[j].Partition) {
				return fmt.Errorf("%w: %q and %q", ErrPartitionOverlap, tasks[i].Partition, tasks[j].Partition)
			}
		}
	}
	return nil
}

func partitionsOverlap(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	a = strings.TrimSuffix(a, "/")
	b = strings.TrimSuffix(b, "/")
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

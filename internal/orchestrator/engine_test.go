package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/budget"
	"github.com/fyrsmithlabs/specd/internal/dispatch"
	"github.com/fyrsmithlabs/specd/internal/handoff"
	"github.com/fyrsmithlabs/specd/internal/reflection"
	"github.com/fyrsmithlabs/specd/internal/spec"
	"github.com/fyrsmithlabs/specd/internal/specstore"
	"github.com/fyrsmithlabs/specd/internal/verify"
)

const testManifest = `capabilities: [read_only, write_reports, write_files]
agents:
  - name: builder
    description: Implements changes
    model: claude-sonnet-4-5
    tier: write_files
    operations: [implement, fix]
  - name: scout
    description: Read-only analyst
    model: claude-haiku-4-5
    tier: read_only
    operations: [analyze]
selection_rules:
  - operation: analyze
    required_tier: read_only
  - operation: implement
    required_tier: write_files
  - operation: fix
    required_tier: write_files
`

// scriptedWorker fails a partition a fixed number of times, then
// succeeds. Fix tasks create markerPath so file-based gates can flip.
type scriptedWorker struct {
	mu           sync.Mutex
	failuresLeft map[string]int
	markerPath   string
	executions   int
}

func (w *scriptedWorker) Execute(_ context.Context, task *dispatch.Task, _ *agent.Agent) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.executions++
	if task.Operation == agent.OpFix && w.markerPath != "" {
		if err := os.WriteFile(w.markerPath, []byte("fixed"), 0o600); err != nil {
			return "", err
		}
		return "marker created", nil
	}
	if w.failuresLeft[task.Partition] > 0 {
		w.failuresLeft[task.Partition]--
		return "", errors.New("agent reported failure")
	}
	return "done", nil
}

type testRig struct {
	engine     *Engine
	store      *specstore.Store
	machine    *spec.Machine
	worker     *scriptedWorker
	workDir    string
	handoffDir string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	root := t.TempDir()

	store, err := specstore.New(&specstore.Config{DataDir: filepath.Join(root, "db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	machine, err := spec.NewMachine(store, nil)
	require.NoError(t, err)

	agentsDir := filepath.Join(root, "agents")
	require.NoError(t, os.MkdirAll(agentsDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, agent.ManifestFileName), []byte(testManifest), 0o600))
	registry, err := agent.NewRegistry(agentsDir, nil)
	require.NoError(t, err)

	tracker, err := budget.NewTracker(budget.DefaultLimits(), nil)
	require.NoError(t, err)

	worker := &scriptedWorker{failuresLeft: map[string]int{}}
	dispatcher, err := dispatch.NewDispatcher(registry, tracker, store, worker, nil, nil)
	require.NoError(t, err)

	workDir := filepath.Join(root, "work")
	require.NoError(t, os.MkdirAll(workDir, 0o700))
	runner := verify.NewRunner(&verify.Config{WorkDir: workDir}, store, nil)

	reflections, err := reflection.NewAggregator(filepath.Join(root, "reflections"), nil)
	require.NoError(t, err)

	handoffDir := filepath.Join(root, "handoffs")
	handoffs, err := handoff.NewManager(handoffDir, store, reflections, tracker, nil)
	require.NoError(t, err)
	handoffs.SetAuditor(store)
	handoffs.SetWorkDir(workDir)

	engine, err := NewEngine(nil, store, machine, dispatcher, runner, reflections, handoffs, nil)
	require.NoError(t, err)

	return &testRig{
		engine:     engine,
		store:      store,
		machine:    machine,
		worker:     worker,
		workDir:    workDir,
		handoffDir: handoffDir,
	}
}

func (r *testRig) createSpec(t *testing.T) *spec.Spec {
	t.Helper()
	sp, err := r.engine.CreateSpec(context.Background(), "checkout-flow", spec.TierStandard, 2)
	require.NoError(t, err)
	return sp
}

func TestRunPhase_AdvancesOnSuccess(t *testing.T) {
	rig := newTestRig(t)
	sp := rig.createSpec(t)
	ctx := context.Background()

	tasks := []*dispatch.Task{
		dispatch.NewTask(sp.ID, 0, agent.OpAnalyze, "src/cart", &budget.Packet{Working: "map the cart module"}),
		dispatch.NewTask(sp.ID, 0, agent.OpAnalyze, "src/checkout", &budget.Packet{Working: "map checkout"}),
	}
	advanced, err := rig.engine.RunPhase(ctx, sp.ID, tasks)
	require.NoError(t, err)
	assert.Equal(t, 1, advanced.CurrentPhaseIndex)
	assert.Equal(t, spec.PhaseComplete, advanced.Phases[0].Status)

	for _, task := range tasks {
		assert.Equal(t, dispatch.ResultSuccess, task.Result.State)
	}

	// The handoff pair exists and reflection was recorded.
	h, err := rig.engine.Resume(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, h.PhaseIndex)
}

func TestRunPhase_PhaseNotInProgress(t *testing.T) {
	rig := newTestRig(t)
	sp := rig.createSpec(t)
	ctx := context.Background()

	require.NoError(t, rig.machine.Block(ctx, sp.ID, "waiting on review"))

	_, err := rig.engine.RunPhase(ctx, sp.ID, nil)
	require.ErrorIs(t, err, dispatch.ErrPhaseNotInProgress)
}

func TestRunPhase_RejectsForeignTasks(t *testing.T) {
	rig := newTestRig(t)
	sp := rig.createSpec(t)

	wrong := dispatch.NewTask(sp.ID, 3, agent.OpAnalyze, "src", &budget.Packet{Working: "x"})
	_, err := rig.engine.RunPhase(context.Background(), sp.ID, []*dispatch.Task{wrong})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "targets spec")
}

func TestRunPhase_RecoversFailedTask(t *testing.T) {
	rig := newTestRig(t)
	sp := rig.createSpec(t)
	rig.worker.failuresLeft["src/cart"] = 1

	tasks := []*dispatch.Task{
		dispatch.NewTask(sp.ID, 0, agent.OpAnalyze, "src/cart", &budget.Packet{Working: "map the cart"}),
	}
	advanced, err := rig.engine.RunPhase(context.Background(), sp.ID, tasks)
	require.NoError(t, err)
	assert.Equal(t, 1, advanced.CurrentPhaseIndex)
	// Original attempt plus one recovery.
	assert.Equal(t, 2, rig.worker.executions)
}

func TestRunPhase_BlocksAfterRepeatedFailures(t *testing.T) {
	rig := newTestRig(t)
	sp := rig.createSpec(t)
	ctx := context.Background()
	// Original attempt plus both recoveries fail.
	rig.worker.failuresLeft["src/cart"] = 3

	tasks := []*dispatch.Task{
		dispatch.NewTask(sp.ID, 0, agent.OpAnalyze, "src/cart", &budget.Packet{Working: "map the cart"}),
	}
	_, err := rig.engine.RunPhase(ctx, sp.ID, tasks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")

	got, err := rig.store.GetSpec(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, spec.StatusBlocked, got.Status)
	assert.Equal(t, 0, got.CurrentPhaseIndex)
}

func TestRunPhase_GateFailureGoesToFixTask(t *testing.T) {
	rig := newTestRig(t)
	sp := rig.createSpec(t)
	ctx := context.Background()

	marker := filepath.Join(rig.workDir, "lint.ok")
	rig.worker.markerPath = marker

	// The gate fails until the fix task creates the marker.
	sp.Phases[0].GateCommands = []spec.Command{{Raw: "test -f lint.ok"}}
	require.NoError(t, rig.store.UpdateSpec(ctx, sp))

	advanced, err := rig.engine.RunPhase(ctx, sp.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, advanced.CurrentPhaseIndex)

	_, statErr := os.Stat(marker)
	require.NoError(t, statErr)
}

func TestRunPhase_CompressesOversizedGateOutput(t *testing.T) {
	rig := newTestRig(t)
	sp := rig.createSpec(t)
	ctx := context.Background()

	marker := filepath.Join(rig.workDir, "lint.ok")
	rig.worker.markerPath = marker

	// The failing gate floods stdout well past the working ceiling; the
	// fix packet must still fit the budget.
	sp.Phases[0].GateCommands = []spec.Command{{Raw: "test -f lint.ok || { seq 5000; exit 1; }"}}
	require.NoError(t, rig.store.UpdateSpec(ctx, sp))

	advanced, err := rig.engine.RunPhase(ctx, sp.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, advanced.CurrentPhaseIndex)

	_, statErr := os.Stat(marker)
	require.NoError(t, statErr)
}

func TestElideMiddle(t *testing.T) {
	long := strings.Repeat("a", 500) + strings.Repeat("z", 500)

	got := elideMiddle(long, 100)
	assert.LessOrEqual(t, len(got), 100)
	assert.True(t, strings.HasPrefix(got, "aaa"))
	assert.True(t, strings.HasSuffix(got, "zzz"))
	assert.Contains(t, got, "elided")

	assert.Equal(t, "short", elideMiddle("short", 100))
	assert.Equal(t, "", elideMiddle(long, 0))
	// A tiny ceiling keeps the tail, where the verdict lives.
	assert.Equal(t, "zzzz", elideMiddle(long, 4))
}

func TestRunPhase_GateStillFailingAfterFix(t *testing.T) {
	rig := newTestRig(t)
	sp := rig.createSpec(t)
	ctx := context.Background()

	sp.Phases[0].GateCommands = []spec.Command{{Raw: "false"}}
	require.NoError(t, rig.store.UpdateSpec(ctx, sp))

	_, err := rig.engine.RunPhase(ctx, sp.ID, nil)
	require.ErrorIs(t, err, spec.ErrGateNotSatisfied)

	// The spec did not advance.
	got, err := rig.store.GetSpec(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentPhaseIndex)
}

func TestRunPhase_LeaseHeldByAnotherOrchestrator(t *testing.T) {
	rig := newTestRig(t)
	sp := rig.createSpec(t)
	ctx := context.Background()

	require.NoError(t, rig.store.AcquireLease(ctx, sp.ID, "other-orchestrator", time.Minute))

	_, err := rig.engine.RunPhase(ctx, sp.ID, nil)
	require.ErrorIs(t, err, specstore.ErrLeaseHeld)

	// The state machine cannot write past a live foreign lease either.
	_, err = rig.machine.Advance(ctx, sp.ID)
	require.ErrorIs(t, err, specstore.ErrLeaseHeld)

	got, err := rig.store.GetSpec(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentPhaseIndex)
}

func TestRunPhase_ReleasesLeaseAfterRun(t *testing.T) {
	rig := newTestRig(t)
	sp := rig.createSpec(t)
	ctx := context.Background()

	_, err := rig.engine.RunPhase(ctx, sp.ID, nil)
	require.NoError(t, err)

	// The spec is free for another orchestrator once the run completes.
	require.NoError(t, rig.store.AcquireLease(ctx, sp.ID, "other-orchestrator", time.Minute))
}

func TestResume_SecondResumerRejected(t *testing.T) {
	rig := newTestRig(t)
	sp := rig.createSpec(t)
	ctx := context.Background()

	_, err := rig.engine.RunPhase(ctx, sp.ID, nil)
	require.NoError(t, err)

	_, err = rig.engine.Resume(ctx, sp.ID)
	require.NoError(t, err)

	second, err := NewEngine(nil, rig.store, rig.machine, mustDispatcher(t, rig), mustRunner(rig), nil, mustHandoffs(t, rig), nil)
	require.NoError(t, err)
	_, err = second.Resume(ctx, sp.ID)
	require.ErrorIs(t, err, specstore.ErrLeaseHeld)

	// After release the second engine may take over.
	require.NoError(t, rig.engine.Release(ctx, sp.ID))
	_, err = second.Resume(ctx, sp.ID)
	require.NoError(t, err)
}

func TestPacketRefinements(t *testing.T) {
	rig := newTestRig(t)
	sp := rig.createSpec(t)
	ctx := context.Background()

	refl, err := reflection.NewAggregator(t.TempDir(), nil)
	require.NoError(t, err)
	engine, err := NewEngine(nil, rig.store, rig.machine, mustDispatcher(t, rig), mustRunner(rig), refl, nil, nil)
	require.NoError(t, err)

	require.NoError(t, refl.Record(ctx, reflection.Entry{
		SpecID:     sp.ID,
		PhaseIndex: 1,
		PromptRefinements: []reflection.PromptDiff{
			{Scope: "implement", Remove: "be thorough", Add: "list the files you touched"},
			{Scope: "analyze", Add: "not for implement tasks"},
		},
	}))

	packet := &budget.Packet{Working: "be thorough and add the endpoint"}
	require.NoError(t, engine.PacketRefinements(ctx, sp.ID, agent.OpImplement, packet))
	assert.NotContains(t, packet.Working, "be thorough")
	assert.Contains(t, packet.Semantic, "list the files you touched")
	assert.NotContains(t, packet.Semantic, "not for implement tasks")
}

func mustDispatcher(t *testing.T, rig *testRig) *dispatch.Dispatcher {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, agent.ManifestFileName), []byte(testManifest), 0o600))
	registry, err := agent.NewRegistry(dir, nil)
	require.NoError(t, err)
	tracker, err := budget.NewTracker(budget.DefaultLimits(), nil)
	require.NoError(t, err)
	d, err := dispatch.NewDispatcher(registry, tracker, rig.store, rig.worker, nil, nil)
	require.NoError(t, err)
	return d
}

func mustRunner(rig *testRig) *verify.Runner {
	return verify.NewRunner(&verify.Config{WorkDir: rig.workDir}, rig.store, nil)
}

func mustHandoffs(t *testing.T, rig *testRig) *handoff.Manager {
	t.Helper()
	tracker, err := budget.NewTracker(budget.DefaultLimits(), nil)
	require.NoError(t, err)
	m, err := handoff.NewManager(rig.handoffDir, rig.store, nil, tracker, nil)
	require.NoError(t, err)
	return m
}

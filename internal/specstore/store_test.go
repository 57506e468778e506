package specstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/budget"
	"github.com/fyrsmithlabs/specd/internal/dispatch"
	"github.com/fyrsmithlabs/specd/internal/spec"
	"github.com/fyrsmithlabs/specd/internal/verify"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestSpec(t *testing.T, s *Store) *spec.Spec {
	t.Helper()
	sp, err := spec.New("auth-overhaul", spec.TierStandard, 2)
	require.NoError(t, err)
	require.NoError(t, s.CreateSpec(context.Background(), sp))
	return sp
}

func TestCreateAndGetSpec(t *testing.T) {
	s := newTestStore(t)
	sp := createTestSpec(t, s)

	got, err := s.GetSpec(context.Background(), sp.ID)
	require.NoError(t, err)
	assert.Equal(t, sp.ID, got.ID)
	assert.Equal(t, "auth-overhaul", got.Name)
	assert.Equal(t, spec.TierStandard, got.Tier)
	assert.Equal(t, spec.StatusActive, got.Status)
	require.Len(t, got.Phases, 6)
	assert.Equal(t, spec.PhaseInProgress, got.Phases[0].Status)
}

func TestGetSpec_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSpec(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSpecNotFound)
}

func TestListSpecs(t *testing.T) {
	s := newTestStore(t)
	createTestSpec(t, s)
	createTestSpec(t, s)

	specs, err := s.ListSpecs(context.Background())
	require.NoError(t, err)
	assert.Len(t, specs, 2)
}

func TestUpdateSpec_ForwardProgress(t *testing.T) {
	s := newTestStore(t)
	sp := createTestSpec(t, s)

	sp.Phases[0].Status = spec.PhaseComplete
	sp.CurrentPhaseIndex = 1
	sp.Phases[1].Status = spec.PhaseInProgress
	sp.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.UpdateSpec(context.Background(), sp))

	got, err := s.GetSpec(context.Background(), sp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentPhaseIndex)
	assert.Equal(t, spec.PhaseComplete, got.Phases[0].Status)
}

func TestUpdateSpec_RejectsSilentRegression(t *testing.T) {
	s := newTestStore(t)
	sp := createTestSpec(t, s)

	sp.CurrentPhaseIndex = 2
	sp.Phases[2].Status = spec.PhaseInProgress
	require.NoError(t, s.UpdateSpec(context.Background(), sp))

	// Index moves backwards but phase 2 still claims completion: not a
	// rollback shape.
	sp.CurrentPhaseIndex = 1
	sp.Phases[1].Status = spec.PhaseInProgress
	sp.Phases[2].Status = spec.PhaseComplete
	err := s.UpdateSpec(context.Background(), sp)
	require.ErrorIs(t, err, ErrIndexRegression)
}

func TestUpdateSpec_AllowsRollbackShape(t *testing.T) {
	s := newTestStore(t)
	sp := createTestSpec(t, s)

	sp.CurrentPhaseIndex = 2
	sp.Phases[0].Status = spec.PhaseComplete
	sp.Phases[1].Status = spec.PhaseComplete
	sp.Phases[2].Status = spec.PhaseInProgress
	require.NoError(t, s.UpdateSpec(context.Background(), sp))

	// Proper rollback: target in_progress, everything after pending.
	sp.CurrentPhaseIndex = 1
	sp.Phases[1].Status = spec.PhaseInProgress
	for i := 2; i < len(sp.Phases); i++ {
		sp.Phases[i].Status = spec.PhasePending
	}
	require.NoError(t, s.UpdateSpec(context.Background(), sp))

	got, err := s.GetSpec(context.Background(), sp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentPhaseIndex)
}

func TestArtifacts(t *testing.T) {
	s := newTestStore(t)
	sp := createTestSpec(t, s)
	ctx := context.Background()

	require.NoError(t, s.AddArtifact(ctx, sp.ID, 1, "discovery_report", "reports/discovery.md"))
	require.NoError(t, s.AddArtifact(ctx, sp.ID, 2, "evaluation_report", "reports/evaluation.md"))

	kinds, err := s.ListArtifacts(ctx, sp.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []spec.ArtifactKind{"discovery_report"}, kinds)

	paths, err := s.ListArtifactPaths(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"reports/discovery.md", "reports/evaluation.md"}, paths)
}

func TestGateResults_OrderPreserved(t *testing.T) {
	s := newTestStore(t)
	sp := createTestSpec(t, s)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, s.AppendGateResult(ctx, sp.ID, 3, verify.Result{
		Command: "make lint", ExitCode: 1, Output: "unused var", Attempts: 1, Timestamp: base,
	}))
	require.NoError(t, s.AppendGateResult(ctx, sp.ID, 3, verify.Result{
		Command: "make lint", ExitCode: 0, Output: "", Attempts: 1, Timestamp: base.Add(time.Minute),
	}))

	results, err := s.ListGateResults(ctx, sp.ID, 3)
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Insert order is preserved so the latest result comes last.
	assert.Equal(t, 1, results[0].ExitCode)
	assert.Equal(t, 0, results[1].ExitCode)
}

func TestTasks_SaveUpdateList(t *testing.T) {
	s := newTestStore(t)
	sp := createTestSpec(t, s)
	ctx := context.Background()

	task := dispatch.NewTask(sp.ID, 4, agent.OpImplement, "src/auth", &budget.Packet{Working: "add mfa"})
	require.NoError(t, s.SaveTask(ctx, task))

	n, err := s.PendingTaskCount(ctx, sp.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task.AgentID = "builder"
	task.Result = dispatch.Result{State: dispatch.ResultSuccess, Output: "mfa added"}
	task.CompletedAt = time.Now().UTC()
	require.NoError(t, s.UpdateTaskResult(ctx, task))

	n, err = s.PendingTaskCount(ctx, sp.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	tasks, err := s.ListTasks(ctx, sp.ID, 4)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)
	assert.Equal(t, agent.OpImplement, tasks[0].Operation)
	assert.Equal(t, "src/auth", tasks[0].Partition)
	assert.Equal(t, "builder", tasks[0].AgentID)
	assert.Equal(t, dispatch.ResultSuccess, tasks[0].Result.State)
	assert.Equal(t, "add mfa", tasks[0].Packet.Working)
	assert.False(t, tasks[0].CompletedAt.IsZero())
}

func TestUpdateTaskResult_NotFound(t *testing.T) {
	s := newTestStore(t)
	task := dispatch.NewTask("spec-x", 1, agent.OpAnalyze, "src", &budget.Packet{})
	err := s.UpdateTaskResult(context.Background(), task)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestAuditLog_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	sp := createTestSpec(t, s)
	ctx := context.Background()

	for i, action := range []string{spec.AuditAdvance, spec.AuditBlock, spec.AuditRollback} {
		require.NoError(t, s.AppendAudit(ctx, spec.AuditRecord{
			SpecID:     sp.ID,
			Action:     action,
			PhaseIndex: i,
			RecordedAt: time.Now().UTC(),
		}))
	}

	records, err := s.ListAudit(ctx, sp.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, spec.AuditAdvance, records[0].Action)
	assert.Equal(t, spec.AuditRollback, records[2].Action)
}

func TestLease_SecondHolderRejected(t *testing.T) {
	s := newTestStore(t)
	sp := createTestSpec(t, s)
	ctx := context.Background()

	require.NoError(t, s.AcquireLease(ctx, sp.ID, "orch-a", time.Minute))

	err := s.AcquireLease(ctx, sp.ID, "orch-b", time.Minute)
	require.ErrorIs(t, err, ErrLeaseHeld)

	// The holder can re-acquire to extend.
	require.NoError(t, s.AcquireLease(ctx, sp.ID, "orch-a", time.Minute))
}

func TestLease_ExpiredLeaseIsTakeable(t *testing.T) {
	s := newTestStore(t)
	sp := createTestSpec(t, s)
	ctx := context.Background()

	require.NoError(t, s.AcquireLease(ctx, sp.ID, "orch-a", -time.Second))
	require.NoError(t, s.AcquireLease(ctx, sp.ID, "orch-b", time.Minute))
}

func TestLease_RenewAndRelease(t *testing.T) {
	s := newTestStore(t)
	sp := createTestSpec(t, s)
	ctx := context.Background()

	require.NoError(t, s.AcquireLease(ctx, sp.ID, "orch-a", time.Minute))
	require.NoError(t, s.RenewLease(ctx, sp.ID, "orch-a", time.Minute))

	err := s.RenewLease(ctx, sp.ID, "orch-b", time.Minute)
	require.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, s.ReleaseLease(ctx, sp.ID, "orch-a"))
	require.NoError(t, s.AcquireLease(ctx, sp.ID, "orch-b", time.Minute))
}

func TestLease_GuardsWrites(t *testing.T) {
	s := newTestStore(t)
	sp := createTestSpec(t, s)
	ctx := context.Background()

	require.NoError(t, s.AcquireLease(ctx, sp.ID, "orch-a", time.Minute))

	// Anonymous and foreign writers are rejected while the lease is live.
	sp.UpdatedAt = time.Now().UTC()
	require.ErrorIs(t, s.UpdateSpec(ctx, sp), ErrLeaseHeld)
	require.ErrorIs(t, s.UpdateSpec(WithHolder(ctx, "orch-b"), sp), ErrLeaseHeld)

	task := dispatch.NewTask(sp.ID, 0, agent.OpAnalyze, "src", &budget.Packet{Working: "x"})
	require.ErrorIs(t, s.SaveTask(ctx, task), ErrLeaseHeld)
	require.ErrorIs(t, s.AddArtifact(ctx, sp.ID, 0, "discovery_report", "reports/discovery.md"), ErrLeaseHeld)
	require.ErrorIs(t, s.AppendGateResult(ctx, sp.ID, 0, verify.Result{Command: "true"}), ErrLeaseHeld)

	// The holder writes through its own lease.
	held := WithHolder(ctx, "orch-a")
	require.NoError(t, s.UpdateSpec(held, sp))
	require.NoError(t, s.SaveTask(held, task))

	// Release frees the spec for everyone again.
	require.NoError(t, s.ReleaseLease(ctx, sp.ID, "orch-a"))
	require.NoError(t, s.UpdateSpec(ctx, sp))
}

func TestLease_ExpiredLeaseDoesNotGuardWrites(t *testing.T) {
	s := newTestStore(t)
	sp := createTestSpec(t, s)
	ctx := context.Background()

	require.NoError(t, s.AcquireLease(ctx, sp.ID, "orch-a", -time.Second))

	sp.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.UpdateSpec(ctx, sp))
}

func TestStoreSatisfiesMachineStore(t *testing.T) {
	var _ spec.Store = (*Store)(nil)
	var _ dispatch.TaskRecorder = (*Store)(nil)
	var _ verify.Recorder = (*Store)(nil)
}

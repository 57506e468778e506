package handoff

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specd/internal/budget"
	"github.com/fyrsmithlabs/specd/internal/dispatch"
	"github.com/fyrsmithlabs/specd/internal/reflection"
	"github.com/fyrsmithlabs/specd/internal/spec"
)

type fakeSource struct {
	spec      *spec.Spec
	tasks     []*dispatch.Task
	artifacts []string
}

func (f *fakeSource) GetSpec(_ context.Context, id string) (*spec.Spec, error) {
	if f.spec == nil || f.spec.ID != id {
		return nil, errors.New("spec not found")
	}
	return f.spec, nil
}

func (f *fakeSource) ListTasks(_ context.Context, _ string, _ int) ([]*dispatch.Task, error) {
	return f.tasks, nil
}

func (f *fakeSource) ListArtifactPaths(_ context.Context, _ string) ([]string, error) {
	return f.artifacts, nil
}

type fakeReflections struct {
	entries []reflection.Entry
}

func (f *fakeReflections) Tail(_ context.Context, _ string, n int) ([]reflection.Entry, error) {
	if n > 0 && len(f.entries) > n {
		return f.entries[len(f.entries)-n:], nil
	}
	return f.entries, nil
}

func newTestSpec(t *testing.T) *spec.Spec {
	t.Helper()
	s, err := spec.New("payments-refactor", spec.TierStandard, 2)
	require.NoError(t, err)
	s.CurrentPhaseIndex = 2
	s.Phases[2].Status = spec.PhaseComplete
	return s
}

func newTestManager(t *testing.T, src *fakeSource, refl Reflections) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	tracker, err := budget.NewTracker(budget.DefaultLimits(), nil)
	require.NoError(t, err)
	m, err := NewManager(dir, src, refl, tracker, nil)
	require.NoError(t, err)
	return m, dir
}

func TestEmit_WritesPair(t *testing.T) {
	s := newTestSpec(t)
	task := dispatch.NewTask(s.ID, 2, "analyze", "src/api", &budget.Packet{Working: "x"})
	task.Result = dispatch.Result{State: dispatch.ResultSuccess, Output: "ok"}
	src := &fakeSource{spec: s, tasks: []*dispatch.Task{task}}
	refl := &fakeReflections{entries: []reflection.Entry{
		{SpecID: s.ID, PhaseIndex: 2, WhatWorked: []string{"narrow partitions"}},
	}}
	m, dir := newTestManager(t, src, refl)

	h, err := m.Emit(context.Background(), s.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, h.PhaseIndex)
	assert.Contains(t, h.Packet.Working, "analyze")
	assert.Contains(t, h.Packet.Episodic, "narrow partitions")
	assert.Contains(t, h.Packet.Semantic, "payments-refactor")
	assert.NotEmpty(t, h.Prompt)

	specDir := filepath.Join(dir, s.ID)
	for _, name := range []string{"HANDOFF_P2.md", "P2_ORCHESTRATOR_PROMPT.md"} {
		_, err := os.Stat(filepath.Join(specDir, name))
		require.NoError(t, err, name)
	}
	// No temp files survive.
	entries, err := os.ReadDir(specDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestEmit_OverBudgetWritesNothing(t *testing.T) {
	s := newTestSpec(t)
	// A 2500-token working tier: one task whose failure reason alone is
	// 10000 characters.
	task := dispatch.NewTask(s.ID, 2, "implement", "src", &budget.Packet{Working: "x"})
	task.Result = dispatch.Result{
		State:  dispatch.ResultFailure,
		Reason: strings.Repeat("stack", 2000),
	}
	src := &fakeSource{spec: s, tasks: []*dispatch.Task{task}}
	m, dir := newTestManager(t, src, nil)

	_, err := m.Emit(context.Background(), s.ID, 2)
	require.Error(t, err)

	var be *budget.Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, budget.TierWorking, be.Tier)

	// Neither artifact exists.
	_, statErr := os.Stat(filepath.Join(dir, s.ID))
	assert.True(t, os.IsNotExist(statErr))
}

func TestResume_RoundTrip(t *testing.T) {
	s := newTestSpec(t)
	src := &fakeSource{spec: s}
	m, _ := newTestManager(t, src, nil)

	emitted, err := m.Emit(context.Background(), s.ID, 2)
	require.NoError(t, err)

	resumed, err := m.Resume(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, resumed.SpecID)
	assert.Equal(t, 2, resumed.PhaseIndex)
	assert.Equal(t, strings.TrimSpace(emitted.Packet.Working), resumed.Packet.Working)
	assert.Equal(t, strings.TrimSpace(emitted.Prompt), resumed.Prompt)
}

func TestResume_PicksLatestPhase(t *testing.T) {
	s := newTestSpec(t)
	src := &fakeSource{spec: s}
	m, _ := newTestManager(t, src, nil)

	_, err := m.Emit(context.Background(), s.ID, 1)
	require.NoError(t, err)
	_, err = m.Emit(context.Background(), s.ID, 2)
	require.NoError(t, err)

	resumed, err := m.Resume(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, resumed.PhaseIndex)
}

func TestResume_IncompletePair(t *testing.T) {
	s := newTestSpec(t)
	src := &fakeSource{spec: s}
	m, dir := newTestManager(t, src, nil)

	_, err := m.Emit(context.Background(), s.ID, 2)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, s.ID, "P2_ORCHESTRATOR_PROMPT.md")))

	_, err = m.Resume(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrIncompleteHandoff)
}

func TestResume_StaleArtifacts(t *testing.T) {
	s := newTestSpec(t)
	src := &fakeSource{spec: s, artifacts: []string{"reports/evaluation.md"}}
	m, _ := newTestManager(t, src, nil)

	// Relative artifact paths resolve against the project work dir, not
	// the handoff dir.
	workDir := t.TempDir()
	m.SetWorkDir(workDir)
	artifact := filepath.Join(workDir, "reports", "evaluation.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(artifact), 0o700))
	require.NoError(t, os.WriteFile(artifact, []byte("findings"), 0o600))

	_, err := m.Emit(context.Background(), s.ID, 2)
	require.NoError(t, err)

	// Valid while the artifact exists.
	_, err = m.Resume(context.Background(), s.ID)
	require.NoError(t, err)

	// Stale once it is gone.
	require.NoError(t, os.Remove(artifact))
	_, err = m.Resume(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrStaleHandoff)
	assert.Contains(t, err.Error(), "reports/evaluation.md")
}

func TestResume_RemoteLinksNotChecked(t *testing.T) {
	s := newTestSpec(t)
	src := &fakeSource{spec: s, artifacts: []string{"https://example.com/design-doc"}}
	m, _ := newTestManager(t, src, nil)

	_, err := m.Emit(context.Background(), s.ID, 2)
	require.NoError(t, err)
	_, err = m.Resume(context.Background(), s.ID)
	require.NoError(t, err)
}

func TestResume_NoHandoff(t *testing.T) {
	s := newTestSpec(t)
	m, _ := newTestManager(t, &fakeSource{spec: s}, nil)

	_, err := m.Resume(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrNoHandoff)
}

func TestFileNames(t *testing.T) {
	assert.Equal(t, "HANDOFF_P4.md", HandoffFileName(4))
	assert.Equal(t, "P4_ORCHESTRATOR_PROMPT.md", PromptFileName(4))
}

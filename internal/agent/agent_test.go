package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityTier_Lattice(t *testing.T) {
	assert.True(t, TierWriteFiles.Allows(TierReadOnly))
	assert.True(t, TierWriteFiles.Allows(TierWriteReports))
	assert.True(t, TierWriteFiles.Allows(TierWriteFiles))
	assert.True(t, TierWriteReports.Allows(TierReadOnly))
	assert.False(t, TierReadOnly.Allows(TierWriteReports))
	assert.False(t, TierReadOnly.Allows(TierWriteFiles))
	assert.False(t, TierWriteReports.Allows(TierWriteFiles))

	assert.False(t, CapabilityTier("root").Allows(TierReadOnly))
	assert.Equal(t, -1, CapabilityTier("root").Rank())
}

func TestAgent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		agent   Agent
		wantErr bool
	}{
		{"valid", Agent{ID: "scout", Tier: TierReadOnly, Operations: []OperationKind{OpAnalyze}}, false},
		{"missing id", Agent{Tier: TierReadOnly, Operations: []OperationKind{OpAnalyze}}, true},
		{"bad tier", Agent{ID: "x", Tier: "admin", Operations: []OperationKind{OpAnalyze}}, true},
		{"no operations", Agent{ID: "x", Tier: TierReadOnly}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.agent.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

const scoutDescriptor = `---
name: scout
description: Read-only codebase analyst
model: claude-sonnet-4-5
tier: read_only
operations: [analyze, report]
---

You analyze the codebase and produce inventory reports.
Do not modify any files.
`

func TestParseDescriptor(t *testing.T) {
	a, err := ParseDescriptor([]byte(scoutDescriptor))
	require.NoError(t, err)

	assert.Equal(t, "scout", a.ID)
	assert.Equal(t, "Read-only codebase analyst", a.Description)
	assert.Equal(t, "claude-sonnet-4-5", a.Model)
	assert.Equal(t, TierReadOnly, a.Tier)
	assert.Equal(t, []OperationKind{OpAnalyze, OpReport}, a.Operations)
	assert.Contains(t, a.Prompt, "inventory reports")
	assert.True(t, a.CanPerform(OpAnalyze))
	assert.False(t, a.CanPerform(OpImplement))
}

func TestParseDescriptor_ByteOrderMark(t *testing.T) {
	a, err := ParseDescriptor([]byte("\ufeff" + scoutDescriptor))
	require.NoError(t, err)
	assert.Equal(t, "scout", a.ID)
}

func TestParseDescriptor_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no frontmatter", "just a prompt body"},
		{"unterminated", "---\nname: x\ntier: read_only"},
		{"bad yaml", "---\nname: [\n---\nbody"},
		{"bad tier", "---\nname: x\ntier: sudo\noperations: [analyze]\n---\nbody"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDescriptor([]byte(tt.content))
			require.Error(t, err)
		})
	}
}

const testManifest = `capabilities: [read_only, write_reports, write_files]
agents:
  - name: builder
    description: Implements changes
    model: claude-sonnet-4-5
    tier: write_files
    operations: [implement, fix]
selection_rules:
  - operation: analyze
    required_tier: read_only
  - operation: implement
    required_tier: write_files
  - operation: report
    required_tier: write_reports
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)

	require.Len(t, m.Agents, 1)
	assert.Equal(t, "builder", m.Agents[0].ID)
	assert.Equal(t, TierWriteFiles, m.Agents[0].Tier)

	assert.Equal(t, TierWriteFiles, m.RequiredTier(OpImplement))
	assert.Equal(t, TierWriteReports, m.RequiredTier(OpReport))
	// Operations without a rule default to least privilege.
	assert.Equal(t, TierReadOnly, m.RequiredTier(OpSynthesize))
}

func TestParseManifest_InvalidRule(t *testing.T) {
	_, err := ParseManifest([]byte("selection_rules:\n  - operation: analyze\n    required_tier: god\n"))
	require.Error(t, err)
}

func writeAgentsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(testManifest), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scout.md"), []byte(scoutDescriptor), 0o600))
	return dir
}

func TestRegistry_LoadsDescriptorsAndManifest(t *testing.T) {
	dir := writeAgentsDir(t)

	r, err := NewRegistry(dir, nil)
	require.NoError(t, err)

	catalog := r.Catalog()
	agents := catalog.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, "builder", agents[0].ID)
	assert.Equal(t, "scout", agents[1].ID)

	scout, err := catalog.Get("scout")
	require.NoError(t, err)
	assert.Equal(t, TierReadOnly, scout.Tier)

	_, err = catalog.Get("ghost")
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegistry_ReloadSwapsCatalog(t *testing.T) {
	dir := writeAgentsDir(t)
	r, err := NewRegistry(dir, nil)
	require.NoError(t, err)

	reviewer := `---
name: reviewer
description: Writes review reports
model: claude-sonnet-4-5
tier: write_reports
operations: [report, evaluate]
---

Review the diff and write a report.
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reviewer.md"), []byte(reviewer), 0o600))
	require.NoError(t, r.Reload())

	assert.Len(t, r.Catalog().Agents(), 3)
}

func TestRegistry_ReloadFailureKeepsPrevious(t *testing.T) {
	dir := writeAgentsDir(t)
	r, err := NewRegistry(dir, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.md"), []byte("---\nname: [\n---\n"), 0o600))
	require.Error(t, r.Reload())

	// Previous snapshot still served.
	assert.Len(t, r.Catalog().Agents(), 2)
}

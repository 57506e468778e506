package reflection

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	a, err := NewAggregator(t.TempDir(), nil)
	require.NoError(t, err)
	return a
}

func TestRecordAndList(t *testing.T) {
	a := newTestAggregator(t)
	ctx := context.Background()

	e1 := Entry{
		SpecID:     "spec-1",
		PhaseIndex: 1,
		WhatWorked: []string{"splitting discovery by directory"},
	}
	e2 := Entry{
		SpecID:        "spec-1",
		PhaseIndex:    2,
		WhatDidntWork: []string{"vague acceptance criteria"},
	}
	require.NoError(t, a.Record(ctx, e1))
	require.NoError(t, a.Record(ctx, e2))

	entries, err := a.List(ctx, "spec-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].PhaseIndex)
	assert.Equal(t, 2, entries[1].PhaseIndex)
	assert.False(t, entries[0].RecordedAt.IsZero())
}

func TestRecord_RequiresSpecID(t *testing.T) {
	a := newTestAggregator(t)
	err := a.Record(context.Background(), Entry{PhaseIndex: 1})
	require.Error(t, err)
}

func TestRecord_IsAppendOnly(t *testing.T) {
	a := newTestAggregator(t)
	ctx := context.Background()

	require.NoError(t, a.Record(ctx, Entry{SpecID: "spec-1", PhaseIndex: 1}))
	first, err := os.ReadFile(filepath.Join(a.dir, "spec-1.jsonl"))
	require.NoError(t, err)

	require.NoError(t, a.Record(ctx, Entry{SpecID: "spec-1", PhaseIndex: 2}))
	second, err := os.ReadFile(filepath.Join(a.dir, "spec-1.jsonl"))
	require.NoError(t, err)

	// The earlier content is a strict prefix of the later content.
	assert.Equal(t, string(first), string(second[:len(first)]))
	assert.Greater(t, len(second), len(first))
}

func TestList_MissingLogIsEmpty(t *testing.T) {
	a := newTestAggregator(t)
	entries, err := a.List(context.Background(), "never-written")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTail(t *testing.T) {
	a := newTestAggregator(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Record(ctx, Entry{SpecID: "spec-1", PhaseIndex: i}))
	}

	tail, err := a.Tail(ctx, "spec-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, 3, tail[0].PhaseIndex)
	assert.Equal(t, 4, tail[1].PhaseIndex)

	all, err := a.Tail(ctx, "spec-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestSynthesize_RecurringPatterns(t *testing.T) {
	entries := []Entry{
		{WhatWorked: []string{"small task partitions", "explicit file lists"}},
		{WhatWorked: []string{"Small task partitions"}, WhatDidntWork: []string{"running all gates locally"}},
		{WhatWorked: []string{"small task partitions "}, WhatDidntWork: []string{"running all gates locally"}},
	}

	s := Synthesize(entries)
	require.Len(t, s.SuccessPatterns, 1)
	assert.Equal(t, "small task partitions", s.SuccessPatterns[0].Description)
	assert.Equal(t, 3, s.SuccessPatterns[0].Count)

	require.Len(t, s.FailurePatterns, 1)
	assert.Equal(t, "running all gates locally", s.FailurePatterns[0].Description)
	assert.Equal(t, 3, s.Entries)
}

func TestSynthesize_OneOffObservationsDropped(t *testing.T) {
	s := Synthesize([]Entry{
		{WhatWorked: []string{"only seen once"}},
		{WhatDidntWork: []string{"also once"}},
	})
	assert.Empty(t, s.SuccessPatterns)
	assert.Empty(t, s.FailurePatterns)
}

func TestSynthesize_PatternOrdering(t *testing.T) {
	entries := []Entry{
		{WhatWorked: []string{"bravo", "alpha", "charlie"}},
		{WhatWorked: []string{"bravo", "alpha", "charlie"}},
		{WhatWorked: []string{"charlie"}},
	}
	s := Synthesize(entries)
	require.Len(t, s.SuccessPatterns, 3)
	// charlie has the highest count; alpha and bravo tie and sort by name.
	assert.Equal(t, "charlie", s.SuccessPatterns[0].Description)
	assert.Equal(t, "alpha", s.SuccessPatterns[1].Description)
	assert.Equal(t, "bravo", s.SuccessPatterns[2].Description)
}

func TestSynthesize_DeduplicatesPromptDiffs(t *testing.T) {
	diff := PromptDiff{Scope: "implement", Remove: "be thorough", Add: "list touched files"}
	entries := []Entry{
		{PromptRefinements: []PromptDiff{diff}},
		{PromptRefinements: []PromptDiff{diff, {Scope: "analyze", Add: "cite line numbers"}}},
	}
	s := Synthesize(entries)
	require.Len(t, s.PromptDiffs, 2)
	assert.Equal(t, "analyze", s.PromptDiffs[0].Scope)
	assert.Equal(t, "implement", s.PromptDiffs[1].Scope)
}

func TestSynthesize_IsIdempotent(t *testing.T) {
	a := newTestAggregator(t)
	ctx := context.Background()

	entries := []Entry{
		{
			SpecID:     "spec-1",
			PhaseIndex: 1,
			WhatWorked: []string{"tight partitions"},
			PromptRefinements: []PromptDiff{
				{Scope: "implement", Add: "run only the touched package's tests"},
			},
			RecordedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			SpecID:        "spec-1",
			PhaseIndex:    2,
			WhatWorked:    []string{"tight partitions"},
			WhatDidntWork: []string{"retrying the whole fan-out"},
			RecordedAt:    time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		},
	}
	for _, e := range entries {
		require.NoError(t, a.Record(ctx, e))
	}

	first, err := a.SynthesizeSpec(ctx, "spec-1")
	require.NoError(t, err)
	second, err := a.SynthesizeSpec(ctx, "spec-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSynthesize_EmptyInput(t *testing.T) {
	s := Synthesize(nil)
	assert.Empty(t, s.SuccessPatterns)
	assert.Empty(t, s.FailurePatterns)
	assert.Empty(t, s.PromptDiffs)
	assert.Equal(t, 0, s.Entries)
}

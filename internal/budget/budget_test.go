package budget

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokens returns a string estimating to exactly n tokens.
func tokens(n int) string {
	return strings.Repeat("abcd", n)
}

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	assert.Equal(t, 2000, l.Working)
	assert.Equal(t, 1000, l.Episodic)
	assert.Equal(t, 500, l.Semantic)
	assert.Equal(t, 4000, l.Total)
	require.NoError(t, l.Validate())
}

func TestNewTracker_RejectsInvalidLimits(t *testing.T) {
	_, err := NewTracker(Limits{Working: 0, Episodic: 1, Semantic: 1, Total: 1}, nil)
	require.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 25, EstimateTokens(tokens(25)))
}

func TestCheckBudget_WithinLimits(t *testing.T) {
	tr, err := NewTracker(DefaultLimits(), nil)
	require.NoError(t, err)

	p := &Packet{
		Working:         tokens(1999),
		Episodic:        tokens(999),
		Semantic:        tokens(499),
		ProceduralLinks: []string{"docs/plan.md", "docs/inventory.md"},
	}
	require.NoError(t, tr.CheckBudget(context.Background(), p))
}

func TestCheckBudget_TierCeilings(t *testing.T) {
	tr, err := NewTracker(DefaultLimits(), nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		packet   *Packet
		wantTier Tier
	}{
		{"working over", &Packet{Working: tokens(2500)}, TierWorking},
		{"episodic over", &Packet{Episodic: tokens(1001)}, TierEpisodic},
		{"semantic over", &Packet{Semantic: tokens(501)}, TierSemantic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tr.CheckBudget(context.Background(), tt.packet)
			require.Error(t, err)

			var be *Error
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.wantTier, be.Tier)
			assert.Greater(t, be.Actual, be.Limit)
		})
	}
}

func TestCheckBudget_TotalCeiling(t *testing.T) {
	// Loose tier ceilings so the whole-packet ceiling is the one hit.
	tr, err := NewTracker(Limits{Working: 3000, Episodic: 3000, Semantic: 3000, Total: 4000}, nil)
	require.NoError(t, err)

	p := &Packet{Working: tokens(2000), Episodic: tokens(2000), Semantic: tokens(500)}
	err = tr.CheckBudget(context.Background(), p)
	require.Error(t, err)

	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, TierTotal, be.Tier)
	assert.Equal(t, 4500, be.Actual)
}

func TestCheckBudget_ProceduralLinksAreFree(t *testing.T) {
	tr, err := NewTracker(DefaultLimits(), nil)
	require.NoError(t, err)

	links := make([]string, 500)
	for i := range links {
		links[i] = tokens(100)
	}
	p := &Packet{Working: tokens(10), ProceduralLinks: links}
	require.NoError(t, tr.CheckBudget(context.Background(), p))
}

func TestError_Message(t *testing.T) {
	e := &Error{Tier: TierWorking, Limit: 2000, Actual: 2500}
	assert.Contains(t, e.Error(), "working")
	assert.Contains(t, e.Error(), "2500")
	assert.Contains(t, e.Error(), "2000")
}

// Package budget enforces token ceilings on instruction packets.
//
// Instruction content is partitioned into four memory tiers. Each tier
// has a hard ceiling and the packet as a whole has a total ceiling.
// A packet over any ceiling fails closed: the caller must compress and
// resubmit, content is never silently truncated.
package budget

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/specd/internal/budget"

// Tier names the memory tier of instruction content.
type Tier string

const (
	// TierWorking is the immediate task context.
	TierWorking Tier = "working"
	// TierEpisodic is recent history relevant to the task.
	TierEpisodic Tier = "episodic"
	// TierSemantic is durable project knowledge.
	TierSemantic Tier = "semantic"
	// TierProcedural is link-only references, effectively zero cost.
	TierProcedural Tier = "procedural"
	// TierTotal names the whole-packet ceiling in Error values.
	TierTotal Tier = "total"
)

// Packet is the tiered instruction content handed to an agent.
type Packet struct {
	// Working is the immediate task context.
	Working string `json:"working"`
	// Episodic is the recent-history context.
	Episodic string `json:"episodic"`
	// Semantic is the durable-knowledge context.
	Semantic string `json:"semantic"`
	// ProceduralLinks are references resolved by the agent on demand;
	// they do not count against the budget.
	ProceduralLinks []string `json:"procedural_links,omitempty"`
}

// EstimatedTokens returns the token estimate for the whole packet.
func (p *Packet) EstimatedTokens() int {
	return EstimateTokens(p.Working) + EstimateTokens(p.Episodic) + EstimateTokens(p.Semantic)
}

// EstimateTokens approximates the token count of text at ~4 chars/token.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Limits holds the per-tier and total ceilings in tokens.
type Limits struct {
	Working  int `koanf:"working"`
	Episodic int `koanf:"episodic"`
	Semantic int `koanf:"semantic"`
	Total    int `koanf:"total"`
}

// DefaultLimits returns the standard ceilings.
func DefaultLimits() Limits {
	return Limits{
		Working:  2000,
		Episodic: 1000,
		Semantic: 500,
		Total:    4000,
	}
}

// Validate checks limits are positive and internally consistent.
func (l Limits) Validate() error {
	if l.Working <= 0 || l.Episodic <= 0 || l.Semantic <= 0 || l.Total <= 0 {
		return fmt.Errorf("budget limits must be positive: %+v", l)
	}
	return nil
}

// Error reports a packet exceeding a ceiling. It satisfies error so
// callers can return it directly; errors.As recovers the detail.
type Error struct {
	// Tier that was exceeded; TierTotal for the whole-packet ceiling.
	Tier Tier
	// Limit is the ceiling in tokens.
	Limit int
	// Actual is the estimated token count.
	Actual int
}

func (e *Error) Error() string {
	return fmt.Sprintf("budget exceeded: tier %s at %d tokens (limit %d)", e.Tier, e.Actual, e.Limit)
}

// Tracker checks instruction packets against configured ceilings.
type Tracker struct {
	limits Limits
	logger *zap.Logger

	meter           metric.Meter
	rejectedCounter metric.Int64Counter
}

// NewTracker creates a tracker with the given limits.
func NewTracker(limits Limits, logger *zap.Logger) (*Tracker, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracker{
		limits: limits,
		logger: logger,
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	t.rejectedCounter, err = t.meter.Int64Counter(
		"specd.budget.rejections_total",
		metric.WithDescription("Instruction packets rejected for exceeding a budget ceiling"),
		metric.WithUnit("{packet}"),
	)
	if err != nil {
		logger.Warn("failed to create rejection counter", zap.Error(err))
	}

	return t, nil
}

// Limits returns the configured ceilings.
func (t *Tracker) Limits() Limits {
	return t.limits
}

// CheckBudget validates a packet against every ceiling. Returns nil when
// the packet fits; otherwise a *Error naming the first exceeded tier.
// Tiers are checked in working, episodic, semantic, total order so the
// failure is deterministic.
func (t *Tracker) CheckBudget(ctx context.Context, p *Packet) error {
	checks := []struct {
		tier   Tier
		actual int
		limit  int
	}{
		{TierWorking, EstimateTokens(p.Working), t.limits.Working},
		{TierEpisodic, EstimateTokens(p.Episodic), t.limits.Episodic},
		{TierSemantic, EstimateTokens(p.Semantic), t.limits.Semantic},
		{TierTotal, p.EstimatedTokens(), t.limits.Total},
	}

	for _, c := range checks {
		if c.actual > c.limit {
			t.reject(ctx, c.tier)
			t.logger.Warn("instruction packet over budget",
				zap.String("tier", string(c.tier)),
				zap.Int("actual", c.actual),
				zap.Int("limit", c.limit),
			)
			return &Error{Tier: c.tier, Limit: c.limit, Actual: c.actual}
		}
	}
	return nil
}

func (t *Tracker) reject(ctx context.Context, tier Tier) {
	if t.rejectedCounter != nil {
		t.rejectedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tier", string(tier)),
		))
	}
}

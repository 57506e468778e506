package reflection

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/specd/internal/reflection"

// minRecurrence is how many entries must report an observation before
// it counts as a pattern.
const minRecurrence = 2

// Aggregator appends reflection entries to per-spec JSONL logs and
// synthesizes guidance from them.
type Aggregator struct {
	dir    string
	logger *zap.Logger
	tracer trace.Tracer

	mu sync.Mutex
}

// NewAggregator creates an aggregator writing logs under dir.
func NewAggregator(dir string, logger *zap.Logger) (*Aggregator, error) {
	if dir == "" {
		return nil, errors.New("reflection log directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create reflection dir: %w", err)
	}
	return &Aggregator{
		dir:    dir,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

func (a *Aggregator) logPath(specID string) string {
	return filepath.Join(a.dir, specID+".jsonl")
}

// Record appends one entry to the spec's log. The log is append-only;
// existing lines are never touched.
func (a *Aggregator) Record(ctx context.Context, entry Entry) error {
	_, span := a.tracer.Start(ctx, "reflection.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("spec_id", entry.SpecID),
		attribute.Int("phase_index", entry.PhaseIndex),
	)

	if entry.SpecID == "" {
		return errors.New("entry spec id is required")
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.logPath(entry.SpecID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open reflection log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}

	a.logger.Debug("reflection recorded",
		zap.String("spec_id", entry.SpecID),
		zap.Int("phase_index", entry.PhaseIndex),
	)
	return nil
}

// List returns all entries for a spec in recorded order. A missing log
// is an empty history, not an error.
func (a *Aggregator) List(ctx context.Context, specID string) ([]Entry, error) {
	_, span := a.tracer.Start(ctx, "reflection.list")
	defer span.End()
	span.SetAttributes(attribute.String("spec_id", specID))

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.logPath(specID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open reflection log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("corrupt reflection log for %s: %w", specID, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read reflection log: %w", err)
	}
	return entries, nil
}

// Tail returns up to n most recent entries for a spec.
func (a *Aggregator) Tail(ctx context.Context, specID string, n int) ([]Entry, error) {
	entries, err := a.List(ctx, specID)
	if err != nil {
		return nil, err
	}
	if n <= 0 || len(entries) <= n {
		return entries, nil
	}
	return entries[len(entries)-n:], nil
}

// SynthesizeSpec reduces the spec's full log.
func (a *Aggregator) SynthesizeSpec(ctx context.Context, specID string) (*Synthesis, error) {
	entries, err := a.List(ctx, specID)
	if err != nil {
		return nil, err
	}
	return Synthesize(entries), nil
}

// Synthesize reduces entries into recurring success patterns, recurring
// failure patterns, and deduplicated prompt diffs. The function is pure
// and deterministic: identical input yields identical output.
func Synthesize(entries []Entry) *Synthesis {
	successes := make(map[string]int)
	failures := make(map[string]int)
	diffSeen := make(map[string]bool)
	var diffs []PromptDiff

	for _, e := range entries {
		for _, w := range e.WhatWorked {
			if key := normalize(w); key != "" {
				successes[key]++
			}
		}
		for _, w := range e.WhatDidntWork {
			if key := normalize(w); key != "" {
				failures[key]++
			}
		}
		for _, d := range e.PromptRefinements {
			key := d.Scope + "\x00" + d.Remove + "\x00" + d.Add
			if !diffSeen[key] {
				diffSeen[key] = true
				diffs = append(diffs, d)
			}
		}
	}

	sort.SliceStable(diffs, func(i, j int) bool {
		if diffs[i].Scope != diffs[j].Scope {
			return diffs[i].Scope < diffs[j].Scope
		}
		if diffs[i].Add != diffs[j].Add {
			return diffs[i].Add < diffs[j].Add
		}
		return diffs[i].Remove < diffs[j].Remove
	})

	return &Synthesis{
		SuccessPatterns: recurring(successes),
		FailurePatterns: recurring(failures),
		PromptDiffs:     diffs,
		Entries:         len(entries),
	}
}

// recurring keeps observations reported at least minRecurrence times,
// ordered by count descending then description ascending.
func recurring(counts map[string]int) []Pattern {
	var patterns []Pattern
	for desc, count := range counts {
		if count >= minRecurrence {
			patterns = append(patterns, Pattern{Description: desc, Count: count})
		}
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Description < patterns[j].Description
	})
	return patterns
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

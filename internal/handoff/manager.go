package handoff

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/budget"
	"github.com/fyrsmithlabs/specd/internal/dispatch"
	"github.com/fyrsmithlabs/specd/internal/reflection"
	"github.com/fyrsmithlabs/specd/internal/spec"
)

const instrumentationName = "github.com/fyrsmithlabs/specd/internal/handoff"

// reflectionTail is how many recent reflection entries feed the
// episodic tier of a handoff packet.
const reflectionTail = 5

var emits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "specd_handoff_emits_total",
	Help: "Handoff pair emissions by outcome.",
}, []string{"outcome"})

// Source provides the durable state a handoff summarizes.
type Source interface {
	GetSpec(ctx context.Context, id string) (*spec.Spec, error)
	ListTasks(ctx context.Context, specID string, phaseIndex int) ([]*dispatch.Task, error)
	// ListArtifactPaths returns the file paths of artifacts recorded for
	// the spec so far. They become the packet's procedural links and are
	// existence-checked on resume.
	ListArtifactPaths(ctx context.Context, specID string) ([]string, error)
}

// Reflections provides recent learnings for the episodic tier.
// Satisfied by reflection.Aggregator.
type Reflections interface {
	Tail(ctx context.Context, specID string, n int) ([]reflection.Entry, error)
}

// Auditor records handoff emissions in the audit log. Optional.
type Auditor interface {
	AppendAudit(ctx context.Context, rec spec.AuditRecord) error
}

// Manager emits and resumes handoff pairs under a base directory, one
// subdirectory per spec.
type Manager struct {
	dir         string
	workDir     string
	source      Source
	reflections Reflections
	tracker     *budget.Tracker
	auditor     Auditor
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewManager creates a handoff manager writing pairs under dir.
func NewManager(dir string, source Source, reflections Reflections, tracker *budget.Tracker, logger *zap.Logger) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("handoff directory is required")
	}
	if source == nil {
		return nil, errors.New("source is required")
	}
	if tracker == nil {
		return nil, errors.New("budget tracker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create handoff dir: %w", err)
	}
	return &Manager{
		dir:         dir,
		source:      source,
		reflections: reflections,
		tracker:     tracker,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
	}, nil
}

// SetAuditor wires audit logging for emissions.
func (m *Manager) SetAuditor(a Auditor) {
	m.auditor = a
}

// SetWorkDir sets the directory relative artifact paths resolve against
// on resume. Artifact paths are recorded relative to the project work
// dir, not the handoff dir. Defaults to the process working directory.
func (m *Manager) SetWorkDir(dir string) {
	m.workDir = dir
}

func (m *Manager) specDir(specID string) string {
	return filepath.Join(m.dir, specID)
}

// Emit builds the handoff packet for a completed phase, budget-checks
// it, and writes the HANDOFF_P[N].md + P[N]_ORCHESTRATOR_PROMPT.md pair
// atomically. An over-budget packet fails closed with *budget.Error and
// leaves no files on disk.
func (m *Manager) Emit(ctx context.Context, specID string, phaseIndex int) (*Handoff, error) {
	ctx, span := m.tracer.Start(ctx, "handoff.emit")
	defer span.End()
	span.SetAttributes(
		attribute.String("spec_id", specID),
		attribute.Int("phase_index", phaseIndex),
	)

	s, err := m.source.GetSpec(ctx, specID)
	if err != nil {
		return nil, err
	}
	phase, err := s.PhaseAt(phaseIndex)
	if err != nil {
		return nil, err
	}
	tasks, err := m.source.ListTasks(ctx, specID, phaseIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to list phase tasks: %w", err)
	}
	links, err := m.source.ListArtifactPaths(ctx, specID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact paths: %w", err)
	}

	var entries []reflection.Entry
	if m.reflections != nil {
		entries, err = m.reflections.Tail(ctx, specID, reflectionTail)
		if err != nil {
			return nil, fmt.Errorf("failed to read reflections: %w", err)
		}
	}

	h := &Handoff{
		SpecID:     specID,
		PhaseIndex: phaseIndex,
		Packet:     buildPacket(s, phase, tasks, entries),
		EmittedAt:  time.Now().UTC(),
	}
	h.Packet.ProceduralLinks = links
	h.Prompt = buildPrompt(s, phase)

	if err := m.tracker.CheckBudget(ctx, &h.Packet); err != nil {
		emits.WithLabelValues("over_budget").Inc()
		m.logger.Warn("handoff packet over budget, nothing written",
			zap.String("spec_id", specID),
			zap.Int("phase_index", phaseIndex),
			zap.Error(err),
		)
		return nil, err
	}

	if err := m.writePair(h); err != nil {
		emits.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}
	emits.WithLabelValues("ok").Inc()

	if m.auditor != nil {
		rec := spec.AuditRecord{
			SpecID:     specID,
			Action:     spec.AuditHandoff,
			PhaseIndex: phaseIndex,
			Detail:     HandoffFileName(phaseIndex),
			RecordedAt: time.Now().UTC(),
		}
		if err := m.auditor.AppendAudit(ctx, rec); err != nil {
			m.logger.Error("failed to audit handoff", zap.String("spec_id", specID), zap.Error(err))
		}
	}

	m.logger.Info("handoff emitted",
		zap.String("spec_id", specID),
		zap.Int("phase_index", phaseIndex),
		zap.Int("estimated_tokens", h.Packet.EstimatedTokens()),
	)
	return h, nil
}

// writePair writes both halves through temp files and renames. If the
// second rename fails the first file is removed so no lone half remains.
func (m *Manager) writePair(h *Handoff) error {
	dir := m.specDir(h.SpecID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create spec handoff dir: %w", err)
	}

	handoffBytes, err := renderHandoff(h)
	if err != nil {
		return err
	}
	promptBytes, err := renderPrompt(h)
	if err != nil {
		return err
	}

	handoffPath := filepath.Join(dir, HandoffFileName(h.PhaseIndex))
	promptPath := filepath.Join(dir, PromptFileName(h.PhaseIndex))
	handoffTmp := handoffPath + ".tmp"
	promptTmp := promptPath + ".tmp"

	if err := os.WriteFile(handoffTmp, handoffBytes, 0o600); err != nil {
		return fmt.Errorf("failed to write handoff temp file: %w", err)
	}
	if err := os.WriteFile(promptTmp, promptBytes, 0o600); err != nil {
		os.Remove(handoffTmp)
		return fmt.Errorf("failed to write prompt temp file: %w", err)
	}

	if err := os.Rename(handoffTmp, handoffPath); err != nil {
		os.Remove(handoffTmp)
		os.Remove(promptTmp)
		return fmt.Errorf("failed to finalize handoff file: %w", err)
	}
	if err := os.Rename(promptTmp, promptPath); err != nil {
		os.Remove(handoffPath)
		os.Remove(promptTmp)
		return fmt.Errorf("failed to finalize prompt file: %w", err)
	}
	return nil
}

// Resume loads the spec's most recent handoff pair and validates it.
// A lone half yields ErrIncompleteHandoff; referenced artifacts that no
// longer exist yield ErrStaleHandoff.
func (m *Manager) Resume(ctx context.Context, specID string) (*Handoff, error) {
	_, span := m.tracer.Start(ctx, "handoff.resume")
	defer span.End()
	span.SetAttributes(attribute.String("spec_id", specID))

	dir := m.specDir(specID)
	phaseIndex, err := latestPhase(dir)
	if err != nil {
		return nil, err
	}

	handoffPath := filepath.Join(dir, HandoffFileName(phaseIndex))
	promptPath := filepath.Join(dir, PromptFileName(phaseIndex))

	handoffBytes, handoffErr := os.ReadFile(handoffPath)
	promptBytes, promptErr := os.ReadFile(promptPath)
	if os.IsNotExist(handoffErr) || os.IsNotExist(promptErr) {
		return nil, fmt.Errorf("%w: phase %d", ErrIncompleteHandoff, phaseIndex)
	}
	if handoffErr != nil {
		return nil, fmt.Errorf("failed to read handoff file: %w", handoffErr)
	}
	if promptErr != nil {
		return nil, fmt.Errorf("failed to read prompt file: %w", promptErr)
	}

	h, err := parseHandoff(handoffBytes)
	if err != nil {
		return nil, err
	}
	p, err := parsePrompt(promptBytes)
	if err != nil {
		return nil, err
	}
	if p.SpecID != h.SpecID || p.PhaseIndex != h.PhaseIndex {
		return nil, fmt.Errorf("%w: pair halves disagree on identity", ErrIncompleteHandoff)
	}
	h.Prompt = p.Prompt

	if missing := m.missingArtifacts(h.Packet.ProceduralLinks); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandoff, strings.Join(missing, ", "))
	}

	m.logger.Info("handoff resumed",
		zap.String("spec_id", specID),
		zap.Int("phase_index", h.PhaseIndex),
	)
	return h, nil
}

// missingArtifacts returns referenced local paths that no longer exist.
// Remote links are not checked.
func (m *Manager) missingArtifacts(links []string) []string {
	var missing []string
	for _, link := range links {
		if strings.Contains(link, "://") {
			continue
		}
		path := link
		if !filepath.IsAbs(path) {
			base := m.workDir
			if base == "" {
				base = "."
			}
			path = filepath.Join(base, link)
		}
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, link)
		}
	}
	return missing
}

// latestPhase finds the highest phase index that has either half of a
// pair on disk.
func latestPhase(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoHandoff
		}
		return 0, fmt.Errorf("failed to read handoff dir: %w", err)
	}

	var indices []int
	for _, e := range entries {
		name := e.Name()
		if match := handoffNameRe.FindStringSubmatch(name); match != nil {
			if n, err := strconv.Atoi(match[1]); err == nil {
				indices = append(indices, n)
			}
		}
		if match := promptNameRe.FindStringSubmatch(name); match != nil {
			if n, err := strconv.Atoi(match[1]); err == nil {
				indices = append(indices, n)
			}
		}
	}
	if len(indices) == 0 {
		return 0, ErrNoHandoff
	}
	sort.Ints(indices)
	return indices[len(indices)-1], nil
}

// buildPacket assembles the tiered context for a completed phase.
func buildPacket(s *spec.Spec, phase *spec.Phase, tasks []*dispatch.Task, entries []reflection.Entry) budget.Packet {
	var p budget.Packet

	var working strings.Builder
	fmt.Fprintf(&working, "Phase %d (%s) is %s.\n", phase.Index, phase.Name, phase.Status)
	if len(tasks) > 0 {
		working.WriteString("\nTask outcomes:\n")
		for _, t := range tasks {
			line := fmt.Sprintf("- %s on %q: %s", t.Operation, t.Partition, t.Result.State)
			if t.Result.Reason != "" {
				line += " (" + t.Result.Reason + ")"
			}
			working.WriteString(line + "\n")
		}
	}
	p.Working = working.String()

	if len(entries) > 0 {
		var episodic strings.Builder
		episodic.WriteString("Recent learnings:\n")
		for _, e := range entries {
			for _, w := range e.WhatWorked {
				fmt.Fprintf(&episodic, "- worked: %s\n", w)
			}
			for _, w := range e.WhatDidntWork {
				fmt.Fprintf(&episodic, "- avoid: %s\n", w)
			}
		}
		p.Episodic = episodic.String()
	}

	var semantic strings.Builder
	fmt.Fprintf(&semantic, "Spec %q (%s tier), %d phases.\n", s.Name, s.Tier, len(s.Phases))
	for _, ph := range s.Phases {
		fmt.Fprintf(&semantic, "- %d %s: %s\n", ph.Index, ph.Name, ph.Status)
	}
	p.Semantic = semantic.String()

	return p
}

// buildPrompt writes the boot prompt for the next orchestrator session.
func buildPrompt(s *spec.Spec, phase *spec.Phase) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are resuming spec %q after phase %d (%s).\n\n", s.Name, phase.Index, phase.Name)
	b.WriteString("Read the paired handoff file for full context. ")
	fmt.Fprintf(&b, "The spec is %s at phase index %d of %d.\n", s.Status, s.CurrentPhaseIndex, len(s.Phases)-1)
	b.WriteString("\nContinue by verifying the current phase's gates, then dispatch the next round of tasks.\n")
	return b.String()
}

// Package handoff persists phase-boundary context as a pair of markdown
// artifacts and reconstructs working state from them on resume.
//
// Every handoff is two files emitted atomically: HANDOFF_P[N].md carries
// the tiered context packet and P[N]_ORCHESTRATOR_PROMPT.md carries the
// prompt that boots the next orchestrator session. The pair is
// all-or-nothing; a lone half on disk is a detectable fault, never a
// silently degraded resume.
package handoff

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/specd/internal/budget"
)

// Errors for handoff operations.
var (
	// ErrIncompleteHandoff means only one half of a handoff pair exists.
	ErrIncompleteHandoff = errors.New("incomplete handoff pair")
	// ErrStaleHandoff means a handoff references artifacts that no longer
	// exist on disk.
	ErrStaleHandoff = errors.New("handoff references missing artifacts")
	// ErrNoHandoff means the spec has no handoff to resume from.
	ErrNoHandoff = errors.New("no handoff found for spec")
)

// Handoff is a reconstructed phase-boundary snapshot.
type Handoff struct {
	// SpecID is the owning spec.
	SpecID string `json:"spec_id"`
	// PhaseIndex is the phase the handoff was emitted at the end of.
	PhaseIndex int `json:"phase_index"`
	// Packet is the tiered context content.
	Packet budget.Packet `json:"packet"`
	// Prompt is the orchestrator boot prompt.
	Prompt string `json:"prompt"`
	// EmittedAt is when the pair was written.
	EmittedAt time.Time `json:"emitted_at"`
}

// HandoffFileName returns the context half's file name for a phase.
func HandoffFileName(phaseIndex int) string {
	return fmt.Sprintf("HANDOFF_P%d.md", phaseIndex)
}

// PromptFileName returns the prompt half's file name for a phase.
func PromptFileName(phaseIndex int) string {
	return fmt.Sprintf("P%d_ORCHESTRATOR_PROMPT.md", phaseIndex)
}

var (
	handoffNameRe = regexp.MustCompile(`^HANDOFF_P(\d+)\.md$`)
	promptNameRe  = regexp.MustCompile(`^P(\d+)_ORCHESTRATOR_PROMPT\.md$`)
)

// Section headings within the handoff artifact, one per memory tier.
const (
	headingWorking    = "Working State"
	headingEpisodic   = "Recent History"
	headingSemantic   = "Project Knowledge"
	headingReferences = "References"
)

// frontmatter is the YAML header carried by both halves of the pair.
type frontmatter struct {
	SpecID     string    `yaml:"spec_id"`
	PhaseIndex int       `yaml:"phase_index"`
	EmittedAt  time.Time `yaml:"emitted_at"`
}

// renderHandoff produces the HANDOFF_P[N].md content.
func renderHandoff(h *Handoff) ([]byte, error) {
	fm, err := yaml.Marshal(frontmatter{
		SpecID:     h.SpecID,
		PhaseIndex: h.PhaseIndex,
		EmittedAt:  h.EmittedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# Handoff: phase %d\n", h.PhaseIndex)

	writeSection(&b, headingWorking, h.Packet.Working)
	writeSection(&b, headingEpisodic, h.Packet.Episodic)
	writeSection(&b, headingSemantic, h.Packet.Semantic)

	if len(h.Packet.ProceduralLinks) > 0 {
		fmt.Fprintf(&b, "\n## %s\n\n", headingReferences)
		for _, link := range h.Packet.ProceduralLinks {
			fmt.Fprintf(&b, "- %s\n", link)
		}
	}
	return []byte(b.String()), nil
}

func writeSection(b *strings.Builder, heading, body string) {
	fmt.Fprintf(b, "\n## %s\n\n", heading)
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n")
}

// renderPrompt produces the P[N]_ORCHESTRATOR_PROMPT.md content.
func renderPrompt(h *Handoff) ([]byte, error) {
	fm, err := yaml.Marshal(frontmatter{
		SpecID:     h.SpecID,
		PhaseIndex: h.PhaseIndex,
		EmittedAt:  h.EmittedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimRight(h.Prompt, "\n"))
	b.WriteString("\n")
	return []byte(b.String()), nil
}

// parseHandoff reconstructs the packet half from file content.
func parseHandoff(content []byte) (*Handoff, error) {
	fm, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	h := &Handoff{
		SpecID:     fm.SpecID,
		PhaseIndex: fm.PhaseIndex,
		EmittedAt:  fm.EmittedAt,
	}

	sections := splitSections(body)
	h.Packet.Working = sections[headingWorking]
	h.Packet.Episodic = sections[headingEpisodic]
	h.Packet.Semantic = sections[headingSemantic]
	for _, line := range strings.Split(sections[headingReferences], "\n") {
		line = strings.TrimSpace(line)
		if link, ok := strings.CutPrefix(line, "- "); ok {
			h.Packet.ProceduralLinks = append(h.Packet.ProceduralLinks, link)
		}
	}
	return h, nil
}

// parsePrompt reconstructs the prompt half from file content.
func parsePrompt(content []byte) (*Handoff, error) {
	fm, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}
	return &Handoff{
		SpecID:     fm.SpecID,
		PhaseIndex: fm.PhaseIndex,
		EmittedAt:  fm.EmittedAt,
		Prompt:     strings.TrimSpace(body),
	}, nil
}

func splitFrontmatter(content []byte) (frontmatter, string, error) {
	var fm frontmatter
	text := string(content)
	if !strings.HasPrefix(text, "---\n") {
		return fm, "", errors.New("handoff artifact missing frontmatter")
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, "", errors.New("handoff artifact has unterminated frontmatter")
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return fm, "", fmt.Errorf("failed to parse handoff frontmatter: %w", err)
	}
	if fm.SpecID == "" {
		return fm, "", errors.New("handoff frontmatter missing spec_id")
	}
	body := rest[end+len("\n---"):]
	return fm, strings.TrimPrefix(body, "\n"), nil
}

// splitSections maps "## Heading" sections to their trimmed bodies.
func splitSections(body string) map[string]string {
	sections := make(map[string]string)
	var heading string
	var lines []string

	flush := func() {
		if heading != "" {
			sections[heading] = strings.TrimSpace(strings.Join(lines, "\n"))
		}
		lines = lines[:0]
	}

	for _, line := range strings.Split(body, "\n") {
		if h, ok := strings.CutPrefix(line, "## "); ok {
			flush()
			heading = strings.TrimSpace(h)
			continue
		}
		lines = append(lines, line)
	}
	flush()
	return sections
}

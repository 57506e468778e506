// Package reflection records per-phase learnings and reduces them into
// guidance for later phases.
//
// Entries are appended to a per-spec JSONL log that is never rewritten,
// only extended. Synthesize is a pure reducer over that log: the same
// entries always produce identical recommendations, which feed back
// into instruction packet construction for subsequent tasks.
package reflection

import (
	"time"
)

// PromptDiff is a concrete refinement to apply to future instruction
// packets for a given operation scope.
type PromptDiff struct {
	// Scope is the operation kind the diff applies to, or "all".
	Scope string `json:"scope"`
	// Remove is instruction text that misled agents and should go.
	Remove string `json:"remove,omitempty"`
	// Add is instruction text to include going forward.
	Add string `json:"add,omitempty"`
}

// Entry is one structured reflection, recorded after a task or phase.
type Entry struct {
	// SpecID is the owning spec.
	SpecID string `json:"spec_id"`
	// PhaseIndex is the phase the reflection covers.
	PhaseIndex int `json:"phase_index"`
	// WhatWorked lists behaviors worth repeating.
	WhatWorked []string `json:"what_worked,omitempty"`
	// WhatDidntWork lists behaviors to avoid.
	WhatDidntWork []string `json:"what_didnt_work,omitempty"`
	// PromptRefinements are concrete diffs for the next phase's packets.
	PromptRefinements []PromptDiff `json:"prompt_refinements,omitempty"`
	// RecordedAt orders entries within a phase.
	RecordedAt time.Time `json:"recorded_at"`
}

// Pattern is a recurring observation across entries.
type Pattern struct {
	// Description is the normalized observation text.
	Description string `json:"description"`
	// Count is how many entries reported it.
	Count int `json:"count"`
}

// Synthesis is the reduced output of a spec's reflection log.
type Synthesis struct {
	// SuccessPatterns are observations reported by at least two entries.
	SuccessPatterns []Pattern `json:"success_patterns"`
	// FailurePatterns are recurring failure observations.
	FailurePatterns []Pattern `json:"failure_patterns"`
	// PromptDiffs are the deduplicated refinements, in a deterministic
	// order, ready to fold into the next phase's packets.
	PromptDiffs []PromptDiff `json:"prompt_diffs"`
	// Entries is the number of entries reduced.
	Entries int `json:"entries"`
}

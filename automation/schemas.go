package automation

import "github.com/paperforge/paperforge/store"

// Typed output schemas the agent must produce, one per call site. The
// caller decodes the agent's final JSON message into these.

// FormalizedAsk is the research formalizer's output.
type FormalizedAsk struct {
	ImprovedAbstract string `json:"improved_abstract"`
	Objectives       string `json:"objectives,omitempty"`
}

// ReviewOutcome is the literature reviewer's output. The linking itself
// happens through tools; this is only the closing summary.
type ReviewOutcome struct {
	Notes string `json:"notes,omitempty"`
}

// FocusedSummary is the literature summarizer's output.
type FocusedSummary struct {
	CombinedSummary string `json:"combined_summary"`
}

// HypothesisRef identifies a hypothesis the agent created via tools.
type HypothesisRef struct {
	ID    uint   `json:"id"`
	Title string `json:"title"`
}

// HypothesesOutput is the hypothesizer's output.
type HypothesesOutput struct {
	Created []HypothesisRef `json:"created"`
}

// DraftSections is the drafting agent's output.
type DraftSections struct {
	Abstract         string `json:"abstract"`
	LiteratureReview string `json:"literature_review"`
}

// CompilationPlan is the compilation agent's output: small targeted diffs
// against the current manuscript content.
type CompilationPlan struct {
	Diffs []store.Diff `json:"diffs"`
}

// HypothesisResearch is step 1 of the per-hypothesis pipeline.
type HypothesisResearch struct {
	BackgroundSummary string `json:"background_summary"`
}

// SimulationDecision is step 2: whether a code experiment would help, with
// optional agent-authored code for it.
type SimulationDecision struct {
	Needed    bool   `json:"needed"`
	Rationale string `json:"rationale,omitempty"`
	Code      string `json:"code,omitempty"`
}

// HypothesisAnswer is step 4: the final verdict with justification.
type HypothesisAnswer struct {
	Status        string `json:"status"`
	Justification string `json:"justification"`
}

// Stage result snapshots, serialized into the task's result payload. They
// reference entities by value so task history survives entity changes.

// InitialResearchResult snapshots the research stage.
type InitialResearchResult struct {
	ProjectID         uint            `json:"project_id"`
	PaperID           uint            `json:"paper_id"`
	ImprovedAbstract  string          `json:"improved_abstract,omitempty"`
	SummaryNoteID     uint            `json:"literature_summary_note_id,omitempty"`
	CreatedHypotheses []HypothesisRef `json:"created_hypotheses,omitempty"`
}

// DraftResult snapshots the draft stage.
type DraftResult struct {
	ProjectID             uint `json:"project_id"`
	PaperID               uint `json:"paper_id"`
	UpdatedAbstract       bool `json:"updated_abstract"`
	LiteratureReviewAdded bool `json:"literature_review_added"`
}

// CompilationResult snapshots the compilation stage.
type CompilationResult struct {
	ProjectID    uint `json:"project_id"`
	PaperID      uint `json:"paper_id"`
	AppliedDiffs int  `json:"applied_diffs"`
}

// HypothesisOutcome is one hypothesis's terminal evaluation outcome.
type HypothesisOutcome struct {
	HypothesisID  uint                   `json:"hypothesis_id"`
	Status        store.HypothesisStatus `json:"status,omitempty"`
	Justification string                 `json:"justification,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// EvaluationSummary snapshots the hypothesis testing stage.
type EvaluationSummary struct {
	ProjectID uint                `json:"project_id"`
	Evaluated int                 `json:"evaluated"`
	Failed    int                 `json:"failed"`
	Batches   int                 `json:"batches"`
	Results   []HypothesisOutcome `json:"results"`
}

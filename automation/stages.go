package automation

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/paperforge/paperforge/agent"
	"github.com/paperforge/paperforge/store"
)

// Fixed stage names. The pipeline always runs exactly these four.
const (
	StageInitialResearch   = "initial_research"
	StageInitialDraft      = "initial_draft"
	StageHypothesisTesting = "hypothesis_testing"
	StageCompilation       = "compilation"
)

// StageNames returns the fixed stage names in launch order.
func StageNames() []string {
	return []string{StageInitialResearch, StageInitialDraft, StageHypothesisTesting, StageCompilation}
}

// runInitialResearch formalizes the research ask, reviews and links
// literature, persists a focused summary note, and generates hypotheses.
func (o *Orchestrator) runInitialResearch(ctx context.Context, projectID uint, progress ProgressFunc) (any, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	paper, err := o.store.GetOrCreatePaper(ctx, projectID)
	if err != nil {
		return nil, err
	}
	experiments, err := o.store.ListExperiments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	literature, err := o.store.ListLiterature(ctx, projectID)
	if err != nil {
		return nil, err
	}

	result := InitialResearchResult{ProjectID: projectID, PaperID: paper.ID}

	// Step 1: formalize the ask.
	var formalized FormalizedAsk
	err = o.caller.Call(ctx, agent.Request{
		Input: formalizerPrompt(project, paper, experiments, literature),
	}, &formalized)
	if err != nil {
		return nil, err
	}
	applied, err := o.store.UpdatePaperAbstract(ctx, projectID, formalized.ImprovedAbstract)
	if err != nil {
		return nil, err
	}
	if applied {
		result.ImprovedAbstract = strings.TrimSpace(formalized.ImprovedAbstract)
	}

	objective := strings.TrimSpace(formalized.ImprovedAbstract)
	if objective == "" {
		objective = paper.Abstract
	}
	progress.report(25, "research ask formalized")

	// Step 2: literature review; linking happens through tools.
	var review ReviewOutcome
	err = o.caller.Call(ctx, agent.Request{
		Input: reviewerPrompt(project, objective),
		Tools: []string{"literature_search", "link_literature", "list_literature", "read_literature"},
	}, &review)
	if err != nil {
		return nil, err
	}
	progress.report(50, "literature review complete")

	// Step 3: focused summary, persisted as a note.
	var summary FocusedSummary
	err = o.caller.Call(ctx, agent.Request{
		Input: summarizerPrompt(project, objective),
		Tools: []string{"list_literature", "read_literature"},
	}, &summary)
	if err != nil {
		return nil, err
	}
	note, err := o.store.CreateNote(ctx, projectID,
		fmt.Sprintf("Literature Summary %04d", rand.Intn(9000)+1000),
		summary.CombinedSummary)
	if err != nil {
		return nil, err
	}
	result.SummaryNoteID = note.ID
	progress.report(75, "literature summary saved")

	// Step 4: hypothesis generation through tools.
	var hypotheses HypothesesOutput
	err = o.caller.Call(ctx, agent.Request{
		Input: hypothesizerPrompt(project, objective, experiments),
		Tools: []string{"create_hypothesis", "list_hypotheses", "list_experiments", "list_literature"},
	}, &hypotheses)
	if err != nil {
		return nil, err
	}
	result.CreatedHypotheses = hypotheses.Created

	return result, nil
}

// runInitialDraft seeds an abstract and literature review when the paper is
// still empty. A paper with content skips the stage entirely.
func (o *Orchestrator) runInitialDraft(ctx context.Context, projectID uint, progress ProgressFunc) (any, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	paper, err := o.store.GetOrCreatePaper(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(paper.ContentRaw) != "" {
		return nil, skipStage("paper already has content; draft not needed")
	}

	objective := paper.Abstract
	if objective == "" {
		objective = project.Abstract
	}
	progress.report(40, "drafting abstract and literature review")

	var sections DraftSections
	err = o.caller.Call(ctx, agent.Request{
		Input: fmt.Sprintf("Draft an initial abstract and literature review section.\nProject: %s\nObjective: %s", project.Name, objective),
	}, &sections)
	if err != nil {
		return nil, err
	}

	result := DraftResult{ProjectID: projectID, PaperID: paper.ID}

	result.UpdatedAbstract, err = o.store.UpdatePaperAbstract(ctx, projectID, sections.Abstract)
	if err != nil {
		return nil, err
	}

	review := strings.TrimSpace(sections.LiteratureReview)
	result.LiteratureReviewAdded, err = o.store.AppendPaperContent(ctx, projectID,
		"\n\n# Literature Review\n\n"+review)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// runHypothesisTesting delegates to the batch evaluator, which reports
// progress after every finished batch.
func (o *Orchestrator) runHypothesisTesting(ctx context.Context, projectID uint, progress ProgressFunc) (any, error) {
	summary, err := o.evaluator.Evaluate(ctx, projectID, progress)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// runCompilation asks the agent for targeted diffs and applies those whose
// target still occurs in the manuscript. No applicable diff is a no-op
// outcome, not an error.
func (o *Orchestrator) runCompilation(ctx context.Context, projectID uint, progress ProgressFunc) (any, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	paper, err := o.store.GetOrCreatePaper(ctx, projectID)
	if err != nil {
		return nil, err
	}
	progress.report(30, "collecting revision plan")

	var plan CompilationPlan
	err = o.caller.Call(ctx, agent.Request{
		Input: fmt.Sprintf("Propose small targeted diffs to polish the manuscript.\nProject: %s", project.Name),
		Tools: []string{"get_paper", "list_literature", "list_hypotheses", "list_experiments", "list_notes"},
	}, &plan)
	if err != nil {
		return nil, err
	}
	progress.report(80, "applying revision diffs")

	applied, err := o.store.ApplyPaperDiffs(ctx, projectID, plan.Diffs)
	if err != nil {
		return nil, err
	}

	return CompilationResult{ProjectID: projectID, PaperID: paper.ID, AppliedDiffs: applied}, nil
}

// ---------------------------------------------------------------------------
// Prompt builders
// ---------------------------------------------------------------------------

func formalizerPrompt(project *store.Project, paper *store.Paper, experiments []store.ExperimentSummary, literature []store.LiteratureMeta) string {
	var lines []string
	lines = append(lines, "Project: "+project.Name, "", "Current abstract:", paper.Abstract, "")
	if len(experiments) > 0 {
		lines = append(lines, "Experiments available:")
		for _, e := range experiments {
			lines = append(lines, fmt.Sprintf("- %s (status=%s)", e.Name, e.Status))
		}
		lines = append(lines, "")
	}
	if len(literature) > 0 {
		lines = append(lines, "Linked literature (by title/year):")
		for _, lm := range literature {
			year := ""
			if lm.Year != nil {
				year = fmt.Sprintf(" (%d)", *lm.Year)
			}
			lines = append(lines, "- "+lm.Title+year)
		}
		lines = append(lines, "")
	}
	lines = append(lines, "Task: Improve and formalize the research ask.")
	return strings.Join(lines, "\n")
}

func reviewerPrompt(project *store.Project, objective string) string {
	return strings.Join([]string{
		"Project: " + project.Name,
		"Formalized ask:",
		objective,
		"",
		"Use your tools to search and (if appropriate) link relevant literature to support the project.",
	}, "\n")
}

func summarizerPrompt(project *store.Project, objective string) string {
	return strings.Join([]string{
		"Project: " + project.Name,
		"Objective:",
		objective,
		"",
		"Summarize linked literature with focus on how each connects to the objective.",
		"Only use your reading tools; do not invent sources.",
	}, "\n")
}

func hypothesizerPrompt(project *store.Project, objective string, experiments []store.ExperimentSummary) string {
	var lines []string
	lines = append(lines, "Project: "+project.Name, "Objective:", objective, "")
	if len(experiments) > 0 {
		lines = append(lines, "Available experiments:")
		for _, e := range experiments {
			lines = append(lines, fmt.Sprintf("- %s (status=%s)", e.Name, e.Status))
		}
		lines = append(lines, "")
	}
	lines = append(lines,
		"Create high-quality hypotheses needed to satisfy the research task.",
		"Use your tools to create hypotheses; prefer quality over quantity.")
	return strings.Join(lines, "\n")
}

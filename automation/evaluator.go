package automation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paperforge/paperforge/agent"
	"github.com/paperforge/paperforge/internal/metrics"
	"github.com/paperforge/paperforge/sandbox"
	"github.com/paperforge/paperforge/store"
)

// DefaultBatchSize is the number of hypotheses evaluated concurrently.
const DefaultBatchSize = 8

// NormalizeVerdict coerces an agent-produced verdict string to one of the
// three accepted terminal states. Anything else becomes inconclusive; this
// is a defensive default for agent output, not a confidence signal.
func NormalizeVerdict(s string) store.HypothesisStatus {
	switch store.HypothesisStatus(strings.ToLower(strings.TrimSpace(s))) {
	case store.HypothesisSupported:
		return store.HypothesisSupported
	case store.HypothesisRejected:
		return store.HypothesisRejected
	default:
		return store.HypothesisInconclusive
	}
}

// Evaluator re-evaluates all of a project's hypotheses in fixed-size
// batches: hypotheses within a batch run concurrently, batches run
// strictly sequentially as backpressure. A failure in one hypothesis's
// pipeline never aborts its siblings.
type Evaluator struct {
	store          *store.Store
	caller         agent.Caller
	sandbox        *sandbox.Service
	batchSize      int
	sandboxTimeout time.Duration
	metrics        *metrics.Collector
	logger         *zap.Logger
}

// NewEvaluator creates a batch evaluator.
func NewEvaluator(st *store.Store, caller agent.Caller, sandboxSvc *sandbox.Service, batchSize int, sandboxTimeout time.Duration, collector *metrics.Collector, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if sandboxTimeout <= 0 {
		sandboxTimeout = 30 * time.Second
	}
	return &Evaluator{
		store:          st,
		caller:         caller,
		sandbox:        sandboxSvc,
		batchSize:      batchSize,
		sandboxTimeout: sandboxTimeout,
		metrics:        collector,
		logger:         logger.With(zap.String("component", "evaluator")),
	}
}

// Evaluate runs the evaluation round for every hypothesis of the project,
// preserving original order across batches in the summary. progress may be
// nil; when set it is called after every finished batch.
func (e *Evaluator) Evaluate(ctx context.Context, projectID uint, progress ProgressFunc) (*EvaluationSummary, error) {
	hypotheses, err := e.store.ListHypotheses(ctx, projectID)
	if err != nil {
		return nil, err
	}

	summary := &EvaluationSummary{ProjectID: projectID}
	if len(hypotheses) == 0 {
		return summary, nil
	}

	for start := 0; start < len(hypotheses); start += e.batchSize {
		end := start + e.batchSize
		if end > len(hypotheses) {
			end = len(hypotheses)
		}
		batch := hypotheses[start:end]
		summary.Batches++

		e.logger.Info("evaluating hypothesis batch",
			zap.Uint("project_id", projectID),
			zap.Int("batch", summary.Batches),
			zap.Int("size", len(batch)))

		outcomes := make([]HypothesisOutcome, len(batch))
		var wg sync.WaitGroup
		for i := range batch {
			wg.Add(1)
			go func(i int, h store.Hypothesis) {
				defer wg.Done()
				outcomes[i] = e.evaluateOne(ctx, projectID, h)
			}(i, batch[i])
		}
		// Batch i+1 does not start until every member of batch i is
		// terminal and persisted.
		wg.Wait()

		for _, out := range outcomes {
			summary.Results = append(summary.Results, out)
			if out.Error != "" {
				summary.Failed++
			} else {
				summary.Evaluated++
			}
		}

		pct := end * 100 / len(hypotheses)
		if pct > 99 {
			pct = 99
		}
		progress.report(pct, fmt.Sprintf("evaluated %d of %d hypotheses", end, len(hypotheses)))
	}

	e.logger.Info("evaluation round finished",
		zap.Uint("project_id", projectID),
		zap.Int("evaluated", summary.Evaluated),
		zap.Int("failed", summary.Failed),
		zap.Int("batches", summary.Batches))
	return summary, nil
}

// evaluateOne runs the four-step pipeline for a single hypothesis. Any
// error is captured in the outcome; it never propagates to siblings. The
// hypothesis record is written exactly once, at the end.
func (e *Evaluator) evaluateOne(ctx context.Context, projectID uint, h store.Hypothesis) HypothesisOutcome {
	outcome := HypothesisOutcome{HypothesisID: h.ID}

	fail := func(step string, err error) HypothesisOutcome {
		e.logger.Warn("hypothesis evaluation failed",
			zap.Uint("hypothesis_id", h.ID),
			zap.String("step", step),
			zap.Error(err))
		outcome.Error = fmt.Sprintf("%s: %v", step, err)
		return outcome
	}

	// Step 1: research background.
	var background HypothesisResearch
	err := e.caller.Call(ctx, agent.Request{
		Input: fmt.Sprintf("Research the background for this hypothesis.\nHypothesis: %s\n%s", h.Title, h.Statement),
		Tools: []string{"literature_search", "list_literature", "read_literature"},
	}, &background)
	if err != nil {
		return fail("research", err)
	}

	// Step 2: decide whether a code experiment would help.
	var decision SimulationDecision
	err = e.caller.Call(ctx, agent.Request{
		Input: fmt.Sprintf("Decide whether a code experiment would help test this hypothesis.\nHypothesis: %s\n%s\nBackground:\n%s",
			h.Title, h.Statement, background.BackgroundSummary),
	}, &decision)
	if err != nil {
		return fail("decide", err)
	}

	// Step 3: optionally create and run one sandboxed experiment.
	simStatus := "not required"
	if decision.Needed {
		code := decision.Code
		if strings.TrimSpace(code) == "" {
			// Structural placeholder when no agent-authored code came back.
			code = fmt.Sprintf("# Test for: %s\nprint('Test placeholder')", h.Title)
		}
		hypothesisID := h.ID
		exp, err := e.store.CreateExperiment(ctx, projectID, "AutoSim: "+h.Title, code, store.LangPython, nil, &hypothesisID)
		if err != nil {
			return fail("experiment", err)
		}
		exp, err = e.sandbox.Run(ctx, exp.ID, e.sandboxTimeout)
		if err != nil {
			return fail("experiment", err)
		}
		simStatus = string(exp.Status)
	}

	// Step 4: final verdict grounded in background and experiment outcome.
	var answer HypothesisAnswer
	err = e.caller.Call(ctx, agent.Request{
		Input: strings.Join([]string{
			"Give a final verdict (supported, rejected, or inconclusive) with justification.",
			"Hypothesis: " + h.Title,
			h.Statement,
			"",
			"Background:",
			background.BackgroundSummary,
			"",
			"Simulation: " + simStatus,
		}, "\n"),
	}, &answer)
	if err != nil {
		return fail("answer", err)
	}

	status := NormalizeVerdict(answer.Status)
	if _, err := e.store.UpdateHypothesisVerdict(ctx, h.ID, status, answer.Justification); err != nil {
		return fail("persist", err)
	}
	e.metrics.Verdict(string(status))

	outcome.Status = status
	outcome.Justification = answer.Justification
	return outcome
}

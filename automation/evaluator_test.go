package automation

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/paperforge/paperforge/agent"
	"github.com/paperforge/paperforge/sandbox"
	"github.com/paperforge/paperforge/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	s, err := store.Open(dsn, zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := s.DB().DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return s
}

func newTestSandbox(t *testing.T, s *store.Store) *sandbox.Service {
	t.Helper()
	runner := sandbox.NewRunner(sandbox.Config{DefaultTimeout: 10 * time.Second}, zap.NewNop())
	return sandbox.NewService(s, runner, 4, nil, zap.NewNop())
}

// scriptedCaller answers agent calls by the schema type being decoded into,
// tracking how many calls are in flight at once.
type scriptedCaller struct {
	mu          sync.Mutex
	inflight    int
	maxInflight int
	calls       int
	handle      func(req agent.Request, out any) error
}

func (m *scriptedCaller) Call(_ context.Context, req agent.Request, out any) error {
	m.mu.Lock()
	m.calls++
	m.inflight++
	if m.inflight > m.maxInflight {
		m.maxInflight = m.inflight
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()
	return m.handle(req, out)
}

// happyEvaluationHandler drives every hypothesis to a supported verdict
// without requesting a simulation.
func happyEvaluationHandler(verdict string) func(req agent.Request, out any) error {
	return func(req agent.Request, out any) error {
		switch v := out.(type) {
		case *HypothesisResearch:
			v.BackgroundSummary = "prior work summary"
		case *SimulationDecision:
			v.Needed = false
		case *HypothesisAnswer:
			v.Status = verdict
			v.Justification = "because the background says so"
		default:
			return fmt.Errorf("unexpected schema %T", out)
		}
		return nil
	}
}

func TestEvaluateBatchPartitioning(t *testing.T) {
	cases := []struct {
		hypotheses  int
		wantBatches int
	}{
		{5, 1},
		{16, 2},
		{20, 3},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_hypotheses", tc.hypotheses), func(t *testing.T) {
			s := openTestStore(t)
			ctx := context.Background()
			project, err := s.CreateProject(ctx, "Batching", "")
			require.NoError(t, err)

			for i := 0; i < tc.hypotheses; i++ {
				_, err := s.CreateHypothesis(ctx, project.ID, fmt.Sprintf("H%02d", i), "statement")
				require.NoError(t, err)
			}

			caller := &scriptedCaller{handle: happyEvaluationHandler("supported")}
			ev := NewEvaluator(s, caller, newTestSandbox(t, s), DefaultBatchSize, time.Second, nil, zap.NewNop())

			summary, err := ev.Evaluate(ctx, project.ID, nil)
			require.NoError(t, err)

			assert.Equal(t, tc.wantBatches, summary.Batches)
			assert.Equal(t, tc.hypotheses, summary.Evaluated)
			assert.Zero(t, summary.Failed)
			assert.Len(t, summary.Results, tc.hypotheses)

			// Concurrency never exceeds the batch size.
			assert.LessOrEqual(t, caller.maxInflight, DefaultBatchSize)

			all, err := s.ListHypotheses(ctx, project.ID)
			require.NoError(t, err)
			for _, h := range all {
				assert.Equal(t, store.HypothesisSupported, h.Status)
				assert.NotEmpty(t, h.Justification)
			}
		})
	}
}

func TestEvaluatePreservesOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project, err := s.CreateProject(ctx, "Ordering", "")
	require.NoError(t, err)

	var ids []uint
	for i := 0; i < 10; i++ {
		h, err := s.CreateHypothesis(ctx, project.ID, fmt.Sprintf("H%02d", i), "statement")
		require.NoError(t, err)
		ids = append(ids, h.ID)
	}

	caller := &scriptedCaller{handle: happyEvaluationHandler("rejected")}
	ev := NewEvaluator(s, caller, newTestSandbox(t, s), 4, time.Second, nil, zap.NewNop())

	summary, err := ev.Evaluate(ctx, project.ID, nil)
	require.NoError(t, err)
	require.Len(t, summary.Results, len(ids))
	for i, out := range summary.Results {
		assert.Equal(t, ids[i], out.HypothesisID)
	}
}

func TestEvaluateIsolatesFailures(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project, err := s.CreateProject(ctx, "Isolation", "")
	require.NoError(t, err)

	for _, title := range []string{"H1", "H2", "H3"} {
		_, err := s.CreateHypothesis(ctx, project.ID, title, "statement")
		require.NoError(t, err)
	}

	happy := happyEvaluationHandler("supported")
	caller := &scriptedCaller{handle: func(req agent.Request, out any) error {
		if _, ok := out.(*HypothesisResearch); ok && strings.Contains(req.Input, "H2") {
			return fmt.Errorf("upstream model unavailable")
		}
		return happy(req, out)
	}}
	ev := NewEvaluator(s, caller, newTestSandbox(t, s), DefaultBatchSize, time.Second, nil, zap.NewNop())

	summary, err := ev.Evaluate(ctx, project.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Evaluated)
	assert.Equal(t, 1, summary.Failed)

	all, err := s.ListHypotheses(ctx, project.ID)
	require.NoError(t, err)
	byTitle := map[string]store.Hypothesis{}
	for _, h := range all {
		byTitle[h.Title] = h
	}
	assert.Equal(t, store.HypothesisSupported, byTitle["H1"].Status)
	assert.Equal(t, store.HypothesisSupported, byTitle["H3"].Status)
	// The failed sibling keeps its original status; the error lands in the
	// summary, not the record.
	assert.Equal(t, store.HypothesisProposed, byTitle["H2"].Status)

	var failed *HypothesisOutcome
	for i := range summary.Results {
		if summary.Results[i].Error != "" {
			failed = &summary.Results[i]
		}
	}
	require.NotNil(t, failed)
	assert.Contains(t, failed.Error, "research")
	assert.Contains(t, failed.Error, "upstream model unavailable")
}

func TestEvaluateRunsExperimentWhenNeeded(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	s := openTestStore(t)
	ctx := context.Background()
	project, err := s.CreateProject(ctx, "Sims", "")
	require.NoError(t, err)
	h, err := s.CreateHypothesis(ctx, project.ID, "Widgets conduct", "statement")
	require.NoError(t, err)

	var verdictPrompt string
	caller := &scriptedCaller{handle: func(req agent.Request, out any) error {
		switch v := out.(type) {
		case *HypothesisResearch:
			v.BackgroundSummary = "background"
		case *SimulationDecision:
			v.Needed = true
		case *HypothesisAnswer:
			verdictPrompt = req.Input
			v.Status = "inconclusive"
			v.Justification = "placeholder run only"
		default:
			return fmt.Errorf("unexpected schema %T", out)
		}
		return nil
	}}
	ev := NewEvaluator(s, caller, newTestSandbox(t, s), DefaultBatchSize, 10*time.Second, nil, zap.NewNop())

	summary, err := ev.Evaluate(ctx, project.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Evaluated)

	exps, err := s.ListExperiments(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, exps, 1)
	assert.Equal(t, "AutoSim: Widgets conduct", exps[0].Name)
	assert.Equal(t, store.ExperimentSuccess, exps[0].Status)

	exp, err := s.GetExperiment(ctx, exps[0].ID)
	require.NoError(t, err)
	require.NotNil(t, exp.HypothesisID)
	assert.Equal(t, h.ID, *exp.HypothesisID)
	assert.Contains(t, exp.Code, "Test placeholder")
	assert.Contains(t, exp.Stdout, "Test placeholder")

	// The verdict step sees the simulation outcome.
	assert.Contains(t, verdictPrompt, "Simulation: success")
}

func TestEvaluateEmptyProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project, err := s.CreateProject(ctx, "Empty", "")
	require.NoError(t, err)

	caller := &scriptedCaller{handle: happyEvaluationHandler("supported")}
	ev := NewEvaluator(s, caller, newTestSandbox(t, s), DefaultBatchSize, time.Second, nil, zap.NewNop())

	summary, err := ev.Evaluate(ctx, project.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, summary.Batches)
	assert.Zero(t, summary.Evaluated)
	assert.Zero(t, caller.calls)
}

func TestEvaluateReportsProgressPerBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project, err := s.CreateProject(ctx, "Progress", "")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := s.CreateHypothesis(ctx, project.ID, fmt.Sprintf("H%02d", i), "statement")
		require.NoError(t, err)
	}

	caller := &scriptedCaller{handle: happyEvaluationHandler("supported")}
	ev := NewEvaluator(s, caller, newTestSandbox(t, s), DefaultBatchSize, time.Second, nil, zap.NewNop())

	var pcts []int
	var msgs []string
	progress := ProgressFunc(func(pct int, message string) {
		pcts = append(pcts, pct)
		msgs = append(msgs, message)
	})

	_, err = ev.Evaluate(ctx, project.ID, progress)
	require.NoError(t, err)

	// One report per batch; the final one stays below 100, which is
	// reserved for the terminal task state.
	assert.Equal(t, []int{40, 80, 99}, pcts)
	require.Len(t, msgs, 3)
	assert.Equal(t, "evaluated 8 of 20 hypotheses", msgs[0])
	assert.Equal(t, "evaluated 20 of 20 hypotheses", msgs[2])
}

func TestNormalizeVerdict(t *testing.T) {
	cases := map[string]store.HypothesisStatus{
		"supported":       store.HypothesisSupported,
		"  Supported  ":   store.HypothesisSupported,
		"REJECTED":        store.HypothesisRejected,
		"inconclusive":    store.HypothesisInconclusive,
		"definitely true": store.HypothesisInconclusive,
		"":                store.HypothesisInconclusive,
		"proposed":        store.HypothesisInconclusive,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeVerdict(in), "input %q", in)
	}
}

func TestNormalizeVerdictAlwaysTerminal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.String().Draw(t, "verdict")
		got := NormalizeVerdict(in)
		switch got {
		case store.HypothesisSupported, store.HypothesisRejected, store.HypothesisInconclusive:
		default:
			t.Fatalf("non-terminal verdict %q from %q", got, in)
		}
		canon := strings.ToLower(strings.TrimSpace(in))
		if canon != string(store.HypothesisSupported) && canon != string(store.HypothesisRejected) {
			if got != store.HypothesisInconclusive {
				t.Fatalf("expected inconclusive for %q, got %q", in, got)
			}
		}
	})
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/paperforge/paperforge/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	s, err := Open(dsn, zap.NewNop())
	require.NoError(t, err)

	// A single connection keeps the in-memory database alive and
	// serializes concurrent test writes.
	sqlDB, err := s.DB().DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return s
}

func newTestProject(t *testing.T, s *Store) *Project {
	t.Helper()
	p, err := s.CreateProject(context.Background(), "Quantum Widgets", "A study of widget entanglement.")
	require.NoError(t, err)
	return p
}

func TestGetOrCreatePaperSeedsFromProject(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)
	ctx := context.Background()

	paper, err := s.GetOrCreatePaper(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Quantum Widgets", paper.Title)
	assert.Equal(t, "A study of widget entanglement.", paper.Abstract)

	again, err := s.GetOrCreatePaper(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, paper.ID, again.ID)
}

func TestGetOrCreatePaperConcurrent(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)
	ctx := context.Background()

	// Concurrent stages race on the first create; every caller must get
	// the same single paper, never a unique-constraint error.
	const callers = 8
	ids := make([]uint, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paper, err := s.GetOrCreatePaper(ctx, p.ID)
			errs[i] = err
			if err == nil {
				ids[i] = paper.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	var count int64
	require.NoError(t, s.DB().Model(&Paper{}).Where("project_id = ?", p.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestUpdatePaperAbstractNoOp(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)
	ctx := context.Background()

	applied, err := s.UpdatePaperAbstract(ctx, p.ID, "A study of widget entanglement.")
	require.NoError(t, err)
	assert.False(t, applied, "identical abstract must be a no-op")

	applied, err = s.UpdatePaperAbstract(ctx, p.ID, "")
	require.NoError(t, err)
	assert.False(t, applied, "empty abstract must be a no-op")

	applied, err = s.UpdatePaperAbstract(ctx, p.ID, "Improved abstract.")
	require.NoError(t, err)
	assert.True(t, applied)

	paper, err := s.GetOrCreatePaper(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Improved abstract.", paper.Abstract)
}

func TestApplyPaperDiffs(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)
	ctx := context.Background()

	_, err := s.AppendPaperContent(ctx, p.ID, "Intro with TARGET inside.")
	require.NoError(t, err)

	applied, err := s.ApplyPaperDiffs(ctx, p.ID, []Diff{
		{Target: "TARGET", Replacement: "REPLACED"},
		{Target: "absent snippet", Replacement: "whatever"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	paper, err := s.GetOrCreatePaper(ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, paper.ContentRaw, "REPLACED")
	assert.NotContains(t, paper.ContentRaw, "TARGET")

	// Target absent everywhere: zero applied, content untouched.
	before := paper.ContentRaw
	applied, err = s.ApplyPaperDiffs(ctx, p.ID, []Diff{{Target: "missing", Replacement: "x"}})
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	paper, err = s.GetOrCreatePaper(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, before, paper.ContentRaw)
}

func TestMutatePaperContentBumpsRevision(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)
	ctx := context.Background()

	_, err := s.AppendPaperContent(ctx, p.ID, "one")
	require.NoError(t, err)
	_, err = s.AppendPaperContent(ctx, p.ID, " two")
	require.NoError(t, err)

	paper, err := s.GetOrCreatePaper(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "one two", paper.ContentRaw)
	assert.Equal(t, int64(2), paper.Revision)
}

func TestLinkLiteratureDedupesByDOI(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)
	ctx := context.Background()

	first, err := s.LinkLiterature(ctx, LinkLiteratureInput{
		ProjectID: p.ID, Title: "Widgets at Scale", DOI: "10.1000/w123",
	})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := s.LinkLiterature(ctx, LinkLiteratureInput{
		ProjectID: p.ID, Title: "Widgets at Scale (v2)", DOI: "10.1000/w123",
	})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.LiteratureID, second.LiteratureID)

	metas, err := s.ListLiterature(ctx, p.ID)
	require.NoError(t, err)
	// Two citations to the same literature item, citation order preserved.
	require.Len(t, metas, 2)
	assert.Equal(t, first.LiteratureID, metas[0].ID)
}

func TestUpdateHypothesisVerdictRejectsInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)
	ctx := context.Background()

	h, err := s.CreateHypothesis(ctx, p.ID, "H1", "Widgets entangle.")
	require.NoError(t, err)
	assert.Equal(t, HypothesisProposed, h.Status)

	_, err = s.UpdateHypothesisVerdict(ctx, h.ID, HypothesisStatus("probably"), "nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	updated, err := s.UpdateHypothesisVerdict(ctx, h.ID, HypothesisSupported, "strong evidence")
	require.NoError(t, err)
	assert.Equal(t, HypothesisSupported, updated.Status)
	assert.Equal(t, "strong evidence", updated.Justification)
}

func TestExperimentRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)
	ctx := context.Background()

	exp, err := s.CreateExperiment(ctx, p.ID, "sum", "print(1)", LangPython,
		Params{{Key: "a", Value: "3"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, ExperimentDraft, exp.Status)

	running, err := s.MarkExperimentRunning(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, ExperimentRunning, running.Status)
	assert.NotNil(t, running.StartedAt)

	code := 0
	result := `{"sum":7}`
	done, err := s.FinishExperiment(ctx, exp.ID, ExperimentOutcome{
		Status: ExperimentSuccess, ExitCode: &code, Stdout: "ok\n", ResultJSON: &result,
	})
	require.NoError(t, err)
	assert.Equal(t, ExperimentSuccess, done.Status)
	assert.NotNil(t, done.FinishedAt)
	require.NotNil(t, done.ResultJSON)
	assert.JSONEq(t, `{"sum":7}`, *done.ResultJSON)

	// Re-running clears prior run fields.
	rerun, err := s.MarkExperimentRunning(ctx, exp.ID)
	require.NoError(t, err)
	assert.Nil(t, rerun.ExitCode)
	assert.Nil(t, rerun.ResultJSON)
	assert.Empty(t, rerun.Stdout)
}

func TestJobTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, job.Status)
	assert.NotNil(t, job.StartedAt)
	assert.Nil(t, job.FinishedAt)

	task, err := s.CreateTask(ctx, job.ID, "initial_research")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)

	require.NoError(t, s.StartTask(ctx, task.ID))
	require.NoError(t, s.SetTaskProgress(ctx, task.ID, 50, "halfway"))
	require.NoError(t, s.FinishTask(ctx, task.ID, TaskSuccess, "done", nil))

	// Terminal tasks are immutable: a second finish is a no-op.
	require.NoError(t, s.FinishTask(ctx, task.ID, TaskFailed, "late failure", nil))

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Tasks, 1)
	assert.Equal(t, TaskSuccess, loaded.Tasks[0].Status)
	assert.Equal(t, 100, loaded.Tasks[0].Progress)
	assert.NotNil(t, loaded.Tasks[0].FinishedAt)

	require.NoError(t, s.FinishJob(ctx, job.ID, JobSuccess, ""))
	done, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSuccess, done.Status)
	assert.NotNil(t, done.FinishedAt)
}

func TestLatestJobOrdering(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)
	ctx := context.Background()

	latest, err := s.LatestJob(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, latest, "no job yet")

	first, err := s.CreateJob(ctx, p.ID)
	require.NoError(t, err)
	second, err := s.CreateJob(ctx, p.ID)
	require.NoError(t, err)

	latest, err = s.LatestJob(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
	assert.NotEqual(t, first.ID, latest.ID)
}

func TestParamsOrderedRoundTrip(t *testing.T) {
	p := Params{{Key: "zeta", Value: "1"}, {Key: "alpha", Value: "2"}, {Key: "mid", Value: "3"}}

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"1","alpha":"2","mid":"3"}`, string(b))

	var back Params
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, p, back)

	v, ok := back.Get("mid")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
}

func TestParamsDuplicateKeysLastWins(t *testing.T) {
	var p Params
	require.NoError(t, json.Unmarshal([]byte(`{"a":"1","b":"2","a":"3"}`), &p))
	require.Len(t, p, 2)
	v, _ := p.Get("a")
	assert.Equal(t, "3", v)
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/paperforge/paperforge/sandbox"
	"github.com/paperforge/paperforge/store"
)

type stubLauncher struct {
	job *store.AutomationJob
	err error
}

func (s *stubLauncher) Launch(context.Context, uint) (*store.AutomationJob, error) {
	return s.job, s.err
}

func newServerFixture(t *testing.T, launcher Launcher) (*gin.Engine, *store.Store, uint) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	st, err := store.Open(dsn, zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := st.DB().DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	project, err := st.CreateProject(context.Background(), "HTTP Project", "abstract")
	require.NoError(t, err)

	runner := sandbox.NewRunner(sandbox.Config{DefaultTimeout: 10 * time.Second}, zap.NewNop())
	svc := sandbox.NewService(st, runner, 2, nil, zap.NewNop())

	srv := NewServer(st, launcher, svc, 10*time.Second, zap.NewNop())
	return srv.Router(), st, project.ID
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router, _, _ := newServerFixture(t, &stubLauncher{})

	w := doJSON(t, router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCreateAndGetProject(t *testing.T) {
	router, _, _ := newServerFixture(t, &stubLauncher{})

	w := doJSON(t, router, http.MethodPost, "/api/projects", `{"name":"New Project","abstract":"idea"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created store.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "New Project", created.Name)

	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/projects/%d", created.ID), "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/projects", `{"abstract":"no name"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetProjectNotFound(t *testing.T) {
	router, _, _ := newServerFixture(t, &stubLauncher{})

	w := doJSON(t, router, http.MethodGet, "/api/projects/424242", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/projects/not-a-number", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartAutomation(t *testing.T) {
	job := &store.AutomationJob{ID: 7, Status: store.JobRunning}
	router, _, projectID := newServerFixture(t, &stubLauncher{job: job})

	w := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/projects/%d/automation", projectID), "")
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		JobID  uint   `json:"job_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint(7), resp.JobID)
	assert.Equal(t, "running", resp.Status)
}

func TestLatestAutomation(t *testing.T) {
	router, st, projectID := newServerFixture(t, &stubLauncher{})
	ctx := context.Background()

	w := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/projects/%d/automation", projectID), "")
	assert.Equal(t, http.StatusNotFound, w.Code, "no job yet")

	job, err := st.CreateJob(ctx, projectID)
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, job.ID, "initial_research")
	require.NoError(t, err)

	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/projects/%d/automation", projectID), "")
	require.Equal(t, http.StatusOK, w.Code)

	var got store.AutomationJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, job.ID, got.ID)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "initial_research", got.Tasks[0].Name)
}

func TestListHypotheses(t *testing.T) {
	router, st, projectID := newServerFixture(t, &stubLauncher{})

	_, err := st.CreateHypothesis(context.Background(), projectID, "H1", "statement")
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/projects/%d/hypotheses", projectID), "")
	require.Equal(t, http.StatusOK, w.Code)

	var got []store.Hypothesis
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "H1", got[0].Title)
}

func TestGetAndRunExperiment(t *testing.T) {
	router, st, projectID := newServerFixture(t, &stubLauncher{})

	exp, err := st.CreateExperiment(context.Background(), projectID, "noop", "pass", store.LangPython, nil, nil)
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/experiments/%d", exp.ID), "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/experiments/999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Running an unsupported language records a failure but still responds 200.
	bad, err := st.CreateExperiment(context.Background(), projectID, "r", "cat('x')", store.CodeLanguage("r"), nil, nil)
	require.NoError(t, err)

	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/experiments/%d/run", bad.ID), "")
	require.Equal(t, http.StatusOK, w.Code)

	var got store.Experiment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, store.ExperimentFailed, got.Status)
	assert.Contains(t, got.Stderr, "Unsupported language")
}

func TestMetricsEndpoint(t *testing.T) {
	router, _, _ := newServerFixture(t, &stubLauncher{})

	w := doJSON(t, router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

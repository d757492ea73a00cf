// Package store persists projects, papers, hypotheses, experiments, and
// automation jobs behind the adapter operations the engine consumes.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/paperforge/paperforge/types"
)

// paperWriteRetries bounds optimistic-concurrency retries on paper content.
const paperWriteRetries = 5

// Store wraps the database and implements the engine's adapter contracts.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the sqlite database at dsn and migrates the schema.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Project{}, &Paper{}, &Literature{}, &Citation{}, &Note{},
		&Hypothesis{}, &Experiment{}, &AutomationJob{}, &AutomationTask{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, logger: log.With(zap.String("component", "store"))}, nil
}

// DB exposes the underlying handle for the HTTP layer's health check.
func (s *Store) DB() *gorm.DB { return s.db }

func notFound(err error, what string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("%s %d not found", what, id))
	}
	return types.NewError(types.ErrStore, fmt.Sprintf("load %s %d", what, id)).WithCause(err)
}

// ---------------------------------------------------------------------------
// Projects and papers
// ---------------------------------------------------------------------------

// CreateProject creates a new project.
func (s *Store) CreateProject(ctx context.Context, name, abstract string) (*Project, error) {
	p := &Project{Name: name, Abstract: abstract, Status: ProjectActive}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "create project").WithCause(err)
	}
	return p, nil
}

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, id uint) (*Project, error) {
	var p Project
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err, "project", id)
	}
	return &p, nil
}

// GetOrCreatePaper returns the project's paper, seeding a default from the
// project name and abstract when none exists yet.
func (s *Store) GetOrCreatePaper(ctx context.Context, projectID uint) (*Paper, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var paper Paper
	err = s.db.WithContext(ctx).Where("project_id = ?", projectID).First(&paper).Error
	if err == nil {
		return &paper, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrStore, "load paper").WithCause(err)
	}

	paper = Paper{ProjectID: projectID, Title: project.Name, Abstract: project.Abstract}
	if err := s.db.WithContext(ctx).Create(&paper).Error; err != nil {
		// Concurrent stages race on the first create; the unique index on
		// ProjectID makes the loser's insert fail, so re-read the winner.
		var existing Paper
		if rerr := s.db.WithContext(ctx).Where("project_id = ?", projectID).First(&existing).Error; rerr == nil {
			return &existing, nil
		}
		return nil, types.NewError(types.ErrStore, "create paper").WithCause(err)
	}
	return &paper, nil
}

// UpdatePaperAbstract replaces the paper's abstract. Returns false without
// writing when the new abstract is empty or identical to the current one.
func (s *Store) UpdatePaperAbstract(ctx context.Context, projectID uint, abstract string) (bool, error) {
	abstract = strings.TrimSpace(abstract)
	paper, err := s.GetOrCreatePaper(ctx, projectID)
	if err != nil {
		return false, err
	}
	if abstract == "" || abstract == strings.TrimSpace(paper.Abstract) {
		return false, nil
	}
	err = s.db.WithContext(ctx).Model(paper).Update("abstract", abstract).Error
	if err != nil {
		return false, types.NewError(types.ErrStore, "update abstract").WithCause(err)
	}
	return true, nil
}

// Diff is one targeted content substitution.
type Diff struct {
	Target      string `json:"target"`
	Replacement string `json:"replacement"`
}

// MutatePaperContent applies fn to the paper's current content and persists
// the result under optimistic concurrency: the write only lands if the
// content revision is unchanged since the read, retrying on conflict.
// Returns false when fn leaves the content byte-identical.
func (s *Store) MutatePaperContent(ctx context.Context, projectID uint, fn func(current string) string) (bool, error) {
	for attempt := 0; attempt < paperWriteRetries; attempt++ {
		paper, err := s.GetOrCreatePaper(ctx, projectID)
		if err != nil {
			return false, err
		}

		next := fn(paper.ContentRaw)
		if next == paper.ContentRaw {
			return false, nil
		}

		res := s.db.WithContext(ctx).Model(&Paper{}).
			Where("id = ? AND revision = ?", paper.ID, paper.Revision).
			Updates(map[string]any{
				"content_raw": next,
				"revision":    paper.Revision + 1,
			})
		if res.Error != nil {
			return false, types.NewError(types.ErrStore, "write paper content").WithCause(res.Error)
		}
		if res.RowsAffected == 1 {
			return true, nil
		}

		s.logger.Debug("paper write conflict, retrying",
			zap.Uint("project_id", projectID),
			zap.Int("attempt", attempt+1))
	}
	return false, types.NewError(types.ErrWriteConflict, "paper content contended beyond retry budget").WithRetryable(true)
}

// AppendPaperContent appends text to the paper content.
func (s *Store) AppendPaperContent(ctx context.Context, projectID uint, text string) (bool, error) {
	if text == "" {
		return false, nil
	}
	return s.MutatePaperContent(ctx, projectID, func(current string) string {
		return current + text
	})
}

// ApplyPaperDiffs applies each diff whose target occurs in the content.
// Absent targets are no-ops, not errors. Returns the applied count.
func (s *Store) ApplyPaperDiffs(ctx context.Context, projectID uint, diffs []Diff) (int, error) {
	applied := 0
	changed, err := s.MutatePaperContent(ctx, projectID, func(current string) string {
		applied = 0
		content := current
		for _, d := range diffs {
			if d.Target != "" && strings.Contains(content, d.Target) {
				content = strings.ReplaceAll(content, d.Target, d.Replacement)
				applied++
			}
		}
		return content
	})
	if err != nil {
		return 0, err
	}
	if !changed {
		// Either no target matched or replacements were byte-identical.
		return 0, nil
	}
	return applied, nil
}

// ---------------------------------------------------------------------------
// Literature
// ---------------------------------------------------------------------------

// LiteratureMeta is the compact literature view returned to agents.
type LiteratureMeta struct {
	ID      uint   `json:"id"`
	Title   string `json:"title"`
	Year    *int   `json:"year,omitempty"`
	DOI     string `json:"doi,omitempty"`
	ArxivID string `json:"arxiv_id,omitempty"`
	URL     string `json:"url,omitempty"`
}

// LinkLiteratureInput describes a literature item to link to the paper.
type LinkLiteratureInput struct {
	ProjectID uint   `json:"project_id"`
	Title     string `json:"title"`
	Authors   string `json:"authors,omitempty"`
	Venue     string `json:"venue,omitempty"`
	Year      *int   `json:"year,omitempty"`
	DOI       string `json:"doi,omitempty"`
	ArxivID   string `json:"arxiv_id,omitempty"`
	URL       string `json:"url,omitempty"`
	Abstract  string `json:"abstract,omitempty"`
}

// LinkLiteratureResult reports the linked literature and whether it was new.
type LinkLiteratureResult struct {
	LiteratureID uint `json:"literature_id"`
	Created      bool `json:"created"`
	CitationID   uint `json:"citation_id"`
}

// LinkLiterature creates or reuses a literature entry and cites it from the
// project's paper. De-duplicates by DOI, then arXiv id, else title+URL.
func (s *Store) LinkLiterature(ctx context.Context, in LinkLiteratureInput) (*LinkLiteratureResult, error) {
	paper, err := s.GetOrCreatePaper(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Model(&Literature{})
	switch {
	case in.DOI != "":
		q = q.Where("doi = ?", in.DOI)
	case in.ArxivID != "":
		q = q.Where("arxiv_id = ?", in.ArxivID)
	default:
		q = q.Where("title = ? AND url = ?", in.Title, in.URL)
	}

	var lit Literature
	created := false
	err = q.First(&lit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		lit = Literature{
			Title:    in.Title,
			Authors:  in.Authors,
			Venue:    in.Venue,
			Year:     in.Year,
			DOI:      in.DOI,
			ArxivID:  in.ArxivID,
			URL:      in.URL,
			Abstract: in.Abstract,
		}
		if err := s.db.WithContext(ctx).Create(&lit).Error; err != nil {
			return nil, types.NewError(types.ErrStore, "create literature").WithCause(err)
		}
		created = true
	} else if err != nil {
		return nil, types.NewError(types.ErrStore, "lookup literature").WithCause(err)
	}

	var lastOrder int
	s.db.WithContext(ctx).Model(&Citation{}).
		Where("paper_id = ?", paper.ID).
		Select("COALESCE(MAX(sort_order), 0)").Scan(&lastOrder)

	cit := Citation{PaperID: paper.ID, LiteratureID: lit.ID, Order: lastOrder + 1}
	if err := s.db.WithContext(ctx).Create(&cit).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "create citation").WithCause(err)
	}

	return &LinkLiteratureResult{LiteratureID: lit.ID, Created: created, CitationID: cit.ID}, nil
}

// ListLiterature returns literature cited by the project's paper, in
// citation order.
func (s *Store) ListLiterature(ctx context.Context, projectID uint) ([]LiteratureMeta, error) {
	var paper Paper
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).First(&paper).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStore, "load paper").WithCause(err)
	}

	var rows []Literature
	err = s.db.WithContext(ctx).
		Joins("JOIN citations ON citations.literature_id = literatures.id").
		Where("citations.paper_id = ?", paper.ID).
		Order("citations.sort_order").
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, "list literature").WithCause(err)
	}

	metas := make([]LiteratureMeta, 0, len(rows))
	for _, lit := range rows {
		metas = append(metas, LiteratureMeta{
			ID: lit.ID, Title: lit.Title, Year: lit.Year,
			DOI: lit.DOI, ArxivID: lit.ArxivID, URL: lit.URL,
		})
	}
	return metas, nil
}

// ReadLiterature returns up to maxChars of a literature item's text
// (abstract plus full text).
func (s *Store) ReadLiterature(ctx context.Context, id uint, maxChars int) (*Literature, string, error) {
	var lit Literature
	if err := s.db.WithContext(ctx).First(&lit, id).Error; err != nil {
		return nil, "", notFound(err, "literature", id)
	}

	var blocks []string
	if a := strings.TrimSpace(lit.Abstract); a != "" {
		blocks = append(blocks, a)
	}
	if t := strings.TrimSpace(lit.FullText); t != "" {
		blocks = append(blocks, t)
	}
	content := strings.Join(blocks, "\n\n")
	if maxChars > 0 && len(content) > maxChars {
		content = content[:maxChars]
	}
	return &lit, content, nil
}

// ---------------------------------------------------------------------------
// Notes
// ---------------------------------------------------------------------------

// CreateNote creates a project note.
func (s *Store) CreateNote(ctx context.Context, projectID uint, title, body string) (*Note, error) {
	n := &Note{ProjectID: projectID, Title: title, Body: body}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "create note").WithCause(err)
	}
	return n, nil
}

// GetNote loads a note by id.
func (s *Store) GetNote(ctx context.Context, id uint) (*Note, error) {
	var n Note
	if err := s.db.WithContext(ctx).First(&n, id).Error; err != nil {
		return nil, notFound(err, "note", id)
	}
	return &n, nil
}

// ListNotes returns the project's notes, most recently updated first.
func (s *Store) ListNotes(ctx context.Context, projectID uint) ([]Note, error) {
	var notes []Note
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("updated_at DESC").
		Find(&notes).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, "list notes").WithCause(err)
	}
	return notes, nil
}

// UpdateNote replaces a note's title and body.
func (s *Store) UpdateNote(ctx context.Context, id uint, title, body string) (*Note, error) {
	n, err := s.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}
	n.Title = title
	n.Body = body
	if err := s.db.WithContext(ctx).Save(n).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "update note").WithCause(err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Hypotheses
// ---------------------------------------------------------------------------

// ListHypotheses returns the project's hypotheses in creation order.
func (s *Store) ListHypotheses(ctx context.Context, projectID uint) ([]Hypothesis, error) {
	var items []Hypothesis
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id").
		Find(&items).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, "list hypotheses").WithCause(err)
	}
	return items, nil
}

// CreateHypothesis creates a proposed hypothesis under the project.
func (s *Store) CreateHypothesis(ctx context.Context, projectID uint, title, statement string) (*Hypothesis, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	h := &Hypothesis{ProjectID: projectID, Title: title, Statement: statement, Status: HypothesisProposed}
	if err := s.db.WithContext(ctx).Create(h).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "create hypothesis").WithCause(err)
	}
	return h, nil
}

// UpdateHypothesisVerdict persists the evaluated status and justification.
// The status must already be a member of the accepted enum; verdict
// normalization is the evaluator's responsibility, not the store's.
func (s *Store) UpdateHypothesisVerdict(ctx context.Context, id uint, status HypothesisStatus, justification string) (*Hypothesis, error) {
	if !ValidHypothesisStatus(status) {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("invalid hypothesis status %q", status))
	}

	var h Hypothesis
	if err := s.db.WithContext(ctx).First(&h, id).Error; err != nil {
		return nil, notFound(err, "hypothesis", id)
	}
	h.Status = status
	h.Justification = justification
	if err := s.db.WithContext(ctx).Save(&h).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "update hypothesis").WithCause(err)
	}
	return &h, nil
}

// UpdateHypothesisStatus updates the status only, keeping the existing
// justification. Used by the agent-facing tool; invalid values are rejected
// here because tool input is agent output that bypassed normalization.
func (s *Store) UpdateHypothesisStatus(ctx context.Context, id uint, status HypothesisStatus) (*Hypothesis, error) {
	if !ValidHypothesisStatus(status) {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("invalid hypothesis status %q", status))
	}
	var h Hypothesis
	if err := s.db.WithContext(ctx).First(&h, id).Error; err != nil {
		return nil, notFound(err, "hypothesis", id)
	}
	h.Status = status
	if err := s.db.WithContext(ctx).Save(&h).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "update hypothesis status").WithCause(err)
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// Experiments
// ---------------------------------------------------------------------------

// ExperimentSummary is the compact experiment view returned to agents.
type ExperimentSummary struct {
	ID     uint             `json:"id"`
	Name   string           `json:"name"`
	Status ExperimentStatus `json:"status"`
}

// CreateExperiment creates a draft experiment for the project.
func (s *Store) CreateExperiment(ctx context.Context, projectID uint, name, code string, lang CodeLanguage, params Params, hypothesisID *uint) (*Experiment, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	if lang == "" {
		lang = LangPython
	}
	e := &Experiment{
		ProjectID:    projectID,
		HypothesisID: hypothesisID,
		Name:         name,
		Code:         code,
		Language:     lang,
		Parameters:   params,
		Status:       ExperimentDraft,
	}
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "create experiment").WithCause(err)
	}
	return e, nil
}

// GetExperiment loads an experiment by id.
func (s *Store) GetExperiment(ctx context.Context, id uint) (*Experiment, error) {
	var e Experiment
	if err := s.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, notFound(err, "experiment", id)
	}
	return &e, nil
}

// ListExperiments returns the project's experiments, newest first.
func (s *Store) ListExperiments(ctx context.Context, projectID uint) ([]ExperimentSummary, error) {
	var rows []Experiment
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, "list experiments").WithCause(err)
	}
	out := make([]ExperimentSummary, 0, len(rows))
	for _, e := range rows {
		out = append(out, ExperimentSummary{ID: e.ID, Name: e.Name, Status: e.Status})
	}
	return out, nil
}

// MarkExperimentRunning transitions an experiment to running and clears the
// fields a fresh run will repopulate. Re-running overwrites prior results.
func (s *Store) MarkExperimentRunning(ctx context.Context, id uint) (*Experiment, error) {
	e, err := s.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	e.Status = ExperimentRunning
	e.StartedAt = &now
	e.FinishedAt = nil
	e.Stdout = ""
	e.Stderr = ""
	e.ExitCode = nil
	e.ResultJSON = nil
	if err := s.db.WithContext(ctx).Save(e).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "mark experiment running").WithCause(err)
	}
	return e, nil
}

// ExperimentOutcome carries the terminal fields of one sandboxed run.
type ExperimentOutcome struct {
	Status     ExperimentStatus
	ExitCode   *int
	Stdout     string
	Stderr     string
	ResultJSON *string
}

// FinishExperiment persists the terminal outcome of a sandboxed run.
func (s *Store) FinishExperiment(ctx context.Context, id uint, out ExperimentOutcome) (*Experiment, error) {
	e, err := s.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	e.Status = out.Status
	e.ExitCode = out.ExitCode
	e.Stdout = out.Stdout
	e.Stderr = out.Stderr
	e.ResultJSON = out.ResultJSON
	e.FinishedAt = &now
	if err := s.db.WithContext(ctx).Save(e).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "finish experiment").WithCause(err)
	}
	return e, nil
}

// ---------------------------------------------------------------------------
// Automation jobs and tasks
// ---------------------------------------------------------------------------

// CreateJob creates a running automation job for the project.
func (s *Store) CreateJob(ctx context.Context, projectID uint) (*AutomationJob, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	job := &AutomationJob{ProjectID: projectID, Status: JobRunning, StartedAt: &now}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "create job").WithCause(err)
	}
	return job, nil
}

// FinishJob stamps the job's terminal status.
func (s *Store) FinishJob(ctx context.Context, jobID uint, status JobStatus, message string) error {
	if status != JobSuccess && status != JobFailed {
		return types.NewError(types.ErrValidation, fmt.Sprintf("non-terminal job status %q", status))
	}
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&AutomationJob{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":      status,
			"message":     message,
			"finished_at": now,
		}).Error
	if err != nil {
		return types.NewError(types.ErrStore, "finish job").WithCause(err)
	}
	return nil
}

// CreateTask creates a pending stage task under the job.
func (s *Store) CreateTask(ctx context.Context, jobID uint, name string) (*AutomationTask, error) {
	t := &AutomationTask{JobID: jobID, Name: name, Status: TaskPending}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "create task").WithCause(err)
	}
	return t, nil
}

// StartTask transitions a pending task to running.
func (s *Store) StartTask(ctx context.Context, taskID uint) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&AutomationTask{}).
		Where("id = ? AND status = ?", taskID, TaskPending).
		Updates(map[string]any{"status": TaskRunning, "started_at": now}).Error
	if err != nil {
		return types.NewError(types.ErrStore, "start task").WithCause(err)
	}
	return nil
}

// SetTaskProgress updates the task's progress indicator and message.
func (s *Store) SetTaskProgress(ctx context.Context, taskID uint, progress int, message string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 99 {
		progress = 99 // 100 is reserved for terminal states
	}
	err := s.db.WithContext(ctx).Model(&AutomationTask{}).
		Where("id = ?", taskID).
		Updates(map[string]any{"progress": progress, "message": message}).Error
	if err != nil {
		return types.NewError(types.ErrStore, "set task progress").WithCause(err)
	}
	return nil
}

// FinishTask stamps the task's terminal status. Tasks are immutable once
// terminal; a second call is a no-op by the status guard.
func (s *Store) FinishTask(ctx context.Context, taskID uint, status TaskStatus, message string, result *string) error {
	if !status.Terminal() {
		return types.NewError(types.ErrValidation, fmt.Sprintf("non-terminal task status %q", status))
	}
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&AutomationTask{}).
		Where("id = ? AND status IN ?", taskID, []TaskStatus{TaskPending, TaskRunning}).
		Updates(map[string]any{
			"status":      status,
			"message":     message,
			"result":      result,
			"progress":    100,
			"finished_at": now,
		}).Error
	if err != nil {
		return types.NewError(types.ErrStore, "finish task").WithCause(err)
	}
	return nil
}

// GetJob loads a job with its tasks.
func (s *Store) GetJob(ctx context.Context, jobID uint) (*AutomationJob, error) {
	var job AutomationJob
	if err := s.db.WithContext(ctx).Preload("Tasks").First(&job, jobID).Error; err != nil {
		return nil, notFound(err, "job", jobID)
	}
	return &job, nil
}

// LatestJob returns the most recent job for the project with its tasks, or
// nil when the project has never run.
func (s *Store) LatestJob(ctx context.Context, projectID uint) (*AutomationJob, error) {
	var job AutomationJob
	err := s.db.WithContext(ctx).
		Preload("Tasks").
		Where("project_id = ?", projectID).
		Order("id DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStore, "load latest job").WithCause(err)
	}
	return &job, nil
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/paperforge/paperforge/research"
	"github.com/paperforge/paperforge/sandbox"
	"github.com/paperforge/paperforge/store"
)

// LiteratureSearcher is the literature-search provider boundary.
type LiteratureSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]research.Paper, error)
}

// ToolsetConfig configures the tool bindings.
type ToolsetConfig struct {
	// ExperimentTimeout bounds each run_experiment invocation.
	ExperimentTimeout time.Duration
}

// PaperView is the paper snapshot returned by the get_paper tool.
type PaperView struct {
	ID            uint   `json:"id"`
	Title         string `json:"title"`
	Abstract      string `json:"abstract"`
	ContentFormat string `json:"content_format"`
	ContentRaw    string `json:"content_raw"`
}

// HypothesisView is the hypothesis snapshot returned by hypothesis tools.
type HypothesisView struct {
	ID        uint                   `json:"id"`
	Title     string                 `json:"title"`
	Statement string                 `json:"statement"`
	Status    store.HypothesisStatus `json:"status"`
}

// ExperimentView is the experiment snapshot returned by experiment tools.
type ExperimentView struct {
	ID         uint                   `json:"id"`
	Name       string                 `json:"name"`
	Code       string                 `json:"code"`
	Language   store.CodeLanguage     `json:"language"`
	Parameters store.Params           `json:"parameters"`
	Status     store.ExperimentStatus `json:"status"`
	ExitCode   *int                   `json:"exit_code,omitempty"`
	Stdout     string                 `json:"stdout,omitempty"`
	Stderr     string                 `json:"stderr,omitempty"`
	ResultJSON *string                `json:"result_json,omitempty"`
}

// NoteView is the note snapshot returned by note tools.
type NoteView struct {
	ID    uint   `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

func hypothesisView(h *store.Hypothesis) HypothesisView {
	return HypothesisView{ID: h.ID, Title: h.Title, Statement: h.Statement, Status: h.Status}
}

func experimentView(e *store.Experiment) ExperimentView {
	return ExperimentView{
		ID: e.ID, Name: e.Name, Code: e.Code, Language: e.Language,
		Parameters: e.Parameters, Status: e.Status, ExitCode: e.ExitCode,
		Stdout: e.Stdout, Stderr: e.Stderr, ResultJSON: e.ResultJSON,
	}
}

// NewToolset builds the closed tool registry bound to the store, the
// literature search provider, and the sandbox service.
func NewToolset(st *store.Store, searcher LiteratureSearcher, sandboxSvc *sandbox.Service, cfg ToolsetConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExperimentTimeout <= 0 {
		cfg.ExperimentTimeout = 30 * time.Second
	}

	r := NewRegistry()

	r.MustRegister(NewTool("literature_search",
		"Search public literature providers. Args: {query, limit}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}](args)
			if err != nil {
				return nil, err
			}
			if in.Query == "" {
				return nil, fmt.Errorf("query is required")
			}
			papers, err := searcher.Search(ctx, in.Query, in.Limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"papers": papers}, nil
		}))

	r.MustRegister(NewTool("list_literature",
		"List literature linked to the project's paper. Args: {project_id}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				ProjectID uint `json:"project_id"`
			}](args)
			if err != nil {
				return nil, err
			}
			return st.ListLiterature(ctx, in.ProjectID)
		}))

	r.MustRegister(NewTool("read_literature",
		"Read a literature item's text up to max_chars. Args: {literature_id, max_chars}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				LiteratureID uint `json:"literature_id"`
				MaxChars     int  `json:"max_chars"`
			}](args)
			if err != nil {
				return nil, err
			}
			if in.MaxChars <= 0 {
				in.MaxChars = 8000
			}
			lit, content, err := st.ReadLiterature(ctx, in.LiteratureID, in.MaxChars)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"id":      lit.ID,
				"title":   lit.Title,
				"content": content,
			}, nil
		}))

	r.MustRegister(NewTool("link_literature",
		"Link a literature item to the project's paper, de-duplicating by DOI, arXiv id, or title+URL.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[store.LinkLiteratureInput](args)
			if err != nil {
				return nil, err
			}
			if in.Title == "" {
				return nil, fmt.Errorf("title is required")
			}
			return st.LinkLiterature(ctx, in)
		}))

	r.MustRegister(NewTool("get_paper",
		"Get the project's paper, creating a default one if missing. Args: {project_id}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				ProjectID uint `json:"project_id"`
			}](args)
			if err != nil {
				return nil, err
			}
			paper, err := st.GetOrCreatePaper(ctx, in.ProjectID)
			if err != nil {
				return nil, err
			}
			return PaperView{
				ID: paper.ID, Title: paper.Title, Abstract: paper.Abstract,
				ContentFormat: paper.ContentFormat, ContentRaw: paper.ContentRaw,
			}, nil
		}))

	r.MustRegister(NewTool("list_experiments",
		"List the project's experiments. Args: {project_id}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				ProjectID uint `json:"project_id"`
			}](args)
			if err != nil {
				return nil, err
			}
			return st.ListExperiments(ctx, in.ProjectID)
		}))

	r.MustRegister(NewTool("get_experiment",
		"Get an experiment's full record. Args: {experiment_id}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				ExperimentID uint `json:"experiment_id"`
			}](args)
			if err != nil {
				return nil, err
			}
			e, err := st.GetExperiment(ctx, in.ExperimentID)
			if err != nil {
				return nil, err
			}
			return experimentView(e), nil
		}))

	r.MustRegister(NewTool("create_experiment",
		"Create a draft experiment. Args: {project_id, name, code, language, parameters}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				ProjectID  uint               `json:"project_id"`
				Name       string             `json:"name"`
				Code       string             `json:"code"`
				Language   store.CodeLanguage `json:"language"`
				Parameters store.Params       `json:"parameters"`
			}](args)
			if err != nil {
				return nil, err
			}
			if in.Code == "" {
				return nil, fmt.Errorf("code is required")
			}
			e, err := st.CreateExperiment(ctx, in.ProjectID, in.Name, in.Code, in.Language, in.Parameters, nil)
			if err != nil {
				return nil, err
			}
			return experimentView(e), nil
		}))

	r.MustRegister(NewTool("run_experiment",
		"Execute an experiment in the sandbox and update its record. Args: {experiment_id}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				ExperimentID uint `json:"experiment_id"`
			}](args)
			if err != nil {
				return nil, err
			}
			e, err := sandboxSvc.Run(ctx, in.ExperimentID, cfg.ExperimentTimeout)
			if err != nil {
				return nil, err
			}
			return experimentView(e), nil
		}))

	r.MustRegister(NewTool("list_hypotheses",
		"List the project's hypotheses. Args: {project_id}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				ProjectID uint `json:"project_id"`
			}](args)
			if err != nil {
				return nil, err
			}
			items, err := st.ListHypotheses(ctx, in.ProjectID)
			if err != nil {
				return nil, err
			}
			views := make([]HypothesisView, 0, len(items))
			for i := range items {
				views = append(views, hypothesisView(&items[i]))
			}
			return views, nil
		}))

	r.MustRegister(NewTool("create_hypothesis",
		"Create a proposed hypothesis. Args: {project_id, title, statement}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				ProjectID uint   `json:"project_id"`
				Title     string `json:"title"`
				Statement string `json:"statement"`
			}](args)
			if err != nil {
				return nil, err
			}
			if in.Title == "" || in.Statement == "" {
				return nil, fmt.Errorf("title and statement are required")
			}
			h, err := st.CreateHypothesis(ctx, in.ProjectID, in.Title, in.Statement)
			if err != nil {
				return nil, err
			}
			return hypothesisView(h), nil
		}))

	r.MustRegister(NewTool("update_hypothesis_status",
		"Update a hypothesis status (proposed, supported, rejected, inconclusive). Args: {hypothesis_id, status}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				HypothesisID uint                   `json:"hypothesis_id"`
				Status       store.HypothesisStatus `json:"status"`
			}](args)
			if err != nil {
				return nil, err
			}
			h, err := st.UpdateHypothesisStatus(ctx, in.HypothesisID, in.Status)
			if err != nil {
				return nil, err
			}
			return hypothesisView(h), nil
		}))

	r.MustRegister(NewTool("create_note",
		"Create a project note. Args: {project_id, title, body}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				ProjectID uint   `json:"project_id"`
				Title     string `json:"title"`
				Body      string `json:"body"`
			}](args)
			if err != nil {
				return nil, err
			}
			n, err := st.CreateNote(ctx, in.ProjectID, in.Title, in.Body)
			if err != nil {
				return nil, err
			}
			return NoteView{ID: n.ID, Title: n.Title, Body: n.Body}, nil
		}))

	r.MustRegister(NewTool("get_note",
		"Get a note by id. Args: {note_id}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				NoteID uint `json:"note_id"`
			}](args)
			if err != nil {
				return nil, err
			}
			n, err := st.GetNote(ctx, in.NoteID)
			if err != nil {
				return nil, err
			}
			return NoteView{ID: n.ID, Title: n.Title, Body: n.Body}, nil
		}))

	r.MustRegister(NewTool("list_notes",
		"List the project's notes. Args: {project_id}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				ProjectID uint `json:"project_id"`
			}](args)
			if err != nil {
				return nil, err
			}
			notes, err := st.ListNotes(ctx, in.ProjectID)
			if err != nil {
				return nil, err
			}
			views := make([]NoteView, 0, len(notes))
			for _, n := range notes {
				views = append(views, NoteView{ID: n.ID, Title: n.Title, Body: n.Body})
			}
			return views, nil
		}))

	r.MustRegister(NewTool("update_note",
		"Update a note's title and body. Args: {note_id, title, body}.",
		func(ctx context.Context, args json.RawMessage) (any, error) {
			in, err := decodeArgs[struct {
				NoteID uint   `json:"note_id"`
				Title  string `json:"title"`
				Body   string `json:"body"`
			}](args)
			if err != nil {
				return nil, err
			}
			n, err := st.UpdateNote(ctx, in.NoteID, in.Title, in.Body)
			if err != nil {
				return nil, err
			}
			return NoteView{ID: n.ID, Title: n.Title, Body: n.Body}, nil
		}))

	logger.Info("toolset initialized", zap.Int("tools", len(r.Names())))
	return r
}

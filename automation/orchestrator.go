// Package automation is the pipeline orchestration engine: it runs the
// fixed four-stage pipeline per project, tracks job and task lifecycle
// independently per stage, and fans hypothesis evaluation out in bounded
// batches.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paperforge/paperforge/agent"
	"github.com/paperforge/paperforge/internal/metrics"
	"github.com/paperforge/paperforge/store"
)

// skipError marks a stage that decided not to run. The task lands in
// cancelled rather than failed, and cancelled does not fail the job.
type skipError struct{ reason string }

func (e skipError) Error() string { return e.reason }

func skipStage(reason string) error { return skipError{reason: reason} }

// Config configures the orchestrator.
type Config struct {
	// StageDeadline bounds each stage task. Zero disables the deadline;
	// a stage whose agent never returns then hangs its task indefinitely.
	StageDeadline time.Duration
}

// Orchestrator runs automation jobs. All four stage tasks launch
// concurrently; the shared manuscript is protected by the store's
// optimistic revision checks rather than stage ordering. Re-running for
// the same project always creates a new job; prior jobs are never resumed.
type Orchestrator struct {
	store     *store.Store
	caller    agent.Caller
	evaluator *Evaluator
	metrics   *metrics.Collector
	logger    *zap.Logger
	cfg       Config
}

// NewOrchestrator creates a pipeline orchestrator.
func NewOrchestrator(st *store.Store, caller agent.Caller, evaluator *Evaluator, cfg Config, collector *metrics.Collector, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     st,
		caller:    caller,
		evaluator: evaluator,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "orchestrator")),
		cfg:       cfg,
	}
}

// ProgressFunc reports coarse in-flight progress for a stage task. The
// store clamps values above 99; 100 is reserved for terminal states.
type ProgressFunc func(pct int, message string)

// report is nil-safe so stages can call it unconditionally.
func (p ProgressFunc) report(pct int, message string) {
	if p != nil {
		p(pct, message)
	}
}

type stageFunc func(ctx context.Context, projectID uint, progress ProgressFunc) (any, error)

func (o *Orchestrator) stages() []struct {
	name string
	fn   stageFunc
} {
	return []struct {
		name string
		fn   stageFunc
	}{
		{StageInitialResearch, o.runInitialResearch},
		{StageInitialDraft, o.runInitialDraft},
		{StageHypothesisTesting, o.runHypothesisTesting},
		{StageCompilation, o.runCompilation},
	}
}

// Run executes one full pipeline for the project, blocking until every
// stage task is terminal and the job status is rolled up.
func (o *Orchestrator) Run(ctx context.Context, projectID uint) (*store.AutomationJob, error) {
	job, err := o.store.CreateJob(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := o.execute(ctx, job); err != nil {
		return nil, err
	}
	return o.store.GetJob(ctx, job.ID)
}

// Launch creates the job and returns immediately; the stages run in the
// background detached from the request's cancellation.
func (o *Orchestrator) Launch(ctx context.Context, projectID uint) (*store.AutomationJob, error) {
	job, err := o.store.CreateJob(ctx, projectID)
	if err != nil {
		return nil, err
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := o.execute(bg, job); err != nil {
			o.logger.Error("pipeline execution failed",
				zap.Uint("job_id", job.ID),
				zap.Error(err))
		}
	}()
	return job, nil
}

func (o *Orchestrator) execute(ctx context.Context, job *store.AutomationJob) error {
	o.logger.Info("starting automation job",
		zap.Uint("job_id", job.ID),
		zap.Uint("project_id", job.ProjectID))

	// Create all tasks up front so pollers see the full pipeline pending.
	stages := o.stages()
	tasks := make([]*store.AutomationTask, len(stages))
	for i, st := range stages {
		task, err := o.store.CreateTask(ctx, job.ID, st.name)
		if err != nil {
			return err
		}
		tasks[i] = task
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, st := range stages {
		i, st := i, st
		g.Go(func() error {
			o.runStage(gctx, job.ProjectID, tasks[i].ID, st.name, st.fn)
			return nil
		})
	}
	// Stage failures are captured on the tasks, never returned, so this
	// join only fails on a broken context.
	if err := g.Wait(); err != nil {
		return err
	}

	finished, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}

	status := store.JobSuccess
	for _, t := range finished.Tasks {
		if t.Status != store.TaskSuccess && t.Status != store.TaskCancelled {
			status = store.JobFailed
			break
		}
	}

	message := ""
	if status == store.JobFailed {
		message = "one or more stages failed"
	}
	if err := o.store.FinishJob(ctx, job.ID, status, message); err != nil {
		return err
	}
	o.metrics.JobFinished(string(status))

	o.logger.Info("automation job finished",
		zap.Uint("job_id", job.ID),
		zap.String("status", string(status)))
	return nil
}

// runStage drives one stage task to a terminal state. Nothing escapes: an
// error, a skip, or a panic all land as a task status with a message.
func (o *Orchestrator) runStage(ctx context.Context, projectID, taskID uint, name string, fn stageFunc) {
	start := time.Now()

	if err := o.store.StartTask(ctx, taskID); err != nil {
		o.logger.Error("failed to start stage task",
			zap.String("stage", name), zap.Error(err))
		return
	}

	stageCtx := ctx
	if o.cfg.StageDeadline > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, o.cfg.StageDeadline)
		defer cancel()
	}

	// Progress writes use the outer context so they land even after the
	// stage deadline has expired.
	progress := ProgressFunc(func(pct int, message string) {
		if err := o.store.SetTaskProgress(ctx, taskID, pct, message); err != nil {
			o.logger.Warn("failed to record task progress",
				zap.String("stage", name), zap.Error(err))
		}
	})

	var (
		result any
		runErr error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("stage panicked: %v", r)
			}
		}()
		result, runErr = fn(stageCtx, projectID, progress)
	}()

	status := store.TaskSuccess
	message := "completed"
	var payload *string

	switch {
	case runErr == nil:
		if result != nil {
			if b, err := json.Marshal(result); err == nil {
				s := string(b)
				payload = &s
			}
		}
	default:
		if skip, ok := runErr.(skipError); ok {
			status = store.TaskCancelled
			message = skip.reason
		} else {
			status = store.TaskFailed
			message = runErr.Error()
		}
	}

	if err := o.store.FinishTask(ctx, taskID, status, message, payload); err != nil {
		o.logger.Error("failed to finish stage task",
			zap.String("stage", name), zap.Error(err))
		return
	}
	o.metrics.TaskFinished(name, string(status), time.Since(start))

	o.logger.Info("stage task finished",
		zap.String("stage", name),
		zap.String("status", string(status)),
		zap.Duration("elapsed", time.Since(start)))
}

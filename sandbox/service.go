package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/paperforge/paperforge/internal/metrics"
	"github.com/paperforge/paperforge/store"
)

// Service runs persisted experiments through the Runner, mutating the
// experiment record to running before launch and to a terminal status with
// the full captured fields afterwards. Concurrent runs are bounded by a
// semaphore so a burst of hypothesis evaluations cannot fork-bomb the host.
type Service struct {
	store   *store.Store
	runner  *Runner
	sem     *semaphore.Weighted
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewService creates a sandbox service. maxConcurrent must be positive.
func NewService(st *store.Store, runner *Runner, maxConcurrent int64, collector *metrics.Collector, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Service{
		store:   st,
		runner:  runner,
		sem:     semaphore.NewWeighted(maxConcurrent),
		metrics: collector,
		logger:  logger.With(zap.String("component", "sandbox_service")),
	}
}

// Run executes the experiment and updates its record in place. Execution
// failures (timeout, non-zero exit, launch error) land in the record as a
// failed status with diagnostics; an error return means the record itself
// could not be loaded or written.
func (s *Service) Run(ctx context.Context, experimentID uint, timeout time.Duration) (*store.Experiment, error) {
	exp, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	if exp.Language != store.LangPython {
		outcome := store.ExperimentOutcome{
			Status: store.ExperimentFailed,
			Stderr: exp.Stderr + runnerErrorMarker + fmt.Sprintf("Unsupported language: %s", exp.Language),
		}
		s.metrics.SandboxRun("unsupported_language", 0)
		return s.store.FinishExperiment(ctx, experimentID, outcome)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		outcome := store.ExperimentOutcome{
			Status: store.ExperimentFailed,
			Stderr: exp.Stderr + runnerErrorMarker + fmt.Sprint(err),
		}
		s.metrics.SandboxRun("cancelled", 0)
		return s.store.FinishExperiment(ctx, experimentID, outcome)
	}
	defer s.sem.Release(1)

	exp, err = s.store.MarkExperimentRunning(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("running experiment",
		zap.Uint("experiment_id", experimentID),
		zap.String("name", exp.Name),
		zap.Duration("timeout", timeout))

	res := s.runner.Execute(ctx, exp.Code, exp.Parameters, timeout)

	status := store.ExperimentFailed
	outcome := "failed"
	if res.Success() {
		status = store.ExperimentSuccess
		outcome = "success"
	} else if res.TimedOut {
		outcome = "timeout"
	}
	s.metrics.SandboxRun(outcome, res.Duration)

	updated, err := s.store.FinishExperiment(ctx, experimentID, store.ExperimentOutcome{
		Status:     status,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ResultJSON: res.ResultJSON,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("experiment finished",
		zap.Uint("experiment_id", experimentID),
		zap.String("status", string(updated.Status)),
		zap.Duration("elapsed", res.Duration))
	return updated, nil
}

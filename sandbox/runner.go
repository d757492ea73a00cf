// Package sandbox executes untrusted experiment code as short-lived,
// isolated OS processes with injected parameters, a result-capture channel,
// and a hard wall-clock timeout.
//
// Isolation here is process-level only. It is not a security boundary
// against malicious code.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paperforge/paperforge/store"
)

// Environment contract for the spawned process. The wrapper reads the
// serialized parameters from ParamsEnv and writes the recorded result to
// the path in ResultPathEnv.
const (
	ParamsEnv     = "SIM_PARAMS_JSON"
	ResultPathEnv = "SIM_RESULT_PATH"
)

// Markers appended to stderr for runner-level failures, so diagnostics
// survive in the experiment record without an exception crossing the
// runner boundary.
const (
	timeoutMarker     = "\n[TimeoutExpired]"
	runnerErrorMarker = "\n[RunnerError] "
)

// wrapperSource runs the user code with `params` and `record_result` bound.
// record_result overwrites the result file each call, so the last call wins.
// Uncaught exceptions become a traceback on stderr and exit code 1.
const wrapperSource = `import json, os, sys, traceback
params = json.loads(os.environ.get('SIM_PARAMS_JSON', '{}'))
_result_path = os.environ.get('SIM_RESULT_PATH')
def record_result(obj):
    if not _result_path: return
    with open(_result_path, 'w', encoding='utf-8') as rf:
        json.dump(obj, rf)
g = {'params': params, 'record_result': record_result}
try:
    with open('user_code.py', 'r', encoding='utf-8') as uc:
        code = uc.read()
    exec(compile(code, 'user_code.py', 'exec'), g, g)
except SystemExit:
    raise
except Exception:
    traceback.print_exc()
    sys.exit(1)
`

// Config configures the runner.
type Config struct {
	// Python is the interpreter binary.
	Python string
	// WorkRoot is the parent directory for per-run working directories.
	// Empty means the system temp directory.
	WorkRoot string
	// MaxOutputBytes truncates captured stdout/stderr. Zero disables.
	MaxOutputBytes int
	// DefaultTimeout applies when Execute receives a non-positive timeout.
	DefaultTimeout time.Duration
}

// DefaultConfig returns reasonable runner defaults.
func DefaultConfig() Config {
	return Config{
		Python:         "python3",
		MaxOutputBytes: 1024 * 1024,
		DefaultTimeout: 30 * time.Second,
	}
}

// Result is the outcome of one execution attempt. ExitCode is nil when the
// process never produced one (timeout or launch failure).
type Result struct {
	ExitCode   *int
	Stdout     string
	Stderr     string
	ResultJSON *string
	TimedOut   bool
	Duration   time.Duration
}

// Success reports whether the process exited cleanly.
func (r Result) Success() bool {
	return r.ExitCode != nil && *r.ExitCode == 0
}

// Runner executes one piece of code per call in a fresh working directory.
// One invocation is one attempt; retrying is the caller's decision.
type Runner struct {
	cfg    Config
	logger *zap.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &Runner{cfg: cfg, logger: logger.With(zap.String("component", "sandbox"))}
}

// Execute runs code with the given parameters under a wall-clock timeout.
// It always returns a Result, never panics or propagates an error: launch
// failures and timeouts are reported through the Result's fields with a
// marker appended to stderr.
func (r *Runner) Execute(ctx context.Context, code string, params store.Params, timeout time.Duration) Result {
	start := time.Now()
	runID := uuid.NewString()

	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	res := Result{}
	defer func() {
		res.Duration = time.Since(start)
	}()

	dir, err := os.MkdirTemp(r.cfg.WorkRoot, "sim_")
	if err != nil {
		res.Stderr = runnerError(res.Stderr, err)
		return res
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, "user_code.py"), []byte(code), 0o600); err != nil {
		res.Stderr = runnerError(res.Stderr, err)
		return res
	}
	wrapperPath := filepath.Join(dir, "wrapper.py")
	if err := os.WriteFile(wrapperPath, []byte(wrapperSource), 0o600); err != nil {
		res.Stderr = runnerError(res.Stderr, err)
		return res
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		res.Stderr = runnerError(res.Stderr, err)
		return res
	}
	resultPath := filepath.Join(dir, "result.json")

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, r.cfg.Python, wrapperPath)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(),
		ParamsEnv+"="+string(paramsJSON),
		ResultPathEnv+"="+resultPath,
	)
	// Give the kill a moment to flush pipes before Wait gives up on them.
	cmd.WaitDelay = 2 * time.Second

	r.logger.Debug("executing experiment code",
		zap.String("run_id", runID),
		zap.Duration("timeout", timeout),
		zap.Int("code_bytes", len(code)))

	runErr := cmd.Run()

	res.Stdout = r.truncate(stdout.String())
	res.Stderr = r.truncate(stderr.String())

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		// Partial stdout captured up to termination is preserved.
		res.TimedOut = true
		res.Stderr += timeoutMarker
	case runErr == nil:
		code := 0
		res.ExitCode = &code
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && exitErr.ExitCode() >= 0 {
			code := exitErr.ExitCode()
			res.ExitCode = &code
		} else {
			// The process never launched (or was killed without a code).
			res.Stderr = runnerError(res.Stderr, runErr)
		}
	}

	// Honor a recorded result only for completed processes.
	if !res.TimedOut {
		if data, err := os.ReadFile(resultPath); err == nil && json.Valid(data) {
			s := string(data)
			res.ResultJSON = &s
		}
	}

	r.logger.Debug("experiment code finished",
		zap.String("run_id", runID),
		zap.Bool("timed_out", res.TimedOut),
		zap.Bool("success", res.Success()),
		zap.Duration("elapsed", time.Since(start)))

	return res
}

func (r *Runner) truncate(s string) string {
	if r.cfg.MaxOutputBytes > 0 && len(s) > r.cfg.MaxOutputBytes {
		return s[:r.cfg.MaxOutputBytes]
	}
	return s
}

func runnerError(stderr string, err error) string {
	return stderr + runnerErrorMarker + fmt.Sprint(err)
}

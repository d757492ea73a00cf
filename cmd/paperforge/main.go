// Command paperforge runs the research-paper automation engine.
//
// Usage:
//
//	paperforge serve [--config config.yaml]   # start the HTTP service
//	paperforge run --project <id> [--config]  # run one pipeline and exit
//	paperforge version                        # print version info
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/paperforge/paperforge/agent"
	"github.com/paperforge/paperforge/api"
	"github.com/paperforge/paperforge/automation"
	"github.com/paperforge/paperforge/config"
	"github.com/paperforge/paperforge/internal/metrics"
	"github.com/paperforge/paperforge/research"
	"github.com/paperforge/paperforge/sandbox"
	"github.com/paperforge/paperforge/store"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "run":
		runOnce(os.Args[2:])
	case "version":
		fmt.Printf("paperforge %s (built %s)\n", Version, BuildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`paperforge - research-paper automation engine

Commands:
  serve     start the HTTP service
  run       run one automation pipeline for a project and exit
  version   print version information`)
}

type engine struct {
	cfg          config.Config
	logger       *zap.Logger
	store        *store.Store
	orchestrator *automation.Orchestrator
	sandboxSvc   *sandbox.Service
}

func buildEngine(configPath string) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	st, err := store.Open(cfg.Database.DSN, logger)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector("paperforge")

	runner := sandbox.NewRunner(sandbox.Config{
		Python:         cfg.Sandbox.Python,
		WorkRoot:       cfg.Sandbox.WorkRoot,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		DefaultTimeout: cfg.Sandbox.Timeout,
	}, logger)
	sandboxSvc := sandbox.NewService(st, runner, cfg.Sandbox.MaxConcurrent, collector, logger)

	searcher := research.NewArxivClient(research.ArxivConfig{
		BaseURL:    cfg.Search.ArxivBaseURL,
		MaxResults: cfg.Search.MaxResults,
		Timeout:    cfg.Search.Timeout,
	}, logger)

	registry := agent.NewToolset(st, searcher, sandboxSvc, agent.ToolsetConfig{
		ExperimentTimeout: cfg.Sandbox.Timeout,
	}, logger)

	caller := agent.NewHTTPCaller(agent.HTTPCallerConfig{
		BaseURL:  cfg.Agent.BaseURL,
		APIKey:   cfg.Agent.APIKey,
		Model:    cfg.Agent.Model,
		MaxTurns: cfg.Agent.MaxTurns,
		Timeout:  cfg.Agent.Timeout,
	}, registry, collector, logger)

	evaluator := automation.NewEvaluator(st, caller, sandboxSvc,
		cfg.Automation.BatchSize, cfg.Sandbox.Timeout, collector, logger)

	orchestrator := automation.NewOrchestrator(st, caller, evaluator, automation.Config{
		StageDeadline: cfg.Automation.StageDeadline,
	}, collector, logger)

	return &engine{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		orchestrator: orchestrator,
		sandboxSvc:   sandboxSvc,
	}, nil
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	eng, err := buildEngine(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	defer eng.logger.Sync()

	server := api.NewServer(eng.store, eng.orchestrator, eng.sandboxSvc, eng.cfg.Sandbox.Timeout, eng.logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", eng.cfg.Server.HTTPPort),
		Handler:      server.Router(),
		ReadTimeout:  eng.cfg.Server.ReadTimeout,
		WriteTimeout: eng.cfg.Server.WriteTimeout,
	}

	go func() {
		eng.logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			eng.logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	eng.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), eng.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		eng.logger.Error("shutdown failed", zap.Error(err))
	}
}

func runOnce(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	projectID := fs.Uint("project", 0, "project id to run automation for")
	fs.Parse(args)

	if *projectID == 0 {
		fmt.Fprintln(os.Stderr, "run requires --project <id>")
		os.Exit(1)
	}

	eng, err := buildEngine(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	defer eng.logger.Sync()

	job, err := eng.orchestrator.Run(context.Background(), uint(*projectID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipeline failed to run: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("job %d finished with status %s\n", job.ID, job.Status)
	for _, task := range job.Tasks {
		fmt.Printf("  %-20s %-10s %s\n", task.Name, task.Status, task.Message)
	}
	if job.Status != store.JobSuccess {
		os.Exit(1)
	}
}

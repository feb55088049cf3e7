package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ShayCichocki/orc/internal/agent"
	"github.com/ShayCichocki/orc/internal/broker"
	"github.com/ShayCichocki/orc/internal/config"
	"github.com/ShayCichocki/orc/internal/exec"
	"github.com/ShayCichocki/orc/internal/git"
	"github.com/ShayCichocki/orc/internal/orchestrator"
	"github.com/ShayCichocki/orc/internal/state"
	"github.com/ShayCichocki/orc/internal/testrun"
	"github.com/ShayCichocki/orc/internal/workspace"
	"github.com/ShayCichocki/orc/pkg/models"
)

// resolveLogsRoot anchors a relative logs_root at the repository.
func resolveLogsRoot(repoPath string, cfg *config.Config) string {
	root := cfg.Orchestrator.LogsRoot
	if filepath.IsAbs(root) {
		return root
	}
	return filepath.Join(repoPath, root)
}

// discoverResume resolves the run to resume: an explicit --resume-run-id
// always wins; without one, a task-less start scans the logs root for the
// newest still-running run of this repo with a live workspace.
func discoverResume(logsRoot, repoPath, explicitRunID, task string) (*orchestrator.ResumePoint, error) {
	if explicitRunID != "" {
		point, _, err := orchestrator.LoadResumePoint(logsRoot, explicitRunID, repoPath)
		return point, err
	}
	if task != "" {
		return nil, nil
	}
	runID, err := orchestrator.FindResumable(logsRoot, repoPath)
	if err != nil || runID == "" {
		return nil, err
	}
	point, _, err := orchestrator.LoadResumePoint(logsRoot, runID, repoPath)
	if err != nil {
		// A discovered run that no longer loads is not a reason to
		// refuse starting a fresh one.
		return nil, nil
	}
	return point, nil
}

// orchestrate wires the run and drives it to completion.
func orchestrate(ctx context.Context, repoPath, task string) error {
	cfg, err := config.Load(repoPath, flagConfig)
	if err != nil {
		return err
	}
	logsRoot := resolveLogsRoot(repoPath, cfg)

	resume, err := discoverResume(logsRoot, repoPath, flagResumeRunID, task)
	if err != nil {
		return err
	}
	var store *state.Store
	if resume != nil {
		store, err = state.Open(logsRoot, resume.RunID, true)
	} else {
		store, err = state.New(logsRoot)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	log, err := orchestrator.NewDebugLogger(filepath.Join(store.LogDir(), "debug.log"))
	if err != nil {
		return err
	}
	defer log.Close()

	brokerOpts := []broker.Option{broker.WithNotifier(broker.NewTTYNotifier(store.LogDir()))}
	if cfg.Orchestrator.BrokerTimeoutSec > 0 {
		brokerOpts = append(brokerOpts, broker.WithTimeout(time.Duration(cfg.Orchestrator.BrokerTimeoutSec)*time.Second))
	}

	var tg *broker.Telegram
	if cfg.Telegram.Enabled {
		tg = broker.NewTelegram(cfg.Telegram, store)
		brokerOpts = append(brokerOpts, broker.WithNotifier(tg))
		go func() {
			if err := tg.Run(ctx); err != nil && ctx.Err() == nil {
				log.Log("telegram poller stopped: %v", err)
			}
		}()
	}
	brk := broker.New(store, brokerOpts...)

	reviewerLog := agent.NewFramedLog(filepath.Join(store.LogDir(), "reviewer_family.log"))
	executorLog := agent.NewFramedLog(filepath.Join(store.LogDir(), "executor_family.log"))

	deps := orchestrator.ControllerDeps{
		Config:     cfg,
		Store:      store,
		Log:        log,
		Broker:     brk,
		Workspaces: workspace.NewManager(cfg.Orchestrator.WorkspaceBaseDir),
		Tests:      testrun.NewRunner(exec.NewRunner()),
		GitFor:     func(dir string) git.Runner { return git.NewRunner(dir) },
		RepoPath:   repoPath,
		NewReviewer: func(spec models.AgentSpec) orchestrator.ReviewerRunner {
			rc := cfg.Codex
			if len(spec.Command) > 0 {
				rc.Command = spec.Command
			}
			return agent.NewReviewerClient(rc, reviewerLog)
		},
		NewExecutor: func(spec models.AgentSpec) orchestrator.ExecutorRunner {
			ec := cfg.ClaudeCode
			if len(spec.Command) > 0 {
				ec.Command = spec.Command
			}
			return agent.NewExecutorClient(ec, executorLog)
		},
	}
	if tg != nil {
		deps.Side = tg
	}
	ctrl := orchestrator.NewController(deps)

	fmt.Printf("run %s (logs in %s)\n", store.RunID(), store.LogDir())

	multi := cfg.Orchestrator.MultiAgent
	if resume != nil {
		multi = resume.MultiAgent
	}
	if !multi {
		if task == "" && resume == nil {
			return fmt.Errorf("single-agent mode requires a task")
		}
		return ctrl.RunSingle(ctx, task, resume)
	}
	if resume != nil {
		return ctrl.Run(ctx, task, resume)
	}
	return ctrl.RunSession(ctx, task)
}

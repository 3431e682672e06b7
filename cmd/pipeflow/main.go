// Command pipeflow runs the issue-driven orchestration service: the Source
// Poller discovers labeled tickets, the FIFO Queue hands each one to a fresh
// Orchestrator in turn, and the Web Surface exposes queue status and live
// logs over HTTP/WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kandev/pipeflow/internal/agentexec"
	"github.com/kandev/pipeflow/internal/common/config"
	"github.com/kandev/pipeflow/internal/common/logger"
	"github.com/kandev/pipeflow/internal/logstream"
	"github.com/kandev/pipeflow/internal/notifier"
	"github.com/kandev/pipeflow/internal/orchestrator"
	"github.com/kandev/pipeflow/internal/queue"
	"github.com/kandev/pipeflow/internal/resilience"
	"github.com/kandev/pipeflow/internal/stages"
	"github.com/kandev/pipeflow/internal/tracker"
	"github.com/kandev/pipeflow/internal/web"
	"github.com/kandev/pipeflow/internal/worktree"
)

const logHubCapacity = 10000

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pipeflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     detectFormat(cfg),
		OutputPath: "stdout",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)

	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		return fmt.Errorf("GITHUB_TOKEN must be set in the environment")
	}
	trackerClient := tracker.NewGitHubClient(token)

	hubCapacity := cfg.Service.MaxBufferSize
	if hubCapacity <= 0 {
		hubCapacity = logHubCapacity
	}
	hub := logstream.NewHub(hubCapacity, log)

	notify := notifier.New(notifier.Config{
		WebhookURL: cfg.Notifier.WebhookURL,
		Level:      notifier.Level(cfg.Notifier.NotificationLevel),
		Mentions:   cfg.Notifier.MentionRoles,
	}, log)

	failback := func(agent string) (string, bool) {
		ref, ok := cfg.StatusResilience.ModelFailover.FailbackModels[agent]
		if !ok {
			return "", false
		}
		return ref.ModelID, true
	}
	failover := resilience.NewFailoverManager(resilience.FailoverConfig{
		MaxFailoversPerAgent: cfg.StatusResilience.ModelFailover.MaxFailoversPerAgent,
		Failback:             failback,
	}, notify, log)

	agentService := agentexec.NewHTTPAgentService(cfg.Execution.BaseURL, cfg.Execution.Timeout)
	executor := agentexec.NewExecutor(agentService, failover, hub, log)

	wtCfg := worktree.Config{
		Enabled:             true,
		BasePath:            cfg.Worktree.BasePath,
		CleanupOnCompletion: cfg.Worktree.CleanupOnCompletion,
		CleanupOnFailure:    cfg.Worktree.CleanupOnFailure,
	}
	registryPath := worktree.RegistryPath(cfg.Tracker.RepoPath)
	store, err := worktree.NewStore(registryPath)
	if err != nil {
		return fmt.Errorf("open worktree registry: %w", err)
	}
	worktreeMgr, err := worktree.NewManager(wtCfg, store, log)
	if err != nil {
		return fmt.Errorf("init worktree manager: %w", err)
	}

	states := tracker.NewStateStore(trackerClient, cfg.Tracker.Owner, cfg.Tracker.Repo)
	poller := tracker.NewTaskPoller(trackerClient, cfg.Tracker.Owner, cfg.Tracker.Repo, log)

	factory := func(ticketID int) queue.Orchestrator {
		deps := &stages.Deps{
			Tracker:  trackerClient,
			States:   states,
			Poller:   poller,
			Owner:    cfg.Tracker.Owner,
			Repo:     cfg.Tracker.Repo,
			Executor: executor,
			Hub:      hub,
			Notify:   notify,
			Worktree: worktreeMgr,
			Log:      log,
			Agents:   cfg.Agents,
		}

		originalRequest := ""
		if issue, err := trackerClient.GetIssue(context.Background(), cfg.Tracker.Owner, cfg.Tracker.Repo, ticketID); err == nil {
			originalRequest, _, _ = tracker.ParseBody(issue.Body)
		} else {
			log.WithTicket(ticketID).WithError(err).Warn("failed to fetch master ticket body at enqueue time")
		}

		return orchestrator.New(ticketID, originalRequest, deps, cfg)
	}

	q := queue.New(factory, log)
	sourcePoller := queue.NewPoller(
		&trackerSourceAdapter{client: trackerClient, owner: cfg.Tracker.Owner, repo: cfg.Tracker.Repo},
		q, cfg.Service.QueueLabel, cfg.Service.PollInterval, log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sourcePoller.Start(ctx)
	log.Info("pipeflow service started")

	var webErrCh chan error
	if cfg.Service.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Service.Host, cfg.Service.Port)
		server := web.New(addr, q, hub, cfg.Service.StaticDir, log)
		webErrCh = make(chan error, 1)
		go func() {
			webErrCh <- server.Run(ctx)
		}()
		log.Info("web surface listening on " + addr)
	}

	<-ctx.Done()
	log.Info("pipeflow service shutting down")
	sourcePoller.Stop()
	if webErrCh != nil {
		if err := <-webErrCh; err != nil {
			log.WithError(err).Error("web surface shutdown error")
		}
	}

	return nil
}

func detectFormat(cfg *config.Config) string {
	if cfg.Logging.DebugMode {
		return "console"
	}
	return "json"
}

// trackerSourceAdapter binds a fixed owner/repo to the narrower
// queue.Tracker surface the Source Poller needs, translating the tracker
// Client's *Issue results down to bare ticket ids.
type trackerSourceAdapter struct {
	client tracker.Client
	owner  string
	repo   string
}

func (a *trackerSourceAdapter) ListOpenWithLabel(ctx context.Context, label string) ([]int, error) {
	issues, err := a.client.ListOpenWithLabel(ctx, a.owner, a.repo, label)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(issues))
	for i, issue := range issues {
		ids[i] = issue.Number
	}
	return ids, nil
}

func (a *trackerSourceAdapter) RemoveLabel(ctx context.Context, ticketID int, label string) error {
	return a.client.RemoveLabel(ctx, a.owner, a.repo, ticketID, label)
}

func (a *trackerSourceAdapter) AddLabel(ctx context.Context, ticketID int, label string) error {
	return a.client.AddLabel(ctx, a.owner, a.repo, ticketID, label)
}

// Package stages implements the Planning, Implementation, Testing +
// Self-Heal, Completion, and Approval Monitor stages the Orchestrator
// sequences (§4.11-§4.15).
package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/kandev/pipeflow/internal/agentexec"
	"github.com/kandev/pipeflow/internal/common/config"
	"github.com/kandev/pipeflow/internal/common/logger"
	"github.com/kandev/pipeflow/internal/logstream"
	"github.com/kandev/pipeflow/internal/notifier"
	"github.com/kandev/pipeflow/internal/tracker"
	"github.com/kandev/pipeflow/internal/worktree"
)

const (
	roleArchitect = "architect"
	roleSculptor  = "sculptor"
	roleSentinel  = "sentinel"
	roleCraftsman = "craftsman"
	roleValidator = "validator"
)

// Deps bundles the collaborators every stage needs. One Deps is built per
// orchestration (by the queue factory in cmd/pipeflow) and handed to the
// Orchestrator, which passes it to each stage in turn.
type Deps struct {
	Tracker  tracker.Client
	States   *tracker.StateStore
	Poller   *tracker.TaskPoller
	Owner    string
	Repo     string
	Executor *agentexec.Executor
	Hub      *logstream.Hub
	Notify   *notifier.Notifier
	Worktree *worktree.Manager
	Log      *logger.Logger
	Agents   map[string]config.AgentConfig

	// WorktreePath and Branch are populated by the Orchestrator once the
	// worktree is created at orchestration start (§3 "Worktree record").
	WorktreePath string
	Branch       string
}

func (d *Deps) agentConfig(role string) config.AgentConfig {
	if cfg, ok := d.Agents[role]; ok {
		return cfg
	}
	return config.AgentConfig{Agent: role, Timeout: 10 * time.Minute}
}

// runAgent is the common path every stage uses to invoke one agent role
// through the Agent Executor, publishing progress to the Log Stream Hub
// and honoring the role's configured timeout and model.
func (d *Deps) runAgent(ctx context.Context, role, prompt string, ticket, subTicket int, stage string) (*agentexec.Result, error) {
	cfg := d.agentConfig(role)
	opts := agentexec.Options{
		Timeout:   cfg.Timeout,
		Ticket:    ticket,
		SubTicket: subTicket,
		Stage:     stage,
		LogSnapshot: func() string {
			return fmt.Sprintf("%s/orchestration-%d.log", "logs", ticket)
		},
	}
	return d.Executor.Execute(ctx, role, prompt, cfg.Model.ModelID, opts)
}

func (d *Deps) log() *logger.Logger {
	if d.Log != nil {
		return d.Log
	}
	return logger.Default()
}

func (d *Deps) notifyCritical(ctx context.Context, ticket int, title, text, logPath string) {
	if d.Notify == nil {
		return
	}
	d.Notify.Notify(ctx, notifier.Event{
		Kind:    notifier.KindCriticalError,
		Title:   title,
		Text:    text,
		Ticket:  ticket,
		LogPath: logPath,
	})
}

// Package orchestrator sequences the stages of a single ticket's
// orchestration (§4.16): worktree setup, Planning, the Approval Monitor,
// Implementation, Testing + Self-Heal, and Completion, with a resume path
// for an interrupted run and a failure path that marks the master ticket
// failed and notifies.
package orchestrator

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/kandev/pipeflow/internal/common/config"
	"github.com/kandev/pipeflow/internal/common/logger"
	"github.com/kandev/pipeflow/internal/notifier"
	"github.com/kandev/pipeflow/internal/stages"
	"github.com/kandev/pipeflow/internal/statusreporter"
	"github.com/kandev/pipeflow/internal/tracker"
)

// Orchestrator drives a single ticket through every stage exactly once.
// A fresh instance is built per run by the Factory the Queue holds; no
// state survives across tickets.
type Orchestrator struct {
	ticket          int
	originalRequest string

	deps *stages.Deps
	cfg  *config.Config
	log  *logger.Logger

	reporter *statusreporter.Reporter
}

// New builds an Orchestrator for a single ticket. originalRequest is the
// text of the master ticket body at enqueue time, used as the Architect's
// input when planning has not yet run.
func New(ticket int, originalRequest string, deps *stages.Deps, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		ticket:          ticket,
		originalRequest: originalRequest,
		deps:            deps,
		cfg:             cfg,
		log:             deps.Log,
	}
}

// Start runs the ticket to completion or failure. A non-nil error always
// means the master ticket has already been transitioned to failed and an
// orchestration-failed event has already fired; callers don't need to do
// either themselves.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.run(ctx); err != nil {
		o.fail(ctx, err)
		return err
	}
	return nil
}

// run is the happy-path sequencer. Each stage's own error already carries
// enough context; run only adds which stage failed.
func (o *Orchestrator) run(ctx context.Context) error {
	state, err := o.deps.States.Read(ctx, o.ticket)
	if err != nil {
		return fmt.Errorf("read master ticket state: %w", err)
	}

	if err := o.setupWorktree(ctx); err != nil {
		return fmt.Errorf("setup worktree: %w", err)
	}

	o.reporter = statusreporter.New(
		o.deps.Tracker, o.deps.Owner, o.deps.Repo, o.ticket,
		time.Duration(o.cfg.StatusTable.UpdateIntervalSeconds)*time.Second,
		o.deps.Notify, o.log,
	)
	go o.reporter.Start(ctx)

	var plan *stages.PlanResult
	switch state {
	case "", tracker.StatePlanning:
		plan, err = stages.RunPlanning(ctx, o.deps, o.ticket, o.originalRequest)
		if err != nil {
			return fmt.Errorf("planning: %w", err)
		}
	default:
		plan, err = o.reconstructPlan(ctx)
		if err != nil {
			return fmt.Errorf("reconstruct plan: %w", err)
		}
	}

	o.reporter.SetTasks(taskRefs(plan))
	if err := o.reporter.Refresh(ctx); err != nil {
		o.log.WithTicket(o.ticket).WithError(err).Warn("status table snapshot failed")
	}

	if state != tracker.StateApproved && state != tracker.StateImplementing &&
		state != tracker.StateTesting && state != tracker.StateCompleting {
		if err := stages.WaitForApproval(ctx, o.deps, o.ticket, o.cfg.Execution.PollInterval, o.cfg.Execution.AutoApprove); err != nil {
			return fmt.Errorf("approval: %w", err)
		}
	}

	if state != tracker.StateTesting && state != tracker.StateCompleting {
		if err := o.deps.States.Transition(ctx, o.ticket, tracker.StateImplementing); err != nil {
			return fmt.Errorf("transition to implementing: %w", err)
		}
		if err := stages.RunImplementation(ctx, o.deps, o.ticket, plan); err != nil {
			return fmt.Errorf("implementation: %w", err)
		}
		if err := o.reporter.Refresh(ctx); err != nil {
			o.log.WithTicket(o.ticket).WithError(err).Warn("status table refresh failed")
		}
	}

	var testResult *stages.TestingResult
	if state != tracker.StateCompleting {
		if err := o.deps.States.Transition(ctx, o.ticket, tracker.StateTesting); err != nil {
			return fmt.Errorf("transition to testing: %w", err)
		}
		testResult, err = stages.RunTesting(ctx, o.deps, o.ticket, plan, o.cfg.Execution.Parallel.Resolve(runtime.NumCPU()))
		if err != nil && testResult == nil {
			return fmt.Errorf("testing: %w", err)
		}
		if err != nil && !o.cfg.Execution.Testing.ContinueOnFailure {
			return fmt.Errorf("testing: %w", err)
		}
		if err := o.reporter.Refresh(ctx); err != nil {
			o.log.WithTicket(o.ticket).WithError(err).Warn("status table refresh failed")
		}
	}

	if err := o.deps.States.Transition(ctx, o.ticket, tracker.StateCompleting); err != nil {
		return fmt.Errorf("transition to completing: %w", err)
	}
	if _, err := stages.RunCompletion(ctx, o.deps, o.ticket, plan, testResult, o.cfg.Tracker.BaseBranch); err != nil {
		return fmt.Errorf("completion: %w", err)
	}
	if err := o.reporter.Refresh(ctx); err != nil {
		o.log.WithTicket(o.ticket).WithError(err).Warn("status table refresh failed")
	}

	o.cleanup(ctx, true)
	return nil
}

// taskRefs flattens a PlanResult's implementation and test tasks into the
// status table's tracked sub-ticket list.
func taskRefs(plan *stages.PlanResult) []statusreporter.TaskRef {
	refs := make([]statusreporter.TaskRef, 0, len(plan.ImplementationTasks)+len(plan.TestTasks))
	for _, t := range plan.ImplementationTasks {
		refs = append(refs, statusreporter.TaskRef{SubTicket: t.SubTicket, Title: t.Title})
	}
	for _, t := range plan.TestTasks {
		refs = append(refs, statusreporter.TaskRef{SubTicket: t.SubTicket, Title: t.Title, IsTest: true})
	}
	return refs
}

// setupWorktree creates (or recovers) the ticket's worktree and records its
// path and branch on Deps so every stage downstream can read them.
func (o *Orchestrator) setupWorktree(ctx context.Context) error {
	if o.deps.Worktree == nil || !o.deps.Worktree.IsEnabled() {
		return nil
	}
	wt, err := o.deps.Worktree.Create(ctx, o.ticket, o.cfg.Tracker.RepoPath, o.cfg.Tracker.Repo, o.cfg.Tracker.BaseBranch)
	if err != nil {
		return err
	}
	o.deps.WorktreePath = wt.Path
	o.deps.Branch = wt.Branch
	return nil
}

// reconstructPlan rebuilds a PlanResult from sub-tickets already on the
// tracker, for resuming a run that was interrupted after planning.
// Task dependencies are not recoverable from the tracker's label
// vocabulary alone, so a resumed run treats every task as independent; a
// batch that genuinely depended on ordering will simply run its tasks
// concurrently instead of sequentially on resume.
func (o *Orchestrator) reconstructPlan(ctx context.Context) (*stages.PlanResult, error) {
	masterLabel := fmt.Sprintf("master-%d", o.ticket)

	implIssues, err := o.deps.Tracker.ListOpenWithLabel(ctx, o.deps.Owner, o.deps.Repo, "implementation")
	if err != nil {
		return nil, fmt.Errorf("list implementation sub-tickets: %w", err)
	}
	testIssues, err := o.deps.Tracker.ListOpenWithLabel(ctx, o.deps.Owner, o.deps.Repo, "test")
	if err != nil {
		return nil, fmt.Errorf("list test sub-tickets: %w", err)
	}

	deps := map[string][]string{}
	var implRefs, testRefs []tracker.PlanTaskRef
	for _, issue := range implIssues {
		if !issue.HasLabel(masterLabel) {
			continue
		}
		taskID := fmt.Sprintf("T%d", issue.Number)
		deps[taskID] = nil
		implRefs = append(implRefs, tracker.PlanTaskRef{TaskID: taskID, Title: issue.Title, SubTicket: issue.Number})
	}
	for _, issue := range testIssues {
		if !issue.HasLabel(masterLabel) {
			continue
		}
		taskID := fmt.Sprintf("TT%d", issue.Number)
		deps[taskID] = nil
		testRefs = append(testRefs, tracker.PlanTaskRef{TaskID: taskID, Title: issue.Title, SubTicket: issue.Number})
	}

	master, err := o.deps.Tracker.GetIssue(ctx, o.deps.Owner, o.deps.Repo, o.ticket)
	if err != nil {
		return nil, fmt.Errorf("fetch master ticket: %w", err)
	}
	originalRequest, _, _ := tracker.ParseBody(master.Body)

	return &stages.PlanResult{
		Spec:                tracker.Spec{Requirements: originalRequest},
		ImplementationTasks: implRefs,
		TestTasks:           testRefs,
		TaskDependencies:    deps,
	}, nil
}

// fail marks the master ticket failed and fires orchestration-failed,
// honoring cleanupOnFailure for the worktree.
func (o *Orchestrator) fail(ctx context.Context, cause error) {
	o.log.WithTicket(o.ticket).WithError(cause).Error("orchestration failed")

	if err := o.deps.States.Transition(ctx, o.ticket, tracker.StateFailed); err != nil {
		o.log.WithError(err).Warn("failed to transition master ticket to failed")
	}

	o.deps.Notify.Notify(ctx, notifier.Event{
		Kind:   notifier.KindOrchestrationFailed,
		Title:  fmt.Sprintf("Orchestration failed for #%d", o.ticket),
		Text:   cause.Error(),
		Ticket: o.ticket,
	})

	o.cleanup(ctx, false)
}

// cleanup removes the worktree per the configured policy for the run's
// outcome. A removal error is logged, not returned: cleanup failing must
// never mask the run's actual result.
func (o *Orchestrator) cleanup(ctx context.Context, succeeded bool) {
	if o.reporter != nil {
		o.reporter.Stop()
	}

	if o.deps.Worktree == nil || !o.deps.Worktree.IsEnabled() {
		return
	}
	shouldRemove := succeeded && o.cfg.Worktree.CleanupOnCompletion
	shouldRemove = shouldRemove || (!succeeded && o.cfg.Worktree.CleanupOnFailure)
	if !shouldRemove {
		return
	}
	if err := o.deps.Worktree.Remove(ctx, o.ticket, o.cfg.Tracker.RepoPath); err != nil {
		o.log.WithTicket(o.ticket).WithError(err).Warn("failed to remove worktree")
	}
}

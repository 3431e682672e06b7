package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/kandev/pipeflow/internal/agentexec"
	"github.com/kandev/pipeflow/internal/notifier"
	"github.com/kandev/pipeflow/internal/resolver"
	"github.com/kandev/pipeflow/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// ErrBatchFailed is returned when any task in an Implementation Stage
// batch fails, stopping further batches per §4.12 step 3.
var ErrBatchFailed = errors.New("implementation batch failed")

// RunImplementation executes §4.12: resolve implementation sub-tickets into
// dependency batches, then process batches sequentially, launching every
// task in a batch concurrently and waiting for all before advancing. A
// failing task does not cancel the others in its batch; the first error is
// returned once the whole batch has finished.
func RunImplementation(ctx context.Context, d *Deps, ticket int, plan *PlanResult) error {
	taskByID := make(map[string]tracker.PlanTaskRef, len(plan.ImplementationTasks))
	resolverTasks := make([]resolver.Task, 0, len(plan.ImplementationTasks))
	for _, ref := range plan.ImplementationTasks {
		taskByID[ref.TaskID] = ref
		resolverTasks = append(resolverTasks, resolver.Task{
			ID:           ref.TaskID,
			Dependencies: plan.TaskDependencies[ref.TaskID],
		})
	}

	batches, err := resolver.Resolve(resolverTasks)
	if err != nil {
		return fmt.Errorf("resolve implementation task batches: %w", err)
	}

	for _, batch := range batches {
		var g errgroup.Group
		for _, taskID := range batch {
			ref := taskByID[taskID]
			g.Go(func() error {
				return runImplementationTask(ctx, d, ticket, ref)
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("%w: %v", ErrBatchFailed, err)
		}
	}
	return nil
}

func runImplementationTask(ctx context.Context, d *Deps, ticket int, ref tracker.PlanTaskRef) error {
	if err := tracker.TransitionSubState(ctx, d.Tracker, d.Owner, d.Repo, ref.SubTicket, tracker.SubInProgress); err != nil {
		return fmt.Errorf("transition sub-ticket #%d to in-progress: %w", ref.SubTicket, err)
	}

	issue, err := d.Tracker.GetIssue(ctx, d.Owner, d.Repo, ref.SubTicket)
	if err != nil {
		return fmt.Errorf("fetch sub-ticket #%d: %w", ref.SubTicket, err)
	}

	prompt := fmt.Sprintf("Worktree: %s\nBranch: %s\n\n%s", d.WorktreePath, d.Branch, issue.Body)
	result, err := d.runAgent(ctx, roleCraftsman, prompt, ticket, ref.SubTicket, "implementing")
	if err != nil {
		failErr := tracker.TransitionSubState(ctx, d.Tracker, d.Owner, d.Repo, ref.SubTicket, tracker.SubFailed)
		if failErr != nil {
			d.log().WithError(failErr).Warn("failed to label sub-ticket failed")
		}

		var unreachable *agentexec.ErrServerUnreachable
		if errors.As(err, &unreachable) {
			d.notifyCritical(ctx, ticket,
				fmt.Sprintf("AI service unreachable running task #%d", ref.SubTicket),
				err.Error(), unreachable.LogSnapshot)
		}
		return fmt.Errorf("implementation task #%d: %w", ref.SubTicket, err)
	}

	if err := tracker.TransitionSubState(ctx, d.Tracker, d.Owner, d.Repo, ref.SubTicket, tracker.SubAgentComplete); err != nil {
		return fmt.Errorf("transition sub-ticket #%d to agent-complete: %w", ref.SubTicket, err)
	}

	// Confirm the completion label actually landed — a poll-based
	// fallback alongside the executor's own progress stream.
	if d.Poller != nil {
		cfg := d.agentConfig(roleCraftsman)
		if err := d.Poller.Wait(ctx, ref.SubTicket, cfg.Timeout); err != nil {
			return fmt.Errorf("confirm agent-complete on sub-ticket #%d: %w", ref.SubTicket, err)
		}
	}

	d.Notify.Notify(ctx, notifier.Event{
		Kind:   notifier.KindTaskCompleted,
		Title:  fmt.Sprintf("Task #%d completed", ref.SubTicket),
		Text:   result.Response,
		Ticket: ticket,
	})
	return nil
}

package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/kandev/pipeflow/internal/notifier"
	"github.com/kandev/pipeflow/internal/tracker"
	"github.com/kandev/pipeflow/internal/vcs"
)

const defaultBaseBranch = "main"

// CompletionResult is what the Completion Stage produces: the opened change
// request and the diff it carries.
type CompletionResult struct {
	PRNumber int
	PRURL    string
	Stats    vcs.Stats
}

// RunCompletion executes §4.14: push the worktree branch, compute its diff
// against the base branch, open a change request summarizing the plan and
// test results, link it back on the master ticket, and mark pr-created.
//
// Stopping the Status Reporter once this returns is the Orchestrator's
// responsibility, not this stage's.
func RunCompletion(ctx context.Context, d *Deps, ticket int, plan *PlanResult, test *TestingResult, baseBranch string) (*CompletionResult, error) {
	if baseBranch == "" {
		baseBranch = defaultBaseBranch
	}

	branch := d.Branch
	if branch == "" {
		var err error
		branch, err = vcs.CurrentBranch(ctx, d.WorktreePath)
		if err != nil {
			return nil, fmt.Errorf("read current branch: %w", err)
		}
	}

	if err := vcs.Push(ctx, d.WorktreePath, branch); err != nil {
		return nil, fmt.Errorf("push branch %q: %w", branch, err)
	}

	stats, err := vcs.DiffStats(ctx, d.WorktreePath, baseBranch, branch)
	if err != nil {
		return nil, fmt.Errorf("compute diff stats: %w", err)
	}

	body := buildCompletionBody(plan, test, stats, ticket)
	title := changeRequestTitle(ticket)

	cr, err := d.Tracker.CreateChangeRequest(ctx, d.Owner, d.Repo, tracker.ChangeRequest{
		Title:  title,
		Body:   body,
		Base:   baseBranch,
		Head:   branch,
		Labels: []string{"orchestrated"},
	})
	if err != nil {
		return nil, fmt.Errorf("open change request: %w", err)
	}

	if err := d.Tracker.CreateComment(ctx, d.Owner, d.Repo, ticket,
		fmt.Sprintf("Change request opened: %s", cr.HTMLURL)); err != nil {
		d.log().WithError(err).Warn("comment change request link on master")
	}
	if err := d.Tracker.AddLabel(ctx, d.Owner, d.Repo, ticket, "pr-created"); err != nil {
		d.log().WithError(err).Warn("add pr-created label")
	}
	if err := d.States.Transition(ctx, ticket, tracker.StatePRCreated); err != nil {
		return nil, fmt.Errorf("transition to pr-created: %w", err)
	}

	d.Notify.Notify(ctx, notifier.Event{
		Kind:   notifier.KindOrchestrationComplete,
		Title:  "Orchestration complete",
		Text:   fmt.Sprintf("%d commit(s), %d file(s) changed", len(stats.Commits), len(stats.ChangedFiles)),
		URL:    cr.HTMLURL,
		Ticket: ticket,
	})

	return &CompletionResult{PRNumber: cr.Number, PRURL: cr.HTMLURL, Stats: *stats}, nil
}

// changeRequestTitle is the change request's title, per §4.14(d)'s fixed
// "[orch] Issue #<N>" format — the master ticket's own title already
// carries the human-readable summary, so the PR title doesn't repeat it.
func changeRequestTitle(ticket int) string {
	return fmt.Sprintf("[orch] Issue #%d", ticket)
}

func buildCompletionBody(plan *PlanResult, test *TestingResult, stats *vcs.Stats, ticket int) string {
	var b strings.Builder

	if plan.Spec.Requirements != "" {
		fmt.Fprintf(&b, "%s\n\n", plan.Spec.Requirements)
	}

	fmt.Fprintf(&b, "## Tasks\n\n%d implementation task(s), %d test task(s).\n\n",
		len(plan.ImplementationTasks), len(plan.TestTasks))

	if test != nil {
		fmt.Fprintf(&b, "## Tests\n\n%d/%d passed (%.0f%%)\n\n", test.Passed, test.Total, test.PassRate*100)
		for _, d := range test.Details {
			status := "passed"
			if !d.Passed {
				status = "failed"
			}
			fmt.Fprintf(&b, "- #%d %s — %s", d.SubTicket, d.Title, status)
			if d.FixAttempts > 0 {
				fmt.Fprintf(&b, " (%d fix attempt(s))", d.FixAttempts)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if stats != nil && len(stats.ChangedFiles) > 0 {
		fmt.Fprintf(&b, "## Changes\n\n%d commit(s), %d file(s) changed:\n\n", len(stats.Commits), len(stats.ChangedFiles))
		for _, f := range stats.ChangedFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	closes := fmt.Sprintf("Closes #%d", ticket)
	if !strings.Contains(b.String(), closes) {
		b.WriteString(closes + "\n")
	}
	return b.String()
}

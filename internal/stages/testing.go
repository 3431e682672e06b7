package stages

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime"

	"github.com/kandev/pipeflow/internal/notifier"
	"github.com/kandev/pipeflow/internal/resolver"
	"github.com/kandev/pipeflow/internal/tracker"
	"github.com/kandev/pipeflow/internal/vcs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const maxFixAttempts = 10

// ErrDependentRegression is returned when fixing one test breaks a test
// declared to depend on it (§4.13 step 6).
var ErrDependentRegression = errors.New("dependent test regressed after fix")

// ErrMaxAttemptsReached is returned when any test exhausts its fix budget.
var ErrMaxAttemptsReached = errors.New("a test exhausted its fix-attempt budget")

// TestOutcome is one test task's final result, for reporting.
type TestOutcome struct {
	SubTicket   int
	TaskID      string
	Title       string
	Passed      bool
	FixAttempts int
}

// TestingResult aggregates Phase D of §4.13.
type TestingResult struct {
	Passed   int
	Failed   int
	Total    int
	PassRate float64
	Details  []TestOutcome
}

// RunTesting executes §4.13: batched test execution bounded by
// maxConcurrency, then sequential self-heal over any failures, then
// aggregation. maxConcurrency <= 0 means the logical CPU count ("auto").
func RunTesting(ctx context.Context, d *Deps, ticket int, plan *PlanResult, maxConcurrency int) (*TestingResult, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = runtime.NumCPU()
	}

	if err := executeTests(ctx, d, ticket, plan, maxConcurrency); err != nil {
		return nil, fmt.Errorf("execute test batches: %w", err)
	}

	failedTests, err := gatherFailedTests(ctx, d, plan)
	if err != nil {
		return nil, fmt.Errorf("gather failed tests: %w", err)
	}

	fixAttempts := make(map[int]int, len(failedTests))
	var maxAttemptsHit bool
	for _, ref := range failedTests {
		d.Notify.Notify(ctx, notifier.Event{
			Kind:   notifier.KindTestFailed,
			Title:  fmt.Sprintf("Test #%d failed", ref.SubTicket),
			Ticket: ticket,
		})
		passed, attempts, err := selfHeal(ctx, d, ticket, plan, ref)
		fixAttempts[ref.SubTicket] = attempts
		if err != nil {
			return nil, fmt.Errorf("self-heal #%d: %w", ref.SubTicket, err)
		}
		if !passed {
			maxAttemptsHit = true
		}
	}

	result, err := aggregate(ctx, d, plan, fixAttempts)
	if err != nil {
		return nil, fmt.Errorf("aggregate test results: %w", err)
	}
	if maxAttemptsHit {
		return result, ErrMaxAttemptsReached
	}
	return result, nil
}

func executeTests(ctx context.Context, d *Deps, ticket int, plan *PlanResult, maxConcurrency int) error {
	taskByID := make(map[string]tracker.PlanTaskRef, len(plan.TestTasks))
	resolverTasks := make([]resolver.Task, 0, len(plan.TestTasks))
	for _, ref := range plan.TestTasks {
		taskByID[ref.TaskID] = ref
		resolverTasks = append(resolverTasks, resolver.Task{
			ID:           ref.TaskID,
			Dependencies: plan.TaskDependencies[ref.TaskID],
		})
	}

	batches, err := resolver.Resolve(resolverTasks)
	if err != nil {
		return fmt.Errorf("resolve test task batches: %w", err)
	}

	sem := semaphore.NewWeighted(int64(maxConcurrency))
	for _, batch := range batches {
		g, gctx := errgroup.WithContext(ctx)
		for _, taskID := range batch {
			ref := taskByID[taskID]
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
				return runTestTask(gctx, d, ticket, ref)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// runTestTask launches the validator agent against a test sub-ticket,
// recording test-failed on any execution failure rather than propagating —
// per §4.13 Phase A, individual test failures don't abort the batch.
func runTestTask(ctx context.Context, d *Deps, ticket int, ref tracker.PlanTaskRef) error {
	if err := tracker.TransitionSubState(ctx, d.Tracker, d.Owner, d.Repo, ref.SubTicket, tracker.SubInProgress); err != nil {
		return fmt.Errorf("transition test sub-ticket #%d to in-progress: %w", ref.SubTicket, err)
	}

	issue, err := d.Tracker.GetIssue(ctx, d.Owner, d.Repo, ref.SubTicket)
	if err != nil {
		return fmt.Errorf("fetch test sub-ticket #%d: %w", ref.SubTicket, err)
	}

	prompt := fmt.Sprintf("Worktree: %s\nBranch: %s\n\n%s", d.WorktreePath, d.Branch, issue.Body)
	if _, err := d.runAgent(ctx, roleValidator, prompt, ticket, ref.SubTicket, "testing"); err != nil {
		return tracker.TransitionSubState(ctx, d.Tracker, d.Owner, d.Repo, ref.SubTicket, tracker.SubTestFailed)
	}
	return tracker.TransitionSubState(ctx, d.Tracker, d.Owner, d.Repo, ref.SubTicket, tracker.SubAgentComplete)
}

func gatherFailedTests(ctx context.Context, d *Deps, plan *PlanResult) ([]tracker.PlanTaskRef, error) {
	var failed []tracker.PlanTaskRef
	for _, ref := range plan.TestTasks {
		issue, err := d.Tracker.GetIssue(ctx, d.Owner, d.Repo, ref.SubTicket)
		if err != nil {
			return nil, err
		}
		st := tracker.ReadSubState(issue)
		if st == tracker.SubTestFailed || st == tracker.SubFailed {
			failed = append(failed, ref)
		}
	}
	return failed, nil
}

// FailureContext is the parsed failure detail a fix sub-ticket embeds.
type FailureContext struct {
	Message     string
	StackFrames []string
	Logs        []string
}

var failureMessagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^Error:\s*(.+)$`),
	regexp.MustCompile(`(?m)^AssertionError:\s*(.+)$`),
	regexp.MustCompile(`(?m)^FAILED:\s*(.+)$`),
	regexp.MustCompile(`(?m)^Exception:\s*(.+)$`),
}

var stackFramePattern = regexp.MustCompile(`at [^\s:]+:\d+:\d+`)
var fencedCodeBlockPattern = regexp.MustCompile("(?s)```.*?```")

func parseFailureContext(text string) FailureContext {
	message := "no structured failure message found"
	for _, p := range failureMessagePatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			message = m[0]
			break
		}
	}

	frames := stackFramePattern.FindAllString(text, -1)
	if len(frames) > 10 {
		frames = frames[:10]
	}

	return FailureContext{
		Message:     message,
		StackFrames: frames,
		Logs:        fencedCodeBlockPattern.FindAllString(text, -1),
	}
}

func collectFailureContext(ctx context.Context, d *Deps, testTicket int) (FailureContext, error) {
	comments, err := d.Tracker.ListComments(ctx, d.Owner, d.Repo, testTicket)
	if err != nil {
		return FailureContext{}, fmt.Errorf("list comments on #%d: %w", testTicket, err)
	}
	if len(comments) == 0 {
		return FailureContext{Message: "no structured failure message found"}, nil
	}
	return parseFailureContext(comments[len(comments)-1].Body), nil
}

func buildFixBody(ref tracker.PlanTaskRef, failure FailureContext, commits []vcs.Commit, attempt int) string {
	body := fmt.Sprintf("## Test requirements\n\n%s\n\n", ref.Title)
	body += fmt.Sprintf("## Failure\n\n**%s**\n\n", failure.Message)
	if len(failure.StackFrames) > 0 {
		body += "### Stack frames\n\n"
		for _, f := range failure.StackFrames {
			body += "- " + f + "\n"
		}
		body += "\n"
	}
	for _, l := range failure.Logs {
		body += l + "\n\n"
	}
	if len(commits) > 0 {
		body += "### Recent commits\n\n"
		for _, c := range commits {
			body += fmt.Sprintf("- %s %s (%s, %s)\n", c.ShortHash, c.Subject, c.Author, c.Date)
		}
		body += "\n"
	}
	body += fmt.Sprintf("Attempt %d/%d.\n", attempt, maxFixAttempts)
	return body
}

// selfHeal drives up to maxFixAttempts fix attempts against ref, per §4.13
// Phase C. It returns whether the test ultimately passed, how many attempts
// it took, and a non-nil error only for a dependent-test regression or a
// tracker/agent failure that isn't itself a normal fix-attempt failure.
func selfHeal(ctx context.Context, d *Deps, ticket int, plan *PlanResult, ref tracker.PlanTaskRef) (bool, int, error) {
	for attempt := 1; attempt <= maxFixAttempts; attempt++ {
		d.Notify.Notify(ctx, notifier.Event{
			Kind:   notifier.KindTestFixStarted,
			Title:  fmt.Sprintf("Fix attempt %d/%d started for test #%d", attempt, maxFixAttempts, ref.SubTicket),
			Ticket: ticket,
		})

		failure, err := collectFailureContext(ctx, d, ref.SubTicket)
		if err != nil {
			return false, attempt, err
		}
		commits, err := vcs.RecentCommits(ctx, d.WorktreePath, 5)
		if err != nil {
			d.log().WithError(err).Warn("collect recent commits for self-heal")
		}

		fixBody := buildFixBody(ref, failure, commits, attempt)
		fixIssue, err := d.Tracker.CreateIssue(ctx, d.Owner, d.Repo, tracker.NewIssue{
			Title: fmt.Sprintf("[Fix] %s (Attempt %d/%d)", ref.Title, attempt, maxFixAttempts),
			Body:  fixBody,
			Labels: []string{
				"sub-issue", "fix-attempt", "implementation",
				fmt.Sprintf("master-%d", ticket),
				fmt.Sprintf("test-%d", ref.SubTicket),
				fmt.Sprintf("attempt-%d", attempt),
				string(tracker.SubPending),
			},
		})
		if err != nil {
			return false, attempt, fmt.Errorf("create fix sub-ticket: %w", err)
		}

		if err := d.Tracker.CreateComment(ctx, d.Owner, d.Repo, ref.SubTicket,
			fmt.Sprintf("Fix attempt %d/%d: #%d", attempt, maxFixAttempts, fixIssue.Number)); err != nil {
			d.log().WithError(err).Warn("comment linking fix sub-ticket")
		}

		if err := tracker.TransitionSubState(ctx, d.Tracker, d.Owner, d.Repo, fixIssue.Number, tracker.SubInProgress); err != nil {
			return false, attempt, err
		}
		if _, err := d.runAgent(ctx, roleCraftsman, fixBody, ticket, fixIssue.Number, "testing"); err != nil {
			if tErr := tracker.TransitionSubState(ctx, d.Tracker, d.Owner, d.Repo, fixIssue.Number, tracker.SubFailed); tErr != nil {
				d.log().WithError(tErr).Warn("label fix sub-ticket failed")
			}
			d.Notify.Notify(ctx, notifier.Event{
				Kind:   notifier.KindTestFixCompleted,
				Title:  fmt.Sprintf("Fix attempt %d/%d completed for test #%d", attempt, maxFixAttempts, ref.SubTicket),
				Ticket: ticket,
			})
			continue
		}
		if err := tracker.TransitionSubState(ctx, d.Tracker, d.Owner, d.Repo, fixIssue.Number, tracker.SubAgentComplete); err != nil {
			return false, attempt, err
		}

		for _, lbl := range []tracker.SubState{tracker.SubAgentComplete, tracker.SubFailed, tracker.SubTestFailed} {
			if err := d.Tracker.RemoveLabel(ctx, d.Owner, d.Repo, ref.SubTicket, string(lbl)); err != nil {
				d.log().WithError(err).Warn("clear test sub-ticket label before re-run")
			}
		}
		if err := runTestTask(ctx, d, ticket, ref); err != nil {
			d.log().WithError(err).Warn("re-run test agent during self-heal")
		}

		issue, err := d.Tracker.GetIssue(ctx, d.Owner, d.Repo, ref.SubTicket)
		if err != nil {
			return false, attempt, err
		}
		st := tracker.ReadSubState(issue)
		passed := st != tracker.SubTestFailed && st != tracker.SubFailed

		d.Notify.Notify(ctx, notifier.Event{
			Kind:   notifier.KindTestFixCompleted,
			Title:  fmt.Sprintf("Fix attempt %d/%d completed for test #%d", attempt, maxFixAttempts, ref.SubTicket),
			Ticket: ticket,
		})

		if !passed {
			continue
		}

		if err := d.Tracker.CreateComment(ctx, d.Owner, d.Repo, ref.SubTicket,
			fmt.Sprintf("Fixed by #%d after %d attempt(s).", fixIssue.Number, attempt)); err != nil {
			d.log().WithError(err).Warn("comment fix success")
		}
		if err := d.Tracker.CloseIssue(ctx, d.Owner, d.Repo, fixIssue.Number); err != nil {
			d.log().WithError(err).Warn("close fix sub-ticket")
		}
		d.Notify.Notify(ctx, notifier.Event{
			Kind:   notifier.KindTestPassedAfterFix,
			Title:  fmt.Sprintf("Test #%d passed after fix", ref.SubTicket),
			Ticket: ticket,
		})

		if err := rerunDependents(ctx, d, ticket, plan, ref.TaskID); err != nil {
			return true, attempt, fmt.Errorf("%w: %v", ErrDependentRegression, err)
		}
		return true, attempt, nil
	}

	if err := tracker.TransitionSubState(ctx, d.Tracker, d.Owner, d.Repo, ref.SubTicket, tracker.SubMaxAttemptsReached); err != nil {
		d.log().WithError(err).Warn("label test sub-ticket max-attempts-reached")
	}
	if err := d.Tracker.CreateComment(ctx, d.Owner, d.Repo, ref.SubTicket,
		fmt.Sprintf("Exhausted %d fix attempts.", maxFixAttempts)); err != nil {
		d.log().WithError(err).Warn("comment max-attempts-reached")
	}
	d.Notify.Notify(ctx, notifier.Event{
		Kind:   notifier.KindTestMaxAttemptsReached,
		Title:  fmt.Sprintf("Test #%d exhausted its fix-attempt budget", ref.SubTicket),
		Ticket: ticket,
	})
	return false, maxFixAttempts, nil
}

// rerunDependents re-runs every test task declared to depend on taskID,
// failing loudly if any of them regresses.
func rerunDependents(ctx context.Context, d *Deps, ticket int, plan *PlanResult, taskID string) error {
	for _, dep := range plan.TestTasks {
		dependsOnFixed := false
		for _, dd := range plan.TaskDependencies[dep.TaskID] {
			if dd == taskID {
				dependsOnFixed = true
				break
			}
		}
		if !dependsOnFixed {
			continue
		}

		if err := runTestTask(ctx, d, ticket, dep); err != nil {
			d.log().WithError(err).Warn("re-run dependent test")
		}
		issue, err := d.Tracker.GetIssue(ctx, d.Owner, d.Repo, dep.SubTicket)
		if err != nil {
			return err
		}
		st := tracker.ReadSubState(issue)
		if st == tracker.SubTestFailed || st == tracker.SubFailed {
			return fmt.Errorf("dependent test #%d regressed after fixing task %q", dep.SubTicket, taskID)
		}
	}
	return nil
}

func aggregate(ctx context.Context, d *Deps, plan *PlanResult, fixAttempts map[int]int) (*TestingResult, error) {
	var details []TestOutcome
	passed, failed := 0, 0
	for _, ref := range plan.TestTasks {
		issue, err := d.Tracker.GetIssue(ctx, d.Owner, d.Repo, ref.SubTicket)
		if err != nil {
			return nil, err
		}
		st := tracker.ReadSubState(issue)
		ok := st != tracker.SubTestFailed && st != tracker.SubFailed && st != tracker.SubMaxAttemptsReached
		if ok {
			passed++
		} else {
			failed++
		}
		details = append(details, TestOutcome{
			SubTicket: ref.SubTicket, TaskID: ref.TaskID, Title: ref.Title,
			Passed: ok, FixAttempts: fixAttempts[ref.SubTicket],
		})
	}

	total := len(plan.TestTasks)
	rate := 0.0
	if total > 0 {
		rate = float64(passed) / float64(total)
	}
	return &TestingResult{Passed: passed, Failed: failed, Total: total, PassRate: rate, Details: details}, nil
}

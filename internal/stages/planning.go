package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kandev/pipeflow/internal/notifier"
	"github.com/kandev/pipeflow/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// ErrEmptyTaskList is returned when a planner agent produces no tasks.
var ErrEmptyTaskList = fmt.Errorf("planner produced an empty task list")

// architectOutput is the Architect agent's required JSON shape.
type architectOutput struct {
	Requirements       string `json:"requirements"`
	AcceptanceCriteria string `json:"acceptance_criteria"`
	TechnicalApproach  string `json:"technical_approach"`
	EdgeCases          string `json:"edge_cases"`
	Dependencies       string `json:"dependencies"`
	Complexity         string `json:"complexity"`
}

func (a architectOutput) validate() error {
	if a.Requirements == "" || a.AcceptanceCriteria == "" || a.TechnicalApproach == "" {
		return fmt.Errorf("architect output missing a required field (requirements/acceptance_criteria/technical_approach)")
	}
	return nil
}

// plannedTask is one task emitted by Sculptor or Sentinel.
type plannedTask struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	TestScenarios string   `json:"test_scenarios"`
	Complexity    string   `json:"complexity"`
	Type          string   `json:"type"`
	Dependencies  []string `json:"dependencies"`
}

type plannerOutput struct {
	Tasks []plannedTask `json:"tasks"`
}

func (p plannerOutput) validate(isTest bool) error {
	if len(p.Tasks) == 0 {
		return ErrEmptyTaskList
	}
	for _, t := range p.Tasks {
		if t.ID == "" || t.Title == "" {
			return fmt.Errorf("task missing id/title: %+v", t)
		}
		if isTest && t.TestScenarios == "" {
			return fmt.Errorf("test task %q missing test_scenarios", t.ID)
		}
		if !isTest && t.Description == "" {
			return fmt.Errorf("implementation task %q missing description", t.ID)
		}
	}
	return nil
}

// PlanResult is the Planning Stage's output: the parsed specification and
// the sub-ticket numbers created for each implementation and test task.
type PlanResult struct {
	Spec                tracker.Spec
	ImplementationTasks []tracker.PlanTaskRef
	TestTasks           []tracker.PlanTaskRef
	TaskDependencies    map[string][]string // task id -> dependency task ids, all tasks combined
}

// RunPlanning executes §4.11: the Architect produces a specification, then
// Sculptor and Sentinel produce implementation and test tasks in parallel,
// each becoming a sub-ticket.
func RunPlanning(ctx context.Context, d *Deps, ticket int, originalRequest string) (*PlanResult, error) {
	archResult, err := d.runAgent(ctx, roleArchitect, originalRequest, ticket, 0, "planning")
	if err != nil {
		return nil, fmt.Errorf("architect agent: %w", err)
	}

	var arch architectOutput
	if err := json.Unmarshal([]byte(archResult.Response), &arch); err != nil {
		return nil, fmt.Errorf("parse architect specification: %w", err)
	}
	if err := arch.validate(); err != nil {
		return nil, err
	}

	spec := tracker.Spec{
		Requirements:       arch.Requirements,
		AcceptanceCriteria: arch.AcceptanceCriteria,
		TechnicalApproach:  arch.TechnicalApproach,
		EdgeCases:          arch.EdgeCases,
		Dependencies:       arch.Dependencies,
		Complexity:         arch.Complexity,
	}

	body := tracker.Build(spec, originalRequest, tracker.PlanSummary{}, "")
	if err := d.Tracker.UpdateBody(ctx, d.Owner, d.Repo, ticket, body); err != nil {
		return nil, fmt.Errorf("write specification to master body: %w", err)
	}

	specText := fmt.Sprintf("Requirements: %s\nAcceptance criteria: %s\nTechnical approach: %s",
		arch.Requirements, arch.AcceptanceCriteria, arch.TechnicalApproach)

	var implOut, testOut plannerOutput
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := d.runAgent(gctx, roleSculptor, specText, ticket, 0, "planning")
		if err != nil {
			return fmt.Errorf("sculptor agent: %w", err)
		}
		if err := json.Unmarshal([]byte(res.Response), &implOut); err != nil {
			return fmt.Errorf("parse sculptor tasks: %w", err)
		}
		return implOut.validate(false)
	})
	g.Go(func() error {
		res, err := d.runAgent(gctx, roleSentinel, specText, ticket, 0, "planning")
		if err != nil {
			return fmt.Errorf("sentinel agent: %w", err)
		}
		if err := json.Unmarshal([]byte(res.Response), &testOut); err != nil {
			return fmt.Errorf("parse sentinel tasks: %w", err)
		}
		return testOut.validate(true)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	implRefs, testRefs, deps, err := createSubTickets(ctx, d, ticket, implOut.Tasks, testOut.Tasks)
	if err != nil {
		return nil, err
	}

	summary := tracker.PlanSummary{ImplementationTasks: implRefs, TestTasks: testRefs}
	body = tracker.Build(spec, originalRequest, summary, "")
	if err := d.Tracker.UpdateBody(ctx, d.Owner, d.Repo, ticket, body); err != nil {
		return nil, fmt.Errorf("write plan to master body: %w", err)
	}

	if err := d.States.Transition(ctx, ticket, tracker.StateAwaitingApproval); err != nil {
		return nil, fmt.Errorf("transition to awaiting-approval: %w", err)
	}

	d.Notify.Notify(ctx, notifier.Event{
		Kind:   notifier.KindPlanningComplete,
		Title:  "Planning complete",
		Text:   fmt.Sprintf("%d implementation tasks, %d test tasks", len(implRefs), len(testRefs)),
		Ticket: ticket,
	})

	return &PlanResult{
		Spec:                spec,
		ImplementationTasks: implRefs,
		TestTasks:           testRefs,
		TaskDependencies:    deps,
	}, nil
}

func createSubTickets(ctx context.Context, d *Deps, ticket int, impl, test []plannedTask) ([]tracker.PlanTaskRef, []tracker.PlanTaskRef, map[string][]string, error) {
	deps := map[string][]string{}
	implRefs := make([]tracker.PlanTaskRef, 0, len(impl))
	for _, t := range impl {
		deps[t.ID] = t.Dependencies
		issue, err := d.Tracker.CreateIssue(ctx, d.Owner, d.Repo, tracker.NewIssue{
			Title:  t.Title,
			Body:   t.Description,
			Labels: []string{"sub-issue", "implementation", fmt.Sprintf("master-%d", ticket), string(tracker.SubPending)},
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create implementation sub-ticket %q: %w", t.ID, err)
		}
		implRefs = append(implRefs, tracker.PlanTaskRef{TaskID: t.ID, Title: t.Title, SubTicket: issue.Number})
	}

	testRefs := make([]tracker.PlanTaskRef, 0, len(test))
	for _, t := range test {
		deps[t.ID] = t.Dependencies
		issue, err := d.Tracker.CreateIssue(ctx, d.Owner, d.Repo, tracker.NewIssue{
			Title:  t.Title,
			Body:   t.TestScenarios,
			Labels: []string{"sub-issue", "test", fmt.Sprintf("master-%d", ticket), string(tracker.SubPending)},
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create test sub-ticket %q: %w", t.ID, err)
		}
		testRefs = append(testRefs, tracker.PlanTaskRef{TaskID: t.ID, Title: t.Title, SubTicket: issue.Number})
	}

	return implRefs, testRefs, deps, nil
}

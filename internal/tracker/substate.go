package tracker

import "context"

// SubState is one label in a sub-ticket's progression, distinct from the
// master ticket's state vocabulary (see State).
type SubState string

const (
	SubPending            SubState = "pending"
	SubInProgress         SubState = "in-progress"
	SubAgentComplete      SubState = "agent-complete"
	SubFailed             SubState = "failed"
	SubTestFailed         SubState = "test-failed"
	SubMaxAttemptsReached SubState = "max-attempts-reached"
)

var allSubStates = []SubState{
	SubPending, SubInProgress, SubAgentComplete,
	SubFailed, SubTestFailed, SubMaxAttemptsReached,
}

// ReadSubState returns the sub-state label present on issue, or "" if none
// of the recognized labels are set.
func ReadSubState(issue *Issue) SubState {
	for _, st := range allSubStates {
		if issue.HasLabel(string(st)) {
			return st
		}
	}
	return ""
}

// TransitionSubState removes whatever sub-state label ticketID currently
// carries (if any) and adds next, mirroring StateStore's single-label
// discipline for the sub-ticket vocabulary.
func TransitionSubState(ctx context.Context, client Client, owner, repo string, ticketID int, next SubState) error {
	issue, err := client.GetIssue(ctx, owner, repo, ticketID)
	if err != nil {
		return err
	}
	current := ReadSubState(issue)
	if current != "" && current != next {
		if err := client.RemoveLabel(ctx, owner, repo, ticketID, string(current)); err != nil {
			return err
		}
	}
	if current == next {
		return nil
	}
	return client.AddLabel(ctx, owner, repo, ticketID, string(next))
}

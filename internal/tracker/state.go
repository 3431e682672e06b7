package tracker

import "context"

// State is one label in the master-ticket state machine.
type State string

const (
	StatePlanning         State = "planning"
	StateAwaitingApproval State = "awaiting-approval"
	StateApproved         State = "approved"
	StateRejected         State = "rejected"
	StateImplementing     State = "implementing"
	StateTesting          State = "testing"
	StateCompleting       State = "completing"
	StateCompleted        State = "completed"
	StatePRCreated        State = "pr-created"
	StateFailed           State = "failed"
)

// allStates enumerates the state label vocabulary so ReadState can tell a
// state label apart from a role/sub-state/dynamic label on the same issue.
var allStates = []State{
	StatePlanning, StateAwaitingApproval, StateApproved, StateRejected,
	StateImplementing, StateTesting, StateCompleting, StateCompleted,
	StatePRCreated, StateFailed,
}

// resumableStates are the states from which an interrupted orchestration
// may safely resume.
var resumableStates = map[State]bool{
	StatePlanning:         true,
	StateAwaitingApproval: true,
	StateApproved:         true,
	StateImplementing:     true,
	StateTesting:          true,
	StateCompleting:       true,
}

// StateStore reads and writes the single state label on a master ticket.
// The tracker is the only system of record: this type has no storage of
// its own.
type StateStore struct {
	client Client
	owner  string
	repo   string
}

// NewStateStore builds a StateStore bound to a single repository.
func NewStateStore(client Client, owner, repo string) *StateStore {
	return &StateStore{client: client, owner: owner, repo: repo}
}

// Read returns the single state label present on ticketID, or "" if none of
// the recognized state labels are set.
func (s *StateStore) Read(ctx context.Context, ticketID int) (State, error) {
	issue, err := s.client.GetIssue(ctx, s.owner, s.repo, ticketID)
	if err != nil {
		return "", err
	}
	for _, st := range allStates {
		if issue.HasLabel(string(st)) {
			return st, nil
		}
	}
	return "", nil
}

// Transition removes whatever state label is currently present (if any)
// and adds next, so a ticket never carries two state labels at once.
func (s *StateStore) Transition(ctx context.Context, ticketID int, next State) error {
	current, err := s.Read(ctx, ticketID)
	if err != nil {
		return err
	}
	if current != "" && current != next {
		if err := s.client.RemoveLabel(ctx, s.owner, s.repo, ticketID, string(current)); err != nil {
			return err
		}
	}
	if current == next {
		return nil
	}
	return s.client.AddLabel(ctx, s.owner, s.repo, ticketID, string(next))
}

// CanResume reports whether state permits resuming an interrupted
// orchestration. Unrecognized and terminal states (completed, pr-created,
// failed, rejected) are not resumable.
func CanResume(state State) bool {
	return resumableStates[state]
}

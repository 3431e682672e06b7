package stages

import (
	"context"
	"errors"
	"time"

	"github.com/kandev/pipeflow/internal/tracker"
)

// ErrRejected is returned when the master ticket is labeled rejected while
// waiting for approval.
var ErrRejected = errors.New("orchestration rejected")

const defaultApprovalPollInterval = 5 * time.Second

// WaitForApproval blocks until the master ticket leaves awaiting-approval,
// per §4.15: poll every pollInterval (default 5s, no timeout) for an
// approved or rejected label. autoApprove bypasses the wait entirely and
// transitions straight to approved. The wait is cancellable via ctx.
func WaitForApproval(ctx context.Context, d *Deps, ticket int, pollInterval time.Duration, autoApprove bool) error {
	if autoApprove {
		return d.States.Transition(ctx, ticket, tracker.StateApproved)
	}
	if pollInterval <= 0 {
		pollInterval = defaultApprovalPollInterval
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		state, err := d.States.Read(ctx, ticket)
		if err != nil {
			return err
		}
		switch state {
		case tracker.StateApproved:
			return nil
		case tracker.StateRejected:
			return ErrRejected
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

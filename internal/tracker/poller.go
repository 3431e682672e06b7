package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kandev/pipeflow/internal/common/logger"
)

// ErrPollTimeout is returned when a sub-ticket does not acquire the
// agent-complete label before its budget runs out.
var ErrPollTimeout = errors.New("PollTimeout")

const completionLabel = "agent-complete"

const pollTick = 2 * time.Second

// TaskPoller waits for a sub-ticket to reach completion, polling the
// tracker every 2s (spec §4.4).
type TaskPoller struct {
	client Client
	owner  string
	repo   string
	log    *logger.Logger
}

// NewTaskPoller builds a TaskPoller bound to a single repository.
func NewTaskPoller(client Client, owner, repo string, log *logger.Logger) *TaskPoller {
	return &TaskPoller{client: client, owner: owner, repo: repo, log: log}
}

// Wait blocks until subTicketID carries the agent-complete label, the
// context is cancelled, or timeout elapses, whichever comes first. Tracker
// errors during a tick are returned immediately; the poller does not retry
// them.
func (p *TaskPoller) Wait(ctx context.Context, subTicketID int, timeout time.Duration) error {
	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()
	budget := time.NewTimer(timeout)
	defer budget.Stop()

	check := func() (bool, error) {
		issue, err := p.client.GetIssue(ctx, p.owner, p.repo, subTicketID)
		if err != nil {
			return false, fmt.Errorf("poll sub-ticket #%d: %w", subTicketID, err)
		}
		return issue.HasLabel(completionLabel), nil
	}

	done, err := check()
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-budget.C:
			return ErrPollTimeout
		case <-ticker.C:
			done, err := check()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

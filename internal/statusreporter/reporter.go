// Package statusreporter implements the Status Reporter (§4.8): a periodic
// timer that regenerates a master ticket's live status table, an event path
// that triggers an immediate regeneration plus a notifier call, and a
// debounced sink for per-sub-ticket progress markers.
package statusreporter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/kandev/pipeflow/internal/common/logger"
	"github.com/kandev/pipeflow/internal/notifier"
	"github.com/kandev/pipeflow/internal/tracker"
)

const (
	// maxFixAttempts mirrors the Testing Stage's self-heal budget (§4.13);
	// it is duplicated here rather than imported to keep this package
	// independent of internal/stages.
	maxFixAttempts = 10

	debounceTail = 500 * time.Millisecond

	defaultInterval = 60 * time.Second
)

// TaskRef is one sub-ticket the reporter tracks for the status table.
type TaskRef struct {
	SubTicket int
	Title     string
	IsTest    bool
}

// attemptLabelPattern extracts k from an "attempt-<k>" label.
var attemptLabelPattern = regexp.MustCompile(`^attempt-(\d+)$`)

// Reporter regenerates a single master ticket's status table and carries
// per-sub-ticket progress markers, per §4.8. One Reporter is built per
// orchestration run; it is not reused across tickets.
type Reporter struct {
	client tracker.Client
	notify *notifier.Notifier
	owner  string
	repo   string
	ticket int
	interval time.Duration
	log    *logger.Logger

	mu        sync.Mutex
	tasks     []TaskRef
	progress  map[int]tracker.Progress
	debouncer map[int]*time.Timer
	updating  bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Reporter for ticket. interval <= 0 means the default 60s.
func New(client tracker.Client, owner, repo string, ticket int, interval time.Duration, notify *notifier.Notifier, log *logger.Logger) *Reporter {
	if interval <= 0 {
		interval = defaultInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Reporter{
		client:    client,
		notify:    notify,
		owner:     owner,
		repo:      repo,
		ticket:    ticket,
		interval:  interval,
		log:       log,
		progress:  map[int]tracker.Progress{},
		debouncer: map[int]*time.Timer{},
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// SetTasks replaces the set of sub-tickets rendered in the status table,
// called once the Planning Stage's sub-tickets are known.
func (r *Reporter) SetTasks(tasks []TaskRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append([]TaskRef(nil), tasks...)
}

// Start runs the periodic regeneration loop until ctx is cancelled or Stop
// is called, whichever comes first. Intended to be run in its own
// goroutine by the caller.
func (r *Reporter) Start(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.regenerate(ctx); err != nil {
				r.log.WithTicket(r.ticket).WithError(err).Warn("status table regeneration failed")
			}
		}
	}
}

// Stop ends the periodic loop and waits for Start to return. Stopping an
// already-stopped Reporter is a no-op.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// Refresh triggers an immediate status table regeneration without firing a
// notifier event, used by the orchestrator right after planning (for the
// initial snapshot) and after each later stage transition, where the stage
// itself has already notified through its own Deps.Notify call.
func (r *Reporter) Refresh(ctx context.Context) error {
	return r.regenerate(ctx)
}

// OnEvent triggers an immediate status table regeneration and forwards the
// event to the notifier.
func (r *Reporter) OnEvent(ctx context.Context, kind notifier.Kind, title, text string) {
	if err := r.regenerate(ctx); err != nil {
		r.log.WithTicket(r.ticket).WithError(err).Warn("status table regeneration failed")
	}
	if r.notify != nil {
		r.notify.Notify(ctx, notifier.Event{Kind: kind, Title: title, Text: text, Ticket: r.ticket})
	}
}

// UpdateTaskProgress merges fields into subID's last-known progress and
// arms a 500ms tail debounce: repeated calls within the window collapse
// into a single sub-ticket body rewrite once the tail expires.
func (r *Reporter) UpdateTaskProgress(ctx context.Context, subID int, fields tracker.Progress) {
	r.mu.Lock()
	r.progress[subID] = r.progress[subID].Merge(fields)
	if existing, ok := r.debouncer[subID]; ok {
		existing.Stop()
	}
	r.debouncer[subID] = time.AfterFunc(debounceTail, func() {
		r.flushTaskProgress(ctx, subID)
	})
	r.mu.Unlock()
}

// flushTaskProgress rewrites subID's body with its current merged progress
// markers, once the debounce tail has expired.
func (r *Reporter) flushTaskProgress(ctx context.Context, subID int) {
	r.mu.Lock()
	p := r.progress[subID]
	delete(r.debouncer, subID)
	r.mu.Unlock()

	issue, err := r.client.GetIssue(ctx, r.owner, r.repo, subID)
	if err != nil {
		r.log.WithError(err).Warn("flush task progress: fetch sub-ticket failed")
		return
	}
	body := tracker.ReplaceMarkers(issue.Body, p)
	if err := r.client.UpdateBody(ctx, r.owner, r.repo, subID, body); err != nil {
		r.log.WithError(err).Warn("flush task progress: update sub-ticket body failed")
	}
}

// regenerate rebuilds and writes the status table subregion of the master
// ticket body. A regeneration already in flight makes a concurrent call a
// no-op (§4.8 "updates are serialized per reporter instance").
func (r *Reporter) regenerate(ctx context.Context) error {
	r.mu.Lock()
	if r.updating {
		r.mu.Unlock()
		return nil
	}
	r.updating = true
	tasks := append([]TaskRef(nil), r.tasks...)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.updating = false
		r.mu.Unlock()
	}()

	rows := make([]tracker.StatusRow, 0, len(tasks))
	for _, task := range tasks {
		row, err := r.buildRow(ctx, task)
		if err != nil {
			return fmt.Errorf("build status row for #%d: %w", task.SubTicket, err)
		}
		rows = append(rows, row)
	}

	master, err := r.client.GetIssue(ctx, r.owner, r.repo, r.ticket)
	if err != nil {
		return fmt.Errorf("fetch master ticket: %w", err)
	}

	table := tracker.RenderStatusTable(rows)
	updated := tracker.UpdateStatusTable(master.Body, table)
	if updated == master.Body {
		return nil
	}
	return r.client.UpdateBody(ctx, r.owner, r.repo, r.ticket, updated)
}

// buildRow assembles one status table row from the sub-ticket's current
// tracker labels and this Reporter's locally merged progress markers.
func (r *Reporter) buildRow(ctx context.Context, task TaskRef) (tracker.StatusRow, error) {
	issue, err := r.client.GetIssue(ctx, r.owner, r.repo, task.SubTicket)
	if err != nil {
		return tracker.StatusRow{}, err
	}

	r.mu.Lock()
	p := r.progress[task.SubTicket]
	r.mu.Unlock()

	row := tracker.StatusRow{
		SubTicket:    task.SubTicket,
		Title:        task.Title,
		SubState:     string(tracker.ReadSubState(issue)),
		AgentMessage: p.AgentMessage,
		ToolsUsed:    p.ToolsUsed,
		RetryCount:   p.RetryCount,
		LastRetryAt:  p.LastRetryTime,
		IsTest:       task.IsTest,
		MaxAttempts:  maxFixAttempts,
	}

	if task.IsTest {
		attempt, err := r.currentFixAttempt(ctx, task.SubTicket)
		if err != nil {
			return tracker.StatusRow{}, err
		}
		row.FixAttempt = attempt
	}

	return row, nil
}

// currentFixAttempt finds the highest "attempt-<k>" label among open
// fix-attempt sub-tickets tagged for testSubTicket. Once a fix succeeds its
// ticket is closed (§4.13 step 6) and drops out of ListOpenWithLabel, so
// this only reports attempts for a fix still in flight — by the time a fix
// has landed the test ticket's own sub-state has already moved on from
// test-failed, which is what the status table is meant to show anyway.
func (r *Reporter) currentFixAttempt(ctx context.Context, testSubTicket int) (int, error) {
	issues, err := r.client.ListOpenWithLabel(ctx, r.owner, r.repo, "fix-attempt")
	if err != nil {
		return 0, err
	}
	testLabel := fmt.Sprintf("test-%d", testSubTicket)
	best := 0
	for _, issue := range issues {
		if !issue.HasLabel(testLabel) {
			continue
		}
		for _, label := range issue.Labels {
			if m := attemptLabelPattern.FindStringSubmatch(label); m != nil {
				if k, err := strconv.Atoi(m[1]); err == nil && k > best {
					best = k
				}
			}
		}
	}
	return best, nil
}

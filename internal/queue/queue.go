// Package queue implements the strict FIFO processing queue that feeds
// tickets to a fresh Orchestrator one at a time, plus the Source Poller
// that discovers newly labeled tickets and enqueues them.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/pipeflow/internal/common/logger"
)

// ErrTicketExists is returned when a ticket is already running or queued.
var ErrTicketExists = errors.New("ticket already running or queued")

// ErrNotFound is returned when a ticket id is not present in the queue.
var ErrNotFound = errors.New("ticket not found in queue")

// ErrRunning is returned when an operation targets the currently running
// ticket, which cannot be removed or cleared mid-flight.
var ErrRunning = errors.New("ticket is currently running")

// Orchestrator is the minimal surface the queue needs to drive a run.
// The concrete type lives in internal/orchestrator; the queue only needs
// to start one and learn whether it succeeded.
type Orchestrator interface {
	Start(ctx context.Context) error
}

// Factory builds a fresh Orchestrator for a single ticket id. A fresh
// instance per run keeps state from one ticket from bleeding into the next.
type Factory func(ticketID int) Orchestrator

// QueuedTicket is a ticket waiting to be processed.
type QueuedTicket struct {
	TicketID int
	QueuedAt time.Time
}

// HistoryEntry records the outcome of one completed run.
type HistoryEntry struct {
	TicketID  int
	Succeeded bool
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration returns how long the run took.
func (h HistoryEntry) Duration() time.Duration {
	return h.EndedAt.Sub(h.StartedAt)
}

const historyCap = 50

// Queue is a strict FIFO of ticket ids, processed one at a time by a single
// cooperative loop: dequeue, build a fresh Orchestrator, start it, record
// the result, repeat until empty.
type Queue struct {
	mu      sync.Mutex
	pending *list.List // of *QueuedTicket
	queuedSet map[int]*list.Element
	running *int

	history []HistoryEntry

	factory Factory
	log     *logger.Logger

	processing bool
}

// New creates an empty queue bound to the given orchestrator factory.
func New(factory Factory, log *logger.Logger) *Queue {
	return &Queue{
		pending:   list.New(),
		queuedSet: make(map[int]*list.Element),
		factory:   factory,
		log:       log,
	}
}

// Enqueue appends a ticket id to the back of the queue. It rejects
// duplicates of the currently running id or any already-queued id.
// Enqueuing on an idle queue re-arms processing.
func (q *Queue) Enqueue(ticketID int) error {
	q.mu.Lock()

	if q.running != nil && *q.running == ticketID {
		q.mu.Unlock()
		return ErrTicketExists
	}
	if _, ok := q.queuedSet[ticketID]; ok {
		q.mu.Unlock()
		return ErrTicketExists
	}

	elem := q.pending.PushBack(&QueuedTicket{TicketID: ticketID, QueuedAt: time.Now()})
	q.queuedSet[ticketID] = elem

	shouldStart := !q.processing
	if shouldStart {
		q.processing = true
	}
	q.mu.Unlock()

	if shouldStart {
		go q.run()
	}
	return nil
}

// Remove deletes a queued (not running) ticket from the queue.
func (q *Queue) Remove(ticketID int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running != nil && *q.running == ticketID {
		return ErrRunning
	}

	elem, ok := q.queuedSet[ticketID]
	if !ok {
		return ErrNotFound
	}
	q.pending.Remove(elem)
	delete(q.queuedSet, ticketID)
	return nil
}

// Clear empties the queue of all pending (not running) tickets.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending.Init()
	q.queuedSet = make(map[int]*list.Element)
	return nil
}

// Status is a point-in-time snapshot of the queue for the status endpoint.
type Status struct {
	Running       *int
	Queued        []int
	LastCompleted []HistoryEntry
	LastFailed    []HistoryEntry
	TotalRun      int
	TotalFailed   int
	Processing    bool
}

// Status returns a snapshot of the queue's current state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	var running *int
	if q.running != nil {
		r := *q.running
		running = &r
	}

	queued := make([]int, 0, q.pending.Len())
	for e := q.pending.Front(); e != nil; e = e.Next() {
		queued = append(queued, e.Value.(*QueuedTicket).TicketID)
	}

	var completed, failed []HistoryEntry
	var totalRun, totalFailed int
	for _, h := range q.history {
		totalRun++
		if h.Succeeded {
			completed = append(completed, h)
		} else {
			totalFailed++
			failed = append(failed, h)
		}
	}

	return Status{
		Running:       running,
		Queued:        queued,
		LastCompleted: lastN(completed, 10),
		LastFailed:    lastN(failed, 10),
		TotalRun:      totalRun,
		TotalFailed:   totalFailed,
		Processing:    q.processing,
	}
}

// Stats is the success-rate / mean-duration summary for /api/queue/stats.
type Stats struct {
	SuccessRate string
	MeanDuration string
}

// Stats computes the success rate and mean duration across recorded history.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	history := append([]HistoryEntry(nil), q.history...)
	q.mu.Unlock()

	if len(history) == 0 {
		return Stats{SuccessRate: "n/a", MeanDuration: "n/a"}
	}

	var succeeded int
	var total time.Duration
	for _, h := range history {
		if h.Succeeded {
			succeeded++
		}
		total += h.Duration()
	}

	rate := float64(succeeded) / float64(len(history)) * 100
	mean := total / time.Duration(len(history))

	return Stats{
		SuccessRate:  fmt.Sprintf("%.1f%%", rate),
		MeanDuration: mean.Round(time.Millisecond).String(),
	}
}

// run is the single cooperative processing loop. It dequeues until empty,
// then clears the processing flag so the next Enqueue re-arms it.
func (q *Queue) run() {
	for {
		q.mu.Lock()
		front := q.pending.Front()
		if front == nil {
			q.processing = false
			q.mu.Unlock()
			return
		}
		ticket := front.Value.(*QueuedTicket)
		q.pending.Remove(front)
		delete(q.queuedSet, ticket.TicketID)
		q.running = &ticket.TicketID
		q.mu.Unlock()

		q.process(ticket.TicketID)

		q.mu.Lock()
		q.running = nil
		q.mu.Unlock()
	}
}

func (q *Queue) process(ticketID int) {
	start := time.Now()
	orch := q.factory(ticketID)

	err := orch.Start(context.Background())

	entry := HistoryEntry{
		TicketID:  ticketID,
		Succeeded: err == nil,
		StartedAt: start,
		EndedAt:   time.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
		q.log.WithTicket(ticketID).WithError(err).Error("orchestration run failed")
	} else {
		q.log.WithTicket(ticketID).Info("orchestration run completed")
	}

	q.mu.Lock()
	q.history = append(q.history, entry)
	if len(q.history) > historyCap {
		q.history = q.history[len(q.history)-historyCap:]
	}
	q.mu.Unlock()
}

func lastN(entries []HistoryEntry, n int) []HistoryEntry {
	if len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

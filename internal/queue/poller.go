package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/pipeflow/internal/common/logger"
)

const defaultPollInterval = 60 * time.Second

// processingLabel is applied to a ticket the instant it is pulled off the
// tracker and handed to the queue, so a second poller tick (or a second
// process) never double-enqueues it.
const processingLabel = "processing"

// Tracker is the subset of the issue tracker the Source Poller needs:
// discover open tickets carrying the queue label, and flip their labels
// once claimed.
type Tracker interface {
	ListOpenWithLabel(ctx context.Context, label string) ([]int, error)
	RemoveLabel(ctx context.Context, ticketID int, label string) error
	AddLabel(ctx context.Context, ticketID int, label string) error
}

// Poller wakes on an interval, finds open tickets carrying the configured
// queue label that the queue doesn't already know about, and enqueues them.
// Overlapping ticks are suppressed by a single-flight flag.
type Poller struct {
	tracker      Tracker
	queue        *Queue
	queueLabel   string
	pollInterval time.Duration
	log          *logger.Logger

	inFlight atomic.Bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPoller creates a Source Poller bound to a tracker and a queue.
func NewPoller(tracker Tracker, q *Queue, queueLabel string, pollInterval time.Duration, log *logger.Logger) *Poller {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Poller{
		tracker:      tracker,
		queue:        q,
		queueLabel:   queueLabel,
		pollInterval: pollInterval,
		log:          log,
	}
}

// Start begins the polling loop. Calling Start more than once without Stop
// is a no-op.
func (p *Poller) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.loop(ctx)

	p.log.Info("source poller started")
}

// Stop cancels the polling loop and waits for it to finish.
func (p *Poller) Stop() {
	if !p.started {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.started = false
	p.log.Info("source poller stopped")
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	p.tick(ctx)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer p.inFlight.Store(false)

	ticketIDs, err := p.tracker.ListOpenWithLabel(ctx, p.queueLabel)
	if err != nil {
		p.log.WithError(err).Error("source poller failed to list tickets")
		return
	}

	for _, id := range ticketIDs {
		p.claim(ctx, id)
	}
}

func (p *Poller) claim(ctx context.Context, ticketID int) {
	if err := p.queue.Enqueue(ticketID); err != nil {
		return
	}

	if err := p.tracker.RemoveLabel(ctx, ticketID, p.queueLabel); err != nil {
		p.log.WithTicket(ticketID).WithError(err).Warn("failed to remove queue label")
	}
	if err := p.tracker.AddLabel(ctx, ticketID, processingLabel); err != nil {
		p.log.WithTicket(ticketID).WithError(err).Warn("failed to add processing label")
	}

	p.log.WithTicket(ticketID).Info("enqueued ticket from source poller")
}

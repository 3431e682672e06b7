package agentexec

import (
	"context"
	"fmt"
	"time"

	"github.com/kandev/pipeflow/internal/common/logger"
	"github.com/kandev/pipeflow/internal/logstream"
	"github.com/kandev/pipeflow/internal/resilience"
)

// ErrServerUnreachable is raised when the pre-flight health check fails.
// It carries the path of a log snapshot for the caller to attach to a
// critical-error notification.
type ErrServerUnreachable struct {
	Err         error
	LogSnapshot string
}

func (e *ErrServerUnreachable) Error() string {
	return fmt.Sprintf("agent service unreachable: %v", e.Err)
}

func (e *ErrServerUnreachable) Unwrap() error { return e.Err }

const (
	healthCheckBudget   = 5 * time.Second
	maxFailoverAttempts = 3
)

// Options parameterizes one Execute call.
type Options struct {
	Timeout     time.Duration
	Ticket      int
	SubTicket   int
	Stage       string
	LogSnapshot func() string // produces a path to attach on ServerUnreachable
}

// Result is the outcome of a completed agent execution, per the §4.9
// contract: {response, sessionId, duration, attempts, toolsExecuted}.
type Result struct {
	Response      string
	SessionID     string
	Duration      time.Duration
	Attempts      int
	ToolsExecuted int
}

// Executor runs one agent invocation against the AI execution service,
// resolving the current failback model, pre-flight checking reachability,
// consuming the progress stream, and looping through model failover on
// session-hung/model-timeout up to maxFailoverAttempts.
type Executor struct {
	service  AgentService
	breaker  *resilience.Breaker
	failover *resilience.FailoverManager
	watchdog *resilience.Watchdog
	hub      *logstream.Hub
	log      *logger.Logger
}

// NewExecutor builds an Executor over service, sharing failover state with
// the rest of the orchestration and publishing progress to hub.
func NewExecutor(service AgentService, failover *resilience.FailoverManager, hub *logstream.Hub, log *logger.Logger) *Executor {
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "agent-service",
		MaxFailures: 5,
		OpenTimeout: 30 * time.Second,
	})
	return &Executor{
		service:  service,
		breaker:  breaker,
		failover: failover,
		watchdog: resilience.NewWatchdog(service, log),
		hub:      hub,
		log:      log,
	}
}

// Execute runs agentName against prompt, resolving its model through the
// failover layer and retrying across failback models on session-hung or
// model-timeout, per §4.9/§4.10.
func (e *Executor) Execute(ctx context.Context, agentName, prompt, defaultModel string, opts Options) (*Result, error) {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= maxFailoverAttempts; attempt++ {
		model := e.failover.CurrentModelFor(agentName, defaultModel)

		if err := e.healthCheck(ctx, opts); err != nil {
			return nil, err
		}

		result, retryCode, err := e.runOnce(ctx, agentName, prompt, model, opts)
		if err == nil {
			e.failover.ResetAgent(agentName)
			e.publish(agentName, result.SessionID, opts, Event{Kind: EventCompleted, Message: "agent-completed"})
			result.Duration = time.Since(start)
			result.Attempts = attempt
			return result, nil
		}
		lastErr = err

		if retryCode != "session-hung" && retryCode != "model-timeout" {
			return nil, err
		}

		sessionID := ""
		if result != nil {
			sessionID = result.SessionID
		}
		if _, ok := e.failover.OnModelTimeout(agentName, sessionID, attempt); !ok {
			return nil, fmt.Errorf("agent execution failed, no failback available: %w", err)
		}
	}

	return nil, fmt.Errorf("agent execution exhausted %d failover attempts: %w", maxFailoverAttempts, lastErr)
}

// healthCheck runs the pre-flight reachability probe through the breaker,
// with a 5s budget, per §4.9(b).
func (e *Executor) healthCheck(ctx context.Context, opts Options) error {
	hcCtx, cancel := context.WithTimeout(ctx, healthCheckBudget)
	defer cancel()

	err := e.breaker.Execute(hcCtx, func(c context.Context) error {
		return e.service.HealthCheck(c)
	})
	if err != nil {
		snapshot := ""
		if opts.LogSnapshot != nil {
			snapshot = opts.LogSnapshot()
		}
		return &ErrServerUnreachable{Err: err, LogSnapshot: snapshot}
	}
	return nil
}

// runOnce submits one prompt and consumes its progress stream until the
// stream closes or a terminal/hang event arrives. On a session-hung or
// model-timeout event it returns that string as retryCode so Execute can
// drive the failover loop.
func (e *Executor) runOnce(ctx context.Context, agentName, prompt, model string, opts Options) (*Result, string, error) {
	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	sessionID, events, errs, err := e.service.Submit(runCtx, Request{Agent: agentName, Prompt: prompt, Model: model})
	if err != nil {
		return nil, "", fmt.Errorf("submit agent request: %w", err)
	}

	result := &Result{SessionID: sessionID}
	toolsExecuted := 0
	var lastMessage string

	for {
		select {
		case <-runCtx.Done():
			return result, "session-hung", runCtx.Err()

		case streamErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if streamErr != nil {
				return result, "", fmt.Errorf("agent stream error: %w", streamErr)
			}

		case ev, ok := <-events:
			if !ok {
				result.ToolsExecuted = toolsExecuted
				result.Response = lastMessage
				return result, "", nil
			}
			e.publish(agentName, sessionID, opts, ev)

			switch ev.Kind {
			case EventToolCompleted:
				toolsExecuted++
			case EventMessageReceived:
				lastMessage = ev.Message
			case EventHangDetected, EventSessionHung:
				if _, wdErr := e.watchdog.HandleHungSession(ctx, sessionID); wdErr != nil {
					e.log.WithError(wdErr).Warn("watchdog failed to handle hung session")
				}
				return result, "session-hung", fmt.Errorf("session hung: %s", ev.Message)
			case EventModelTimeout:
				return result, "model-timeout", fmt.Errorf("model timeout: %s", ev.Message)
			case EventFailed:
				return result, "", fmt.Errorf("agent execution failed: %s", ev.Message)
			}
		}
	}
}

func (e *Executor) publish(agentName, sessionID string, opts Options, ev Event) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(logstream.Event{
		Timestamp: time.Now(),
		Level:     logstream.LevelInfo,
		Message:   ev.Message,
		Ticket:    opts.Ticket,
		SubTicket: opts.SubTicket,
		Agent:     agentName,
		Stage:     opts.Stage,
		Tool:      ev.Tool,
		SessionID: sessionID,
	})
}

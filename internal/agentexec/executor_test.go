package agentexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kandev/pipeflow/internal/resilience"
)

// fakeService implements AgentService for Executor tests without any network
// traffic: each Submit call consumes one scripted run off the queue.
type fakeService struct {
	healthErr error
	runs      []scriptedRun
	next      int

	terminated  []string
	existsAfter int
	existsCalls int
}

type scriptedRun struct {
	sessionID string
	events    []Event
}

func (f *fakeService) HealthCheck(ctx context.Context) error { return f.healthErr }

func (f *fakeService) Submit(ctx context.Context, req Request) (string, <-chan Event, <-chan error, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, nil, err
	}
	if f.next >= len(f.runs) {
		return "", nil, nil, errors.New("no scripted run left")
	}
	run := f.runs[f.next]
	f.next++

	events := make(chan Event, len(run.events))
	for _, ev := range run.events {
		events <- ev
	}
	close(events)

	errs := make(chan error)
	close(errs)

	return run.sessionID, events, errs, nil
}

func (f *fakeService) Terminate(ctx context.Context, sessionID string) error {
	f.terminated = append(f.terminated, sessionID)
	return nil
}

func (f *fakeService) Exists(ctx context.Context, sessionID string) (bool, error) {
	f.existsCalls++
	return f.existsCalls < f.existsAfter, nil
}

func (f *fakeService) HasExistenceProbe() bool { return true }

func newTestExecutor(svc AgentService, failback func(agent string) (string, bool)) *Executor {
	fm := resilience.NewFailoverManager(resilience.FailoverConfig{
		MaxFailoversPerAgent: 2,
		Failback:             failback,
	}, nil, nil)
	return NewExecutor(svc, fm, nil, nil)
}

func TestExecutor_SuccessfulRunReturnsResult(t *testing.T) {
	svc := &fakeService{
		runs: []scriptedRun{
			{sessionID: "sess-1", events: []Event{
				{Kind: EventToolCompleted, Tool: "grep"},
				{Kind: EventToolCompleted, Tool: "edit"},
				{Kind: EventMessageReceived, Message: "all done"},
			}},
		},
	}
	ex := newTestExecutor(svc, nil)

	result, err := ex.Execute(context.Background(), "sculptor", "implement the thing", "gpt-default", Options{})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if result.Response != "all done" {
		t.Errorf("Response = %q, want %q", result.Response, "all done")
	}
	if result.ToolsExecuted != 2 {
		t.Errorf("ToolsExecuted = %d, want 2", result.ToolsExecuted)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	if result.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", result.SessionID)
	}
}

func TestExecutor_HealthCheckFailureReturnsServerUnreachable(t *testing.T) {
	svc := &fakeService{healthErr: errors.New("connection refused")}
	ex := newTestExecutor(svc, nil)

	_, err := ex.Execute(context.Background(), "sculptor", "prompt", "gpt-default", Options{})
	var unreachable *ErrServerUnreachable
	if !errors.As(err, &unreachable) {
		t.Fatalf("Execute() error = %v, want *ErrServerUnreachable", err)
	}
}

func TestExecutor_SessionHungFailsOverThenSucceeds(t *testing.T) {
	svc := &fakeService{
		runs: []scriptedRun{
			{sessionID: "sess-1", events: []Event{{Kind: EventSessionHung, Message: "no progress"}}},
			{sessionID: "sess-2", events: []Event{{Kind: EventMessageReceived, Message: "recovered"}}},
		},
		existsAfter: 0,
	}
	ex := newTestExecutor(svc, func(agent string) (string, bool) { return "gpt-fallback", true })

	result, err := ex.Execute(context.Background(), "sculptor", "prompt", "gpt-default", Options{})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
	if result.Response != "recovered" {
		t.Errorf("Response = %q, want recovered", result.Response)
	}
	if len(svc.terminated) != 1 || svc.terminated[0] != "sess-1" {
		t.Errorf("terminated = %v, want [sess-1]", svc.terminated)
	}
}

func TestExecutor_NoFailbackConfiguredFailsImmediately(t *testing.T) {
	svc := &fakeService{
		runs: []scriptedRun{
			{sessionID: "sess-1", events: []Event{{Kind: EventModelTimeout, Message: "too slow"}}},
		},
	}
	ex := newTestExecutor(svc, nil)

	_, err := ex.Execute(context.Background(), "sculptor", "prompt", "gpt-default", Options{})
	if err == nil {
		t.Fatal("expected an error with no failback configured")
	}
}

func TestExecutor_ExhaustsFailoverAttempts(t *testing.T) {
	svc := &fakeService{
		runs: []scriptedRun{
			{sessionID: "sess-1", events: []Event{{Kind: EventModelTimeout, Message: "slow"}}},
			{sessionID: "sess-2", events: []Event{{Kind: EventModelTimeout, Message: "slow"}}},
			{sessionID: "sess-3", events: []Event{{Kind: EventModelTimeout, Message: "slow"}}},
		},
	}
	ex := newTestExecutor(svc, func(agent string) (string, bool) { return "gpt-fallback", true })

	_, err := ex.Execute(context.Background(), "sculptor", "prompt", "gpt-default", Options{})
	if err == nil {
		t.Fatal("expected exhaustion error after maxFailoverAttempts")
	}
}

func TestExecutor_RespectsPerRunTimeout(t *testing.T) {
	svc := &fakeService{}
	svc.runs = []scriptedRun{{sessionID: "sess-1", events: nil}}
	// Override Submit indirectly via a context that is already expired so
	// runOnce observes ctx.Done() before any event arrives.
	ex := newTestExecutor(svc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := ex.Execute(ctx, "sculptor", "prompt", "gpt-default", Options{})
	if err == nil {
		t.Fatal("expected an error from an already-expired context")
	}
}

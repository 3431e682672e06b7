package stages

import (
	"context"
	"fmt"
	"sync"

	"github.com/kandev/pipeflow/internal/agentexec"
	"github.com/kandev/pipeflow/internal/common/config"
	"github.com/kandev/pipeflow/internal/common/logger"
	"github.com/kandev/pipeflow/internal/notifier"
	"github.com/kandev/pipeflow/internal/resilience"
	"github.com/kandev/pipeflow/internal/tracker"
)

// fakeTrackerClient is an in-memory tracker.Client for stage tests.
type fakeTrackerClient struct {
	mu       sync.Mutex
	issues   map[int]*tracker.Issue
	comments map[int][]tracker.Comment
	nextID   int
	crs      []tracker.ChangeRequest
}

func newFakeTrackerClient() *fakeTrackerClient {
	return &fakeTrackerClient{issues: map[int]*tracker.Issue{}, comments: map[int][]tracker.Comment{}, nextID: 100}
}

func (f *fakeTrackerClient) GetIssue(ctx context.Context, owner, repo string, number int) (*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue #%d not found", number)
	}
	cp := *issue
	cp.Labels = append([]string(nil), issue.Labels...)
	return &cp, nil
}

func (f *fakeTrackerClient) ListOpenWithLabel(ctx context.Context, owner, repo, label string) ([]*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*tracker.Issue
	for _, issue := range f.issues {
		if issue.HasLabel(label) && !issue.HasLabel("closed") {
			out = append(out, issue)
		}
	}
	return out, nil
}

func (f *fakeTrackerClient) AddLabel(ctx context.Context, owner, repo string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := f.issues[number]
	if issue.HasLabel(label) {
		return nil
	}
	issue.Labels = append(issue.Labels, label)
	return nil
}

func (f *fakeTrackerClient) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := f.issues[number]
	filtered := issue.Labels[:0]
	for _, l := range issue.Labels {
		if l != label {
			filtered = append(filtered, l)
		}
	}
	issue.Labels = filtered
	return nil
}

func (f *fakeTrackerClient) UpdateBody(ctx context.Context, owner, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues[number].Body = body
	return nil
}

func (f *fakeTrackerClient) CreateIssue(ctx context.Context, owner, repo string, issue tracker.NewIssue) (*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	created := &tracker.Issue{Number: f.nextID, Title: issue.Title, Body: issue.Body, Labels: append([]string(nil), issue.Labels...)}
	f.issues[created.Number] = created
	return created, nil
}

func (f *fakeTrackerClient) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[number] = append(f.comments[number], tracker.Comment{Body: body})
	return nil
}

func (f *fakeTrackerClient) ListComments(ctx context.Context, owner, repo string, number int) ([]tracker.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tracker.Comment(nil), f.comments[number]...), nil
}

func (f *fakeTrackerClient) CreateChangeRequest(ctx context.Context, owner, repo string, cr tracker.ChangeRequest) (*tracker.ChangeRequestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crs = append(f.crs, cr)
	return &tracker.ChangeRequestResult{Number: len(f.crs), HTMLURL: fmt.Sprintf("https://example.invalid/pr/%d", len(f.crs))}, nil
}

func (f *fakeTrackerClient) CloseIssue(ctx context.Context, owner, repo string, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := f.issues[number]
	if issue != nil {
		issue.Labels = append(issue.Labels, "closed")
	}
	return nil
}

// scriptedAgentService is a minimal agentexec.AgentService whose Submit
// outcome is keyed by agent role name, for driving stage tests without a
// real execution service.
type scriptedAgentService struct {
	mu            sync.Mutex
	healthErr     error
	failRoles     map[string]bool
	failUntilCall map[string]int // agent role -> fail while callCount <= this, then succeed
	callCount     map[string]int
	responses     map[string]string // agent role -> response body; defaults to `{"ok":true}`
}

func newScriptedAgentService() *scriptedAgentService {
	return &scriptedAgentService{failRoles: map[string]bool{}, callCount: map[string]int{}, responses: map[string]string{}}
}

func (s *scriptedAgentService) HealthCheck(ctx context.Context) error { return s.healthErr }

func (s *scriptedAgentService) Submit(ctx context.Context, req agentexec.Request) (string, <-chan agentexec.Event, <-chan error, error) {
	s.mu.Lock()
	s.callCount[req.Agent]++
	fail := s.failRoles[req.Agent]
	if until, ok := s.failUntilCall[req.Agent]; ok {
		fail = s.callCount[req.Agent] <= until
	}
	response, hasResponse := s.responses[req.Agent]
	s.mu.Unlock()

	events := make(chan agentexec.Event, 2)
	errs := make(chan error)
	if fail {
		events <- agentexec.Event{Kind: agentexec.EventFailed, Message: "scripted failure"}
	} else {
		if !hasResponse {
			response = `{"ok":true}`
		}
		events <- agentexec.Event{Kind: agentexec.EventMessageReceived, Message: response}
	}
	close(events)
	close(errs)
	return "sess-" + req.Agent, events, errs, nil
}

func (s *scriptedAgentService) Terminate(ctx context.Context, sessionID string) error { return nil }

func (s *scriptedAgentService) Exists(ctx context.Context, sessionID string) (bool, error) {
	return false, nil
}

func (s *scriptedAgentService) HasExistenceProbe() bool { return true }

func newTestDeps(svc *scriptedAgentService) (*Deps, *fakeTrackerClient) {
	client := newFakeTrackerClient()
	notify := notifier.New(notifier.Config{}, logger.Default())
	failover := resilience.NewFailoverManager(resilience.FailoverConfig{}, notify, logger.Default())
	executor := agentexec.NewExecutor(svc, failover, nil, logger.Default())
	return &Deps{
		Tracker:  client,
		States:   tracker.NewStateStore(client, "acme", "widgets"),
		Owner:    "acme",
		Repo:     "widgets",
		Executor: executor,
		Notify:   notify,
		Log:      logger.Default(),
		Agents:   map[string]config.AgentConfig{},
	}, client
}

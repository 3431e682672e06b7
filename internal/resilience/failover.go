package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/pipeflow/internal/common/logger"
	"github.com/kandev/pipeflow/internal/notifier"
)

// defaultMaxFailoversPerAgent is the spec's default cap on failovers
// before giving up on an agent for this orchestration.
const defaultMaxFailoversPerAgent = 2

// FailoverEvent is one recorded swap in an agent's failover history.
type FailoverEvent struct {
	From    string
	To      string
	Reason  string
	Session string
	Attempt int
	At      time.Time
}

type agentState struct {
	current string // "" means no active failback
	count   int
	history []FailoverEvent
}

// FailoverConfig is the per-agent failback model the manager consults.
type FailoverConfig struct {
	MaxFailoversPerAgent int
	Failback             func(agent string) (model string, ok bool)
}

// FailoverManager tracks, per agent, the currently active failback model
// and how many times it has swapped, per §4.10.
type FailoverManager struct {
	mu     sync.Mutex
	states map[string]*agentState
	cfg    FailoverConfig
	notify *notifier.Notifier
	log    *logger.Logger
}

// NewFailoverManager builds a FailoverManager. cfg.MaxFailoversPerAgent
// defaults to 2 when <= 0. notify surfaces every model swap via
// notifier.KindFailover, per spec's "failovers are surfaced via the
// notifier with explicit before/after model strings".
func NewFailoverManager(cfg FailoverConfig, notify *notifier.Notifier, log *logger.Logger) *FailoverManager {
	if cfg.MaxFailoversPerAgent <= 0 {
		cfg.MaxFailoversPerAgent = defaultMaxFailoversPerAgent
	}
	return &FailoverManager{states: make(map[string]*agentState), cfg: cfg, notify: notify, log: log}
}

// CurrentModelFor returns the active failback for agent if one is set,
// else defaultModel.
func (m *FailoverManager) CurrentModelFor(agent, defaultModel string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[agent]; ok && st.current != "" {
		return st.current
	}
	return defaultModel
}

// OnModelTimeout handles a model-timeout report for agent's session at
// attempt. If a failback is available and the agent has not exceeded its
// failover budget, it swaps and records the event, returning the new
// model. Otherwise it returns ok=false — the caller fails the attempt.
func (m *FailoverManager) OnModelTimeout(agent, session string, attempt int) (model string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.states[agent]
	if !exists {
		st = &agentState{}
		m.states[agent] = st
	}

	if st.count >= m.cfg.MaxFailoversPerAgent {
		if m.log != nil {
			m.log.Warn("max failovers exceeded for agent")
		}
		return "", false
	}

	if m.cfg.Failback == nil {
		return "", false
	}
	next, hasFailback := m.cfg.Failback(agent)
	if !hasFailback {
		if m.log != nil {
			m.log.Warn("no failback configured for agent")
		}
		return "", false
	}

	from := st.current
	st.current = next
	st.count++
	st.history = append(st.history, FailoverEvent{
		From: from, To: next, Reason: "model-timeout",
		Session: session, Attempt: attempt, At: time.Now(),
	})

	if m.log != nil {
		m.log.Warn("agent failed over to a different model")
	}
	if m.notify != nil {
		fromLabel := from
		if fromLabel == "" {
			fromLabel = "default"
		}
		m.notify.Notify(context.Background(), notifier.Event{
			Kind:  notifier.KindFailover,
			Title: fmt.Sprintf("%s failed over to a different model", agent),
			Text:  fmt.Sprintf("%s: %s -> %s (attempt %d, session %s)", agent, fromLabel, next, attempt, session),
			Fields: map[string]string{
				"agent": agent,
				"from":  fromLabel,
				"to":    next,
			},
		})
	}
	return next, true
}

// ResetAgent clears the current failback and failover count for agent,
// called on agent success.
func (m *FailoverManager) ResetAgent(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, agent)
}

// History returns a copy of agent's recorded failover events.
func (m *FailoverManager) History(agent string) []FailoverEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[agent]
	if !ok {
		return nil
	}
	return append([]FailoverEvent(nil), st.history...)
}

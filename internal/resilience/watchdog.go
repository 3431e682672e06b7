package resilience

import (
	"context"
	"time"

	"github.com/kandev/pipeflow/internal/common/logger"
)

// SessionTerminator is the capability the watchdog needs from whatever is
// running an agent session: ask it to stop, and (optionally) check whether
// it is still alive.
type SessionTerminator interface {
	// Terminate asks the session to stop gracefully.
	Terminate(ctx context.Context, sessionID string) error
	// Exists reports whether the session is still alive. A terminator
	// without an existence probe still implements this method, and also
	// implements ExistenceProber with HasExistenceProbe() returning false
	// so the watchdog skips the check.
	Exists(ctx context.Context, sessionID string) (bool, error)
}

// ExistenceProber is an optional capability: a SessionTerminator that
// cannot verify existence reports so here, and the watchdog then assumes
// termination succeeded without re-checking.
type ExistenceProber interface {
	HasExistenceProbe() bool
}

// KillMethod tags how a session was confirmed dead.
type KillMethod string

const (
	MethodGracefulKill      KillMethod = "graceful-kill"
	MethodFailedTermination KillMethod = "failed-termination"
)

// WatchdogResult is the outcome of handling a session-hung event.
type WatchdogResult struct {
	Method KillMethod
}

var verifyBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Watchdog terminates hung agent sessions and verifies the kill.
type Watchdog struct {
	terminator SessionTerminator
	log        *logger.Logger
}

// NewWatchdog builds a Watchdog over terminator.
func NewWatchdog(terminator SessionTerminator, log *logger.Logger) *Watchdog {
	return &Watchdog{terminator: terminator, log: log}
}

// HandleHungSession attempts graceful termination of sessionID, then
// verifies: re-checking existence up to three times with 1s/2s/4s backoff.
// Absence is success (graceful-kill); a terminator with no existence probe
// is assumed to have succeeded. Persistent existence after all retries is
// reported as failed-termination — this spec resets state only, a full
// process restart of the execution service is out of scope.
func (w *Watchdog) HandleHungSession(ctx context.Context, sessionID string) (WatchdogResult, error) {
	if err := w.terminator.Terminate(ctx, sessionID); err != nil {
		return WatchdogResult{}, err
	}

	if prober, ok := w.terminator.(ExistenceProber); ok && !prober.HasExistenceProbe() {
		return WatchdogResult{Method: MethodGracefulKill}, nil
	}

	for _, delay := range verifyBackoff {
		select {
		case <-ctx.Done():
			return WatchdogResult{}, ctx.Err()
		case <-time.After(delay):
		}

		exists, err := w.terminator.Exists(ctx, sessionID)
		if err != nil {
			return WatchdogResult{}, err
		}
		if !exists {
			return WatchdogResult{Method: MethodGracefulKill}, nil
		}
	}

	if w.log != nil {
		w.log.Warn("session termination could not be verified")
	}
	return WatchdogResult{Method: MethodFailedTermination}, nil
}

package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
)

func TestNotifier_NoWebhookURLIsNoOp(t *testing.T) {
	n := New(Config{}, nil)
	n.Notify(context.Background(), Event{Kind: KindOrchestrationFailed})
}

func TestNotifier_FilterLevelAdmitsOnlyConfiguredTier(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(Config{WebhookURL: srv.URL, Level: LevelErrorsOnly}, nil)

	n.Notify(context.Background(), Event{Kind: KindTaskCompleted, Ticket: 1})
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("errors-only filter admitted a task-completed event")
	}

	n.Notify(context.Background(), Event{Kind: KindCriticalError, Ticket: 1})
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("errors-only filter did not admit a critical-error event")
	}
}

func TestNotifier_AllMajorEventsAdmitsEverything(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(Config{WebhookURL: srv.URL, Level: LevelAllMajorEvents}, nil)
	for _, k := range []Kind{KindPlanningComplete, KindOrchestrationComplete, KindCriticalError} {
		n.Notify(context.Background(), Event{Kind: k, Ticket: 1})
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestNotifier_DeliveryFailureDoesNotPanic(t *testing.T) {
	n := New(Config{WebhookURL: "http://127.0.0.1:1", Level: LevelAllMajorEvents}, nil)
	n.Notify(context.Background(), Event{Kind: KindCriticalError, Ticket: 1})
}

func TestNotifier_SendsAttachmentForCriticalError(t *testing.T) {
	var sawMultipart bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawMultipart = len(r.Header.Get("Content-Type")) > 0 &&
			r.Header.Get("Content-Type")[:19] == "multipart/form-data"
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logFile, err := os.CreateTemp(t.TempDir(), "orchestration-*.log")
	if err != nil {
		t.Fatalf("create temp log: %v", err)
	}
	logFile.WriteString("boom\n")
	logFile.Close()

	n := New(Config{WebhookURL: srv.URL, Level: LevelAllMajorEvents}, nil)
	n.Notify(context.Background(), Event{Kind: KindCriticalError, Ticket: 7, LogPath: logFile.Name()})

	if !sawMultipart {
		t.Error("expected a multipart/form-data request carrying the log attachment")
	}
}

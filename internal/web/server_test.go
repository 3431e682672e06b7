package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/pipeflow/internal/common/logger"
	"github.com/kandev/pipeflow/internal/logstream"
	"github.com/kandev/pipeflow/internal/queue"
)

type fakeOrchestrator struct {
	err error
}

func (f *fakeOrchestrator) Start(ctx context.Context) error { return f.err }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestServer(t *testing.T, factory queue.Factory, staticDir string) (*Server, *queue.Queue, *logstream.Hub) {
	t.Helper()
	log := testLogger(t)
	q := queue.New(factory, log)
	hub := logstream.NewHub(100, log)
	s := New("127.0.0.1:0", q, hub, staticDir, log)
	return s, q, hub
}

func TestHealth_ReturnsOKWithUptime(t *testing.T) {
	s, _, _ := newTestServer(t, func(int) queue.Orchestrator { return &fakeOrchestrator{} }, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["uptime"])
}

func TestQueueEndpoints_EnqueueStatusRemoveClear(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	factory := func(ticketID int) queue.Orchestrator {
		close(started)
		return &blockingOrchestrator{release: release}
	}
	s, q, _ := newTestServer(t, factory, "")

	body, _ := json.Marshal(postQueueRequest{IssueNumber: 42})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/queue", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	<-started

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.EqualValues(t, 42, status["running"])
	assert.Equal(t, true, status["processing"])

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/api/queue/42", nil)
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(release)
	waitForIdle(t, q)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/queue/clear", nil)
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

type blockingOrchestrator struct {
	release chan struct{}
	started chan struct{}
}

func (b *blockingOrchestrator) Start(ctx context.Context) error {
	if b.started != nil {
		close(b.started)
	}
	<-b.release
	return nil
}

func waitForIdle(t *testing.T, q *queue.Queue) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("queue never went idle")
		default:
			if !q.Status().Processing {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestQueueStats_ReportsNAWithNoHistory(t *testing.T) {
	s, _, _ := newTestServer(t, func(int) queue.Orchestrator { return &fakeOrchestrator{} }, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/queue/stats", nil)
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "n/a", body["successRate"])
	assert.Equal(t, "n/a", body["meanDuration"])
}

func TestLogsEndpoints_FilterByIssueAndAgent(t *testing.T) {
	s, _, hub := newTestServer(t, func(int) queue.Orchestrator { return &fakeOrchestrator{} }, "")

	hub.Publish(logstream.Event{Message: "building", Ticket: 7, Agent: "architect"})
	hub.Publish(logstream.Event{Message: "testing", Ticket: 9, Agent: "sentinel"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/logs/issue/7", nil)
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["count"])

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/logs/agent/sentinel", nil)
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["count"])

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/logs/stats", nil)
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body["bufferedEvents"])
}

func TestStaticFallback_ServesIndexForUnknownPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0644))

	s, _, _ := newTestServer(t, func(int) queue.Orchestrator { return &fakeOrchestrator{} }, dir)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/some/client/route", nil)
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "app")
}

func TestStaticFallback_ServesExistingFileDirectly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0644))

	s, _, _ := newTestServer(t, func(int) queue.Orchestrator { return &fakeOrchestrator{} }, dir)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "console.log")
}

func TestMetrics_ExposesQueueDepth(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	factory := func(int) queue.Orchestrator {
		close(started)
		return &blockingOrchestrator{release: release}
	}
	s, q, _ := newTestServer(t, factory, "")

	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))
	<-started

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipeflow_queue_depth")
	assert.Contains(t, rec.Body.String(), fmt.Sprintf("pipeflow_queue_depth %d", 1))

	close(release)
	waitForIdle(t, q)
}

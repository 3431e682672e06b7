package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/pipeflow/internal/logstream"
	"github.com/kandev/pipeflow/internal/queue"
)

// handler bundles the Queue and Log Stream Hub behind the REST surface.
type handler struct {
	queue     *queue.Queue
	hub       *logstream.Hub
	startedAt time.Time
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(h.startedAt).String(),
		"timestamp": time.Now().UTC(),
	})
}

// historyView is the wire shape for a completed/failed run.
type historyView struct {
	TicketID  int    `json:"ticketId"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
	Duration  string `json:"duration"`
}

func toHistoryViews(entries []queue.HistoryEntry) []historyView {
	views := make([]historyView, len(entries))
	for i, e := range entries {
		views[i] = historyView{
			TicketID:  e.TicketID,
			Succeeded: e.Succeeded,
			Error:     e.Error,
			Duration:  e.Duration().Round(time.Millisecond).String(),
		}
	}
	return views
}

func (h *handler) getQueue(c *gin.Context) {
	status := h.queue.Status()
	c.JSON(http.StatusOK, gin.H{
		"running":       status.Running,
		"queued":        status.Queued,
		"lastCompleted": toHistoryViews(status.LastCompleted),
		"lastFailed":    toHistoryViews(status.LastFailed),
		"totalRun":      status.TotalRun,
		"totalFailed":   status.TotalFailed,
		"processing":    status.Processing,
	})
}

func (h *handler) getQueueStats(c *gin.Context) {
	stats := h.queue.Stats()
	c.JSON(http.StatusOK, gin.H{
		"successRate": stats.SuccessRate,
		"meanDuration": stats.MeanDuration,
	})
}

type postQueueRequest struct {
	IssueNumber int `json:"issueNumber" binding:"required"`
}

func (h *handler) postQueue(c *gin.Context) {
	var req postQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.queue.Enqueue(req.IssueNumber); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"issueNumber": req.IssueNumber})
}

func (h *handler) deleteQueue(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid issue number"})
		return
	}

	if err := h.queue.Remove(n); err != nil {
		switch err {
		case queue.ErrNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case queue.ErrRunning:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) postQueueClear(c *gin.Context) {
	if err := h.queue.Clear(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func countParam(c *gin.Context) int {
	count, err := strconv.Atoi(c.Query("count"))
	if err != nil || count <= 0 {
		return 100
	}
	return count
}

func (h *handler) getLogs(c *gin.Context) {
	logs := h.hub.Snapshot(logstream.Filter{MostRecentK: countParam(c)})
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func (h *handler) getLogsByIssue(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid issue number"})
		return
	}
	logs := h.hub.Snapshot(logstream.Filter{Ticket: n, MostRecentK: countParam(c)})
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func (h *handler) getLogsByAgent(c *gin.Context) {
	name := c.Param("name")
	logs := h.hub.Snapshot(logstream.Filter{Agent: name, MostRecentK: countParam(c)})
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func (h *handler) getLogsStats(c *gin.Context) {
	all := h.hub.Snapshot(logstream.Filter{})
	c.JSON(http.StatusOK, gin.H{
		"bufferedEvents": len(all),
		"subscribers":    h.hub.SubscriberCount(),
	})
}

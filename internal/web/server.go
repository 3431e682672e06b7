// Package web implements the Web Surface (§4.18): a gin REST API over the
// FIFO Queue and Log Stream Hub, a gorilla/websocket live log feed, and a
// Prometheus metrics endpoint, plus static asset serving for the web
// client's build output.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/pipeflow/internal/common/logger"
	"github.com/kandev/pipeflow/internal/logstream"
	"github.com/kandev/pipeflow/internal/queue"
)

// Server wraps a gin.Engine bound to a Queue and a Log Stream Hub.
type Server struct {
	engine    *gin.Engine
	http      *http.Server
	startedAt time.Time
	log       *logger.Logger
}

// New builds a Server listening on addr, serving the REST API, the "/ws"
// live log feed, and "/metrics", with staticDir's contents (if non-empty)
// served for any unknown non-API path, falling back to its index.html.
func New(addr string, q *queue.Queue, hub *logstream.Hub, staticDir string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:    engine,
		startedAt: time.Now(),
		log:       log,
	}

	h := &handler{queue: q, hub: hub, startedAt: s.startedAt}

	api := engine.Group("/api")
	api.GET("/health", h.health)
	api.GET("/queue", h.getQueue)
	api.GET("/queue/stats", h.getQueueStats)
	api.POST("/queue", h.postQueue)
	api.DELETE("/queue/:n", h.deleteQueue)
	api.POST("/queue/clear", h.postQueueClear)
	api.GET("/logs", h.getLogs)
	api.GET("/logs/issue/:n", h.getLogsByIssue)
	api.GET("/logs/agent/:name", h.getLogsByAgent)
	api.GET("/logs/stats", h.getLogsStats)

	engine.GET("/ws", wsHandler(hub, log))
	engine.GET("/metrics", metricsHandler(q))

	if staticDir != "" {
		engine.NoRoute(staticFallback(staticDir))
	}

	s.http = &http.Server{Addr: addr, Handler: engine}
	return s
}

// Run starts the HTTP server and blocks until ctx is cancelled, at which
// point it shuts down gracefully with a 10s grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// staticFallback serves files under dir, falling back to dir/index.html
// for any path that doesn't exist on disk (client-side routing).
func staticFallback(dir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		requested := filepath.Join(dir, filepath.Clean(c.Request.URL.Path))
		if info, err := os.Stat(requested); err == nil && !info.IsDir() {
			c.File(requested)
			return
		}
		index := filepath.Join(dir, "index.html")
		if _, err := os.Stat(index); err != nil {
			c.String(http.StatusNotFound, fmt.Sprintf("%s not found", c.Request.URL.Path))
			return
		}
		c.File(index)
	}
}

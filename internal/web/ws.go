package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kandev/pipeflow/internal/common/logger"
	"github.com/kandev/pipeflow/internal/logstream"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// initFrame is sent once on connect, carrying whatever of the current
// buffer matches the connection's filter.
type initFrame struct {
	Type  string            `json:"type"`
	Logs  []logstream.Event `json:"logs"`
	Count int               `json:"count"`
}

// logFrame wraps every subsequent event forwarded to the client.
type logFrame struct {
	Type string          `json:"type"`
	Log  logstream.Event `json:"log"`
}

// wsHandler subscribes directly to hub and streams matching events to the
// client as they're published, with an initial snapshot burst on connect.
// Dead connections are reaped on the next write failure.
func wsHandler(hub *logstream.Hub, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := filterFromQuery(c)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.WithError(err).Warn("websocket upgrade failed")
			return
		}

		sub := hub.Subscribe(filter)
		defer sub.Close()

		conn.SetReadLimit(512 * 1024)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		// Drain and discard client reads; this feed is read-only from the
		// client's perspective. Keeps the pong handler alive.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					conn.Close()
					return
				}
			}
		}()

		// Subscribe replays the hub's buffered events into sub.Events; the
		// init frame below carries those events, so the replay is discarded
		// here instead of being forwarded a second time as log frames.
		for drained := false; !drained; {
			select {
			case _, ok := <-sub.Events:
				if !ok {
					return
				}
			default:
				drained = true
			}
		}

		snapshot := hub.Snapshot(filter)
		init := initFrame{Type: "init", Logs: snapshot, Count: len(snapshot)}
		if err := writeJSON(conn, init); err != nil {
			return
		}

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-sub.Events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := writeJSON(conn, logFrame{Type: "log", Log: event}); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func filterFromQuery(c *gin.Context) logstream.Filter {
	var f logstream.Filter
	if ticket, err := strconv.Atoi(c.Query("ticket")); err == nil {
		f.Ticket = ticket
	}
	if agent := c.Query("agent"); agent != "" {
		f.Agent = agent
	}
	if level := c.Query("level"); level != "" {
		f.Level = logstream.Level(level)
	}
	return f
}

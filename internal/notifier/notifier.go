// Package notifier turns orchestration events into rich chat messages,
// filtered by configured level, delivered best-effort (§4.19).
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/slack-go/slack"

	"github.com/kandev/pipeflow/internal/common/logger"
)

// Level is a delivery filter: which event kinds are sent.
type Level string

const (
	LevelErrorsOnly       Level = "errors-only"
	LevelStageTransitions Level = "stage-transitions"
	LevelAllMajorEvents   Level = "all-major-events"
)

// Kind identifies an event template. Each has a fixed color and
// belongs to one of the three severity tiers the filter level gates on.
type Kind string

const (
	KindPlanningComplete      Kind = "planning-complete"
	KindTaskCompleted         Kind = "task-completed"
	KindTestFailed            Kind = "test-failed"
	KindTestFixStarted        Kind = "test-fix-started"
	KindTestFixCompleted      Kind = "test-fix-completed"
	KindTestPassedAfterFix    Kind = "test-passed-after-fix"
	KindTestMaxAttemptsReached Kind = "test-max-attempts-reached"
	KindOrchestrationComplete Kind = "orchestration-complete"
	KindFailover              Kind = "model-failover"
	KindCriticalError         Kind = "critical-error"
	KindOrchestrationFailed   Kind = "orchestration-failed"
)

var kindTier = map[Kind]Level{
	KindPlanningComplete:       LevelAllMajorEvents,
	KindTaskCompleted:          LevelAllMajorEvents,
	KindTestFailed:             LevelAllMajorEvents,
	KindTestFixStarted:         LevelAllMajorEvents,
	KindTestFixCompleted:       LevelAllMajorEvents,
	KindTestPassedAfterFix:     LevelAllMajorEvents,
	KindTestMaxAttemptsReached: LevelErrorsOnly,
	KindOrchestrationComplete:  LevelStageTransitions,
	KindFailover:               LevelStageTransitions,
	KindCriticalError:          LevelErrorsOnly,
	KindOrchestrationFailed:    LevelErrorsOnly,
}

var kindColor = map[Kind]string{
	KindPlanningComplete:       "#2eb67d",
	KindTaskCompleted:          "#2eb67d",
	KindTestFailed:             "#ecb22e",
	KindTestFixStarted:         "#ecb22e",
	KindTestFixCompleted:       "#ecb22e",
	KindTestPassedAfterFix:     "#36c5f0",
	KindTestMaxAttemptsReached: "#e01e5a",
	KindOrchestrationComplete:  "#2eb67d",
	KindFailover:               "#ecb22e",
	KindCriticalError:          "#e01e5a",
	KindOrchestrationFailed:    "#e01e5a",
}

// levelRank orders filter levels from narrowest to broadest so a configured
// level also admits every tier it's broader than (errors-only admits only
// errors; all-major-events admits everything).
var levelRank = map[Level]int{
	LevelErrorsOnly:       0,
	LevelStageTransitions: 1,
	LevelAllMajorEvents:   2,
}

// Event is one notification to render and deliver.
type Event struct {
	Kind     Kind
	Title    string
	Text     string
	URL      string
	Ticket   int
	Fields   map[string]string
	LogPath  string // non-empty for critical-error attachments
}

// Config controls delivery.
type Config struct {
	WebhookURL string
	Level      Level
	Mentions   []string
}

// Notifier delivers Events to a Slack incoming webhook, filtered by
// Config.Level. Delivery failures are logged, never returned to the caller.
type Notifier struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger
}

// New builds a Notifier. An empty WebhookURL makes every Notify a no-op
// (useful for tests and for running without a configured provider).
func New(cfg Config, log *logger.Logger) *Notifier {
	if cfg.Level == "" {
		cfg.Level = LevelAllMajorEvents
	}
	return &Notifier{cfg: cfg, http: &http.Client{Timeout: 10 * time.Second}, log: log}
}

// Notify renders and delivers ev if its tier passes the configured filter
// level. Errors are logged and swallowed — notification delivery never
// fails an orchestration.
func (n *Notifier) Notify(ctx context.Context, ev Event) {
	if n.cfg.WebhookURL == "" {
		return
	}
	if !n.admits(ev.Kind) {
		return
	}

	msg := n.render(ev)
	var err error
	if ev.LogPath != "" {
		err = n.sendWithAttachment(ctx, msg, ev.LogPath)
	} else {
		err = slack.PostWebhookContext(ctx, n.cfg.WebhookURL, msg)
	}
	if err != nil && n.log != nil {
		n.log.WithError(err).Warn("notification delivery failed")
	}
}

func (n *Notifier) admits(kind Kind) bool {
	tier, known := kindTier[kind]
	if !known {
		tier = LevelAllMajorEvents
	}
	return levelRank[n.cfg.Level] >= levelRank[tier]
}

func (n *Notifier) render(ev Event) *slack.WebhookMessage {
	fields := make([]slack.AttachmentField, 0, len(ev.Fields))
	for k, v := range ev.Fields {
		fields = append(fields, slack.AttachmentField{Title: k, Value: v, Short: true})
	}

	text := ev.Text
	if len(n.cfg.Mentions) > 0 {
		for _, role := range n.cfg.Mentions {
			text += " " + role
		}
	}

	att := slack.Attachment{
		Color:     kindColor[ev.Kind],
		Title:     ev.Title,
		TitleLink: ev.URL,
		Text:      text,
		Fields:    fields,
		Footer:    fmt.Sprintf("issue #%d", ev.Ticket),
	}
	return &slack.WebhookMessage{Attachments: []slack.Attachment{att}}
}

// sendWithAttachment delivers msg's text as the leading multipart field and
// attaches the file at logPath, used for critical-error reports that should
// carry the current log snapshot. Slack's incoming webhooks don't accept
// file uploads directly, so this posts a multipart request to the same
// webhook URL carrying the rendered JSON payload plus the file — providers
// that reject the extra part still receive the JSON text in the first field.
func (n *Notifier) sendWithAttachment(ctx context.Context, msg *slack.WebhookMessage, logPath string) error {
	f, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("open log snapshot: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	payload, err := payloadJSON(msg)
	if err != nil {
		return err
	}
	if err := w.WriteField("payload", payload); err != nil {
		return err
	}

	part, err := w.CreateFormFile("file", filepath.Base(logPath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifier attachment post: status %d", resp.StatusCode)
	}
	return nil
}

func payloadJSON(msg *slack.WebhookMessage) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal notification payload: %w", err)
	}
	return string(b), nil
}

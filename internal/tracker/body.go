package tracker

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	blockBegin       = "<!-- ORCH:BEGIN -->"
	blockEnd         = "<!-- ORCH:END -->"
	statusTableBegin = "<!-- ORCH:STATUS:BEGIN -->"
	statusTableEnd   = "<!-- ORCH:STATUS:END -->"
	blockHeading     = "## Orchestration"
)

var blockPattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(blockBegin) + `.*?` + regexp.QuoteMeta(blockEnd))
var statusTablePattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(statusTableBegin) + `.*?` + regexp.QuoteMeta(statusTableEnd))

// Spec is the Architect agent's output, parsed per §4.11 step 1.
type Spec struct {
	Requirements      string
	AcceptanceCriteria string
	TechnicalApproach string
	EdgeCases         string
	Dependencies      string
	Complexity        string
}

// PlanTaskRef pins a task id to the sub-ticket number it was created under.
type PlanTaskRef struct {
	TaskID    string
	Title     string
	SubTicket int
}

// PlanSummary is the compact plan rendering embedded in the orchestration
// block: counts and per-task titles with sub-ticket numbers, not the full
// task bodies.
type PlanSummary struct {
	ImplementationTasks []PlanTaskRef
	TestTasks           []PlanTaskRef
}

// ParseBody splits a master ticket body into the user's original request
// and the orchestration block, reporting whether a block was present.
func ParseBody(raw string) (originalRequest string, block string, present bool) {
	loc := blockPattern.FindStringIndex(raw)
	if loc == nil {
		return strings.TrimSpace(raw), "", false
	}
	block = raw[loc[0]:loc[1]]
	original := raw[:loc[0]] + raw[loc[1]:]
	return strings.TrimSpace(original), block, true
}

// Build renders a full orchestration block: a fixed heading, the
// specification, the original request quoted back, a plan summary, and the
// live status table, in that order. The region outside blockBegin/blockEnd
// is left to the caller to splice back in around the returned block.
func Build(spec Spec, originalRequest string, plan PlanSummary, statusTable string) string {
	var b strings.Builder

	b.WriteString(blockBegin)
	b.WriteString("\n")
	b.WriteString(blockHeading)
	b.WriteString("\n\n")

	b.WriteString("### Specification\n\n")
	fmt.Fprintf(&b, "**Requirements:** %s\n\n", spec.Requirements)
	fmt.Fprintf(&b, "**Acceptance criteria:** %s\n\n", spec.AcceptanceCriteria)
	fmt.Fprintf(&b, "**Technical approach:** %s\n\n", spec.TechnicalApproach)
	if spec.EdgeCases != "" {
		fmt.Fprintf(&b, "**Edge cases:** %s\n\n", spec.EdgeCases)
	}
	if spec.Dependencies != "" {
		fmt.Fprintf(&b, "**Dependencies:** %s\n\n", spec.Dependencies)
	}
	if spec.Complexity != "" {
		fmt.Fprintf(&b, "**Complexity:** %s\n\n", spec.Complexity)
	}

	b.WriteString("### Original Request\n\n")
	for _, line := range strings.Split(strings.TrimSpace(originalRequest), "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString("### Plan\n\n")
	fmt.Fprintf(&b, "Implementation tasks: %d\n", len(plan.ImplementationTasks))
	for _, t := range plan.ImplementationTasks {
		fmt.Fprintf(&b, "- #%d %s\n", t.SubTicket, t.Title)
	}
	fmt.Fprintf(&b, "\nTest tasks: %d\n", len(plan.TestTasks))
	for _, t := range plan.TestTasks {
		fmt.Fprintf(&b, "- #%d %s\n", t.SubTicket, t.Title)
	}
	b.WriteString("\n")

	b.WriteString(statusTableBegin)
	b.WriteString("\n")
	b.WriteString(statusTable)
	b.WriteString("\n")
	b.WriteString(statusTableEnd)
	b.WriteString("\n")
	b.WriteString(blockEnd)

	return b.String()
}

// UpdateStatusTable replaces only the status-table subregion of body,
// leaving everything outside it byte-identical. If body has no status
// table markers, it is returned unchanged.
func UpdateStatusTable(body string, statusTable string) string {
	replacement := statusTableBegin + "\n" + statusTable + "\n" + statusTableEnd
	return statusTablePattern.ReplaceAllLiteralString(body, replacement)
}

// StatusEmoji maps a sub-ticket sub-state to the emoji used in the status
// table.
func StatusEmoji(subState string) string {
	switch subState {
	case "pending":
		return "⏳"
	case "in-progress":
		return "🔄"
	case "agent-complete":
		return "✅"
	case "test-failed":
		return "🔺"
	case "failed":
		return "❌"
	case "max-attempts-reached":
		return "🛑"
	default:
		return "❔"
	}
}

// StatusRow is one row of the master ticket's live status table.
type StatusRow struct {
	SubTicket     int
	Title         string
	SubState      string
	AgentMessage  string
	ToolsUsed     int
	RetryCount    int
	LastRetryAt   time.Time
	IsTest        bool
	FixAttempt    int // 0 when no fix attempt is in progress
	MaxAttempts   int
}

// RenderStatusTable renders rows as a Markdown table. Test rows additionally
// show "k/10" fix-attempt progress with a distinct emoji once k > 0, and a
// "max" marker once the cap is reached.
func RenderStatusTable(rows []StatusRow) string {
	var b strings.Builder
	b.WriteString("| Status | Sub-ticket | Latest message | Tools | Retries | Last retry | Attempts |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for _, r := range rows {
		emoji := StatusEmoji(r.SubState)
		attempts := ""
		if r.IsTest && r.FixAttempt > 0 {
			emoji = "🔁"
			attempts = fmt.Sprintf("%d/%d", r.FixAttempt, r.MaxAttempts)
			if r.SubState == "max-attempts-reached" {
				attempts += " (max)"
			}
		}
		lastRetry := "-"
		if !r.LastRetryAt.IsZero() {
			lastRetry = formatAge(r.LastRetryAt)
		}
		fmt.Fprintf(&b, "| %s | #%d %s | %s | %d | %d | %s | %s |\n",
			emoji, r.SubTicket, r.Title, truncate(r.AgentMessage, 50),
			r.ToolsUsed, r.RetryCount, lastRetry, attempts)
	}
	return b.String()
}

func formatAge(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

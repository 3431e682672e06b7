package tracker

import (
	"strings"
	"testing"
	"time"
)

func TestFormatMarkersThenParseMarkers_RoundTrips(t *testing.T) {
	want := Progress{
		AgentMessage:  "running tests",
		ToolsUsed:     4,
		RetryCount:    2,
		LastRetryTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	rendered := FormatMarkers(want)
	got := ParseMarkers("some text around it\n" + rendered + "\nmore text")

	if got != want {
		t.Errorf("ParseMarkers() = %+v, want %+v", got, want)
	}
}

func TestProgress_MergeOnlyOverwritesSetFields(t *testing.T) {
	base := Progress{AgentMessage: "first", ToolsUsed: 1, RetryCount: 0}
	patch := Progress{ToolsUsed: 2}

	merged := base.Merge(patch)

	if merged.AgentMessage != "first" {
		t.Errorf("AgentMessage = %q, want unchanged", merged.AgentMessage)
	}
	if merged.ToolsUsed != 2 {
		t.Errorf("ToolsUsed = %d, want 2", merged.ToolsUsed)
	}
}

func TestParseMarkers_IgnoresUnrelatedComments(t *testing.T) {
	got := ParseMarkers("<!-- unrelated: value -->\n<!-- tools-used: 3 -->")
	if got.ToolsUsed != 3 {
		t.Errorf("ToolsUsed = %d, want 3", got.ToolsUsed)
	}
}

func TestReplaceMarkers_ReplacesRatherThanAccumulates(t *testing.T) {
	body := "Implement the widget.\n\n" + FormatMarkers(Progress{AgentMessage: "starting", ToolsUsed: 1})

	updated := ReplaceMarkers(body, Progress{AgentMessage: "done", ToolsUsed: 3})

	if strings.Count(updated, "tools-used") != 1 {
		t.Errorf("updated body = %q, want exactly one tools-used marker", updated)
	}
	got := ParseMarkers(updated)
	if got.AgentMessage != "done" || got.ToolsUsed != 3 {
		t.Errorf("ParseMarkers(updated) = %+v, want agent-message=done tools-used=3", got)
	}
	if !strings.Contains(updated, "Implement the widget.") {
		t.Errorf("updated body lost the original text: %q", updated)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 50); got != "short" {
		t.Errorf("truncate() = %q, want unchanged", got)
	}
	long := "123456789012345678901234567890123456789012345678901234567890"
	got := truncate(long, 50)
	if len([]rune(got)) != 51 { // 50 chars + ellipsis rune
		t.Errorf("truncate() length = %d, want 51", len([]rune(got)))
	}
}

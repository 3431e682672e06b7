package tracker

import (
	"testing"
	"time"

	"github.com/google/go-github/v74/github"
)

func TestConvertIssue(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw := &github.Issue{
		Number:    github.Ptr(7),
		Title:     github.Ptr("add dark mode"),
		Body:      github.Ptr("please add dark mode"),
		HTMLURL:   github.Ptr("https://example.invalid/issues/7"),
		CreatedAt: &github.Timestamp{Time: created},
		UpdatedAt: &github.Timestamp{Time: created},
		Labels: []*github.Label{
			{Name: github.Ptr("queue")},
			{Name: github.Ptr("master-1")},
		},
	}

	issue := convertIssue(raw)

	if issue.Number != 7 {
		t.Errorf("Number = %d, want 7", issue.Number)
	}
	if !issue.HasLabel("queue") || !issue.HasLabel("master-1") {
		t.Errorf("Labels = %v, missing expected labels", issue.Labels)
	}
	if issue.HasLabel("processing") {
		t.Error("unexpected label present")
	}
	if !issue.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", issue.CreatedAt, created)
	}
}

func TestIssue_HasLabel(t *testing.T) {
	issue := &Issue{Labels: []string{"queue", "processing"}}
	if !issue.HasLabel("processing") {
		t.Error("expected HasLabel(processing) = true")
	}
	if issue.HasLabel("missing") {
		t.Error("expected HasLabel(missing) = false")
	}
}

package tracker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"

	"github.com/kandev/pipeflow/internal/resilience"
)

// GitHubClient implements Client against the real GitHub REST API via
// google/go-github, guarded by a circuit breaker so a run of 5xx responses
// fails fast instead of retrying into a dependency that is already down.
type GitHubClient struct {
	gh      *github.Client
	breaker *resilience.Breaker
}

// NewGitHubClient builds a Client authenticated with token (a personal
// access token or GitHub App installation token read from the environment,
// per spec §6 "an authentication token for the tracker must be present in
// the environment").
func NewGitHubClient(token string) *GitHubClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	return &GitHubClient{
		gh:      github.NewClient(httpClient),
		breaker: resilience.NewBreaker(resilience.BreakerConfig{Name: "tracker"}),
	}
}

func (c *GitHubClient) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.breaker.Execute(ctx, fn)
}

func (c *GitHubClient) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var issue *Issue
	err := c.call(ctx, func(ctx context.Context) error {
		raw, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
		if err != nil {
			return fmt.Errorf("get issue #%d: %w", number, err)
		}
		issue = convertIssue(raw)
		return nil
	})
	return issue, err
}

func (c *GitHubClient) ListOpenWithLabel(ctx context.Context, owner, repo, label string) ([]*Issue, error) {
	var issues []*Issue
	err := c.call(ctx, func(ctx context.Context) error {
		opts := &github.IssueListByRepoOptions{
			State:       "open",
			Labels:      []string{label},
			ListOptions: github.ListOptions{PerPage: 100},
		}
		var all []*Issue
		for {
			page, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
			if err != nil {
				return fmt.Errorf("list open issues with label %q: %w", label, err)
			}
			for _, raw := range page {
				if raw.IsPullRequest() {
					continue
				}
				all = append(all, convertIssue(raw))
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		issues = all
		return nil
	})
	return issues, err
}

func (c *GitHubClient) AddLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return c.call(ctx, func(ctx context.Context) error {
		_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, repo, number, []string{label})
		if err != nil {
			return fmt.Errorf("add label %q to #%d: %w", label, number, err)
		}
		return nil
	})
}

func (c *GitHubClient) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return c.call(ctx, func(ctx context.Context) error {
		resp, err := c.gh.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil
			}
			return fmt.Errorf("remove label %q from #%d: %w", label, number, err)
		}
		return nil
	})
}

func (c *GitHubClient) UpdateBody(ctx context.Context, owner, repo string, number int, body string) error {
	return c.call(ctx, func(ctx context.Context) error {
		_, _, err := c.gh.Issues.Edit(ctx, owner, repo, number, &github.IssueRequest{Body: &body})
		if err != nil {
			return fmt.Errorf("update body of #%d: %w", number, err)
		}
		return nil
	})
}

func (c *GitHubClient) CreateIssue(ctx context.Context, owner, repo string, issue NewIssue) (*Issue, error) {
	var created *Issue
	err := c.call(ctx, func(ctx context.Context) error {
		raw, _, err := c.gh.Issues.Create(ctx, owner, repo, &github.IssueRequest{
			Title:  &issue.Title,
			Body:   &issue.Body,
			Labels: &issue.Labels,
		})
		if err != nil {
			return fmt.Errorf("create issue %q: %w", issue.Title, err)
		}
		created = convertIssue(raw)
		return nil
	})
	return created, err
}

func (c *GitHubClient) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	return c.call(ctx, func(ctx context.Context) error {
		_, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: &body})
		if err != nil {
			return fmt.Errorf("comment on #%d: %w", number, err)
		}
		return nil
	})
}

func (c *GitHubClient) ListComments(ctx context.Context, owner, repo string, number int) ([]Comment, error) {
	var comments []Comment
	err := c.call(ctx, func(ctx context.Context) error {
		opts := &github.IssueListCommentsOptions{
			Sort:        github.Ptr("created"),
			Direction:   github.Ptr("asc"),
			ListOptions: github.ListOptions{PerPage: 100},
		}
		var all []Comment
		for {
			page, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, number, opts)
			if err != nil {
				return fmt.Errorf("list comments on #%d: %w", number, err)
			}
			for _, raw := range page {
				all = append(all, Comment{
					ID:        raw.GetID(),
					Body:      raw.GetBody(),
					CreatedAt: raw.GetCreatedAt().Time,
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		comments = all
		return nil
	})
	return comments, err
}

func (c *GitHubClient) CreateChangeRequest(ctx context.Context, owner, repo string, cr ChangeRequest) (*ChangeRequestResult, error) {
	var result *ChangeRequestResult
	err := c.call(ctx, func(ctx context.Context) error {
		pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
			Title: &cr.Title,
			Body:  &cr.Body,
			Base:  &cr.Base,
			Head:  &cr.Head,
		})
		if err != nil {
			return fmt.Errorf("create change request %q: %w", cr.Title, err)
		}
		result = &ChangeRequestResult{Number: pr.GetNumber(), HTMLURL: pr.GetHTMLURL()}
		if len(cr.Labels) > 0 {
			if _, _, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, repo, pr.GetNumber(), cr.Labels); err != nil {
				return fmt.Errorf("label change request #%d: %w", pr.GetNumber(), err)
			}
		}
		return nil
	})
	return result, err
}

func (c *GitHubClient) CloseIssue(ctx context.Context, owner, repo string, number int) error {
	return c.call(ctx, func(ctx context.Context) error {
		closed := "closed"
		_, _, err := c.gh.Issues.Edit(ctx, owner, repo, number, &github.IssueRequest{State: &closed})
		if err != nil {
			return fmt.Errorf("close issue #%d: %w", number, err)
		}
		return nil
	})
}

func convertIssue(raw *github.Issue) *Issue {
	labels := make([]string, 0, len(raw.Labels))
	for _, l := range raw.Labels {
		labels = append(labels, l.GetName())
	}
	return &Issue{
		Number:    raw.GetNumber(),
		Title:     raw.GetTitle(),
		Body:      raw.GetBody(),
		Labels:    labels,
		HTMLURL:   raw.GetHTMLURL(),
		CreatedAt: raw.GetCreatedAt().Time,
		UpdatedAt: raw.GetUpdatedAt().Time,
	}
}

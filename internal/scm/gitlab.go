package scm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	gitlab "github.com/xanzy/go-gitlab"
)

// DefaultTokenEnv holds the GitLab token when no other variable is configured.
const DefaultTokenEnv = "GITLAB_PRIVATE_TOKEN"

// DefaultStatusName is the commit status name shown in GitLab.
const DefaultStatusName = "pipelines/test"

// GitLabReporter publishes commit statuses to a GitLab project.
type GitLabReporter struct {
	client  *gitlab.Client
	project string
	name    string
}

// NewGitLabReporter creates a reporter for project on the GitLab instance at
// baseURL. The token is read from tokenEnv, or GITLAB_PRIVATE_TOKEN when
// tokenEnv is empty.
func NewGitLabReporter(baseURL, project, tokenEnv, name string) (*GitLabReporter, error) {
	if tokenEnv == "" {
		tokenEnv = DefaultTokenEnv
	}
	token := os.Getenv(tokenEnv)
	if token == "" {
		return nil, fmt.Errorf("%s environment variable is required", tokenEnv)
	}

	client, err := gitlab.NewClient(token, gitlab.WithBaseURL(apiURL(baseURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create GitLab client: %w", err)
	}

	return newGitLabReporter(client, project, name), nil
}

func newGitLabReporter(client *gitlab.Client, project, name string) *GitLabReporter {
	if name == "" {
		name = DefaultStatusName
	}
	return &GitLabReporter{client: client, project: project, name: name}
}

// apiURL appends the v4 API path unless baseURL already carries it.
func apiURL(baseURL string) string {
	trimmed := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(trimmed, "/api/v4") {
		return trimmed
	}
	return trimmed + "/api/v4"
}

func buildState(state State) (gitlab.BuildStateValue, error) {
	switch state {
	case StatePending:
		return gitlab.Pending, nil
	case StateRunning:
		return gitlab.Running, nil
	case StateSuccess:
		return gitlab.Success, nil
	case StateFailed:
		return gitlab.Failed, nil
	default:
		return "", fmt.Errorf("unsupported commit status state %q", state)
	}
}

// ReportStatus sets the commit status for status.Revision.
func (g *GitLabReporter) ReportStatus(ctx context.Context, status Status) error {
	if status.Revision.Commit == "" {
		return fmt.Errorf("cannot report status without a commit")
	}

	state, err := buildState(status.State)
	if err != nil {
		return err
	}

	name := status.Name
	if name == "" {
		name = g.name
	}

	opts := &gitlab.SetCommitStatusOptions{
		State: state,
		Name:  gitlab.String(name),
	}
	if status.Revision.Branch != "" {
		opts.Ref = gitlab.String(status.Revision.Branch)
	}
	if status.Description != "" {
		opts.Description = gitlab.String(status.Description)
	}

	slog.Info("Reporting commit status", "project", g.project, "commit", status.Revision.Short(), "state", status.State)

	if _, _, err := g.client.Commits.SetCommitStatus(g.project, status.Revision.Commit, opts, gitlab.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to set GitLab commit status: %w", err)
	}
	return nil
}

// Package vcsprovider is the HTTP client for the version-control host: it
// fetches commit and pull-request diffs, pulls CI job logs, and posts
// review comments. Rate-limit responses surface as a dedicated error kind
// carrying the upstream reset timestamp.
package vcsprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/meridianctl/agentctl/internal/apierr"
	"github.com/meridianctl/agentctl/internal/config"
)

// Provider is the version-control host surface the control plane consumes.
type Provider interface {
	GetCommitDiff(ctx context.Context, owner, repo, sha string) (string, error)
	GetPullRequestDiff(ctx context.Context, owner, repo string, number int) (string, error)
	GetCheckRunLogs(ctx context.Context, owner, repo string, jobID int64) (string, error)
	PostPullRequestComment(ctx context.Context, owner, repo string, number int, body string) error
	PostCommitComment(ctx context.Context, owner, repo, sha, body string) error
}

const requestTimeout = 30 * time.Second

// Client talks to a GitHub-compatible REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a Client from cfg.
func NewClient(cfg config.VCSProviderConfig) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// GetCommitDiff fetches the unified diff of a single commit.
func (c *Client) GetCommitDiff(ctx context.Context, owner, repo, sha string) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s", owner, repo, sha)
	return c.getRaw(ctx, path, "application/vnd.github.v3.diff")
}

// GetPullRequestDiff fetches the cumulative diff of a pull request.
func (c *Client) GetPullRequestDiff(ctx context.Context, owner, repo string, number int) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	return c.getRaw(ctx, path, "application/vnd.github.v3.diff")
}

// GetCheckRunLogs fetches the raw log output of one CI job. Hosts that
// serve logs as rendered HTML pages are normalized to plain text.
func (c *Client) GetCheckRunLogs(ctx context.Context, owner, repo string, jobID int64) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/jobs/%d/logs", owner, repo, jobID)
	raw, err := c.getRaw(ctx, path, "")
	if err != nil {
		return "", err
	}
	return NormalizeLogs(raw), nil
}

// PostPullRequestComment posts a review comment on a pull request.
func (c *Client) PostPullRequestComment(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	return c.postJSON(ctx, path, map[string]string{"body": body})
}

// PostCommitComment posts a review comment directly on a commit.
func (c *Client) PostCommitComment(ctx context.Context, owner, repo, sha, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/comments", owner, repo, sha)
	return c.postJSON(ctx, path, map[string]string{"body": body})
}

func (c *Client) getRaw(ctx context.Context, path, accept string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("build GET %s: %w", path, err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &apierr.ProviderError{Provider: "vcs", Cause: err}
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, path); err != nil {
		return "", err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &apierr.ProviderError{Provider: "vcs", Cause: fmt.Errorf("read GET %s response: %w", path, err)}
	}
	return string(data), nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal POST %s body: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build POST %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &apierr.ProviderError{Provider: "vcs", Cause: err}
	}
	defer resp.Body.Close()

	return c.checkStatus(resp, path)
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// checkStatus converts non-success responses into provider errors. A 403
// with an exhausted X-RateLimit-Remaining is the host's rate limiter, not
// an authorization failure, and carries the upstream reset timestamp.
func (c *Client) checkStatus(resp *http.Response, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	rateLimited := resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0")
	if rateLimited {
		var resetAt time.Time
		if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
			if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
				resetAt = time.Unix(secs, 0)
			}
		}
		return &apierr.ProviderError{
			Provider: "vcs",
			Cause:    &apierr.ProviderRateLimitError{Provider: "vcs", ResetAt: resetAt},
		}
	}

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &apierr.ProviderError{
		Provider: "vcs",
		Cause:    fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, payload),
	}
}

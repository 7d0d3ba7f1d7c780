// Package agentprovider is the HTTP client for the external service that
// actually runs AI coding agents. The control plane only ever creates
// agents, polls their status, and lists available sources; it never
// executes code itself.
package agentprovider

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
	"github.com/meridianctl/agentctl/pkg/types"
)

// Provider is the external agent-running service surface. Implementations must
// be safe for concurrent use; the Cascade Engine dispatches jobs in
// parallel through a single instance.
type Provider interface {
	CreateAgent(ctx context.Context, req types.CreateAgentRequest) (*types.CreateAgentResponse, error)
	GetAgent(ctx context.Context, id string) (*types.AgentState, error)
	ListSources(ctx context.Context) ([]Source, error)
}

// Source is one repository the provider can run agents against.
type Source struct {
	ID   string `json:"id"`
	Repo string `json:"repo"`
}

const requestTimeout = 60 * time.Second

// Client talks to the Agent Provider's REST surface with a single API key
// header.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a Client from cfg.
func NewClient(cfg config.AgentProviderConfig) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// CreateAgent asks the provider to spin up a new agent. The provider
// responds with the agent's ID and a URL the operator can watch.
func (c *Client) CreateAgent(ctx context.Context, req types.CreateAgentRequest) (*types.CreateAgentResponse, error) {
	var resp types.CreateAgentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/agents", req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, &apierr.ProviderError{Provider: "agent", Cause: fmt.Errorf("createAgent returned no id")}
	}
	return &resp, nil
}

// GetAgent polls one agent's status.
func (c *Client) GetAgent(ctx context.Context, id string) (*types.AgentState, error) {
	var state types.AgentState
	if err := c.do(ctx, http.MethodGet, "/v1/agents/"+id, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// ListSources lists the repositories the provider can work against.
func (c *Client) ListSources(ctx context.Context) ([]Source, error) {
	var out struct {
		Sources []Source `json:"sources"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sources", nil, &out); err != nil {
		return nil, err
	}
	return out.Sources, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &apierr.ProviderError{Provider: "agent", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &apierr.ProviderError{
			Provider: "agent",
			Cause:    &apierr.ProviderRateLimitError{Provider: "agent", ResetAt: parseRateLimitReset(resp)},
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apierr.ProviderError{
			Provider: "agent",
			Cause:    fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, payload),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &apierr.ProviderError{Provider: "agent", Cause: fmt.Errorf("decode %s %s response: %w", method, path, err)}
		}
	}
	return nil
}

func parseRateLimitReset(resp *http.Response) time.Time {
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(secs, 0)
		}
	}
	return time.Time{}
}

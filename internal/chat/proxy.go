package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProxyClient talks to the durable streaming proxy's session API.
type ProxyClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// ProxyConfig configures the proxy client.
type ProxyConfig struct {
	// URL is the proxy base URL.
	URL string `mapstructure:"proxy_url"`

	// Token is the bearer token sent with every request, when set.
	Token string `mapstructure:"proxy_token"`

	// RequestTimeout bounds each proxy call.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// sessionResource is the body for session creation.
type sessionResource struct {
	Title string `json:"title,omitempty"`
}

// agentDescriptor registers an agent endpoint with a proxy session.
type agentDescriptor struct {
	Provider string `json:"provider"`
	Cwd      string `json:"cwd"`
	PaneID   string `json:"pane_id,omitempty"`
	TabID    string `json:"tab_id,omitempty"`
}

// NewProxyClient creates a proxy client.
func NewProxyClient(cfg ProxyConfig) *ProxyClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ProxyClient{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
	}
}

// CreateSession creates (or updates) the proxy-side session resource.
// PUT /v1/sessions/{id}
func (c *ProxyClient) CreateSession(ctx context.Context, sessionID, title string) error {
	return c.do(ctx, http.MethodPut, "/v1/sessions/"+sessionID, sessionResource{Title: title})
}

// RegisterAgent registers an agent endpoint descriptor with the session.
// POST /v1/sessions/{id}/agents
func (c *ProxyClient) RegisterAgent(ctx context.Context, sessionID string, req StartRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/agents", agentDescriptor{
		Provider: req.Provider,
		Cwd:      req.Cwd,
		PaneID:   req.PaneID,
		TabID:    req.TabID,
	})
}

// Stop requests the proxy stop current work for the session without tearing
// it down. POST /v1/sessions/{id}/stop
func (c *ProxyClient) Stop(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/stop", nil)
}

// DeleteSession deletes the proxy-side session resource.
// DELETE /v1/sessions/{id}
func (c *ProxyClient) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+sessionID, nil)
}

func (c *ProxyClient) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("proxy request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("proxy returned %d for %s %s: %s",
			resp.StatusCode, method, path, strings.TrimSpace(string(detail)))
	}
	return nil
}

// Package session is the HTTP client for the remote session service that
// hosts agent sessions. All mutating calls carry a caller-supplied
// idempotency key so crash-retry never duplicates a remote effect.
package session

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

type CreateSessionRequest struct {
	OrganizationID  string   `json:"organizationId"`
	AutomationID    string   `json:"automationId"`
	ConfigurationID string   `json:"configurationId,omitempty"`
	RepoIDs         []string `json:"repoIds,omitempty"`
	ModelID         string   `json:"modelId,omitempty"`
}

type PostMessageRequest struct {
	Content        string `json:"content"`
	UserID         string `json:"userId,omitempty"`
	IdempotencyKey string `json:"-"`
}

// Status is the session service's view of a session. SandboxAlive is nil
// when the provider cannot report liveness.
type Status struct {
	State        string `json:"state"`
	Status       string `json:"status,omitempty"`
	SandboxID    string `json:"sandboxId,omitempty"`
	SandboxAlive *bool  `json:"sandboxAlive"`
	Reason       string `json:"reason,omitempty"`
}

const (
	StateRunning    = "running"
	StateTerminated = "terminated"
)

type Service interface {
	CreateSession(ctx context.Context, req CreateSessionRequest, idempotencyKey string) (string, error)
	PostMessage(ctx context.Context, sessionID string, req PostMessageRequest) error
	GetSessionStatus(ctx context.Context, sessionID string) (*Status, error)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL string, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest, idempotencyKey string) (string, error) {
	var parsed struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.post(ctx, "/sessions", req, idempotencyKey, &parsed); err != nil {
		return "", err
	}
	if parsed.SessionID == "" {
		return "", fmt.Errorf("session service returned no session id")
	}
	return parsed.SessionID, nil
}

func (c *Client) PostMessage(ctx context.Context, sessionID string, req PostMessageRequest) error {
	path := fmt.Sprintf("/sessions/%s/messages", sessionID)
	return c.post(ctx, path, req, req.IdempotencyKey, nil)
}

func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (*Status, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/sessions/%s/status", c.baseURL, sessionID), nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq, "")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, responseError(resp)
	}
	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) post(ctx context.Context, path string, body any, idempotencyKey string, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	c.setHeaders(req, idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, idempotencyKey string) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("session service request failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
}

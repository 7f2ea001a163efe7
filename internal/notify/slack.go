// Package notify delivers terminal-run notifications to Slack, deduplicated
// through the side-effect ledger so retried outbox items never double-post.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SlackAPI is the subset of the Slack Web API the dispatcher needs.
type SlackAPI interface {
	PostMessage(ctx context.Context, channelID string, text string) error
	OpenDM(ctx context.Context, userID string) (string, error)
}

type SlackClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewSlackClient(baseURL string, token string) *SlackClient {
	return &SlackClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type slackResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
}

func (c *SlackClient) PostMessage(ctx context.Context, channelID string, text string) error {
	_, err := c.call(ctx, "chat.postMessage", map[string]string{
		"channel": channelID,
		"text":    text,
	})
	return err
}

// OpenDM resolves a user id to a direct-message channel id.
func (c *SlackClient) OpenDM(ctx context.Context, userID string) (string, error) {
	resp, err := c.call(ctx, "conversations.open", map[string]string{
		"users": userID,
	})
	if err != nil {
		return "", err
	}
	if resp.Channel.ID == "" {
		return "", fmt.Errorf("slack conversations.open returned no channel id")
	}
	return resp.Channel.ID, nil
}

func (c *SlackClient) call(ctx context.Context, method string, body map[string]string) (*slackResponse, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("slack %s: status %d", method, httpResp.StatusCode)
	}
	var resp slackResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("slack %s: %s", method, resp.Error)
	}
	return &resp, nil
}

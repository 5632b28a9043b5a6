// Package gateway is the HTTP client for the response backend. The backend
// generates reply options and owns the persistent approval records; this
// client only forwards traffic and submits decisions.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no pending approval record exists for a group
// message id. Such votes cannot be correlated and are dropped by the caller.
var ErrNotFound = errors.New("pending approval not found")

// Client talks to the backend over JSON/HTTP. All calls carry the client's
// request timeout as an upper bound; nothing is retried here.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   *slog.Logger
}

func NewClient(base, token string, timeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: timeout},
		log:   log,
	}
}

// DirectResult is the backend's answer to a forwarded direct message.
type DirectResult struct {
	InternalMessageID int64 `json:"internalMessageId"`
	OptionsCount      int   `json:"generatedOptionsCount"`
}

// ForwardDirectMessage hands a direct message to the backend for response
// generation.
func (c *Client) ForwardDirectMessage(ctx context.Context, sender, text string) (*DirectResult, error) {
	var out DirectResult
	err := c.postJSON(ctx, "/api/messages/inbound", map[string]any{
		"sender": sender,
		"text":   text,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("forward direct message: %w", err)
	}
	return &out, nil
}

// ForwardTeamChat hands team-group chat to the backend (chat-only, no option
// generation) and returns the backend's immediate reply, if any.
func (c *Client) ForwardTeamChat(ctx context.Context, sender, text string) (string, error) {
	var out struct {
		Reply string `json:"reply"`
	}
	err := c.postJSON(ctx, "/api/team/chat", map[string]any{
		"sender": sender,
		"text":   text,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("forward team chat: %w", err)
	}
	return out.Reply, nil
}

// MirrorTeamChat forwards team-group text for display only. Fire-and-forget:
// failures are logged and swallowed.
func (c *Client) MirrorTeamChat(ctx context.Context, sender, text string) {
	err := c.postJSON(ctx, "/api/team/mirror", map[string]any{
		"sender": sender,
		"text":   text,
	}, nil)
	if err != nil {
		c.log.Debug("team chat mirror failed", "err", err)
	}
}

// PendingApproval is the externally owned correlation record for a dispatched
// approval request.
type PendingApproval struct {
	MessageID      *int64 `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// ResolvePendingApproval looks up the pending approval for a group message
// id. Returns ErrNotFound when the backend has no matching record.
func (c *Client) ResolvePendingApproval(ctx context.Context, groupMessageID string) (*PendingApproval, error) {
	u := "/api/approvals/pending?groupMessageId=" + url.QueryEscape(groupMessageID)
	var out PendingApproval
	status, err := c.do(ctx, http.MethodGet, u, nil, &out)
	if err != nil {
		return nil, fmt.Errorf("resolve pending approval: %w", err)
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("resolve pending approval: backend returned %d", status)
	}
	return &out, nil
}

// DecisionPayload is a canonical approval decision ready for submission.
// Exactly one of MessageID/EmailThreadID and one of OptionIndex/Action is set.
type DecisionPayload struct {
	MessageID     *int64 `json:"messageId,omitempty"`
	EmailThreadID string `json:"emailThreadId,omitempty"`
	OptionIndex   *int   `json:"optionIndex,omitempty"`
	Action        string `json:"action,omitempty"`
}

// SubmitDecision delivers an approval decision to the backend.
func (c *Client) SubmitDecision(ctx context.Context, d DecisionPayload) (bool, error) {
	var out struct {
		Accepted bool `json:"accepted"`
	}
	if err := c.postJSON(ctx, "/api/approvals/decision", d, &out); err != nil {
		return false, fmt.Errorf("submit decision: %w", err)
	}
	return out.Accepted, nil
}

// Healthy reports whether the backend answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	status, err := c.do(ctx, http.MethodGet, "/api/health", nil, nil)
	return err == nil && status == http.StatusOK
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	status, err := c.do(ctx, http.MethodPost, path, body, out)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("backend returned %d", status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

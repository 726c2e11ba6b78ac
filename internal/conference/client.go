// Package conference is the HTTP client for the conferencing backend's
// call session API.
package conference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/identity"
)

// Client implements call.Backend over JSON/HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	id identity.Identity
}

var _ call.Backend = (*Client)(nil)

// NewClient creates a client authenticated as id. Per-request deadlines come
// from the caller's context.
func NewClient(baseURL string, id identity.Identity) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{},
		id:      id,
	}
}

func (c *Client) GetOrCreate(ctx context.Context, req call.CreateRequest) (call.Session, error) {
	var s call.Session
	err := c.post(ctx, req.CallID, "get-or-create", req, &s)
	return s, err
}

func (c *Client) Join(ctx context.Context, callID string, kind call.Kind) (call.Session, error) {
	var s call.Session
	err := c.post(ctx, callID, "join", map[string]string{"kind": string(kind)}, &s)
	return s, err
}

func (c *Client) Accept(ctx context.Context, callID string) error {
	return c.post(ctx, callID, "accept", nil, nil)
}

func (c *Client) Reject(ctx context.Context, callID, reason string) error {
	return c.post(ctx, callID, "reject", map[string]string{"reason": reason}, nil)
}

func (c *Client) Leave(ctx context.Context, callID string) error {
	return c.post(ctx, callID, "leave", nil, nil)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) post(ctx context.Context, callID, action string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	u := fmt.Sprintf("%s/calls/%s/%s", c.BaseURL, url.PathEscape(callID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.id.Credential())
	req.Header.Set("X-User-ID", c.id.UserID())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return statusError(action, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", action, err)
	}
	return nil
}

func statusError(action string, resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&eb)
	detail := eb.Message
	if detail == "" {
		detail = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%s: %w: %s", action, call.ErrNotFound, detail)
	case http.StatusConflict:
		if eb.Code == "busy" {
			return fmt.Errorf("%s: %w: %s", action, call.ErrRemoteBusy, detail)
		}
		return fmt.Errorf("%s: %w: %s", action, call.ErrRejected, detail)
	case http.StatusForbidden:
		return fmt.Errorf("%s: %w: %s", action, call.ErrRejected, detail)
	}
	return fmt.Errorf("%s: status %s", action, resp.Status)
}

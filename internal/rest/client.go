// Package rest fetches the paginated conversation snapshot from the backend.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/heartline/internal/chat"
	"github.com/matheus3301/heartline/internal/identity"
)

// Client is bound to one identity's credential.
type Client struct {
	BaseURL  string
	HTTP     *http.Client
	PageSize int
	MaxPages int

	id  identity.Identity
	now func() time.Time
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, id identity.Identity, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:     &http.Client{Timeout: timeout},
		PageSize: 50,
		MaxPages: 20,
		id:       id,
		now:      time.Now,
	}
}

type page struct {
	Chats    []wireChat `json:"chats"`
	NextPage *int       `json:"next_page"`
}

type wireChat struct {
	ID           string                  `json:"id"`
	CreatedAt    json.RawMessage         `json:"created_at"`
	Participants []chat.Participant      `json:"participants"`
	Messages     []chat.LiveMessageEvent `json:"messages"`
}

// FetchConversations follows next_page until it is null or MaxPages is
// reached, and returns every conversation in server order.
func (c *Client) FetchConversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	pageNo := 1
	for n := 0; n < c.MaxPages; n++ {
		p, err := c.fetchPage(ctx, pageNo)
		if err != nil {
			return nil, err
		}
		received := c.now()
		for _, wc := range p.Chats {
			out = append(out, convert(wc, received))
		}
		if p.NextPage == nil || *p.NextPage <= pageNo {
			return out, nil
		}
		pageNo = *p.NextPage
	}
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, pageNo int) (*page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(pageNo))
	q.Set("limit", strconv.Itoa(c.PageSize))
	u := c.BaseURL + "/api/chats?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.id.Credential())
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chats page %d: %w", pageNo, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{Page: pageNo, Code: resp.StatusCode}
	}
	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode chats page %d: %w", pageNo, err)
	}
	return &p, nil
}

// StatusError is a non-2xx snapshot response.
type StatusError struct {
	Page int
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch chats page %d: status %d %s", e.Page, e.Code, http.StatusText(e.Code))
}

// Unauthorized reports whether the credential was rejected.
func (e *StatusError) Unauthorized() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

func convert(wc wireChat, received time.Time) chat.Conversation {
	created, ok := chat.ParseTimestamp(wc.CreatedAt)
	if !ok {
		created = time.Time{}
	}
	conv := chat.Conversation{
		ID:           wc.ID,
		CreatedAt:    created.UTC(),
		Participants: wc.Participants,
	}
	for _, wm := range wc.Messages {
		if wm.ChatID == "" {
			wm.ChatID = wc.ID
		}
		m, err := chat.Normalize(wm, received)
		if err != nil {
			continue
		}
		conv.Messages = append(conv.Messages, m)
	}
	return conv
}

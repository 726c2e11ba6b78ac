package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/heartline/internal/chat"
	"github.com/matheus3301/heartline/internal/identity"
)

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	id, err := identity.New("me", "", "tok")
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(srv.URL+"/", id, time.Second)
}

func TestFetchConversationsFollowsPages(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/chats" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "2" {
			t.Errorf("limit = %q, want 2", got)
		}
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `{"chats":[
				{"id":"c1","created_at":"2026-05-01T09:00:00Z","participants":[{"userId":"me"},{"userId":"alice","name":"Alice"}],
				 "messages":[{"id":"m1","fromUserId":"alice","toUserId":"me","content":"hi","created_at":1777626060000,"type":"image"}]},
				{"id":"c2","created_at":1777626000000}
			],"next_page":2}`)
		case "2":
			fmt.Fprint(w, `{"chats":[{"id":"c3","created_at":"2026-05-01T10:00:00Z","messages":[{"userId":"me","content":"no id"}]}],"next_page":null}`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	})
	c.PageSize = 2

	convs, err := c.FetchConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("requests = %d, want 2", calls.Load())
	}
	if len(convs) != 3 {
		t.Fatalf("conversations = %d, want 3", len(convs))
	}
	c1 := convs[0]
	if len(c1.Participants) != 2 || c1.Participants[1].DisplayName != "Alice" {
		t.Errorf("participants = %+v", c1.Participants)
	}
	if len(c1.Messages) != 1 || c1.Messages[0].ChatID != "c1" || c1.Messages[0].Type != chat.TypeMedia {
		t.Errorf("messages = %+v", c1.Messages)
	}
	if !convs[1].CreatedAt.Equal(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("epoch created_at = %v", convs[1].CreatedAt)
	}
	if m := convs[2].Messages[0]; m.ID == "" || m.AuthorID != "me" {
		t.Errorf("derived message = %+v", m)
	}
}

func TestFetchConversationsBoundsPages(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		fmt.Fprintf(w, `{"chats":[{"id":"c%d","created_at":1}],"next_page":%d}`, n, n+1)
	})
	c.MaxPages = 3
	convs, err := c.FetchConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 || len(convs) != 3 {
		t.Errorf("requests = %d conversations = %d, want 3/3", calls.Load(), len(convs))
	}
}

func TestFetchConversationsStatusError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.FetchConversations(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || !se.Unauthorized() {
		t.Fatalf("error = %v, want unauthorized StatusError", err)
	}
}

func TestFetchConversationsMalformed(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chats":`)
	})
	if _, err := c.FetchConversations(context.Background()); err == nil {
		t.Fatal("want decode error")
	}
}

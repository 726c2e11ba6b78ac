package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/identity"
	"github.com/matheus3301/heartline/internal/status"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestWebsocketDialerAuthenticates(t *testing.T) {
	upgrader := websocket.Upgrader{}
	type authSeen struct{ header, query, user string }
	seen := make(chan authSeen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- authSeen{r.Header.Get("Authorization"), r.URL.Query().Get("userId"), r.Header.Get("X-User-ID")}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event":"connected"}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event":"private-message","data":{"id":"m1"}}`))
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	id, _ := identity.New("u-42", "", "tok")
	m := NewManager(id, WebsocketDialer{URL: wsURL(srv), HandshakeTimeout: time.Second}, fastConfig, bus.New(), nil, nil)
	defer m.Disconnect()

	got := make(chan Frame, 1)
	m.On("private-message", func(f Frame) { got <- f })
	if _, err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	a := <-seen
	if a.header != "Bearer tok" || a.query != "u-42" || a.user != "u-42" {
		t.Errorf("auth = %+v", a)
	}
	select {
	case f := <-got:
		if string(f.Data) != `{"id":"m1"}` {
			t.Errorf("data = %s", f.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not dispatched")
	}
}

func TestApplicationCloseIsServerDisconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event":"connected"}`))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "token revoked"))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := fastConfig
	cfg.MaxAttempts = 1
	id, _ := identity.New("u-1", "", "tok")
	m := NewManager(id, WebsocketDialer{URL: wsURL(srv), HandshakeTimeout: time.Second}, cfg, bus.New(), nil, nil)
	if _, err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, m, status.Disabled)
	if got := m.Info().LastError; !strings.Contains(got, "token revoked") {
		t.Errorf("last error = %q", got)
	}
}

func TestClassifyClose(t *testing.T) {
	tests := []struct {
		code       int
		disconnect bool
	}{
		{websocket.CloseNormalClosure, true},
		{websocket.ClosePolicyViolation, true},
		{4000, true},
		{4999, true},
		{websocket.CloseGoingAway, false},
		{websocket.CloseAbnormalClosure, false},
		{websocket.CloseInternalServerErr, false},
	}
	for _, tt := range tests {
		err := classifyClose(&websocket.CloseError{Code: tt.code, Text: "x"})
		if got := IsServerDisconnect(err); got != tt.disconnect {
			t.Errorf("code %d: server disconnect = %v, want %v", tt.code, got, tt.disconnect)
		}
	}
	plain := errors.New("read: connection reset")
	if classifyClose(plain) != plain {
		t.Error("non-close errors must pass through")
	}
}

func TestParseFrame(t *testing.T) {
	if _, err := ParseFrame([]byte(`{"data":{}}`)); err == nil {
		t.Error("want error for missing event")
	}
	f, err := ParseFrame([]byte(`{"event":"connected"}`))
	if err != nil || f.Event != EventConnected {
		t.Fatalf("ParseFrame() = %+v, %v", f, err)
	}
	if err := f.Decode(&struct{}{}); err == nil {
		t.Error("Decode of empty data should fail")
	}
}

package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/heartline/internal/identity"
)

// Conn is an established channel socket. ReadMessage blocks until a message
// arrives or the connection fails; Close unblocks it.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens authenticated channel sockets.
type Dialer interface {
	Dial(ctx context.Context, id identity.Identity) (Conn, error)
}

// WebsocketDialer authenticates at the transport layer: bearer credential
// and user id headers plus a userId query parameter.
type WebsocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, id identity.Identity) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse channel url: %w", err)
	}
	q := u.Query()
	q.Set("userId", id.UserID())
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+id.Credential())
	header.Set("X-User-ID", id.UserID())

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial channel: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial channel: %w", err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, classifyClose(err)
	}
	return data, nil
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

// classifyClose maps application-level close codes to DisconnectError so
// they are told apart from transport drops.
func classifyClose(err error) error {
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		return err
	}
	switch {
	case ce.Code == websocket.CloseNormalClosure,
		ce.Code == websocket.ClosePolicyViolation,
		ce.Code >= 4000 && ce.Code <= 4999:
		return &DisconnectError{Code: ce.Code, Reason: ce.Text}
	}
	return err
}

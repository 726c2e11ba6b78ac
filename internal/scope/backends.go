package scope

import (
	"time"

	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/conference"
	"github.com/matheus3301/heartline/internal/identity"
	"github.com/matheus3301/heartline/internal/realtime"
	"github.com/matheus3301/heartline/internal/rest"
	syncpkg "github.com/matheus3301/heartline/internal/sync"
)

// Backends builds the identity-bound network clients of a scope.
type Backends interface {
	Dialer(id identity.Identity) realtime.Dialer
	Fetcher(id identity.Identity) syncpkg.SnapshotFetcher
	Conference(id identity.Identity) call.Backend
}

// HTTPBackends talks to the real backend: websocket channel, REST snapshot
// and the conferencing API.
type HTTPBackends struct {
	ChannelURL       string
	BaseURL          string
	ConferenceURL    string
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	PageSize         int
	MaxPages         int
}

func (b HTTPBackends) Dialer(id identity.Identity) realtime.Dialer {
	return realtime.WebsocketDialer{URL: b.ChannelURL, HandshakeTimeout: b.HandshakeTimeout}
}

func (b HTTPBackends) Fetcher(id identity.Identity) syncpkg.SnapshotFetcher {
	c := rest.NewClient(b.BaseURL, id, b.RequestTimeout)
	if b.PageSize > 0 {
		c.PageSize = b.PageSize
	}
	if b.MaxPages > 0 {
		c.MaxPages = b.MaxPages
	}
	return c
}

func (b HTTPBackends) Conference(id identity.Identity) call.Backend {
	base := b.ConferenceURL
	if base == "" {
		base = b.BaseURL
	}
	return conference.NewClient(base, id)
}

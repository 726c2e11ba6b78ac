// Package scope owns every per-identity resource of the session core. At
// most one Scope is alive at a time; logging in as a different identity
// closes the previous one first.
package scope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/callstate"
	"github.com/matheus3301/heartline/internal/chat"
	"github.com/matheus3301/heartline/internal/identity"
	"github.com/matheus3301/heartline/internal/metrics"
	"github.com/matheus3301/heartline/internal/permission"
	"github.com/matheus3301/heartline/internal/realtime"
	"github.com/matheus3301/heartline/internal/status"
	syncpkg "github.com/matheus3301/heartline/internal/sync"
	"go.uber.org/zap"
)

// ErrNotLoggedIn is returned when no scope is active.
var ErrNotLoggedIn = errors.New("not logged in")

// Store is the persistence a scope needs. *store.DB implements it.
type Store interface {
	syncpkg.Cache
	callstate.History
}

// Config groups the tunables of the scoped components.
type Config struct {
	Realtime      realtime.Config
	Sync          syncpkg.Config
	Call          callstate.Config
	SignalTimeout time.Duration
}

// Deps are shared across scopes. Store, Prober, Bus and Metrics may be nil.
type Deps struct {
	Backends Backends
	Store    Store
	Prober   permission.Prober
	Bus      *bus.Bus
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Change is the payload of bus.KindScopeLogin and bus.KindScopeLogout.
type Change struct {
	UserID      string
	DisplayName string
}

// Scope is the session core of one identity.
type Scope struct {
	id      identity.Identity
	channel *realtime.Manager
	engine  *syncpkg.Engine
	calls   *call.Client
	machine *callstate.Machine
	gate    *permission.Gate
	logger  *zap.Logger

	unsubs []func()
}

func (s *Scope) Identity() identity.Identity   { return s.id }
func (s *Scope) Channel() *realtime.Manager    { return s.channel }
func (s *Scope) Chat() *syncpkg.Engine         { return s.engine }
func (s *Scope) Signaling() *call.Client       { return s.calls }
func (s *Scope) Calls() *callstate.Machine     { return s.machine }
func (s *Scope) Permissions() *permission.Gate { return s.gate }
func (s *Scope) Conversations() []chat.Conversation {
	return s.engine.Reconciler().Conversations()
}

// Manager creates and tears down scopes.
type Manager struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu  sync.Mutex
	cur *Scope
}

// NewManager creates a manager with no active scope.
func NewManager(d Deps, cfg Config) *Manager {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Prober == nil {
		d.Prober = permission.NoopProber{}
	}
	return &Manager{deps: d, cfg: cfg, logger: d.Logger.With(zap.String("component", "scope"))}
}

// Current returns the active scope.
func (m *Manager) Current() (*Scope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil, ErrNotLoggedIn
	}
	return m.cur, nil
}

// Login returns the scope for id. The active scope is reused when it
// belongs to the same identity; otherwise it is closed before the new one
// is built. A channel that fails its first attempt does not fail the login:
// the manager keeps reconnecting and chat works from snapshots meanwhile.
func (m *Manager) Login(ctx context.Context, id identity.Identity) (*Scope, error) {
	if id.IsZero() {
		return nil, identity.ErrMissingUserID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != nil {
		if m.cur.id.Same(id) {
			return m.cur, nil
		}
		if err := m.closeLocked(ctx, "identity changed"); err != nil {
			m.logger.Warn("previous scope did not close cleanly", zap.Error(err))
		}
	}

	s := m.build(id)
	if err := s.engine.WarmStart(); err != nil {
		s.logger.Warn("warm start failed", zap.Error(err))
	}
	s.engine.Start(context.Background())

	if _, err := s.channel.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			s.close(context.Background())
			return nil, fmt.Errorf("login: %w", ctx.Err())
		}
		s.logger.Warn("realtime channel not connected yet", zap.Error(err))
	}

	m.cur = s
	s.logger.Info("logged in")
	m.deps.Bus.Publish(bus.Event{
		Kind:    bus.KindScopeLogin,
		Payload: Change{UserID: id.UserID(), DisplayName: id.DisplayName()},
	})
	return s, nil
}

// Logout closes the active scope and waits for its resources to be
// released.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ErrNotLoggedIn
	}
	return m.closeLocked(ctx, "logout")
}

// Close is Logout without the not-logged-in error.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil
	}
	return m.closeLocked(ctx, "shutdown")
}

func (m *Manager) closeLocked(ctx context.Context, reason string) error {
	s := m.cur
	m.cur = nil
	err := s.close(ctx)
	s.logger.Info("logged out", zap.String("reason", reason))
	m.deps.Bus.Publish(bus.Event{
		Kind:    bus.KindScopeLogout,
		Payload: Change{UserID: s.id.UserID(), DisplayName: s.id.DisplayName()},
	})
	return err
}

func (m *Manager) build(id identity.Identity) *Scope {
	d := m.deps
	logger := d.Logger.With(id.Field())

	s := &Scope{id: id, logger: logger.With(zap.String("component", "scope"))}
	s.channel = realtime.NewManager(id, d.Backends.Dialer(id), m.cfg.Realtime, d.Bus, logger, d.Metrics)
	s.gate = permission.NewGate(d.Prober, logger)
	s.calls = call.NewClient(d.Backends.Conference(id), id, m.cfg.SignalTimeout, logger, d.Metrics)

	var cache syncpkg.Cache
	var history callstate.History
	if d.Store != nil {
		cache, history = d.Store, d.Store
	}
	s.engine = syncpkg.NewEngine(id.UserID(), chat.NewReconciler(id.UserID()), d.Backends.Fetcher(id),
		cache, d.Bus, logger, d.Metrics, m.cfg.Sync)

	channelState := s.channel.Machine()
	s.machine = callstate.New(callstate.Deps{
		SelfID:    id.UserID(),
		Signaling: s.calls,
		Gate:      s.gate,
		History:   history,
		Bus:       d.Bus,
		Logger:    logger,
		Metrics:   d.Metrics,
		Available: func() bool { return channelState.Current() != status.Disabled },
	}, m.cfg.Call)

	channelState.Observe(func(_, to status.State) {
		if to == status.Disabled {
			s.logger.Warn("realtime unavailable, calls disabled and chat in snapshot-only mode")
			s.machine.TransportLost("realtime channel disabled")
		}
	})

	s.unsubs = append(s.unsubs, s.channel.On(chat.EventPrivateMessage, s.engine.HandleFrame))
	for _, evt := range call.SignalEvents {
		s.unsubs = append(s.unsubs, s.channel.On(evt, s.handleSignal))
	}
	return s
}

func (s *Scope) handleSignal(f realtime.Frame) {
	sig, err := call.ParseSignal(f)
	if err != nil {
		s.logger.Warn("dropping malformed call signal", zap.String("event", f.Event), zap.Error(err))
		return
	}
	s.machine.HandleSignal(sig)
}

// close releases the scope's resources: handlers detached and channel
// closed first so no frame reaches a closing component, then the call
// left and the sync loop stopped.
func (s *Scope) close(ctx context.Context) error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.channel.Disconnect()
	err := s.machine.Shutdown(ctx)
	s.engine.Stop()
	s.gate.Reset()
	return err
}

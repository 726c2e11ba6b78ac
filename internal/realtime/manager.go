// Package realtime maintains the single authenticated event channel of a
// session identity, with bounded reconnection and ordered frame dispatch.
package realtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/identity"
	"github.com/matheus3301/heartline/internal/metrics"
	"github.com/matheus3301/heartline/internal/status"
	"go.uber.org/zap"
)

// Config bounds reconnection.
type Config struct {
	// MaxAttempts is the consecutive-error ceiling. Reaching it disables the
	// channel for the rest of the manager's life.
	MaxAttempts      int
	MinDelay         time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MinDelay <= 0 {
		c.MinDelay = time.Second
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = max(5*time.Second, c.MinDelay)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// Connection is a snapshot of the channel's state.
type Connection struct {
	State             status.State
	ConsecutiveErrors int
	LastError         string
	ConnectedAt       time.Time
	Dials             int
}

// Handler receives frames for one event kind. Handlers run on the read
// loop and must not block.
type Handler func(Frame)

// HandlerPanic is the payload of bus.KindChannelHandlerPanic.
type HandlerPanic struct {
	Event string
	Value string
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Manager owns one channel connection for one identity.
type Manager struct {
	id      identity.Identity
	dialer  Dialer
	cfg     Config
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	handlers    map[string][]handlerEntry
	nextHandler uint64
	consecutive int
	lastErr     string
	connectedAt time.Time
	dials       int
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewManager creates a manager in the Disconnected state. Nothing is dialed
// until Connect.
func NewManager(id identity.Identity, dialer Dialer, cfg Config, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	mgr := &Manager{
		id:       id,
		dialer:   dialer,
		cfg:      cfg.withDefaults(),
		machine:  status.NewMachine(b),
		bus:      b,
		logger:   logger.With(zap.String("component", "realtime"), id.Field()),
		metrics:  m,
		handlers: make(map[string][]handlerEntry),
	}
	mgr.machine.Observe(func(from, to status.State) {
		mgr.logger.Info("channel state changed", zap.Stringer("from", from), zap.Stringer("to", to))
		mgr.metrics.ChannelState(to.String())
	})
	mgr.metrics.ChannelState(status.Disconnected.String())
	return mgr
}

// Machine exposes the channel state machine for observers.
func (m *Manager) Machine() *status.Machine { return m.machine }

// Connect starts the connection loop and waits for the outcome of the first
// attempt. The loop keeps reconnecting in the background after a failed
// first attempt until the ceiling is reached.
func (m *Manager) Connect(ctx context.Context) (Connection, error) {
	m.mu.Lock()
	if m.machine.Current() == status.Disabled {
		info := m.infoLocked()
		m.mu.Unlock()
		return info, ErrDisabled
	}
	if m.running {
		info := m.infoLocked()
		m.mu.Unlock()
		return info, nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	first := make(chan error, 1)
	done := m.done
	m.mu.Unlock()

	go m.run(runCtx, done, first)

	select {
	case err := <-first:
		return m.Info(), err
	case <-ctx.Done():
		return m.Info(), ctx.Err()
	}
}

// Disconnect stops the loop and closes the socket. It returns only after
// the read loop has exited, so no handler runs afterwards.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	if m.machine.Current() != status.Disabled {
		m.transition(status.Disconnected, "disconnect requested")
	}
}

// On registers h for frames of the given event kind. The returned function
// unregisters it and is safe to call more than once.
func (m *Manager) On(event string, h Handler) func() {
	m.mu.Lock()
	id := m.nextHandler
	m.nextHandler++
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: h})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.handlers[event] = slices.DeleteFunc(m.handlers[event], func(e handlerEntry) bool {
				return e.id == id
			})
		})
	}
}

// Info returns the current connection snapshot.
func (m *Manager) Info() Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked()
}

func (m *Manager) infoLocked() Connection {
	return Connection{
		State:             m.machine.Current(),
		ConsecutiveErrors: m.consecutive,
		LastError:         m.lastErr,
		ConnectedAt:       m.connectedAt,
		Dials:             m.dials,
	}
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.MinDelay
	bo.MaxInterval = m.cfg.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (m *Manager) run(ctx context.Context, done chan struct{}, first chan<- error) {
	defer close(done)

	bo := m.newBackOff()
	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}

	for {
		m.transition(status.Connecting, "dial")
		err := m.attempt(ctx, func() {
			bo.Reset()
			report(nil)
		})
		if ctx.Err() != nil {
			report(ctx.Err())
			return
		}

		count := m.recordFailure(err)
		m.transition(status.Degraded, err.Error())
		if count >= m.cfg.MaxAttempts {
			m.logger.Error("channel error ceiling reached, disabling",
				zap.Int("consecutive_errors", count), zap.Error(err))
			m.transition(status.Disabled, "error ceiling reached")
			report(fmt.Errorf("%w: %w", ErrDisabled, err))
			return
		}
		report(err)

		delay := m.cfg.MinDelay
		if !IsServerDisconnect(err) {
			delay = bo.NextBackOff()
		}
		m.metrics.ReconnectAttempt()
		m.logger.Warn("channel failed, reconnecting",
			zap.Error(err), zap.Int("attempt", count), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

type readResult struct {
	data []byte
	err  error
}

// attempt dials once and serves the connection until it fails. onHandshake
// runs when the connected frame arrives.
func (m *Manager) attempt(ctx context.Context, onHandshake func()) error {
	m.mu.Lock()
	m.dials++
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	conn, err := m.dialer.Dial(dialCtx, m.id)
	cancel()
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	defer conn.Close()

	frames := make(chan readResult)
	go func() {
		for {
			data, err := conn.ReadMessage()
			select {
			case frames <- readResult{data: data, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	handshake := time.NewTimer(m.cfg.HandshakeTimeout)
	defer handshake.Stop()
	handshakeC := handshake.C
	connected := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-handshakeC:
			return ErrHandshakeTimeout
		case r := <-frames:
			if r.err != nil {
				return r.err
			}
			f, err := ParseFrame(r.data)
			if err != nil {
				m.logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			switch {
			case f.Event == EventDisconnect:
				var p struct {
					Reason string `json:"reason"`
				}
				_ = f.Decode(&p)
				return &DisconnectError{Reason: p.Reason}
			case f.Event == EventConnected:
				if connected {
					continue
				}
				connected = true
				handshake.Stop()
				handshakeC = nil
				m.markConnected()
				m.transition(status.Connected, "handshake complete")
				onHandshake()
			case !connected:
				return fmt.Errorf("handshake: unexpected %q frame", f.Event)
			default:
				m.dispatch(f)
			}
		}
	}
}

func (m *Manager) markConnected() {
	m.mu.Lock()
	m.consecutive = 0
	m.lastErr = ""
	m.connectedAt = time.Now()
	m.mu.Unlock()
}

func (m *Manager) recordFailure(err error) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutive++
	m.lastErr = err.Error()
	return m.consecutive
}

func (m *Manager) transition(to status.State, reason string) {
	if err := m.machine.Transition(to, reason); err != nil {
		m.logger.Error("invalid channel transition", zap.Stringer("to", to), zap.String("reason", reason), zap.Error(err))
	}
}

func (m *Manager) dispatch(f Frame) {
	m.mu.Lock()
	hs := slices.Clone(m.handlers[f.Event])
	m.mu.Unlock()
	if len(hs) == 0 {
		m.logger.Debug("no handler for frame", zap.String("event", f.Event))
		return
	}
	for _, h := range hs {
		m.invoke(f, h.fn)
	}
}

func (m *Manager) invoke(f Frame, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("realtime handler panicked", zap.String("event", f.Event), zap.Any("panic", r))
			m.metrics.HandlerPanic(f.Event)
			m.bus.Publish(bus.Event{
				Kind:    bus.KindChannelHandlerPanic,
				Payload: HandlerPanic{Event: f.Event, Value: fmt.Sprint(r)},
			})
		}
	}()
	h(f)
}

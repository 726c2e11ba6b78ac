package callstate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/metrics"
	"github.com/matheus3301/heartline/internal/permission"
	"github.com/matheus3301/heartline/internal/store"
	"go.uber.org/zap"
)

// Signaling is the subset of *call.Client the machine drives.
type Signaling interface {
	Create(ctx context.Context, target string, kind call.Kind) (call.Session, error)
	Join(ctx context.Context, callID string, kind call.Kind) (call.Session, error)
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID, reason string) error
	Leave(ctx context.Context, callID string) error
	MarkEnded(callID string)
}

// Gate acquires media permissions. *permission.Gate implements it.
type Gate interface {
	Acquire(ctx context.Context, kind permission.Kind, withUserPrompt bool) bool
}

// History stores finished calls. *store.DB implements it.
type History interface {
	InsertCall(ownerID string, r store.CallRecord) error
}

// Config bounds the waiting phases.
type Config struct {
	RingTimeout    time.Duration
	ConnectTimeout time.Duration
}

// Deps are the machine's collaborators. History, Bus and Metrics may be nil.
type Deps struct {
	SelfID    string
	Signaling Signaling
	Gate      Gate
	History   History
	Bus       *bus.Bus
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	// Available reports whether the realtime channel can carry a new call.
	Available func() bool
}

// Snapshot is a copy of the current or last call.
type Snapshot struct {
	Phase         Phase
	CallID        string
	Kind          call.Kind
	Direction     Direction
	PeerID        string
	PeerName      string
	MicEnabled    bool
	CameraEnabled bool
	Permissions   []permission.Kind
	EndReason     string
	StartedAt     time.Time
	ConnectedAt   time.Time
	EndedAt       time.Time
}

// PhaseChange is the payload of bus.KindCallPhase.
type PhaseChange struct {
	From   Phase
	To     Phase
	Reason string
	Call   Snapshot
}

// BusyRejected is the payload of bus.KindCallBusyRejected.
type BusyRejected struct {
	CallID   string
	CallerID string
	ActiveID string
}

type session struct {
	gen         uint64
	id          string
	kind        call.Kind
	direction   Direction
	peerID      string
	peerName    string
	mic         bool
	camera      bool
	perms       []permission.Kind
	endReason   string
	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	timerSeq uint64 // bumped on every arm and stop
}

// Machine owns the device's call slot.
type Machine struct {
	self      string
	sig       Signaling
	gate      Gate
	history   History
	bus       *bus.Bus
	logger    *zap.Logger
	metrics   *metrics.Metrics
	available func() bool
	cfg       Config
	now       func() time.Time

	mu    sync.Mutex
	phase Phase
	cur   *session
	gen   uint64

	wg sync.WaitGroup
}

// New creates a machine in the Idle phase.
func New(d Deps, cfg Config) *Machine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Gate == nil {
		d.Gate = permission.NewGate(permission.NoopProber{}, d.Logger)
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 45 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	return &Machine{
		self:      d.SelfID,
		sig:       d.Signaling,
		gate:      d.Gate,
		history:   d.History,
		bus:       d.Bus,
		logger:    d.Logger.With(zap.String("component", "call")),
		metrics:   d.Metrics,
		available: d.Available,
		cfg:       cfg,
		now:       time.Now,
		phase:     Idle,
	}
}

// Snapshot returns the current or most recent call.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Initiate starts an outgoing call. The call slot is reserved in Ringing
// before the backend is asked to create the session. Backend calls run
// under the call's own context: Cancel aborts them, ctx does not.
func (m *Machine) Initiate(ctx context.Context, target string, kind call.Kind) (Snapshot, error) {
	if target == "" || target == m.self {
		return Snapshot{}, call.ErrInvalidTarget
	}
	m.mu.Lock()
	if m.phase.InCall() {
		m.mu.Unlock()
		return Snapshot{}, ErrBusy
	}
	if m.available != nil && !m.available() {
		m.mu.Unlock()
		return Snapshot{}, ErrRealtimeUnavailable
	}
	s := m.newSessionLocked(call.DeriveCallID(m.self, target), kind, Outgoing, target, target)
	if err := m.setPhaseLocked(Ringing, "local initiate"); err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}
	m.armTimerLocked(m.cfg.RingTimeout)
	gen, callCtx := s.gen, s.ctx
	m.mu.Unlock()

	sess, err := m.sig.Create(callCtx, target, kind)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staleLocked(gen) || !m.phase.InCall() || m.phase == Cancelled {
		if err == nil {
			// Cancelled while creating; the backend session must not linger.
			m.leaveAsync(sess.ID)
		}
		return m.snapshotLocked(), ErrSuperseded
	}
	if err != nil {
		m.endLocked(endReasonFor(err), true)
		return m.snapshotLocked(), err
	}
	if sess.ID != "" && sess.ID != m.cur.id {
		m.logger.Warn("backend assigned a different call id",
			zap.String("call_id", sess.ID), zap.String("derived_id", m.cur.id))
		m.cur.id = sess.ID
	}
	return m.snapshotLocked(), nil
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	if m.cur == nil || m.phase != Ringing || m.cur.direction != Incoming {
		m.mu.Unlock()
		return Snapshot{}, ErrNoActiveCall
	}
	if err := m.setPhaseLocked(Accepted, "local accept"); err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}
	m.armTimerLocked(m.cfg.ConnectTimeout)
	gen, id, callCtx := m.cur.gen, m.cur.id, m.cur.ctx
	m.mu.Unlock()

	err := m.sig.Accept(callCtx, id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staleLocked(gen) || m.phase != Accepted {
		return m.snapshotLocked(), ErrSuperseded
	}
	if err != nil {
		m.endLocked(endReasonFor(err), true)
		return m.snapshotLocked(), err
	}
	m.beginConnectLocked()
	return m.snapshotLocked(), nil
}

// Reject declines the ringing incoming call.
func (m *Machine) Reject(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	if m.cur == nil || m.phase != Ringing || m.cur.direction != Incoming {
		m.mu.Unlock()
		return Snapshot{}, ErrNoActiveCall
	}
	if err := m.setPhaseLocked(Rejected, "local reject"); err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}
	m.stopTimerLocked()
	gen, id := m.cur.gen, m.cur.id
	m.mu.Unlock()

	err := m.sig.Reject(ctx, id, "decline")

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.staleLocked(gen) && m.phase == Rejected {
		m.endLocked(EndRejected, false)
	}
	return m.snapshotLocked(), err
}

// Cancel abandons the call before it is active. In-flight Create or Join
// calls are aborted and Leave is sent without waiting for them.
func (m *Machine) Cancel(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	if m.cur == nil || !m.phase.InCall() {
		m.mu.Unlock()
		return Snapshot{}, ErrNoActiveCall
	}
	switch {
	case m.phase == Active:
		m.mu.Unlock()
		return m.HangUp(ctx)
	case m.phase == Ringing && m.cur.direction == Incoming:
		m.mu.Unlock()
		return m.Reject(ctx)
	case m.phase == Rejected || m.phase == Cancelled:
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, nil
	}
	m.cur.cancel()
	if err := m.setPhaseLocked(Cancelled, "local cancel"); err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}
	m.stopTimerLocked()
	gen, id := m.cur.gen, m.cur.id
	m.mu.Unlock()

	err := m.sig.Leave(ctx, id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.staleLocked(gen) && m.phase == Cancelled {
		m.endLocked(EndCancelled, false)
	}
	return m.snapshotLocked(), err
}

// HangUp ends the active call. Earlier phases are cancelled instead.
func (m *Machine) HangUp(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	if m.cur == nil || !m.phase.InCall() {
		m.mu.Unlock()
		return Snapshot{}, ErrNoActiveCall
	}
	if m.phase != Active {
		m.mu.Unlock()
		return m.Cancel(ctx)
	}
	id := m.cur.id
	m.endLocked(EndCompleted, false)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	return snap, m.sig.Leave(ctx, id)
}

// ToggleMicrophone flips the microphone sub-state and returns the new value.
// The phase is never changed.
func (m *Machine) ToggleMicrophone() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || !m.phase.InCall() {
		return false, ErrNoActiveCall
	}
	m.cur.mic = !m.cur.mic
	m.logger.Info("microphone toggled", zap.String("call_id", m.cur.id), zap.Bool("enabled", m.cur.mic))
	return m.cur.mic, nil
}

// ToggleCamera flips the camera sub-state of a video call.
func (m *Machine) ToggleCamera() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || !m.phase.InCall() {
		return false, ErrNoActiveCall
	}
	if m.cur.kind != call.Video {
		return false, ErrAudioOnly
	}
	m.cur.camera = !m.cur.camera
	m.logger.Info("camera toggled", zap.String("call_id", m.cur.id), zap.Bool("enabled", m.cur.camera))
	return m.cur.camera, nil
}

// TransportLost ends any call in progress after the realtime channel failed
// for good.
func (m *Machine) TransportLost(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || !m.phase.InCall() {
		return
	}
	m.logger.Warn("ending call after transport loss", zap.String("call_id", m.cur.id), zap.String("reason", reason))
	m.endLocked(EndTransportFailure, true)
}

// Reset clears an ended call back to Idle.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Ended {
		return nil
	}
	if err := m.setPhaseLocked(Idle, "reset"); err != nil {
		return err
	}
	m.cur = nil
	return nil
}

// Shutdown ends a call in progress, leaves it and waits for background
// signaling to finish.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	var id string
	if m.cur != nil && m.phase.InCall() {
		id = m.cur.id
		m.endLocked(EndLoggedOut, false)
	}
	m.mu.Unlock()

	var err error
	if id != "" {
		err = m.sig.Leave(ctx, id)
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// HandleSignal applies a call event from the realtime channel.
func (m *Machine) HandleSignal(s call.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Type == call.SignalRing {
		m.handleRingLocked(s)
		return
	}
	if m.cur == nil || m.cur.id != s.CallID || !m.phase.InCall() {
		if s.Type == call.SignalEnded {
			m.sig.MarkEnded(s.CallID)
		}
		m.logger.Debug("signal for no current call", zap.String("signal", string(s.Type)), zap.String("call_id", s.CallID))
		return
	}
	fromSelf := s.UserID != "" && s.UserID == m.self

	switch s.Type {
	case call.SignalAccepted:
		switch {
		case m.cur.direction == Outgoing && m.phase == Ringing && !fromSelf:
			if err := m.setPhaseLocked(Accepted, "remote accepted"); err != nil {
				return
			}
			m.armTimerLocked(m.cfg.ConnectTimeout)
			m.beginConnectLocked()
		case m.cur.direction == Incoming && m.phase == Ringing && fromSelf:
			m.endLocked(EndAnsweredElsewhere, false)
		}
	case call.SignalRejected:
		if m.phase != Ringing {
			return
		}
		switch {
		case m.cur.direction == Outgoing && !fromSelf:
			if err := m.setPhaseLocked(Rejected, "remote rejected"); err == nil {
				m.endLocked(EndRemoteRejected, true)
			}
		case m.cur.direction == Incoming && fromSelf:
			if err := m.setPhaseLocked(Rejected, "rejected on another device"); err == nil {
				m.endLocked(EndRejected, false)
			}
		}
	case call.SignalBusy:
		if m.cur.direction == Outgoing && m.phase == Ringing {
			m.endLocked(EndBusy, true)
		}
	case call.SignalEnded:
		m.sig.MarkEnded(s.CallID)
		reason := EndRemoteLeft
		if m.phase == Ringing && m.cur.direction == Incoming {
			reason = EndRemoteCancelled
		}
		m.endLocked(reason, false)
	}
}

func (m *Machine) handleRingLocked(s call.Signal) {
	if s.CallerID == m.self {
		return
	}
	if m.phase.InCall() {
		if m.cur != nil && m.cur.id == s.CallID {
			m.logger.Debug("duplicate ring ignored", zap.String("call_id", s.CallID))
			return
		}
		activeID := ""
		if m.cur != nil {
			activeID = m.cur.id
		}
		m.logger.Info("rejecting invite while busy",
			zap.String("call_id", s.CallID), zap.String("caller_id", s.CallerID), zap.String("active_call_id", activeID))
		m.bus.Publish(bus.Event{
			Kind:    bus.KindCallBusyRejected,
			Payload: BusyRejected{CallID: s.CallID, CallerID: s.CallerID, ActiveID: activeID},
		})
		m.background(func() {
			if err := m.sig.Reject(context.Background(), s.CallID, "busy"); err != nil {
				m.logger.Warn("busy reject failed", zap.String("call_id", s.CallID), zap.Error(err))
			}
		})
		return
	}
	m.newSessionLocked(s.CallID, s.Kind, Incoming, s.CallerID, s.CallerName)
	if err := m.setPhaseLocked(Ringing, "remote invite"); err != nil {
		return
	}
	m.armTimerLocked(m.cfg.RingTimeout)
}

func (m *Machine) newSessionLocked(id string, kind call.Kind, dir Direction, peerID, peerName string) *session {
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	m.cur = &session{
		gen:       m.gen,
		id:        id,
		kind:      kind,
		direction: dir,
		peerID:    peerID,
		peerName:  peerName,
		mic:       true,
		camera:    kind == call.Video,
		startedAt: m.now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	return m.cur
}

// beginConnectLocked moves Accepted to Connecting and starts permission
// acquisition followed by Join.
func (m *Machine) beginConnectLocked() {
	if err := m.setPhaseLocked(Connecting, "acquiring media"); err != nil {
		return
	}
	s := m.cur
	m.background(func() { m.connect(s.ctx, s.gen, s.id, s.kind) })
}

func (m *Machine) connect(ctx context.Context, gen uint64, id string, kind call.Kind) {
	need := []permission.Kind{permission.Microphone}
	if kind == call.Video {
		need = append(need, permission.Camera)
	}
	for _, k := range need {
		granted := m.gate.Acquire(ctx, k, true)
		m.mu.Lock()
		if m.staleLocked(gen) || m.phase != Connecting {
			m.mu.Unlock()
			return
		}
		if !granted {
			m.logger.Warn("permission denied", zap.String("call_id", id), zap.String("permission", string(k)))
			m.endLocked(EndPermissionDenied, true)
			m.mu.Unlock()
			return
		}
		m.cur.perms = append(m.cur.perms, k)
		m.mu.Unlock()
	}

	_, err := m.sig.Join(ctx, id, kind)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staleLocked(gen) || m.phase != Connecting {
		if err == nil {
			m.leaveAsync(id)
		}
		return
	}
	if err != nil {
		m.endLocked(endReasonFor(err), true)
		return
	}
	m.stopTimerLocked()
	m.cur.connectedAt = m.now()
	_ = m.setPhaseLocked(Active, "joined")
}

func (m *Machine) armTimerLocked(d time.Duration) {
	m.stopTimerLocked()
	m.cur.timerSeq++
	gen, seq := m.cur.gen, m.cur.timerSeq
	m.cur.timer = time.AfterFunc(d, func() { m.onTimeout(gen, seq) })
}

func (m *Machine) stopTimerLocked() {
	if m.cur == nil {
		return
	}
	m.cur.timerSeq++
	if m.cur.timer != nil {
		m.cur.timer.Stop()
		m.cur.timer = nil
	}
}

// onTimeout fires for the timer armed as seq. A timer whose Stop lost the
// race with its own expiry finds a newer seq and does nothing.
func (m *Machine) onTimeout(gen, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staleLocked(gen) || m.cur.timerSeq != seq {
		return
	}
	switch m.phase {
	case Ringing:
		if m.cur.direction == Incoming {
			id := m.cur.id
			m.endLocked(EndMissed, false)
			m.background(func() {
				if err := m.sig.Reject(context.Background(), id, "timeout"); err != nil {
					m.logger.Warn("reject after missed call failed", zap.String("call_id", id), zap.Error(err))
				}
			})
			return
		}
		m.endLocked(EndTimeout, true)
	case Accepted, Connecting:
		m.endLocked(EndTimeout, true)
	}
}

// endLocked moves the current call to Ended, records it and optionally
// leaves the backend session in the background.
func (m *Machine) endLocked(reason string, leave bool) {
	s := m.cur
	s.cancel()
	m.stopTimerLocked()
	s.endReason = reason
	s.endedAt = m.now()
	if err := m.setPhaseLocked(Ended, reason); err != nil {
		return
	}
	m.metrics.CallEnded(reason)

	rec := store.CallRecord{
		CallID:      s.id,
		Kind:        string(s.kind),
		Direction:   string(s.direction),
		PeerID:      s.peerID,
		EndReason:   reason,
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     s.endedAt,
	}
	id := s.id
	m.background(func() {
		if m.history != nil {
			if err := m.history.InsertCall(m.self, rec); err != nil {
				m.logger.Error("failed to record call", zap.String("call_id", id), zap.Error(err))
			}
		}
		if leave {
			m.leave(id)
		}
	})
}

func (m *Machine) leaveAsync(id string) {
	m.background(func() { m.leave(id) })
}

func (m *Machine) leave(id string) {
	if err := m.sig.Leave(context.Background(), id); err != nil {
		m.logger.Warn("leave failed", zap.String("call_id", id), zap.Error(err))
	}
}

func (m *Machine) background(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Machine) staleLocked(gen uint64) bool {
	return m.cur == nil || m.cur.gen != gen
}

func (m *Machine) setPhaseLocked(to Phase, reason string) error {
	from := m.phase
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		err := fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		m.logger.Error("rejected call phase change", zap.Error(err), zap.String("reason", reason))
		return err
	}
	m.phase = to
	snap := m.snapshotLocked()
	m.logger.Info("call phase changed",
		zap.Stringer("from", from), zap.Stringer("to", to),
		zap.String("call_id", snap.CallID), zap.String("reason", reason))
	m.metrics.CallPhase(to.String())
	m.bus.Publish(bus.Event{
		Kind:    bus.KindCallPhase,
		Payload: PhaseChange{From: from, To: to, Reason: reason, Call: snap},
	})
	return nil
}

func (m *Machine) snapshotLocked() Snapshot {
	if m.cur == nil {
		return Snapshot{Phase: m.phase}
	}
	s := m.cur
	return Snapshot{
		Phase:         m.phase,
		CallID:        s.id,
		Kind:          s.kind,
		Direction:     s.direction,
		PeerID:        s.peerID,
		PeerName:      s.peerName,
		MicEnabled:    s.mic,
		CameraEnabled: s.camera,
		Permissions:   slices.Clone(s.perms),
		EndReason:     s.endReason,
		StartedAt:     s.startedAt,
		ConnectedAt:   s.connectedAt,
		EndedAt:       s.endedAt,
	}
}

func endReasonFor(err error) string {
	var se *call.SignalingError
	if errors.As(err, &se) {
		switch se.Kind {
		case call.FailureBusy:
			return EndBusy
		case call.FailureTimeout:
			return EndTimeout
		case call.FailureRejected:
			return EndRemoteRejected
		}
	}
	return EndSignalingFailed
}

package callstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/permission"
	"github.com/matheus3301/heartline/internal/store"
)

// journal records collaborator calls in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) count(entry string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if e == entry {
			n++
		}
	}
	return n
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) index(entry string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, e := range j.entries {
		if e == entry {
			return i
		}
	}
	return -1
}

type fakeSignaling struct {
	j *journal

	mu         sync.Mutex
	createErr  error
	joinErr    error
	holdCreate chan struct{}
	holdJoin   chan struct{}
	ignoreCtx  bool
}

func (f *fakeSignaling) hold(ctx context.Context, ch chan struct{}) error {
	if ch == nil {
		return nil
	}
	if f.ignoreCtx {
		<-ch
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSignaling) Create(ctx context.Context, target string, kind call.Kind) (call.Session, error) {
	f.mu.Lock()
	hold, err := f.holdCreate, f.createErr
	f.mu.Unlock()
	f.j.add("create:%s", target)
	if herr := f.hold(ctx, hold); herr != nil {
		return call.Session{}, herr
	}
	if err != nil {
		return call.Session{}, err
	}
	return call.Session{ID: call.DeriveCallID("me", target), Kind: kind}, nil
}

func (f *fakeSignaling) Join(ctx context.Context, callID string, kind call.Kind) (call.Session, error) {
	f.mu.Lock()
	hold, err := f.holdJoin, f.joinErr
	f.mu.Unlock()
	f.j.add("join")
	if herr := f.hold(ctx, hold); herr != nil {
		return call.Session{}, herr
	}
	return call.Session{ID: callID, Kind: kind}, err
}

func (f *fakeSignaling) Accept(ctx context.Context, callID string) error {
	f.j.add("accept")
	return nil
}

func (f *fakeSignaling) Reject(ctx context.Context, callID, reason string) error {
	f.j.add("reject:%s:%s", callID, reason)
	return nil
}

func (f *fakeSignaling) Leave(ctx context.Context, callID string) error {
	f.j.add("leave")
	return nil
}

func (f *fakeSignaling) MarkEnded(callID string) {}

type fakeGate struct {
	j      *journal
	denied map[permission.Kind]bool
}

func (g *fakeGate) Acquire(ctx context.Context, kind permission.Kind, prompt bool) bool {
	g.j.add("acquire:%s", kind)
	return !g.denied[kind]
}

type fakeHistory struct {
	mu   sync.Mutex
	recs []store.CallRecord
}

func (h *fakeHistory) InsertCall(owner string, r store.CallRecord) error {
	h.mu.Lock()
	h.recs = append(h.recs, r)
	h.mu.Unlock()
	return nil
}

func (h *fakeHistory) last() (store.CallRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recs) == 0 {
		return store.CallRecord{}, false
	}
	return h.recs[len(h.recs)-1], true
}

type harness struct {
	m       *Machine
	j       *journal
	sig     *fakeSignaling
	gate    *fakeGate
	hist    *fakeHistory
	bus     *bus.Bus
	avail   bool
	availMu sync.Mutex
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	j := &journal{}
	h := &harness{
		j:     j,
		sig:   &fakeSignaling{j: j},
		gate:  &fakeGate{j: j, denied: map[permission.Kind]bool{}},
		hist:  &fakeHistory{},
		bus:   bus.New(),
		avail: true,
	}
	h.m = New(Deps{
		SelfID:    "me",
		Signaling: h.sig,
		Gate:      h.gate,
		History:   h.hist,
		Bus:       h.bus,
		Available: func() bool {
			h.availMu.Lock()
			defer h.availMu.Unlock()
			return h.avail
		},
	}, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
	})
	return h
}

func (h *harness) waitPhase(t *testing.T, want Phase) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.m.Snapshot(); s.Phase == want {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", h.m.Phase(), want)
	return Snapshot{}
}

func (h *harness) waitJournal(t *testing.T, entry string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.j.count(entry) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("%q seen %d times, want %d (journal %v)", entry, h.j.count(entry), n, h.j.list())
}

func ring(id, caller string, kind call.Kind) call.Signal {
	return call.Signal{Type: call.SignalRing, CallID: id, CallerID: caller, CallerName: caller, Kind: kind}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to Phase
		ok       bool
	}{
		{Idle, Ringing, true},
		{Idle, Active, false},
		{Ringing, Accepted, true},
		{Ringing, Active, false},
		{Accepted, Connecting, true},
		{Connecting, Active, true},
		{Active, Ended, true},
		{Active, Cancelled, false},
		{Rejected, Ended, true},
		{Cancelled, Ringing, false},
		{Ended, Ringing, true},
		{Ended, Idle, true},
		{Ended, Active, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestOutgoingVideoCallReachesActive(t *testing.T) {
	h := newHarness(t, Config{})
	phases, unsub := h.bus.Subscribe(bus.KindCallPhase, 32)
	defer unsub()

	snap, err := h.m.Initiate(context.Background(), "alice", call.Video)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase != Ringing || snap.Direction != Outgoing || snap.CallID != call.DeriveCallID("me", "alice") {
		t.Fatalf("snapshot = %+v", snap)
	}

	h.m.HandleSignal(call.Signal{Type: call.SignalAccepted, CallID: snap.CallID, UserID: "alice"})
	active := h.waitPhase(t, Active)

	// Join only after both permissions resolved.
	join := h.j.index("join")
	if mic, cam := h.j.index("acquire:microphone"), h.j.index("acquire:camera"); mic < 0 || cam < 0 || join < mic || join < cam {
		t.Errorf("journal order = %v", h.j.list())
	}
	if len(active.Permissions) != 2 || !active.MicEnabled || !active.CameraEnabled {
		t.Errorf("active snapshot = %+v", active)
	}

	want := []Phase{Ringing, Accepted, Connecting, Active}
	for _, p := range want {
		select {
		case evt := <-phases:
			if got := evt.Payload.(PhaseChange).To; got != p {
				t.Fatalf("phase event %s, want %s", got, p)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", p)
		}
	}
}

// TestSecondCallRejectedWhileActive: a create attempt during an active call
// fails locally with no backend request.
func TestSecondCallRejectedWhileActive(t *testing.T) {
	h := newHarness(t, Config{})
	snap, err := h.m.Initiate(context.Background(), "alice", call.Audio)
	if err != nil {
		t.Fatal(err)
	}
	h.m.HandleSignal(call.Signal{Type: call.SignalAccepted, CallID: snap.CallID, UserID: "alice"})
	h.waitPhase(t, Active)

	if _, err := h.m.Initiate(context.Background(), "bob", call.Audio); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Initiate() = %v, want ErrBusy", err)
	}
	if n := h.j.count("create:bob"); n != 0 {
		t.Errorf("backend create for bob called %d times", n)
	}
	if h.m.Phase() != Active {
		t.Errorf("phase = %s, want ACTIVE", h.m.Phase())
	}
}

func TestInitiateWhileRingingIsBusy(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.HandleSignal(ring("in-1", "carol", call.Audio))
	if _, err := h.m.Initiate(context.Background(), "alice", call.Audio); !errors.Is(err, ErrBusy) {
		t.Fatalf("Initiate() = %v, want ErrBusy", err)
	}
	if h.j.count("create:alice") != 0 {
		t.Error("backend called while busy")
	}
}

func TestInitiateRequiresRealtime(t *testing.T) {
	h := newHarness(t, Config{})
	h.availMu.Lock()
	h.avail = false
	h.availMu.Unlock()
	if _, err := h.m.Initiate(context.Background(), "alice", call.Audio); !errors.Is(err, ErrRealtimeUnavailable) {
		t.Fatalf("Initiate() = %v, want ErrRealtimeUnavailable", err)
	}
	if h.m.Phase() != Idle {
		t.Errorf("phase = %s, want IDLE", h.m.Phase())
	}
}

func TestInitiateRejectsSelf(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.m.Initiate(context.Background(), "me", call.Audio); !errors.Is(err, call.ErrInvalidTarget) {
		t.Fatalf("Initiate() = %v, want ErrInvalidTarget", err)
	}
}

func TestIncomingAccept(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.HandleSignal(ring("in-1", "carol", call.Audio))
	if s := h.m.Snapshot(); s.Phase != Ringing || s.Direction != Incoming || s.PeerName != "carol" {
		t.Fatalf("snapshot = %+v", s)
	}
	if _, err := h.m.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.waitPhase(t, Active)
	if h.j.count("acquire:camera") != 0 {
		t.Error("audio call asked for camera")
	}
	if h.j.index("accept") > h.j.index("join") {
		t.Errorf("journal order = %v", h.j.list())
	}
}

func TestPermissionDeniedEndsWithoutJoin(t *testing.T) {
	h := newHarness(t, Config{})
	h.gate.denied[permission.Camera] = true
	h.m.HandleSignal(ring("in-1", "carol", call.Video))
	if _, err := h.m.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := h.waitPhase(t, Ended)
	if snap.EndReason != EndPermissionDenied {
		t.Errorf("end reason = %s", snap.EndReason)
	}
	h.waitJournal(t, "leave", 1)
	if h.j.count("join") != 0 {
		t.Error("join called despite denied permission")
	}
}

func TestInviteWhileBusyIsAutoRejected(t *testing.T) {
	h := newHarness(t, Config{})
	busy, unsub := h.bus.Subscribe(bus.KindCallBusyRejected, 4)
	defer unsub()

	if _, err := h.m.Initiate(context.Background(), "alice", call.Audio); err != nil {
		t.Fatal(err)
	}
	h.m.HandleSignal(ring("in-2", "bob", call.Audio))

	h.waitJournal(t, "reject:in-2:busy", 1)
	select {
	case evt := <-busy:
		if p := evt.Payload.(BusyRejected); p.CallID != "in-2" || p.CallerID != "bob" {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no busy_rejected event")
	}
	if s := h.m.Snapshot(); s.Phase != Ringing || s.PeerID != "alice" {
		t.Errorf("current call disturbed: %+v", s)
	}
}

func TestDuplicateRingIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.HandleSignal(ring("in-1", "carol", call.Audio))
	h.m.HandleSignal(ring("in-1", "carol", call.Audio))
	time.Sleep(10 * time.Millisecond)
	if h.j.count("reject:in-1:busy") != 0 {
		t.Error("duplicate ring was busy-rejected")
	}
}

// TestCancelDuringCreate: Leave goes out before Create resolves, and a
// Create that succeeds afterwards is followed by a second Leave.
func TestCancelDuringCreate(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	h.sig.holdCreate = release
	h.sig.ignoreCtx = true

	errc := make(chan error, 1)
	go func() {
		_, err := h.m.Initiate(context.Background(), "alice", call.Audio)
		errc <- err
	}()
	h.waitJournal(t, "create:alice", 1)

	snap, err := h.m.Cancel(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase != Ended || snap.EndReason != EndCancelled {
		t.Fatalf("snapshot = %+v", snap)
	}
	if h.j.count("leave") != 1 {
		t.Fatalf("leaves before create resolved = %d, want 1", h.j.count("leave"))
	}

	close(release)
	if err := <-errc; !errors.Is(err, ErrSuperseded) {
		t.Errorf("Initiate() = %v, want ErrSuperseded", err)
	}
	h.waitJournal(t, "leave", 2)
}

func TestCancelAbortsJoin(t *testing.T) {
	h := newHarness(t, Config{})
	h.sig.holdJoin = make(chan struct{})
	h.m.HandleSignal(ring("in-1", "carol", call.Audio))
	if _, err := h.m.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.waitJournal(t, "join", 1)

	snap, err := h.m.Cancel(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase != Ended || snap.EndReason != EndCancelled {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRingTimeouts(t *testing.T) {
	t.Run("outgoing", func(t *testing.T) {
		h := newHarness(t, Config{RingTimeout: 20 * time.Millisecond})
		if _, err := h.m.Initiate(context.Background(), "alice", call.Audio); err != nil {
			t.Fatal(err)
		}
		snap := h.waitPhase(t, Ended)
		if snap.EndReason != EndTimeout {
			t.Errorf("end reason = %s, want timeout", snap.EndReason)
		}
		h.waitJournal(t, "leave", 1)
	})
	t.Run("incoming", func(t *testing.T) {
		h := newHarness(t, Config{RingTimeout: 20 * time.Millisecond})
		h.m.HandleSignal(ring("in-1", "carol", call.Audio))
		snap := h.waitPhase(t, Ended)
		if snap.EndReason != EndMissed {
			t.Errorf("end reason = %s, want missed", snap.EndReason)
		}
		h.waitJournal(t, "reject:in-1:timeout", 1)
	})
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, Config{ConnectTimeout: 20 * time.Millisecond})
	h.sig.holdJoin = make(chan struct{})
	h.m.HandleSignal(ring("in-1", "carol", call.Audio))
	if _, err := h.m.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := h.waitPhase(t, Ended)
	if snap.EndReason != EndTimeout {
		t.Errorf("end reason = %s, want timeout", snap.EndReason)
	}
}

func TestRingTimerFiringAfterAcceptIsIgnored(t *testing.T) {
	h := newHarness(t, Config{RingTimeout: time.Hour, ConnectTimeout: time.Hour})
	h.sig.holdJoin = make(chan struct{})
	h.m.HandleSignal(ring("in-1", "carol", call.Audio))

	h.m.mu.Lock()
	gen, ringSeq := h.m.cur.gen, h.m.cur.timerSeq
	h.m.mu.Unlock()

	if _, err := h.m.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The ring timer's callback runs late, after the connect timer was armed.
	h.m.onTimeout(gen, ringSeq)
	if p := h.m.Phase(); p == Ended {
		t.Fatalf("phase = %s, stale ring timer ended the call", p)
	}
}

func TestRejectIncoming(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.HandleSignal(ring("in-1", "carol", call.Audio))
	snap, err := h.m.Reject(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase != Ended || snap.EndReason != EndRejected {
		t.Errorf("snapshot = %+v", snap)
	}
	if h.j.count("reject:in-1:decline") != 1 {
		t.Errorf("journal = %v", h.j.list())
	}
	if _, err := h.m.Accept(context.Background()); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("Accept after reject = %v", err)
	}
}

func TestRemoteSignals(t *testing.T) {
	tests := []struct {
		name   string
		signal call.SignalType
		user   string
		want   string
	}{
		{"remote rejected", call.SignalRejected, "alice", EndRemoteRejected},
		{"remote busy", call.SignalBusy, "alice", EndBusy},
		{"remote ended", call.SignalEnded, "alice", EndRemoteLeft},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			snap, err := h.m.Initiate(context.Background(), "alice", call.Audio)
			if err != nil {
				t.Fatal(err)
			}
			h.m.HandleSignal(call.Signal{Type: tt.signal, CallID: snap.CallID, UserID: tt.user})
			if s := h.m.Snapshot(); s.Phase != Ended || s.EndReason != tt.want {
				t.Errorf("snapshot = %+v, want ended/%s", s, tt.want)
			}
		})
	}
}

func TestCallerHangsUpBeforeAnswer(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.HandleSignal(ring("in-1", "carol", call.Audio))
	h.m.HandleSignal(call.Signal{Type: call.SignalEnded, CallID: "in-1", UserID: "carol"})
	if s := h.m.Snapshot(); s.EndReason != EndRemoteCancelled {
		t.Errorf("end reason = %s, want remote_cancelled", s.EndReason)
	}
}

func TestSignalForOtherCallIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.m.Initiate(context.Background(), "alice", call.Audio); err != nil {
		t.Fatal(err)
	}
	h.m.HandleSignal(call.Signal{Type: call.SignalEnded, CallID: "unrelated"})
	if h.m.Phase() != Ringing {
		t.Errorf("phase = %s, want RINGING", h.m.Phase())
	}
}

func TestHangUpRecordsHistory(t *testing.T) {
	h := newHarness(t, Config{})
	snap, err := h.m.Initiate(context.Background(), "alice", call.Audio)
	if err != nil {
		t.Fatal(err)
	}
	h.m.HandleSignal(call.Signal{Type: call.SignalAccepted, CallID: snap.CallID, UserID: "alice"})
	h.waitPhase(t, Active)

	snap, err = h.m.HangUp(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase != Ended || snap.EndReason != EndCompleted {
		t.Fatalf("snapshot = %+v", snap)
	}
	h.waitJournal(t, "leave", 1)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := h.hist.last(); ok {
			if rec.EndReason != EndCompleted || rec.Direction != "outgoing" || rec.ConnectedAt.IsZero() {
				t.Errorf("record = %+v", rec)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("call not recorded")
}

func TestTogglesKeepPhase(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.m.ToggleMicrophone(); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("toggle without call = %v", err)
	}
	snap, _ := h.m.Initiate(context.Background(), "alice", call.Audio)
	h.m.HandleSignal(call.Signal{Type: call.SignalAccepted, CallID: snap.CallID, UserID: "alice"})
	h.waitPhase(t, Active)

	on, err := h.m.ToggleMicrophone()
	if err != nil || on {
		t.Fatalf("ToggleMicrophone() = %v, %v; want muted", on, err)
	}
	if _, err := h.m.ToggleCamera(); !errors.Is(err, ErrAudioOnly) {
		t.Errorf("ToggleCamera on audio = %v", err)
	}
	if h.m.Phase() != Active {
		t.Errorf("phase = %s, want ACTIVE", h.m.Phase())
	}
}

func TestTransportLostEndsCall(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.m.Initiate(context.Background(), "alice", call.Audio); err != nil {
		t.Fatal(err)
	}
	h.m.TransportLost("channel disabled")
	if s := h.m.Snapshot(); s.Phase != Ended || s.EndReason != EndTransportFailure {
		t.Errorf("snapshot = %+v", s)
	}
	h.waitJournal(t, "leave", 1)
}

func TestCreateFailureEndsCall(t *testing.T) {
	h := newHarness(t, Config{})
	h.sig.createErr = &call.SignalingError{Op: call.OpCreate, Kind: call.FailureBusy, Err: call.ErrRemoteBusy}
	_, err := h.m.Initiate(context.Background(), "alice", call.Audio)
	var se *call.SignalingError
	if !errors.As(err, &se) {
		t.Fatalf("Initiate() = %v, want SignalingError", err)
	}
	if s := h.m.Snapshot(); s.Phase != Ended || s.EndReason != EndBusy {
		t.Errorf("snapshot = %+v", s)
	}
	// A new call may start after the failure.
	h.sig.mu.Lock()
	h.sig.createErr = nil
	h.sig.mu.Unlock()
	s, err := h.m.Initiate(context.Background(), "bob", call.Audio)
	if err != nil {
		t.Fatalf("Initiate after failure = %v", err)
	}
	if s.Phase != Ringing || s.PeerID != "bob" {
		t.Errorf("snapshot after retry = %+v, want ringing bob", s)
	}
}

func TestResetAndShutdown(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.HandleSignal(ring("in-1", "carol", call.Audio))
	if err := h.m.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := h.m.Snapshot(); s.Phase != Ended || s.EndReason != EndLoggedOut {
		t.Errorf("snapshot = %+v", s)
	}
	if h.j.count("leave") != 1 {
		t.Errorf("leaves = %d, want 1", h.j.count("leave"))
	}
	if err := h.m.Reset(); err != nil {
		t.Fatal(err)
	}
	if h.m.Phase() != Idle {
		t.Errorf("phase = %s, want IDLE", h.m.Phase())
	}
}

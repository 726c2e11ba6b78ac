// Package permission acquires OS media permissions before a call joins.
//
// Probers report a tri-state result. The Gate maps Unavailable (and probe
// failures) to granted: the conferencing backend enforces device access at
// join time, so broken permission plumbing must not block the call flow.
package permission

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Kind is a media permission.
type Kind string

const (
	Microphone Kind = "microphone"
	Camera     Kind = "camera"
)

// State is the result of a permission probe.
type State int

const (
	Undetermined State = iota
	Granted
	Denied
	Unavailable
)

func (s State) String() string {
	switch s {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	case Unavailable:
		return "unavailable"
	default:
		return "undetermined"
	}
}

// Prober checks and requests permissions on the host platform.
type Prober interface {
	// Check returns the present state without prompting.
	Check(ctx context.Context, kind Kind) (State, error)
	// Request prompts the user. Only called when Check is Undetermined.
	Request(ctx context.Context, kind Kind) (State, error)
}

// Gate caches probe results and applies the prompt and fail-open policy.
type Gate struct {
	prober Prober
	logger *zap.Logger

	mu    sync.Mutex
	cache map[Kind]State
}

// NewGate creates a gate over prober. A nil prober behaves as Unavailable.
func NewGate(prober Prober, logger *zap.Logger) *Gate {
	if prober == nil {
		prober = NoopProber{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{prober: prober, logger: logger, cache: make(map[Kind]State)}
}

// Acquire reports whether kind may be used. With withUserPrompt the OS prompt
// is shown when the state is undetermined; a cached denial is re-checked.
func (g *Gate) Acquire(ctx context.Context, kind Kind, withUserPrompt bool) bool {
	state := g.Resolve(ctx, kind, withUserPrompt)
	return state == Granted || state == Unavailable
}

// Resolve returns the effective state for kind after applying the cache and
// prompt policy. Unavailable means the caller should fail open.
func (g *Gate) Resolve(ctx context.Context, kind Kind, withUserPrompt bool) State {
	g.mu.Lock()
	cached, ok := g.cache[kind]
	g.mu.Unlock()
	if ok && (cached == Granted || (cached == Denied && !withUserPrompt)) {
		return cached
	}

	state, err := g.prober.Check(ctx, kind)
	if err != nil {
		g.logger.Warn("permission check failed, deferring to backend", zap.String("kind", string(kind)), zap.Error(err))
		return Unavailable
	}
	if state == Undetermined {
		if !withUserPrompt {
			return Undetermined
		}
		state, err = g.prober.Request(ctx, kind)
		if err != nil {
			g.logger.Warn("permission request failed, deferring to backend", zap.String("kind", string(kind)), zap.Error(err))
			return Unavailable
		}
	}

	switch state {
	case Granted, Denied:
		g.mu.Lock()
		g.cache[kind] = state
		g.mu.Unlock()
	case Unavailable:
		g.logger.Warn("permission api unavailable, deferring to backend", zap.String("kind", string(kind)))
	}
	g.logger.Debug("permission resolved", zap.String("kind", string(kind)), zap.Stringer("state", state))
	return state
}

// Reset forgets cached results, e.g. after the user changed system settings.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.cache = make(map[Kind]State)
	g.mu.Unlock()
}

// NoopProber reports every permission as Unavailable.
type NoopProber struct{}

func (NoopProber) Check(context.Context, Kind) (State, error)   { return Unavailable, nil }
func (NoopProber) Request(context.Context, Kind) (State, error) { return Unavailable, nil }

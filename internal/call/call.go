// Package call orchestrates call signaling against the conferencing
// backend. Every failure is returned as a *SignalingError.
package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/heartline/internal/identity"
	"github.com/matheus3301/heartline/internal/metrics"
	"go.uber.org/zap"
)

// Kind is the media kind of a call.
type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// ParseKind accepts "audio" or "video"; anything else is an error.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case Audio:
		return Audio, nil
	case Video:
		return Video, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownKind, s)
}

// Session is the backend's view of a call.
type Session struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	CreatedBy string         `json:"createdBy"`
	Members   []string       `json:"members"`
	Custom    map[string]any `json:"custom,omitempty"`
}

// CreateRequest is sent to Backend.GetOrCreate.
type CreateRequest struct {
	CallID  string         `json:"-"`
	Kind    Kind           `json:"kind"`
	Members []string       `json:"members"`
	Custom  map[string]any `json:"custom"`
}

// Backend errors. Implementations wrap their transport errors so callers can
// classify them with errors.Is.
var (
	// ErrNotFound means the call has ended or never existed.
	ErrNotFound = errors.New("call not found")
	// ErrRemoteBusy means the callee is in another call.
	ErrRemoteBusy = errors.New("callee busy")
	// ErrRejected means the backend refused the operation.
	ErrRejected = errors.New("call rejected")

	ErrInvalidTarget = errors.New("invalid call target")
	ErrUnknownKind   = errors.New("unknown call kind")
)

// Backend is the conferencing service's session API.
type Backend interface {
	GetOrCreate(ctx context.Context, req CreateRequest) (Session, error)
	Join(ctx context.Context, callID string, kind Kind) (Session, error)
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID, reason string) error
	Leave(ctx context.Context, callID string) error
}

var callNamespace = uuid.MustParse("0d3c9e7a-4b1f-5e2a-8c6d-7f9a1b2c3d4e")

// DeriveCallID returns the 1:1 call id for two users. The order of the
// arguments does not matter.
func DeriveCallID(a, b string) string {
	ids := []string{a, b}
	slices.Sort(ids)
	return uuid.NewSHA1(callNamespace, []byte(strings.Join(ids, ":"))).String()
}

// Client performs signaling operations for one identity.
type Client struct {
	backend Backend
	self    identity.Identity
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	ended map[string]struct{}
}

// NewClient creates a client. timeout bounds every backend call.
func NewClient(backend Backend, self identity.Identity, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		backend: backend,
		self:    self,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "signaling")),
		metrics: m,
		ended:   make(map[string]struct{}),
	}
}

// Create gets or creates the 1:1 call with target. Repeating it returns the
// same session.
func (c *Client) Create(ctx context.Context, target string, kind Kind) (Session, error) {
	target = strings.TrimSpace(target)
	if target == "" || target == c.self.UserID() {
		return Session{}, &SignalingError{Op: OpCreate, Kind: FailureRejected, Err: ErrInvalidTarget}
	}
	callID := DeriveCallID(c.self.UserID(), target)
	c.forget(callID)

	req := CreateRequest{
		CallID:  callID,
		Kind:    kind,
		Members: []string{c.self.UserID(), target},
		Custom: map[string]any{
			"initiatorId":        c.self.UserID(),
			"initiatorName":      c.self.DisplayName(),
			"kind":               string(kind),
			"rejectCallWhenBusy": true,
		},
	}
	var sess Session
	err := c.do(ctx, OpCreate, callID, func(ctx context.Context) error {
		var err error
		sess, err = c.backend.GetOrCreate(ctx, req)
		return err
	})
	if err != nil {
		return Session{}, err
	}
	// The session exists again even if a concurrent Leave marked it ended.
	c.forget(callID)
	if sess.ID == "" {
		sess.ID = callID
	}
	return sess, nil
}

// Join joins the media session.
func (c *Client) Join(ctx context.Context, callID string, kind Kind) (Session, error) {
	c.forget(callID)
	var sess Session
	err := c.do(ctx, OpJoin, callID, func(ctx context.Context) error {
		var err error
		sess, err = c.backend.Join(ctx, callID, kind)
		return err
	})
	if err == nil {
		c.forget(callID)
	}
	return sess, err
}

// Accept accepts an inbound call.
func (c *Client) Accept(ctx context.Context, callID string) error {
	return c.do(ctx, OpAccept, callID, func(ctx context.Context) error {
		return c.backend.Accept(ctx, callID)
	})
}

// Reject declines an inbound call. reason is forwarded to the backend
// ("decline", "busy", "timeout").
func (c *Client) Reject(ctx context.Context, callID, reason string) error {
	err := c.do(ctx, OpReject, callID, func(ctx context.Context) error {
		return c.backend.Reject(ctx, callID, reason)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err == nil {
		c.markEnded(callID)
	}
	return err
}

// Leave leaves the call. Leaving a call that has already ended is a no-op.
func (c *Client) Leave(ctx context.Context, callID string) error {
	if c.isEnded(callID) {
		return nil
	}
	err := c.do(ctx, OpLeave, callID, func(ctx context.Context) error {
		return c.backend.Leave(ctx, callID)
	})
	if err == nil || errors.Is(err, ErrNotFound) {
		c.markEnded(callID)
		return nil
	}
	return err
}

// MarkEnded records that the backend reported the call ended, so a later
// Leave does not reach the backend.
func (c *Client) MarkEnded(callID string) { c.markEnded(callID) }

func (c *Client) do(ctx context.Context, op Op, callID string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if err == nil {
		c.logger.Debug("signaling ok", zap.String("op", string(op)), zap.String("call_id", callID),
			zap.Duration("took", time.Since(start)))
		return nil
	}
	serr := &SignalingError{Op: op, CallID: callID, Kind: classify(ctx, err), Err: err}
	c.metrics.SignalingFailure(string(op), string(serr.Kind))
	c.logger.Warn("signaling failed", zap.String("op", string(op)), zap.String("call_id", callID),
		zap.String("kind", string(serr.Kind)), zap.Error(err))
	return serr
}

func classify(ctx context.Context, err error) Failure {
	switch {
	case errors.Is(err, ErrRemoteBusy):
		return FailureBusy
	case errors.Is(err, ErrRejected), errors.Is(err, ErrNotFound):
		return FailureRejected
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return FailureTimeout
	default:
		return FailureTransport
	}
}

func (c *Client) markEnded(callID string) {
	c.mu.Lock()
	c.ended[callID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) forget(callID string) {
	c.mu.Lock()
	delete(c.ended, callID)
	c.mu.Unlock()
}

func (c *Client) isEnded(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ended[callID]
	return ok
}

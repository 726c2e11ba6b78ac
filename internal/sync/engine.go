// Package sync keeps the conversation list current from backend snapshots
// and the realtime channel.
package sync

import (
	"context"
	"errors"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/chat"
	"github.com/matheus3301/heartline/internal/metrics"
	"github.com/matheus3301/heartline/internal/realtime"
	"github.com/matheus3301/heartline/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SnapshotFetcher loads the full conversation list from the backend.
type SnapshotFetcher interface {
	FetchConversations(ctx context.Context) ([]chat.Conversation, error)
}

// Cache persists the working list between daemon runs. *store.DB
// implements it.
type Cache interface {
	LoadConversations(ownerID string) ([]chat.Conversation, error)
	ReplaceConversations(ownerID string, convs []chat.Conversation) error
	UpsertMessage(ownerID string, m chat.Message) error
	SetCheckpoint(ownerID, key, value string) error
}

// Config controls refresh cadence.
type Config struct {
	RefreshInterval time.Duration
	RefetchInterval time.Duration
	RefetchBurst    int
}

// SnapshotApplied is the payload of bus.KindChatSnapshot.
type SnapshotApplied struct {
	Conversations int
	Replayed      int
	Reason        string
}

// MessageApplied is the payload of bus.KindChatMessage.
type MessageApplied struct {
	ConversationID string
	MessageID      string
	Outcome        string
}

// RefetchRequested is the payload of bus.KindChatRefetch.
type RefetchRequested struct {
	ConversationID string
}

// Engine drives a chat.Reconciler from snapshot fetches and live frames.
// Live messages that arrive while a fetch is in flight are applied at once
// and replayed after the snapshot replaces the list.
type Engine struct {
	owner   string
	rec     *chat.Reconciler
	fetcher SnapshotFetcher
	cache   Cache
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     Config
	limiter *rate.Limiter
	refetch chan string

	refreshMu stdsync.Mutex

	mu           stdsync.Mutex
	fetching     bool
	pending      []chat.LiveMessageEvent
	lastSnapshot time.Time
	lastErr      error
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewEngine creates an engine for ownerID. cache may be nil.
func NewEngine(ownerID string, rec *chat.Reconciler, fetcher SnapshotFetcher, cache Cache, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RefetchInterval <= 0 {
		cfg.RefetchInterval = 5 * time.Second
	}
	if cfg.RefetchBurst <= 0 {
		cfg.RefetchBurst = 1
	}
	return &Engine{
		owner:   ownerID,
		rec:     rec,
		fetcher: fetcher,
		cache:   cache,
		bus:     b,
		logger:  logger.With(zap.String("component", "chat_sync")),
		metrics: m,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.RefetchInterval), cfg.RefetchBurst),
		refetch: make(chan string, 1),
	}
}

// Reconciler returns the working list.
func (e *Engine) Reconciler() *chat.Reconciler { return e.rec }

// WarmStart loads the cached list so reads have data before the first
// snapshot lands.
func (e *Engine) WarmStart() error {
	if e.cache == nil {
		return nil
	}
	convs, err := e.cache.LoadConversations(e.owner)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		return nil
	}
	e.mu.Lock()
	e.rec.ApplySnapshot(convs)
	e.mu.Unlock()
	e.logger.Info("warm start from cache", zap.Int("conversations", len(convs)))
	return nil
}

// Start runs the initial snapshot and then the periodic and on-miss
// refreshes until Stop.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	go func() {
		defer close(done)
		e.refresh(ctx, "initial")

		var tick <-chan time.Time
		if e.cfg.RefreshInterval > 0 {
			ticker := time.NewTicker(e.cfg.RefreshInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
				e.refresh(ctx, "periodic")
			case convID := <-e.refetch:
				if err := e.limiter.Wait(ctx); err != nil {
					return
				}
				e.metrics.Refetch()
				e.refresh(ctx, "unknown conversation "+convID)
			}
		}
	}()
}

// Stop ends the refresh loop and waits for it to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *Engine) refresh(ctx context.Context, reason string) {
	if err := e.Refresh(ctx, reason); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("snapshot refresh failed", zap.String("reason", reason), zap.Error(err))
	}
}

// Refresh fetches a snapshot and replaces the working list with it.
// Concurrent calls are serialized.
func (e *Engine) Refresh(ctx context.Context, reason string) error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	e.mu.Lock()
	e.fetching = true
	e.pending = nil
	e.mu.Unlock()

	convs, err := e.fetcher.FetchConversations(ctx)

	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.fetching = false
	if err != nil {
		e.lastErr = err
		e.mu.Unlock()
		e.metrics.Snapshot(false)
		return err
	}
	e.rec.ApplySnapshot(convs)
	for _, evt := range pending {
		if res := e.rec.ApplyLiveMessage(evt); res.Outcome == chat.NeedsRefetch {
			e.logger.Debug("replayed message still has no conversation",
				zap.String("conversation_id", res.ConversationID))
		}
	}
	e.lastSnapshot = time.Now()
	e.lastErr = nil
	snapshot := e.rec.Conversations()
	e.mu.Unlock()

	e.metrics.Snapshot(true)
	e.persistSnapshot(snapshot)
	e.logger.Info("snapshot applied",
		zap.String("reason", reason), zap.Int("conversations", len(snapshot)), zap.Int("replayed", len(pending)))
	e.bus.Publish(bus.Event{
		Kind:    bus.KindChatSnapshot,
		Payload: SnapshotApplied{Conversations: len(snapshot), Replayed: len(pending), Reason: reason},
	})
	return nil
}

func (e *Engine) persistSnapshot(convs []chat.Conversation) {
	if e.cache == nil {
		return
	}
	if err := e.cache.ReplaceConversations(e.owner, convs); err != nil {
		e.logger.Error("failed to cache snapshot", zap.Error(err))
		return
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := e.cache.SetCheckpoint(e.owner, store.CheckpointLastSnapshot, now); err != nil {
		e.logger.Error("failed to update checkpoint", zap.Error(err))
	}
}

// HandleFrame is the realtime handler for private-message frames.
func (e *Engine) HandleFrame(f realtime.Frame) {
	evt, err := chat.DecodeLiveMessage(f.Data)
	if err != nil {
		e.logger.Warn("dropping malformed private-message", zap.Error(err))
		return
	}
	e.HandleLive(evt)
}

// HandleLive reconciles one live message.
func (e *Engine) HandleLive(evt chat.LiveMessageEvent) chat.Result {
	e.mu.Lock()
	res := e.rec.ApplyLiveMessage(evt)
	if e.fetching {
		e.pending = append(e.pending, evt)
	}
	e.mu.Unlock()

	e.metrics.Reconciled(res.Outcome.String())
	switch res.Outcome {
	case chat.Applied, chat.FlagsUpdated:
		if e.cache != nil {
			if err := e.cache.UpsertMessage(e.owner, res.Message); err != nil {
				e.logger.Error("failed to cache message", zap.Error(err), zap.String("message_id", res.Message.ID))
			}
		}
		e.bus.Publish(bus.Event{
			Kind: bus.KindChatMessage,
			Payload: MessageApplied{
				ConversationID: res.ConversationID,
				MessageID:      res.Message.ID,
				Outcome:        res.Outcome.String(),
			},
		})
	case chat.NeedsRefetch:
		e.RequestRefetch(res.ConversationID)
	case chat.Ignored:
		e.logger.Debug("live message ignored", zap.String("reason", res.Reason))
	}
	return res
}

// RequestRefetch schedules a snapshot refresh. Requests made while one is
// already queued are coalesced.
func (e *Engine) RequestRefetch(conversationID string) {
	select {
	case e.refetch <- conversationID:
		e.logger.Info("refetch requested", zap.String("conversation_id", conversationID))
		e.bus.Publish(bus.Event{
			Kind:    bus.KindChatRefetch,
			Payload: RefetchRequested{ConversationID: conversationID},
		})
	default:
	}
}

// Status summarizes sync health.
type Status struct {
	LastSnapshot time.Time
	LastError    string
	Fetching     bool
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{LastSnapshot: e.lastSnapshot, Fetching: e.fetching}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}

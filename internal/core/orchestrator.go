package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"crowdjuke/internal/broker"
)

// Package-level random number generator for playtime selection
var rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // Play durations don't require crypto-secure randomness

// BroadcastPublisher fans a payload out to every connected viewer under the
// given hook name.
type BroadcastPublisher interface {
	Broadcast(hook string, payload []byte)
}

// SeenChecker filters redelivered broker messages.
type SeenChecker interface {
	FirstSeen(id string) bool
}

// Metrics is the subset of server metrics the orchestrator records.
// A nil Metrics is valid and records nothing.
type Metrics interface {
	RecordBrokerMessage(status string)
	RecordAdvanceRequest(source string)
}

// QueueOrchestrator decides when the currently playing item has run its
// course and causes the next item to be selected, independent of any one
// client's clock. It consumes "item advanced" events from the broker,
// derives a play duration, schedules a one-shot advance timer and broadcasts
// the resulting snapshot to all viewers.
type QueueOrchestrator struct {
	config *Config
	broker broker.Broker
	fanout BroadcastPublisher
	seen   SeenChecker
	logger *zap.Logger

	// playtime stands in for a real duration lookup; replaceable without
	// touching the timer logic.
	playtime func() int
	// afterFunc schedules the one-shot advance timer; injectable so tests
	// can drive a simulated clock.
	afterFunc func(d time.Duration, f func()) *time.Timer

	timerMutex sync.Mutex
	timer      *time.Timer

	metrics Metrics
}

func NewQueueOrchestrator(
	config *Config,
	b broker.Broker,
	fanout BroadcastPublisher,
	seen SeenChecker,
	logger *zap.Logger,
) *QueueOrchestrator {
	q := &QueueOrchestrator{
		config:    config,
		broker:    b,
		fanout:    fanout,
		seen:      seen,
		logger:    logger,
		afterFunc: time.AfterFunc,
	}
	q.playtime = q.randomPlaytime
	return q
}

// SetPlaytimeFunc replaces the play-duration generator.
func (q *QueueOrchestrator) SetPlaytimeFunc(f func() int) {
	q.playtime = f
}

// SetMetrics attaches a metrics recorder.
func (q *QueueOrchestrator) SetMetrics(m Metrics) {
	q.metrics = m
}

// Hook returns the multiplexing key this orchestrator broadcasts under.
func (q *QueueOrchestrator) Hook() string {
	return HookName(q.config.App.Prefix, q.config.Queue.ServicePrefix)
}

// Start consumes the playlist-advanced queue until ctx is cancelled.
func (q *QueueOrchestrator) Start(ctx context.Context) error {
	deliveries, err := q.broker.Consume(ctx, broker.QueuePlaylistAdvanced)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", broker.QueuePlaylistAdvanced, err)
	}

	q.logger.Info("Queue orchestrator started",
		zap.String("hook", q.Hook()),
		zap.Int("minPlaytimeSecs", q.config.Queue.MinPlaytimeSecs),
		zap.Int("maxPlaytimeSecs", q.config.Queue.MaxPlaytimeSecs))

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				q.Stop()
				return nil
			}
			q.handleAdvanced(ctx, d)
		case <-ctx.Done():
			q.Stop()
			return nil
		}
	}
}

// Stop cancels any pending advance timer.
func (q *QueueOrchestrator) Stop() {
	q.timerMutex.Lock()
	defer q.timerMutex.Unlock()

	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// TriggerAdvance republishes the request verbatim onto the player-request
// queue. Viewer-initiated requests and the orchestrator's own timer-driven
// advances both converge here, so advancement logic lives only on the
// consumer side that actually selects tracks.
func (q *QueueOrchestrator) TriggerAdvance(ctx context.Context, req QueueManagerRequest) error {
	return q.advance(ctx, req, "viewer")
}

func (q *QueueOrchestrator) advance(ctx context.Context, req QueueManagerRequest, source string) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal queue manager request: %w", err)
	}

	if err := q.broker.Publish(ctx, broker.QueuePlayerRequest, body); err != nil {
		// Retry and redelivery are the transport's responsibility.
		q.logger.Error("Failed to publish advance request", zap.Error(err))
		return err
	}

	if q.metrics != nil {
		q.metrics.RecordAdvanceRequest(source)
	}

	return nil
}

func (q *QueueOrchestrator) handleAdvanced(ctx context.Context, d broker.Delivery) {
	if q.seen != nil && !q.seen.FirstSeen(d.ID) {
		q.logger.Debug("Dropping redelivered playlist event",
			zap.String("messageID", d.ID))
		return
	}

	var item NowPlayingItem
	if err := json.Unmarshal(d.Body, &item); err != nil {
		// A single bad message must not crash the consuming loop.
		q.logger.Warn("Dropping malformed playlist event",
			zap.String("messageID", d.ID),
			zap.Error(err))
		if q.metrics != nil {
			q.metrics.RecordBrokerMessage("malformed")
		}
		return
	}

	if item.Type != ItemTypeUnknown {
		item.Played = true
		item.PlaytimeSecs = q.playtime()
		q.scheduleAdvance(ctx, item.PlaytimeSecs)
	}

	if q.metrics != nil {
		q.metrics.RecordBrokerMessage("ok")
	}

	q.broadcast(QueueManagerResponse{Item: item})
}

// scheduleAdvance arms the one-shot advance timer. A new event always
// supersedes the previous one, so at most one timer is pending per session.
func (q *QueueOrchestrator) scheduleAdvance(ctx context.Context, playtimeSecs int) {
	q.timerMutex.Lock()
	defer q.timerMutex.Unlock()

	if q.timer != nil {
		q.timer.Stop()
	}

	q.timer = q.afterFunc(time.Duration(playtimeSecs)*time.Second, func() {
		req := QueueManagerRequest{Kind: RequestKindInit, Payload: json.RawMessage(`{}`)}
		if err := q.advance(ctx, req, "timer"); err != nil {
			q.logger.Error("Timer-driven advance failed", zap.Error(err))
		}
	})

	q.logger.Debug("Scheduled advance timer", zap.Int("playtimeSecs", playtimeSecs))
}

// broadcast is synchronous with event processing and never gated on the
// scheduled timer.
func (q *QueueOrchestrator) broadcast(resp QueueManagerResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		q.logger.Error("Failed to marshal queue manager response", zap.Error(err))
		return
	}

	q.fanout.Broadcast(q.Hook(), payload)
}

func (q *QueueOrchestrator) randomPlaytime() int {
	minSecs := q.config.Queue.MinPlaytimeSecs
	maxSecs := q.config.Queue.MaxPlaytimeSecs
	return rng.Intn(maxSecs-minSecs+1) + minSecs
}

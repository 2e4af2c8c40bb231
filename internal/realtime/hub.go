// Package realtime multiplexes logical request/response channels over one
// duplex connection per viewer and rebroadcasts queue state to every viewer,
// across server instances when a pub/sub adapter is configured.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"crowdjuke/internal/core"
	"crowdjuke/internal/flood"
)

// Conn is one viewer's duplex connection. Handlers are bound once, at
// connection-establishment time; the connection owns its own send queue.
type Conn interface {
	ID() string
	// On binds a handler for inbound payloads carrying the given hook name.
	On(hook string, handler func(payload []byte))
	// Emit queues an outbound payload under the given hook name. Slow
	// consumers drop; no backpressure reaches the caller.
	Emit(hook string, payload []byte)
}

// AdvanceSink receives viewer-originated queue manager requests.
type AdvanceSink interface {
	TriggerAdvance(ctx context.Context, req core.QueueManagerRequest) error
}

// HubMetrics is the subset of server metrics the hub records. Nil is valid.
type HubMetrics interface {
	RecordBroadcast()
	SetConnectedViewers(n int)
}

// Hub tracks the connections of one server instance and fans broadcasts out
// to all of them. With an Adapter attached, broadcasts travel through the
// shared pub/sub channel so viewers on every instance observe them; without
// one the hub degrades to local-only delivery.
type Hub struct {
	config *core.Config
	sink   AdvanceSink
	gate   *flood.Floodgate
	logger *zap.Logger

	adapter Adapter

	mutex sync.RWMutex
	conns map[string]Conn

	metrics HubMetrics
}

func NewHub(config *core.Config, sink AdvanceSink, gate *flood.Floodgate, logger *zap.Logger) *Hub {
	return &Hub{
		config: config,
		sink:   sink,
		gate:   gate,
		logger: logger,
		conns:  make(map[string]Conn),
	}
}

// SetMetrics attaches a metrics recorder.
func (h *Hub) SetMetrics(m HubMetrics) {
	h.metrics = m
}

// UseAdapter attaches the cross-instance pub/sub adapter and subscribes to
// the broadcast channel. Called once at startup; skipping it leaves the hub
// in degraded single-instance mode.
func (h *Hub) UseAdapter(ctx context.Context, adapter Adapter) error {
	hook := core.HookName(h.config.App.Prefix, h.config.Queue.ServicePrefix)

	if err := adapter.Subscribe(ctx, hook, func(payload []byte) {
		h.emitLocal(hook, payload)
	}); err != nil {
		return err
	}

	h.adapter = adapter
	h.logger.Info("Fan-out adapter attached", zap.String("hook", hook))
	return nil
}

// Register adds the connection to the hub and binds its command hooks.
func (h *Hub) Register(conn Conn) {
	h.mutex.Lock()
	h.conns[conn.ID()] = conn
	n := len(h.conns)
	h.mutex.Unlock()

	h.RegisterHooks(conn, h.config.App.Prefix)

	if h.metrics != nil {
		h.metrics.SetConnectedViewers(n)
	}

	h.logger.Info("Viewer connected",
		zap.String("connID", conn.ID()),
		zap.Int("viewers", n))
}

// Unregister drops the connection. No per-viewer state is retained elsewhere.
func (h *Hub) Unregister(conn Conn) {
	h.mutex.Lock()
	delete(h.conns, conn.ID())
	n := len(h.conns)
	h.mutex.Unlock()

	if h.metrics != nil {
		h.metrics.SetConnectedViewers(n)
	}

	h.logger.Info("Viewer disconnected",
		zap.String("connID", conn.ID()),
		zap.Int("viewers", n))
}

// RegisterHooks binds the queue manager command handler under the
// deterministic hook name derived from appPrefix.
func (h *Hub) RegisterHooks(conn Conn, appPrefix string) {
	hook := core.HookName(appPrefix, h.config.Queue.ServicePrefix)

	conn.On(hook, func(payload []byte) {
		var req core.QueueManagerRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			h.logger.Warn("Dropping malformed viewer request",
				zap.String("connID", conn.ID()),
				zap.Error(err))
			return
		}

		if h.gate != nil && !h.gate.CheckRequest(hook, conn.ID()) {
			h.logger.Debug("Viewer request rate limited",
				zap.String("connID", conn.ID()))
			return
		}

		if err := h.sink.TriggerAdvance(context.Background(), req); err != nil {
			h.logger.Error("Failed to forward viewer request",
				zap.String("connID", conn.ID()),
				zap.Error(err))
		}
	})
}

// Viewers returns the number of connections on this instance.
func (h *Hub) Viewers() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.conns)
}

// Broadcast emits the payload to every connected viewer on every instance.
// Pure publish: no acknowledgment is awaited and slow viewers silently miss.
func (h *Hub) Broadcast(hook string, payload []byte) {
	if h.metrics != nil {
		h.metrics.RecordBroadcast()
	}

	if h.adapter != nil {
		err := h.adapter.Publish(context.Background(), hook, payload)
		if err == nil {
			// Local delivery happens through our own subscription.
			return
		}
		h.logger.Warn("Adapter publish failed, delivering locally", zap.Error(err))
	}

	h.emitLocal(hook, payload)
}

func (h *Hub) emitLocal(hook string, payload []byte) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, conn := range h.conns {
		conn.Emit(hook, payload)
	}
}

package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is how long a single write may take before the socket is
	// considered dead
	writeWait = 10 * time.Second
	// pongWait is how long we wait for a pong before dropping the viewer
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds inbound frames
	maxMessageSize = 4096
	// sendQueueSize bounds the per-viewer outbound queue; overflow drops
	sendQueueSize = 16
)

// Envelope is the wire frame multiplexing logical hooks over one socket.
type Envelope struct {
	Hook    string          `json:"hook"`
	Payload json.RawMessage `json:"payload"`
}

// WSConn adapts a websocket to the hub's Conn interface. One reader and one
// writer goroutine per connection; all outbound traffic funnels through the
// send queue.
type WSConn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	handlerMutex sync.RWMutex
	handlers     map[string]func(payload []byte)

	closeOnce sync.Once
	closed    chan struct{}
}

func NewWSConn(ws *websocket.Conn, logger *zap.Logger) *WSConn {
	id := uuid.NewString()
	return &WSConn{
		id:       id,
		ws:       ws,
		send:     make(chan []byte, sendQueueSize),
		logger:   logger.With(zap.String("connID", id)),
		handlers: make(map[string]func(payload []byte)),
		closed:   make(chan struct{}),
	}
}

func (c *WSConn) ID() string {
	return c.id
}

// On binds handler for inbound frames on hook. Later registrations on the
// same hook replace earlier ones.
func (c *WSConn) On(hook string, handler func(payload []byte)) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.handlers[hook] = handler
}

// Emit queues an outbound frame. Full queue or closed connection drops the
// frame; delivery to viewers is best effort only.
func (c *WSConn) Emit(hook string, payload []byte) {
	frame, err := json.Marshal(Envelope{Hook: hook, Payload: payload})
	if err != nil {
		c.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}

	select {
	case c.send <- frame:
	case <-c.closed:
	default:
		c.logger.Debug("Dropping frame for slow viewer", zap.String("hook", hook))
	}
}

// Serve runs the read and write pumps until the viewer disconnects, then
// calls onClose exactly once. Blocks until the read side finishes.
func (c *WSConn) Serve(onClose func(*WSConn)) {
	go c.writePump()
	c.readPump()
	c.close()
	if onClose != nil {
		onClose(c)
	}
}

func (c *WSConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *WSConn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Viewer read error", zap.Error(err))
			}
			return
		}

		var frame Envelope
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}

		c.handlerMutex.RLock()
		handler := c.handlers[frame.Hook]
		c.handlerMutex.RUnlock()

		if handler == nil {
			c.logger.Debug("No handler for hook", zap.String("hook", frame.Hook))
			continue
		}
		handler(frame.Payload)
	}
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

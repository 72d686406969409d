package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-rtgun/internal/metrics"
	"github.com/teslashibe/go-rtgun/internal/protocol"
	"github.com/teslashibe/go-rtgun/internal/reports"
)

// locateTimeout bounds localization runs requested over the stream
const locateTimeout = 30 * time.Second

// WSHub manages WebSocket connections and broadcasts report messages
type WSHub struct {
	tracker *reports.Tracker
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex

	// ctx ends on Close or when the context passed to Start is done
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(tracker *reports.Tracker, logger *slog.Logger) *WSHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSHub{
		tracker: tracker,
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start forwards tracker messages to every client until ctx is done or the
// hub is closed. It returns immediately.
func (h *WSHub) Start(ctx context.Context) {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	stop := context.AfterFunc(ctx, h.cancel)
	updates := h.tracker.Subscribe()

	go func() {
		defer close(h.done)
		defer stop()
		defer h.tracker.Unsubscribe(updates)

		h.logger.Info("websocket hub started")

		for {
			select {
			case <-h.ctx.Done():
				h.logger.Info("websocket hub stopped")
				return
			case msg, ok := <-updates:
				if !ok {
					return
				}
				h.broadcast(msg)
			}
		}
	}()
}

func (h *WSHub) broadcast(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, wmu := range h.clients {
		wmu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		wmu.Unlock()
		if err != nil {
			// Will be cleaned up when connection closes
			h.logger.Debug("websocket write error", "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	// Middleware to check if request is a WebSocket upgrade
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive localization reports",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	wmu := &sync.Mutex{}

	h.mu.Lock()
	h.clients[c] = wmu
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	// Keep connection alive, read for close or commands
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			// Connection closed
			break
		}

		h.handleCommand(c, wmu, raw)
	}
}

func (h *WSHub) handleCommand(c *websocket.Conn, wmu *sync.Mutex, raw []byte) {
	msg, err := protocol.ParseMessage(raw)
	if err != nil {
		return
	}

	var reply *protocol.Message
	switch msg.Type {
	case protocol.TypePing:
		reply, _ = protocol.NewMessage(protocol.TypePong, nil)
	case protocol.TypeLocate:
		reply = h.locate(msg)
	default:
		return
	}
	if reply == nil {
		return
	}

	data, err := reply.Bytes()
	if err != nil {
		return
	}
	wmu.Lock()
	defer wmu.Unlock()
	c.WriteMessage(websocket.TextMessage, data)
}

// locate runs a requested localization. Successful reports reach the client
// through the broadcast; only failures are answered directly.
func (h *WSHub) locate(msg *protocol.Message) *protocol.Message {
	cmd, err := msg.GetLocateCommand()
	if err != nil {
		reply, _ := protocol.NewErrorMessage(metrics.OpTDOA, time.Time{}, err)
		return reply
	}
	req, err := cmd.Request()
	if err != nil {
		reply, _ := protocol.NewErrorMessage(metrics.OpTDOA, time.Time{}, err)
		return reply
	}

	ctx, cancel := context.WithTimeout(h.ctx, locateTimeout)
	defer cancel()

	// Tracker failures are broadcast as error messages
	_, _ = h.tracker.Locate(ctx, req)
	return nil
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the WebSocket hub and cancels runs it started
func (h *WSHub) Close() {
	h.cancel()
	if h.started.Load() {
		<-h.done
	}

	// Close all client connections
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
}

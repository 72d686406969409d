// Package publish pushes localization reports to a remote collector over a
// WebSocket and accepts locate commands back.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-rtgun/internal/config"
	"github.com/teslashibe/go-rtgun/internal/pipeline"
	"github.com/teslashibe/go-rtgun/internal/protocol"
)

// Config holds publisher configuration
type Config struct {
	URL              string        // Collector URL (e.g., "ws://collector.example.com/ws/node")
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxBackoff       time.Duration // Maximum reconnect delay
	PingInterval     time.Duration // Ping interval for keepalive
	WriteTimeout     time.Duration // Write timeout
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ws/node",
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// ConfigFrom converts the publish section of the node configuration
func ConfigFrom(cfg config.PublishConfig) Config {
	def := DefaultConfig()
	out := Config{
		URL:              cfg.URL,
		ReconnectBackoff: cfg.ReconnectBackoff,
		MaxBackoff:       cfg.MaxBackoff,
		PingInterval:     cfg.PingInterval,
		WriteTimeout:     cfg.WriteTimeout,
	}
	if out.ReconnectBackoff <= 0 {
		out.ReconnectBackoff = def.ReconnectBackoff
	}
	if out.MaxBackoff < out.ReconnectBackoff {
		out.MaxBackoff = max(def.MaxBackoff, out.ReconnectBackoff)
	}
	if out.PingInterval <= 0 {
		out.PingInterval = def.PingInterval
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = def.WriteTimeout
	}
	return out
}

// Client manages the WebSocket connection to the collector
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	lastError string
	cancel    context.CancelFunc

	// Serializes writers on conn
	writeMu sync.Mutex

	// Callback for incoming locate commands
	onLocate func(context.Context, pipeline.Request)

	// Stats
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	messagesDropped  atomic.Uint64
	reconnects       atomic.Uint64
}

// NewClient creates a new publisher client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
	}
}

// OnLocate sets the callback for collector-initiated localization
func (c *Client) OnLocate(callback func(context.Context, pipeline.Request)) {
	c.mu.Lock()
	c.onLocate = callback
	c.mu.Unlock()
}

// Connect starts the connection loop in the background
func (c *Client) Connect(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	go c.connectionLoop(ctx)
	return nil
}

// Forward sends every message from updates until ctx is done or updates is
// closed. Messages produced while disconnected are dropped.
func (c *Client) Forward(ctx context.Context, updates <-chan *protocol.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-updates:
			if !ok {
				return
			}
			if err := c.SendMessage(msg); err != nil {
				c.messagesDropped.Add(1)
				c.logger.Debug("report not published", "type", msg.Type, "error", err)
			}
		}
	}
}

// connectionLoop manages connection with auto-reconnect
func (c *Client) connectionLoop(ctx context.Context) {
	backoff := c.cfg.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			c.closeConnection()
			return
		default:
		}

		err := c.connect(ctx)
		if err != nil {
			c.setError(err)
			c.logger.Warn("collector connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			// Exponential backoff
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		// Reset backoff on successful connection
		backoff = c.cfg.ReconnectBackoff

		// Read messages until error
		c.readLoop(ctx)
	}
}

// connect establishes the WebSocket connection
func (c *Client) connect(ctx context.Context) error {
	c.logger.Info("connecting to collector", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastError = ""
	c.mu.Unlock()

	c.logger.Info("connected to collector")

	// Start ping goroutine
	go c.pingLoop(ctx, conn)

	return nil
}

// pingLoop sends periodic pings on conn until it is replaced or closed
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop reads messages from the collector
func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("read error", "error", err)
			c.setError(err)
			c.closeConnection()
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(ctx, data)
	}
}

// handleMessage processes incoming messages
func (c *Client) handleMessage(ctx context.Context, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("parse message error", "error", err)
		return
	}

	c.mu.Lock()
	locateCb := c.onLocate
	c.mu.Unlock()

	switch msg.Type {
	case protocol.TypeLocate:
		if locateCb == nil {
			return
		}
		cmd, err := msg.GetLocateCommand()
		if err != nil {
			c.logger.Warn("invalid locate command", "error", err)
			return
		}
		req, err := cmd.Request()
		if err != nil {
			c.logger.Warn("invalid locate command", "error", err)
			return
		}
		// Runs can take seconds; keep reading meanwhile
		go locateCb(ctx, req)

	case protocol.TypePing:
		// Respond with pong
		pong := &protocol.Message{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()}
		c.SendMessage(pong)
	}
}

// SendMessage sends a message to the collector
func (c *Client) SendMessage(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("send error", "error", err)
		c.setError(err)
		c.closeConnection()
		return fmt.Errorf("write: %w", err)
	}

	c.messagesSent.Add(1)
	return nil
}

// SendReport sends a localization report to the collector
func (c *Client) SendReport(report *pipeline.Report) error {
	msg, err := protocol.NewTDOAMessage(report)
	if err != nil {
		return err
	}
	return c.SendMessage(msg)
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

// closeConnection closes the WebSocket connection
func (c *Client) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close shuts down the client
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConnection()
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Probe reports connection state in the shape of a health probe
func (c *Client) Probe() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return true, "connected to " + c.cfg.URL
	}
	if c.lastError != "" {
		return false, c.lastError
	}
	return false, "not connected"
}

// Stats returns client statistics
type Stats struct {
	Connected        bool   `json:"connected"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesDropped  uint64 `json:"messages_dropped"`
	Reconnects       uint64 `json:"reconnects"`
}

// GetStats returns client statistics
func (c *Client) GetStats() Stats {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	return Stats{
		Connected:        connected,
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		MessagesDropped:  c.messagesDropped.Load(),
		Reconnects:       c.reconnects.Load(),
	}
}

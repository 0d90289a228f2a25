package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stream is the duplex message transport the client speaks over. The
// reference implementation in this package wraps a WebSocket connection;
// any transport that can send/receive whole messages works.
type Stream interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Close(code int) error
}

// Dialer opens a new Stream to addr.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Stream, error)
}

// ClientConfig tunes reconnect and heartbeat behavior.
type ClientConfig struct {
	HeartbeatInterval time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64
	MaxAttempts       int
}

// DefaultClientConfig returns conservative defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HeartbeatInterval: 15 * time.Second,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
		MaxAttempts:       10,
	}
}

// normalCloseCode is the WebSocket close code that suppresses reconnect.
const normalCloseCode = 1000

// Client is a reference signaling client: connects, maintains room
// membership, queues outbound messages while reconnecting, and heartbeats.
type Client struct {
	mu             sync.Mutex
	addr           string
	dialer         Dialer
	cfg            ClientConfig
	logger         *zap.Logger
	localID        string
	stream         Stream
	currentRoom    string
	outbox         []Message
	handlers       map[MessageType][]func(Message)
	attempt        int
	closed         bool
	stopHeartbeat  chan struct{}
}

// NewClient creates a client identified by localID.
func NewClient(addr string, dialer Dialer, localID string, cfg ClientConfig, logger *zap.Logger) *Client {
	return &Client{
		addr:     addr,
		dialer:   dialer,
		cfg:      cfg,
		logger:   logger,
		localID:  localID,
		handlers: make(map[MessageType][]func(Message)),
	}
}

// On registers a handler invoked for every received message of type t.
func (c *Client) On(t MessageType, fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], fn)
}

// Connect dials the transport and starts the read and heartbeat loops.
func (c *Client) Connect(ctx context.Context) error {
	stream, err := c.dialer.Dial(ctx, c.addr)
	if err != nil {
		return fmt.Errorf("signaling: connect: %w", err)
	}

	c.mu.Lock()
	c.stream = stream
	c.attempt = 0
	pending := c.outbox
	c.outbox = nil
	room := c.currentRoom
	c.stopHeartbeat = make(chan struct{})
	c.mu.Unlock()

	for _, msg := range pending {
		c.writeRaw(msg)
	}
	if room != "" {
		c.JoinRoom(room)
	}

	go c.readLoop(ctx)
	go c.heartbeatLoop()

	return nil
}

// Send queues msg while disconnected, or writes it immediately when open.
func (c *Client) Send(msg Message) {
	msg.From = c.localID
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		c.mu.Lock()
		c.outbox = append(c.outbox, msg)
		c.mu.Unlock()
		return
	}
	c.writeRaw(msg)
}

func (c *Client) writeRaw(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		c.mu.Lock()
		c.outbox = append(c.outbox, msg)
		c.mu.Unlock()
		return
	}
	if err := stream.WriteMessage(data); err != nil && c.logger != nil {
		c.logger.Warn("signaling write failed", zap.Error(err))
	}
}

// JoinRoom leaves the previously joined room, if any, and joins roomID.
func (c *Client) JoinRoom(roomID string) {
	c.mu.Lock()
	previous := c.currentRoom
	c.currentRoom = roomID
	c.mu.Unlock()

	if previous != "" && previous != roomID {
		c.Send(Message{Type: TypeLeaveRoom, RoomID: previous})
	}
	c.Send(Message{Type: TypeJoinRoom, RoomID: roomID})
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		stream := c.stream
		c.mu.Unlock()
		if stream == nil {
			return
		}

		data, err := stream.ReadMessage()
		if err != nil {
			c.handleDisconnect(ctx)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			if c.logger != nil {
				c.logger.Warn("dropping malformed signaling message", zap.Error(err))
			}
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	if msg.Type == TypePing {
		c.Send(Message{Type: TypePong, To: msg.From, Payload: mustMarshal(PongPayload{
			OriginalTimestamp: msg.Timestamp,
			RespondTimestamp:  time.Now().UnixMilli(),
		})})
	}

	c.mu.Lock()
	handlers := append([]func(Message){}, c.handlers[msg.Type]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func (c *Client) heartbeatLoop() {
	c.mu.Lock()
	stop := c.stopHeartbeat
	interval := c.cfg.HeartbeatInterval
	c.mu.Unlock()

	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Send(Message{Type: TypePing, Payload: mustMarshal(PingPayload{Timestamp: time.Now().UnixMilli()})})
		case <-stop:
			return
		}
	}
}

// handleDisconnect reconnects with exponential backoff and jitter, capped
// at MaxAttempts, rejoining the last room on success.
func (c *Client) handleDisconnect(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	c.mu.Unlock()

	backoff := c.cfg.InitialBackoff
	for attempt := 1; c.cfg.MaxAttempts <= 0 || attempt <= c.cfg.MaxAttempts; attempt++ {
		jittered := applyJitter(backoff, c.cfg.Jitter)
		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return
		}

		if err := c.Connect(ctx); err == nil {
			return
		}
		if c.logger != nil {
			c.logger.Warn("signaling reconnect attempt failed", zap.Int("attempt", attempt))
		}

		backoff = time.Duration(float64(backoff) * c.cfg.BackoffMultiplier)
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func applyJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	delta := float64(base) * jitter
	offset := (rand.Float64()*2 - 1) * delta
	result := time.Duration(float64(base) + offset)
	if result < 0 {
		result = 0
	}
	return result
}

// Close shuts down the client with a normal close code, suppressing
// reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	stream := c.stream
	c.stream = nil
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	c.mu.Unlock()

	if stream != nil {
		return stream.Close(normalCloseCode)
	}
	return nil
}

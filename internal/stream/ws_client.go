package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/companion/internal/clock"
)

// wireMessage is the JSON envelope used for control and audio frames.
type wireMessage struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq,omitempty"`
	SentAt  string `json:"sent_at,omitempty"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// WSConfig configures Dial.
type WSConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Buffer           int
	Clock            clock.Clock
}

var _ Client = (*WSClient)(nil)

// WSClient is a Client over one WebSocket connection. It does not
// reconnect; callers dial again after KindClose.
type WSClient struct {
	conn   *websocket.Conn
	cfg    WSConfig
	logger zerolog.Logger
	events chan Event

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
	seq     uint64
}

// Dial connects and starts the read loop. The first event is KindOpen.
func Dial(ctx context.Context, cfg WSConfig, logger zerolog.Logger) (*WSClient, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}

	c := &WSClient{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With().Str("component", "stream").Logger(),
		events: make(chan Event, cfg.Buffer),
	}
	c.events <- Event{Kind: KindOpen, At: cfg.Clock.Now()}
	c.logger.Info().Str("url", cfg.URL).Msg("stream connected")

	go c.readLoop()
	return c, nil
}

// Events returns the event channel.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Send writes a text or binary frame.
func (c *WSClient) Send(ctx context.Context, payload []byte, isText bool) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	msgType := websocket.BinaryMessage
	if isText {
		msgType = websocket.TextMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(msgType, payload); err != nil {
		return fmt.Errorf("stream write: %w", err)
	}
	return nil
}

// Close sends a close frame and tears the connection down.
func (c *WSClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *WSClient) readLoop() {
	defer c.finish()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Warn().Err(err).Msg("stream read failed")
				c.emit(Event{Kind: KindError, Err: err})
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.emitAudio(data, 0, time.Time{})
		case websocket.TextMessage:
			c.handleText(data)
		}
	}
}

func (c *WSClient) handleText(data []byte) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug().Err(err).Msg("ignoring malformed stream message")
		return
	}

	switch msg.Type {
	case "audio":
		audio, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			c.logger.Debug().Err(err).Uint64("seq", msg.Seq).Msg("bad audio payload")
			c.emit(Event{Kind: KindError, Err: fmt.Errorf("decode audio: %w", err)})
			return
		}
		var sentAt time.Time
		if msg.SentAt != "" {
			sentAt, _ = time.Parse(time.RFC3339Nano, msg.SentAt)
		}
		c.emitAudio(audio, msg.Seq, sentAt)
	case "turn_complete":
		c.emit(Event{Kind: KindTurnComplete})
	case "interrupted":
		c.emit(Event{Kind: KindInterrupted})
	case "error":
		c.emit(Event{Kind: KindError, Err: errors.New(msg.Message)})
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown stream message")
	}
}

// emitAudio assigns a local sequence number when the server gave none.
func (c *WSClient) emitAudio(data []byte, seq uint64, sentAt time.Time) {
	c.mu.Lock()
	if seq == 0 {
		seq = c.seq + 1
	}
	if seq > c.seq {
		c.seq = seq
	}
	c.mu.Unlock()

	now := c.cfg.Clock.Now()
	c.emit(Event{Kind: KindAudio, At: now, Packet: Packet{Seq: seq, Data: data, SentAt: sentAt, ArrivedAt: now}})
}

func (c *WSClient) emit(e Event) {
	if e.At.IsZero() {
		e.At = c.cfg.Clock.Now()
	}
	c.events <- e
}

func (c *WSClient) finish() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.emit(Event{Kind: KindClose})
	close(c.events)
	c.conn.Close()
	c.logger.Info().Msg("stream closed")
}

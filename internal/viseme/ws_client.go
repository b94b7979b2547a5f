package viseme

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wsRequest announces the binary frame that follows it.
type wsRequest struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Bytes int    `json:"bytes"`
}

// wsMessage is any message from the service.
type wsMessage struct {
	Type      string     `json:"type"`
	ID        string     `json:"id"`
	Message   string     `json:"message,omitempty"`
	Visemes   []Cue      `json:"visemes,omitempty"`
	Subtitles []Subtitle `json:"subtitles,omitempty"`
}

// WSClientConfig configures WSClient.
type WSClientConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
}

var _ Service = (*WSClient)(nil)

// WSClient talks to the viseme service over a WebSocket.
type WSClient struct {
	cfg    WSClientConfig
	logger zerolog.Logger

	writeMu sync.Mutex
	mu      sync.RWMutex
	conn    *websocket.Conn
	acks    map[string]chan error

	onComplete func(Result)
	onChunk    func(Result)
	onError    func(error)
}

// NewWSClient creates a new client; call Connect before sending.
func NewWSClient(cfg WSClientConfig, logger zerolog.Logger) *WSClient {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	return &WSClient{
		cfg:    cfg,
		logger: logger.With().Str("component", "viseme-client").Logger(),
		acks:   make(map[string]chan error),
	}
}

func (c *WSClient) OnComplete(fn func(Result)) { c.mu.Lock(); c.onComplete = fn; c.mu.Unlock() }
func (c *WSClient) OnChunk(fn func(Result))    { c.mu.Lock(); c.onChunk = fn; c.mu.Unlock() }
func (c *WSClient) OnError(fn func(error))     { c.mu.Lock(); c.onError = fn; c.mu.Unlock() }

// Connect dials the service and starts reading responses.
func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial viseme service: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info().Str("url", c.cfg.URL).Msg("connected to viseme service")
	go c.readLoop(conn)
	return nil
}

// Disconnect closes the connection. Pending requests fail with
// ErrNotConnected.
func (c *WSClient) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.failPending(ErrNotConnected)
}

// IsConnected returns connection status
func (c *WSClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// SendAudioChunk submits audio and waits for the service to accept it.
func (c *WSClient) SendAudioChunk(ctx context.Context, requestID string, audio []byte) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ack := make(chan error, 1)
	c.acks[requestID] = ack
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AckTimeout)
		defer cancel()
	}

	if err := c.writeRequest(conn, requestID, audio); err != nil {
		c.dropAck(requestID)
		return err
	}

	c.logger.Debug().Str("request", requestID).Int("bytes", len(audio)).Msg("audio submitted")

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		c.dropAck(requestID)
		return fmt.Errorf("waiting for viseme ack: %w", ctx.Err())
	}
}

func (c *WSClient) writeRequest(conn *websocket.Conn, id string, audio []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.WriteJSON(wsRequest{Type: "request", ID: id, Bytes: len(audio)}); err != nil {
		return fmt.Errorf("write request header: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	return nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			c.mu.Unlock()
			if current {
				c.logger.Warn().Err(err).Msg("viseme service connection lost")
				c.failPending(ErrNotConnected)
				c.emitError(fmt.Errorf("viseme read: %w", err))
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *WSClient) handleMessage(msg wsMessage) {
	switch msg.Type {
	case "ack":
		c.resolve(msg.ID, nil)
	case "reject":
		c.resolve(msg.ID, fmt.Errorf("%w: %s", ErrRejected, msg.Message))
	case "chunk":
		c.mu.RLock()
		cb := c.onChunk
		c.mu.RUnlock()
		if cb != nil {
			cb(Result{RequestID: msg.ID, Visemes: msg.Visemes, Subtitles: msg.Subtitles})
		}
	case "complete":
		c.mu.RLock()
		cb := c.onComplete
		c.mu.RUnlock()
		if cb != nil {
			cb(Result{RequestID: msg.ID, Visemes: msg.Visemes, Subtitles: msg.Subtitles})
		}
	case "error":
		// an error before ack is a refusal
		if c.resolve(msg.ID, &RequestError{RequestID: msg.ID, Message: msg.Message}) {
			return
		}
		c.emitError(&RequestError{RequestID: msg.ID, Message: msg.Message})
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown message")
	}
}

func (c *WSClient) resolve(id string, err error) bool {
	c.mu.Lock()
	ch, ok := c.acks[id]
	delete(c.acks, id)
	c.mu.Unlock()
	if ok {
		ch <- err
	}
	return ok
}

func (c *WSClient) dropAck(id string) {
	c.mu.Lock()
	delete(c.acks, id)
	c.mu.Unlock()
}

func (c *WSClient) failPending(err error) {
	c.mu.Lock()
	acks := c.acks
	c.acks = make(map[string]chan error)
	c.mu.Unlock()
	for _, ch := range acks {
		ch <- err
	}
}

func (c *WSClient) emitError(err error) {
	c.mu.RLock()
	cb := c.onError
	c.mu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

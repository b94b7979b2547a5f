package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/normanking/companion/internal/bus"
	"github.com/normanking/companion/internal/speech"
)

// VolumeSink receives microphone volume samples.
type VolumeSink interface {
	UpdateVolume(sample float64) speech.Result
}

// Subscriber is the event source pushed to front-end sockets.
type Subscriber interface {
	SubscribeMultiple(types []bus.EventType, h bus.Handler) func()
}

// pushed are the events forwarded to front-end sockets.
var pushed = []bus.EventType{
	bus.EventTypeTurnStarted,
	bus.EventTypeTurnComplete,
	bus.EventTypeTurnBuffering,
	bus.EventTypeTurnInterrupted,
	bus.EventTypeCuesUpdated,
	bus.EventTypeCuesCleared,
	bus.EventTypeStateChanged,
	bus.EventTypeNudgeSent,
	bus.EventTypeNudgeIndicatorShow,
	bus.EventTypeNudgeIndicatorHide,
	bus.EventTypeSessionTerminated,
	bus.EventTypeStreamOpened,
	bus.EventTypeStreamClosed,
}

// VolumeMessage is an inbound text frame. Binary frames carry raw
// little-endian PCM16 and are converted to RMS volume.
type VolumeMessage struct {
	Type   string  `json:"type"`
	Volume float64 `json:"volume"`
}

// EventMessage is an outbound text frame.
type EventMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 64
)

// wsPeer queues outbound frames for one front-end socket. Bus handlers
// only enqueue; a full queue drops the frame rather than blocking the
// publisher.
type wsPeer struct {
	out     chan []byte
	done    chan struct{}
	dropped atomic.Uint64
}

func newWSPeer(size int) *wsPeer {
	return &wsPeer{
		out:  make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// push marshals e and queues it. Reports false when the frame was dropped.
func (p *wsPeer) push(e bus.Event) bool {
	data, err := json.Marshal(EventMessage{Type: string(e.Type), Data: e.Data})
	if err != nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- data:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// run writes queued frames until stop is called or a write fails.
func (p *wsPeer) run(write func([]byte) error) error {
	for {
		select {
		case <-p.done:
			return nil
		case data := <-p.out:
			if err := write(data); err != nil {
				return err
			}
		}
	}
}

func (p *wsPeer) stop() {
	close(p.done)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("front-end connected")

	if s.deps.Events != nil {
		peer := newWSPeer(wsSendBuffer)
		unsubscribe := s.deps.Events.SubscribeMultiple(pushed, func(e bus.Event) { peer.push(e) })
		go func() {
			err := peer.run(func(data []byte) error {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				return conn.WriteMessage(websocket.TextMessage, data)
			})
			if err != nil {
				s.logger.Debug().Err(err).Msg("front-end write failed")
				// unblocks the read loop below
				_ = conn.Close()
			}
		}()
		defer func() {
			unsubscribe()
			peer.stop()
			if n := peer.dropped.Load(); n > 0 {
				s.logger.Warn().Uint64("dropped", n).Msg("front-end socket fell behind")
			}
		}()
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("front-end socket closed")
			}
			return
		}
		if s.deps.Volume == nil {
			continue
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.deps.Volume.UpdateVolume(speech.VolumePCM16(data))
		case websocket.TextMessage:
			var msg VolumeMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "volume" {
				s.logger.Debug().Msg("ignoring unknown front-end message")
				continue
			}
			s.deps.Volume.UpdateVolume(msg.Volume)
		}
	}
}

// Package stream is the client side of the conversational model stream:
// typed lifecycle and audio events in, text and audio out.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned by Send after the stream has closed.
var ErrNotConnected = errors.New("stream not connected")

// Kind tags an Event.
type Kind int

const (
	KindOpen Kind = iota
	KindClose
	KindError
	KindAudio
	KindTurnComplete
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	case KindError:
		return "error"
	case KindAudio:
		return "audio"
	case KindTurnComplete:
		return "turn_complete"
	case KindInterrupted:
		return "interrupted"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Packet is one audio payload from the model.
type Packet struct {
	Seq       uint64
	Data      []byte
	SentAt    time.Time // zero when the server does not stamp packets
	ArrivedAt time.Time
}

// Event is one item from the stream. Packet is set for KindAudio, Err for
// KindError.
type Event struct {
	Kind   Kind
	Packet Packet
	Err    error
	At     time.Time
}

// Client is a connected stream. Events is closed after the KindClose event.
type Client interface {
	Events() <-chan Event
	Send(ctx context.Context, payload []byte, isText bool) error
}

// TextMessage is the envelope for outbound text.
type TextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextSender adapts a Client to deliver plain text turns.
type TextSender struct {
	Client Client
}

// SendText wraps text in a TextMessage and sends it as a text frame.
func (s TextSender) SendText(ctx context.Context, text string) error {
	payload, err := json.Marshal(TextMessage{Type: "text", Text: text})
	if err != nil {
		return err
	}
	return s.Client.Send(ctx, payload, true)
}

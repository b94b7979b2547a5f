package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(t *testing.T, c Client) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-c.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func closeNormally(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_, _, _ = conn.ReadMessage()
}

func TestWSClient_EventSequence(t *testing.T) {
	sent := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	url := serve(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2})
		_ = conn.WriteJSON(wireMessage{
			Type:   "audio",
			Seq:    5,
			SentAt: sent.Format(time.RFC3339Nano),
			Data:   base64.StdEncoding.EncodeToString([]byte{3, 4, 5}),
		})
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{6})
		_ = conn.WriteJSON(wireMessage{Type: "turn_complete"})
		_ = conn.WriteJSON(wireMessage{Type: "interrupted"})
		closeNormally(conn)
	})

	c, err := Dial(context.Background(), WSConfig{URL: url}, zerolog.Nop())
	require.NoError(t, err)

	events := collect(t, c)
	var kinds []Kind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	require.Equal(t, []Kind{KindOpen, KindAudio, KindAudio, KindAudio, KindTurnComplete, KindInterrupted, KindClose}, kinds)

	assert.Equal(t, uint64(1), events[1].Packet.Seq)
	assert.Equal(t, []byte{1, 2}, events[1].Packet.Data)
	assert.Equal(t, uint64(5), events[2].Packet.Seq)
	assert.Equal(t, []byte{3, 4, 5}, events[2].Packet.Data)
	assert.True(t, events[2].Packet.SentAt.Equal(sent))
	assert.Equal(t, uint64(6), events[3].Packet.Seq)
	assert.False(t, events[3].Packet.ArrivedAt.IsZero())

	assert.ErrorIs(t, c.Send(context.Background(), []byte("x"), true), ErrNotConnected)
}

func TestWSClient_ServerError(t *testing.T) {
	url := serve(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(wireMessage{Type: "error", Message: "quota exceeded"})
		closeNormally(conn)
	})

	c, err := Dial(context.Background(), WSConfig{URL: url}, zerolog.Nop())
	require.NoError(t, err)

	events := collect(t, c)
	require.Len(t, events, 3)
	assert.Equal(t, KindError, events[1].Kind)
	assert.EqualError(t, events[1].Err, "quota exceeded")
}

func TestWSClient_AbruptDisconnectEmitsError(t *testing.T) {
	url := serve(t, func(conn *websocket.Conn) {
		// drop the TCP connection without a close frame
		conn.UnderlyingConn().Close()
	})

	c, err := Dial(context.Background(), WSConfig{URL: url}, zerolog.Nop())
	require.NoError(t, err)

	events := collect(t, c)
	require.Len(t, events, 3)
	assert.Equal(t, KindError, events[1].Kind)
	assert.Equal(t, KindClose, events[2].Kind)
}

func TestTextSender_SendsEnvelope(t *testing.T) {
	received := make(chan TextMessage, 1)
	url := serve(t, func(conn *websocket.Conn) {
		msgType, data, err := conn.ReadMessage()
		if err != nil || msgType != websocket.TextMessage {
			return
		}
		var msg TextMessage
		if json.Unmarshal(data, &msg) == nil {
			received <- msg
		}
		closeNormally(conn)
	})

	c, err := Dial(context.Background(), WSConfig{URL: url}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, TextSender{Client: c}.SendText(context.Background(), "are you there?"))
	select {
	case msg := <-received:
		assert.Equal(t, "text", msg.Type)
		assert.Equal(t, "are you there?", msg.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive text")
	}
	collect(t, c)
}

func TestDial_Unreachable(t *testing.T) {
	_, err := Dial(context.Background(), WSConfig{URL: "ws://127.0.0.1:1/none", HandshakeTimeout: time.Second}, zerolog.Nop())
	assert.Error(t, err)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "turn_complete", KindTurnComplete.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}

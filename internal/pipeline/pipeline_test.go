package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/companion/internal/bus"
	"github.com/normanking/companion/internal/clock"
	"github.com/normanking/companion/internal/stream"
	"github.com/normanking/companion/internal/viseme"
)

type dispatchCall struct {
	id    string
	audio []byte
}

type mockDispatcher struct {
	mu     sync.Mutex
	calls  []dispatchCall
	err    error
	onSend func(id string)
}

func (m *mockDispatcher) SendAudioChunk(_ context.Context, id string, audio []byte) error {
	m.mu.Lock()
	m.calls = append(m.calls, dispatchCall{id: id, audio: append([]byte(nil), audio...)})
	err, hook := m.err, m.onSend
	m.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return err
}

func (m *mockDispatcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type playRecord struct {
	audio []byte
	done  func()
}

type mockPlayer struct {
	mu    sync.Mutex
	plays []playRecord
	stops int
	err   error
}

func (m *mockPlayer) Play(audio []byte, done func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.plays = append(m.plays, playRecord{audio: append([]byte(nil), audio...), done: done})
	return nil
}

func (m *mockPlayer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *mockPlayer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.plays)
}

// finish completes the i-th playback as the audio device would.
func (m *mockPlayer) finish(i int) {
	m.mu.Lock()
	done := m.plays[i].done
	m.mu.Unlock()
	done()
}

type recordingBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recordingBus) Publish(e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingBus) of(t bus.EventType) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	clk        *clock.Manual
	dispatcher *mockDispatcher
	player     *mockPlayer
	bus        *recordingBus
	log        bytes.Buffer
	p          *Pipeline
	deferred   []func()
	async      bool
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		clk:        clock.NewManual(time.Unix(0, 0)),
		dispatcher: &mockDispatcher{},
		player:     &mockPlayer{},
		bus:        &recordingBus{},
	}
	n := 0
	opts.Clock = h.clk
	opts.Logger = zerolog.New(&h.log)
	opts.Bus = h.bus
	opts.NewID = func() string { n++; return fmt.Sprintf("turn-%d", n) }
	opts.Go = func(f func()) {
		if h.async {
			h.deferred = append(h.deferred, f)
			return
		}
		f()
	}
	h.p = New(h.dispatcher, h.player, opts)
	return h
}

// runDeferred runs dispatches captured while async was set.
func (h *harness) runDeferred() {
	for len(h.deferred) > 0 {
		f := h.deferred[0]
		h.deferred = h.deferred[1:]
		f()
	}
}

func (h *harness) packets(data ...[]byte) {
	for i, d := range data {
		h.p.OnAudioPacket(stream.Packet{Seq: uint64(i + 1), Data: d})
	}
}

func cues(id string) viseme.Result {
	return viseme.Result{
		RequestID: id,
		Visemes:   []viseme.Cue{{Viseme: viseme.PP, Offset: 0, Weight: 1}},
		Subtitles: []viseme.Subtitle{{Text: "hi", Start: 0, End: 100}},
	}
}

func TestPipeline_CombinesPacketsInOrder(t *testing.T) {
	tests := []struct {
		name    string
		packets [][]byte
	}{
		{"single", [][]byte{{1, 2, 3}}},
		{"several", [][]byte{{1, 2}, {3}, {4, 5, 6}}},
		{"many", func() [][]byte {
			var out [][]byte
			for i := 0; i < 50; i++ {
				out = append(out, bytes.Repeat([]byte{byte(i)}, i%7+1))
			}
			return out
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.packets(tt.packets...)
			h.p.OnTurnComplete()

			require.Equal(t, 1, h.dispatcher.count())
			want := bytes.Join(tt.packets, nil)
			assert.Equal(t, want, h.dispatcher.calls[0].audio)
			assert.Equal(t, len(want), h.p.Snapshot().PendingBytes)
		})
	}
}

func TestPipeline_AudioWaitsForCues(t *testing.T) {
	h := newHarness(t, Options{})
	h.packets([]byte{1, 2}, []byte{3})
	h.p.OnTurnComplete()

	assert.Equal(t, 0, h.player.count())
	assert.Equal(t, PhaseAwaitingSync, h.p.Phase())

	h.p.OnVisemesReady(cues("turn-1"))

	require.Equal(t, 1, h.player.count())
	assert.Equal(t, []byte{1, 2, 3}, h.player.plays[0].audio)
	assert.Equal(t, PhasePlaying, h.p.Phase())
	v, s := h.p.Cues()
	assert.Len(t, v, 1)
	assert.Len(t, s, 1)

	h.player.finish(0)
	assert.Equal(t, PhaseIdle, h.p.Phase())
	done := h.bus.of(bus.EventTypeTurnComplete)
	require.Len(t, done, 1)
	assert.Equal(t, true, done[0].Data["synced"])
}

func TestPipeline_DispatchFailureFallsBack(t *testing.T) {
	h := newHarness(t, Options{})
	h.dispatcher.err = errors.New("service down")
	h.packets([]byte{9, 9})
	h.p.OnTurnComplete()

	require.Equal(t, 1, h.player.count())
	assert.Equal(t, []byte{9, 9}, h.player.plays[0].audio)
	assert.Empty(t, h.bus.of(bus.EventTypeCuesUpdated))
	require.Len(t, h.bus.of(bus.EventTypeSyncFallback), 1)

	h.player.finish(0)
	done := h.bus.of(bus.EventTypeTurnComplete)
	require.Len(t, done, 1)
	assert.Equal(t, false, done[0].Data["synced"])
}

func TestPipeline_CuesOvertakeDispatchAck(t *testing.T) {
	h := newHarness(t, Options{SyncWaitTimeout: time.Second})
	h.dispatcher.onSend = func(id string) { h.p.OnVisemesReady(cues(id)) }

	h.packets([]byte{1})
	h.p.OnTurnComplete()

	assert.Equal(t, 1, h.player.count())
	assert.Zero(t, h.p.Snapshot().PendingBytes)
	assert.False(t, h.p.Snapshot().Buffering)
	h.clk.Advance(5 * time.Second)
	assert.Equal(t, 1, h.player.count(), "no sync-timeout replay")
	assert.Empty(t, h.bus.of(bus.EventTypeSyncFallback))
}

func TestPipeline_DispatchErrorAfterCuesKeepsSyncedPlayback(t *testing.T) {
	h := newHarness(t, Options{})
	h.dispatcher.onSend = func(id string) { h.p.OnVisemesReady(cues(id)) }
	h.dispatcher.err = errors.New("ack lost")

	h.packets([]byte{1})
	h.p.OnTurnComplete()

	assert.Equal(t, 1, h.player.count())
	assert.Empty(t, h.bus.of(bus.EventTypeSyncFallback))
	assert.NotContains(t, h.log.String(), "playing without sync")
}

func TestPipeline_AutoFlushRearmedPerPacket(t *testing.T) {
	h := newHarness(t, Options{AutoFlushTimeout: 500 * time.Millisecond})

	h.p.OnAudioPacket(stream.Packet{Seq: 1, Data: []byte{1}})
	h.clk.Advance(400 * time.Millisecond)
	h.p.OnAudioPacket(stream.Packet{Seq: 2, Data: []byte{2}})
	h.clk.Advance(400 * time.Millisecond)
	assert.Equal(t, 0, h.dispatcher.count())

	h.clk.Advance(100 * time.Millisecond)
	require.Equal(t, 1, h.dispatcher.count())
	assert.Equal(t, []byte{1, 2}, h.dispatcher.calls[0].audio)
}

func TestPipeline_TurnCompleteCancelsAutoFlush(t *testing.T) {
	h := newHarness(t, Options{AutoFlushTimeout: 500 * time.Millisecond})
	h.packets([]byte{1})
	h.p.OnTurnComplete()
	h.clk.Advance(time.Second)
	assert.Equal(t, 1, h.dispatcher.count())
	assert.Equal(t, 0, h.clk.Pending())
}

func TestPipeline_TurnCompleteIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.p.OnTurnComplete() // nothing open

	h.async = true
	h.packets([]byte{1})
	h.p.OnTurnComplete()
	h.p.OnTurnComplete()
	assert.Equal(t, PhaseFlushing, h.p.Phase())
	h.runDeferred()

	assert.Equal(t, 1, h.dispatcher.count())
}

func TestPipeline_TurnCompletedDuringFlushIsFlushedAfter(t *testing.T) {
	h := newHarness(t, Options{})
	h.async = true

	h.packets([]byte{1})
	h.p.OnTurnComplete()
	h.packets([]byte{2}, []byte{3})
	h.p.OnTurnComplete()
	assert.Len(t, h.deferred, 1)

	h.runDeferred()
	require.Equal(t, 2, h.dispatcher.count())
	assert.Equal(t, "turn-1", h.dispatcher.calls[0].id)
	assert.Equal(t, "turn-2", h.dispatcher.calls[1].id)
	assert.Equal(t, []byte{2, 3}, h.dispatcher.calls[1].audio)
}

func TestPipeline_InterruptFromAnyState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		after func(h *harness)
	}{
		{"idle", func(h *harness) {}, func(h *harness) {}},
		{"buffering", func(h *harness) {
			h.packets([]byte{1}, []byte{2})
		}, func(h *harness) {
			h.clk.Advance(time.Minute) // auto-flush must not fire
		}},
		{"flushing", func(h *harness) {
			h.async = true
			h.packets([]byte{1})
			h.p.OnTurnComplete()
		}, func(h *harness) {
			h.runDeferred()
			h.p.OnVisemesReady(cues("turn-1"))
		}},
		{"awaiting sync", func(h *harness) {
			h.packets([]byte{1})
			h.p.OnTurnComplete()
		}, func(h *harness) {
			h.p.OnVisemesReady(cues("turn-1"))
			h.clk.Advance(time.Minute)
		}},
		{"playing", func(h *harness) {
			h.packets([]byte{1})
			h.p.OnTurnComplete()
			h.p.OnVisemesReady(cues("turn-1"))
		}, func(h *harness) {
			h.player.finish(0)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{SyncWaitTimeout: 2 * time.Second})
			tt.setup(h)
			playsBefore := h.player.count()

			h.p.OnInterrupted()

			snap := h.p.Snapshot()
			assert.Equal(t, PhaseIdle, snap.Phase)
			assert.Zero(t, snap.BufferedPackets)
			assert.Zero(t, snap.PendingBytes)
			assert.False(t, snap.Playing)
			assert.False(t, snap.Buffering)
			assert.Empty(t, snap.Visemes)
			assert.Equal(t, 1, h.player.stops)

			tt.after(h)
			assert.Equal(t, playsBefore, h.player.count(), "no playback from the interrupted turn")
			assert.Empty(t, h.bus.of(bus.EventTypeTurnComplete))
			assert.False(t, h.p.Snapshot().HasReplay)
		})
	}
}

func TestPipeline_NewTurnAfterInterrupt(t *testing.T) {
	h := newHarness(t, Options{})
	h.packets([]byte{1})
	h.p.OnInterrupted()

	h.packets([]byte{7}, []byte{8})
	h.p.OnTurnComplete()
	h.p.OnVisemesReady(cues("turn-2"))

	require.Equal(t, 1, h.player.count())
	assert.Equal(t, []byte{7, 8}, h.player.plays[0].audio)
}

func TestPipeline_StaleCuesIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.packets([]byte{1})
	h.p.OnTurnComplete()

	h.p.OnVisemesReady(cues("turn-0"))
	assert.Equal(t, 0, h.player.count())
	v, _ := h.p.Cues()
	assert.Empty(t, v)
}

func TestPipeline_UntaggedCuesAfterInterruptIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.async = true
	h.packets([]byte{1})
	h.p.OnTurnComplete()
	h.p.OnInterrupted()
	before := len(h.bus.of(bus.EventTypeCuesUpdated))

	h.p.OnVisemeChunk(viseme.Result{Visemes: []viseme.Cue{{Viseme: viseme.AA}}})
	h.p.OnVisemesReady(viseme.Result{Visemes: []viseme.Cue{{Viseme: viseme.AA}}})
	h.runDeferred()

	assert.Equal(t, 0, h.player.count())
	v, s := h.p.Cues()
	assert.Empty(t, v)
	assert.Empty(t, s)
	assert.Len(t, h.bus.of(bus.EventTypeCuesUpdated), before)
}

func TestPipeline_DuplicateCuesDisplayOnly(t *testing.T) {
	h := newHarness(t, Options{})
	h.packets([]byte{1})
	h.p.OnTurnComplete()
	h.p.OnVisemesReady(cues("turn-1"))

	second := viseme.Result{RequestID: "turn-1", Visemes: []viseme.Cue{{Viseme: viseme.AA}, {Viseme: viseme.OU}}}
	h.p.OnVisemesReady(second)

	assert.Equal(t, 1, h.player.count())
	v, s := h.p.Cues()
	assert.Len(t, v, 2)
	assert.Empty(t, s)
}

func TestPipeline_UntaggedCuesReleasePending(t *testing.T) {
	h := newHarness(t, Options{})
	h.packets([]byte{4})
	h.p.OnTurnComplete()
	h.p.OnVisemesReady(viseme.Result{Visemes: []viseme.Cue{{Viseme: viseme.E}}})
	assert.Equal(t, 1, h.player.count())
}

func TestPipeline_ChunkDisplaysWithoutRelease(t *testing.T) {
	h := newHarness(t, Options{})
	h.packets([]byte{1})
	h.p.OnTurnComplete()
	h.p.OnVisemeChunk(cues("turn-1"))

	assert.Equal(t, 0, h.player.count())
	v, _ := h.p.Cues()
	assert.Len(t, v, 1)
}

func TestPipeline_SyncWaitTimeoutFallsBack(t *testing.T) {
	h := newHarness(t, Options{SyncWaitTimeout: 2 * time.Second})
	h.packets([]byte{5})
	h.p.OnTurnComplete()

	h.clk.Advance(1999 * time.Millisecond)
	assert.Equal(t, 0, h.player.count())
	h.clk.Advance(time.Millisecond)
	require.Equal(t, 1, h.player.count())
	fb := h.bus.of(bus.EventTypeSyncFallback)
	require.Len(t, fb, 1)
	assert.Equal(t, "sync_timeout", fb[0].Data["reason"])

	// late cues are displayed but do not replay audio
	h.p.OnVisemesReady(cues("turn-1"))
	assert.Equal(t, 1, h.player.count())
}

func TestPipeline_RequestErrorFallsBack(t *testing.T) {
	h := newHarness(t, Options{})
	h.packets([]byte{5})
	h.p.OnTurnComplete()

	h.p.OnVisemeError(&viseme.RequestError{RequestID: "other", Message: "x"})
	assert.Equal(t, 0, h.player.count())

	h.p.OnVisemeError(errors.New("socket reset"))
	assert.Equal(t, 0, h.player.count())

	h.p.OnVisemeError(&viseme.RequestError{RequestID: "turn-1", Message: "model crashed"})
	assert.Equal(t, 1, h.player.count())
}

func TestPipeline_SupersededPendingPlaysUnsynced(t *testing.T) {
	h := newHarness(t, Options{})
	h.packets([]byte{1})
	h.p.OnTurnComplete()
	h.packets([]byte{2})
	h.p.OnTurnComplete()

	require.Equal(t, 1, h.player.count())
	assert.Equal(t, []byte{1}, h.player.plays[0].audio)
	assert.Equal(t, 1, h.p.Snapshot().PendingBytes)

	// cues for the superseded turn are stale now
	h.p.OnVisemesReady(cues("turn-1"))
	h.player.finish(0)
	assert.Equal(t, 1, h.player.count())

	h.p.OnVisemesReady(cues("turn-2"))
	require.Equal(t, 2, h.player.count())
	assert.Equal(t, []byte{2}, h.player.plays[1].audio)
}

func TestPipeline_QueuesBehindPlayback(t *testing.T) {
	h := newHarness(t, Options{})
	h.packets([]byte{1})
	h.p.OnTurnComplete()
	h.p.OnVisemesReady(cues("turn-1"))

	h.packets([]byte{2})
	h.p.OnTurnComplete()
	h.p.OnVisemesReady(cues("turn-2"))
	assert.Equal(t, 1, h.player.count())

	h.player.finish(0)
	require.Equal(t, 2, h.player.count())
	assert.Equal(t, []byte{2}, h.player.plays[1].audio)
}

func TestPipeline_ReplayLast(t *testing.T) {
	h := newHarness(t, Options{})
	assert.False(t, h.p.ReplayLast())

	h.packets([]byte{1, 2})
	h.p.OnTurnComplete()
	h.p.OnVisemesReady(cues("turn-1"))
	assert.False(t, h.p.ReplayLast(), "playback not finished yet")
	h.player.finish(0)

	assert.True(t, h.p.ReplayLast())
	require.Equal(t, 2, h.player.count())
	assert.Equal(t, []byte{1, 2}, h.player.plays[1].audio)
	h.player.finish(1)
	assert.Len(t, h.bus.of(bus.EventTypeTurnComplete), 1)
}

func TestPipeline_PlaybackErrorCompletesTurn(t *testing.T) {
	h := newHarness(t, Options{})
	h.player.err = errors.New("device busy")
	h.packets([]byte{1})
	h.p.OnTurnComplete()
	h.p.OnVisemesReady(cues("turn-1"))

	assert.False(t, h.p.Snapshot().Playing)
	assert.Equal(t, PhaseIdle, h.p.Phase())
	assert.Len(t, h.bus.of(bus.EventTypeTurnComplete), 1)
}

func TestPipeline_TurnAndBufferingEvents(t *testing.T) {
	h := newHarness(t, Options{})
	h.packets([]byte{1}, []byte{2})

	started := h.bus.of(bus.EventTypeTurnStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "turn-1", started[0].Data["turn"])
	assert.True(t, h.p.Snapshot().Buffering)

	h.p.OnTurnComplete()
	assert.True(t, h.p.Snapshot().Buffering)
	h.p.OnVisemesReady(cues("turn-1"))
	assert.False(t, h.p.Snapshot().Buffering)

	buf := h.bus.of(bus.EventTypeTurnBuffering)
	require.Len(t, buf, 2)
	assert.Equal(t, true, buf[0].Data["buffering"])
	assert.Equal(t, false, buf[1].Data["buffering"])
}

func TestPipeline_IgnoresEmptyPackets(t *testing.T) {
	h := newHarness(t, Options{})
	h.p.OnAudioPacket(stream.Packet{Seq: 1})
	assert.Equal(t, PhaseIdle, h.p.Phase())
	assert.Empty(t, h.bus.of(bus.EventTypeTurnStarted))
}

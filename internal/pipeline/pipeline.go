// Package pipeline buffers streamed model audio per turn, obtains viseme
// cues for the combined turn, and releases audio to the player only once
// its cues have arrived. It also owns interruption: user speech stops
// playback and discards everything in flight.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/companion/internal/bus"
	"github.com/normanking/companion/internal/clock"
	"github.com/normanking/companion/internal/stream"
	"github.com/normanking/companion/internal/viseme"
)

// Defaults.
const (
	DefaultAutoFlushTimeout = 750 * time.Millisecond
	DefaultDispatchTimeout  = 5 * time.Second
)

// Dispatcher submits combined turn audio for cue computation.
type Dispatcher interface {
	SendAudioChunk(ctx context.Context, requestID string, audio []byte) error
}

// Player is the audio output.
//
// Play starts playback and returns without blocking. done is called once
// when playback finishes on its own, never from inside Play. Stop halts
// whatever is playing; done may or may not be called afterwards.
type Player interface {
	Play(audio []byte, done func()) error
	Stop()
}

// Publisher receives outward notifications.
type Publisher interface {
	Publish(bus.Event)
}

// Phase is the per-turn pipeline state.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseBuffering    Phase = "buffering"
	PhaseFlushing     Phase = "flushing"
	PhaseAwaitingSync Phase = "awaiting-sync"
	PhasePlaying      Phase = "playing"
)

// Options configures a Pipeline.
type Options struct {
	Clock  clock.Clock
	Logger zerolog.Logger
	Bus    Publisher

	AutoFlushTimeout time.Duration
	SyncWaitTimeout  time.Duration // zero waits for cues indefinitely
	DispatchTimeout  time.Duration

	// Go runs dispatches off the caller's goroutine. Defaults to a new
	// goroutine per dispatch.
	Go func(func())
	// NewID generates turn ids.
	NewID func() string
}

type pendingAudio struct {
	turnID string
	audio  []byte
}

type playItem struct {
	turnID string
	audio  []byte
	synced bool
	replay bool
}

// Snapshot is a read-only view of the pipeline.
type Snapshot struct {
	Phase           Phase             `json:"phase"`
	TurnID          string            `json:"turn_id,omitempty"`
	BufferedPackets int               `json:"buffered_packets"`
	BufferedBytes   int               `json:"buffered_bytes"`
	PendingBytes    int               `json:"pending_bytes"`
	Flushing        bool              `json:"flushing"`
	Playing         bool              `json:"playing"`
	Buffering       bool              `json:"buffering"`
	HasReplay       bool              `json:"has_replay"`
	Visemes         []viseme.Cue      `json:"visemes"`
	Subtitles       []viseme.Subtitle `json:"subtitles"`
}

// Pipeline is the audio/viseme synchronization pipeline. All fields are
// owned by it; handlers may be called from any goroutine.
type Pipeline struct {
	dispatcher Dispatcher
	player     Player
	clock      clock.Clock
	logger     zerolog.Logger
	bus        Publisher
	goFn       func(func())
	newID      func() string

	autoFlush   time.Duration
	syncWait    time.Duration
	dispatchTTL time.Duration

	// playMu serializes calls into the player so a Stop can never be
	// overtaken by a Play from a superseded turn.
	playMu sync.Mutex

	mu             sync.Mutex
	gen            uint64 // bumped on interruption
	turnID         string // open turn, "" when none
	packets        [][]byte
	bufferedBytes  int
	flushTimer     clock.Timer
	flushing       bool
	flushRequested bool
	dispatchedID   string
	pending        *pendingAudio
	syncTimer      clock.Timer
	playing        *playItem
	playGen        uint64
	queue          []playItem
	buffering      bool
	visemes        []viseme.Cue
	subtitles      []viseme.Subtitle
	lastPlayed     []byte
}

// New creates a pipeline.
func New(dispatcher Dispatcher, player Player, opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.AutoFlushTimeout <= 0 {
		opts.AutoFlushTimeout = DefaultAutoFlushTimeout
	}
	if opts.SyncWaitTimeout < 0 {
		opts.SyncWaitTimeout = 0
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	if opts.Go == nil {
		opts.Go = func(f func()) { go f() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Pipeline{
		dispatcher:  dispatcher,
		player:      player,
		clock:       opts.Clock,
		logger:      opts.Logger.With().Str("component", "pipeline").Logger(),
		bus:         opts.Bus,
		goFn:        opts.Go,
		newID:       opts.NewID,
		autoFlush:   opts.AutoFlushTimeout,
		syncWait:    opts.SyncWaitTimeout,
		dispatchTTL: opts.DispatchTimeout,
	}
}

// effects collects work to run once p.mu is released.
type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// OnAudioPacket appends a packet to the open turn, opening one if needed,
// and re-arms the auto-flush timer.
func (p *Pipeline) OnAudioPacket(pkt stream.Packet) {
	if len(pkt.Data) == 0 {
		return
	}
	var fx effects
	p.mu.Lock()

	if p.turnID == "" {
		p.turnID = p.newID()
		turnID := p.turnID
		p.logger.Debug().Str("turn", turnID).Msg("turn opened")
		if !p.buffering {
			p.buffering = true
			p.publishFx(&fx, bus.EventTypeTurnBuffering, map[string]any{"buffering": true})
		}
		p.publishFx(&fx, bus.EventTypeTurnStarted, map[string]any{"turn": turnID})
	}

	data := make([]byte, len(pkt.Data))
	copy(data, pkt.Data)
	p.packets = append(p.packets, data)
	p.bufferedBytes += len(data)

	stopTimer(&p.flushTimer)
	gen, turnID := p.gen, p.turnID
	p.flushTimer = p.clock.AfterFunc(p.autoFlush, func() { p.onAutoFlush(gen, turnID) })

	p.mu.Unlock()
	fx.run()
}

// OnTurnComplete flushes the open turn. A flush already in progress is not
// re-entered; the open turn is flushed when it finishes.
func (p *Pipeline) OnTurnComplete() {
	var fx effects
	p.mu.Lock()
	stopTimer(&p.flushTimer)
	p.flushLocked(&fx, "turn_complete")
	p.mu.Unlock()
	fx.run()
}

func (p *Pipeline) onAutoFlush(gen uint64, turnID string) {
	var fx effects
	p.mu.Lock()
	if gen != p.gen || turnID != p.turnID {
		p.mu.Unlock()
		return
	}
	p.flushTimer = nil
	p.logger.Warn().Str("turn", turnID).Dur("timeout", p.autoFlush).Msg("no turn completion received; auto-flushing")
	p.flushLocked(&fx, "auto_flush")
	p.mu.Unlock()
	fx.run()
}

// flushLocked combines the open turn and schedules its dispatch.
func (p *Pipeline) flushLocked(fx *effects, reason string) {
	if p.flushing {
		if len(p.packets) > 0 {
			p.flushRequested = true
		}
		return
	}
	if len(p.packets) == 0 {
		if p.turnID != "" {
			p.turnID = ""
		}
		return
	}

	blob := make([]byte, 0, p.bufferedBytes)
	for _, pkt := range p.packets {
		blob = append(blob, pkt...)
	}
	turnID := p.turnID
	packets := len(p.packets)
	p.packets = nil
	p.bufferedBytes = 0
	p.turnID = ""
	p.flushing = true
	p.flushRequested = false

	// A newer turn supersedes audio still waiting for cues; it plays
	// unsynced rather than being dropped.
	if old := p.pending; old != nil {
		p.pending = nil
		p.logger.Warn().Str("turn", old.turnID).Msg("cues still outstanding at next flush; playing without sync")
		p.fallbackLocked(fx, old.turnID, old.audio, "superseded")
	}

	// Stage before dispatch: cues may arrive before SendAudioChunk returns.
	stopTimer(&p.syncTimer)
	p.pending = &pendingAudio{turnID: turnID, audio: blob}
	p.dispatchedID = turnID

	p.logger.Debug().Str("turn", turnID).Str("reason", reason).Int("packets", packets).Int("bytes", len(blob)).Msg("turn flushed")

	gen := p.gen
	fx.add(func() { p.goFn(func() { p.dispatch(gen, turnID, blob) }) })
}

func (p *Pipeline) dispatch(gen uint64, turnID string, blob []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.dispatchTTL)
	err := p.dispatcher.SendAudioChunk(ctx, turnID, blob)
	cancel()

	var fx effects
	p.mu.Lock()
	if gen != p.gen {
		// interrupted while dispatching
		p.mu.Unlock()
		return
	}
	p.flushing = false

	if err != nil {
		if p.pending != nil && p.pending.turnID == turnID {
			p.pending = nil
			p.logger.Warn().Err(err).Str("turn", turnID).Msg("viseme dispatch failed; playing without sync")
			p.fallbackLocked(&fx, turnID, blob, err.Error())
		} else {
			p.logger.Debug().Err(err).Str("turn", turnID).Msg("viseme dispatch failed after audio was released")
		}
	} else if p.pending != nil && p.pending.turnID == turnID && p.syncWait > 0 {
		stopTimer(&p.syncTimer)
		p.syncTimer = p.clock.AfterFunc(p.syncWait, func() { p.onSyncTimeout(gen, turnID) })
	}

	if p.flushRequested {
		p.flushLocked(&fx, "turn_complete")
	}
	p.settleBufferingLocked(&fx)
	p.mu.Unlock()
	fx.run()
}

func (p *Pipeline) onSyncTimeout(gen uint64, turnID string) {
	var fx effects
	p.mu.Lock()
	if gen != p.gen || p.pending == nil || p.pending.turnID != turnID {
		p.mu.Unlock()
		return
	}
	p.syncTimer = nil
	blob := p.pending.audio
	p.pending = nil
	p.logger.Warn().Str("turn", turnID).Dur("waited", p.syncWait).Msg("cues did not arrive; playing without sync")
	p.fallbackLocked(&fx, turnID, blob, "sync_timeout")
	p.mu.Unlock()
	fx.run()
}

func (p *Pipeline) fallbackLocked(fx *effects, turnID string, blob []byte, reason string) {
	p.publishFx(fx, bus.EventTypeSyncFallback, map[string]any{"turn": turnID, "reason": reason})
	p.enqueueLocked(fx, playItem{turnID: turnID, audio: blob, synced: false})
}

// staleLocked reports whether res belongs to no live turn. Untagged results
// are stale once an interruption has cleared the dispatched turn.
func (p *Pipeline) staleLocked(res viseme.Result) bool {
	if res.RequestID == "" {
		return p.dispatchedID == "" && p.pending == nil
	}
	return res.RequestID != p.dispatchedID
}

// OnVisemesReady replaces the displayed cues and, if audio is waiting for
// them, starts its playback. Results tagged with a request id other than
// the most recently dispatched turn are stale and ignored.
func (p *Pipeline) OnVisemesReady(res viseme.Result) {
	var fx effects
	p.mu.Lock()
	if p.staleLocked(res) {
		p.mu.Unlock()
		p.logger.Debug().Str("request", res.RequestID).Msg("ignoring cues for superseded turn")
		return
	}

	p.replaceCuesLocked(&fx, res)

	if p.pending != nil && (res.RequestID == "" || res.RequestID == p.pending.turnID) {
		item := playItem{turnID: p.pending.turnID, audio: p.pending.audio, synced: true}
		p.pending = nil
		stopTimer(&p.syncTimer)
		p.enqueueLocked(&fx, item)
	}
	p.mu.Unlock()
	fx.run()
}

// OnVisemeChunk displays partial cues for the current turn. It never
// releases audio.
func (p *Pipeline) OnVisemeChunk(res viseme.Result) {
	var fx effects
	p.mu.Lock()
	if p.staleLocked(res) {
		p.mu.Unlock()
		return
	}
	p.replaceCuesLocked(&fx, res)
	p.mu.Unlock()
	fx.run()
}

// OnVisemeError handles a service failure reported after dispatch. A
// failure for the turn awaiting cues releases it without sync.
func (p *Pipeline) OnVisemeError(err error) {
	var reqErr *viseme.RequestError
	if !errors.As(err, &reqErr) {
		p.logger.Warn().Err(err).Msg("viseme service error")
		return
	}

	var fx effects
	p.mu.Lock()
	if p.pending != nil && p.pending.turnID == reqErr.RequestID {
		blob := p.pending.audio
		p.pending = nil
		stopTimer(&p.syncTimer)
		p.logger.Warn().Err(err).Str("turn", reqErr.RequestID).Msg("viseme request failed; playing without sync")
		p.fallbackLocked(&fx, reqErr.RequestID, blob, reqErr.Message)
	}
	p.mu.Unlock()
	fx.run()
}

func (p *Pipeline) replaceCuesLocked(fx *effects, res viseme.Result) {
	p.visemes = append([]viseme.Cue(nil), res.Visemes...)
	p.subtitles = append([]viseme.Subtitle(nil), res.Subtitles...)
	visemes, subtitles := p.visemes, p.subtitles
	p.publishFx(fx, bus.EventTypeCuesUpdated, map[string]any{
		"turn":      res.RequestID,
		"visemes":   visemes,
		"subtitles": subtitles,
	})
}

// OnInterrupted stops playback and discards every buffer, pending blob and
// timer of the current turn. It is safe in any state.
func (p *Pipeline) OnInterrupted() {
	p.mu.Lock()
	p.gen++
	p.playGen++
	stopTimer(&p.flushTimer)
	stopTimer(&p.syncTimer)

	discarded := p.bufferedBytes
	if p.pending != nil {
		discarded += len(p.pending.audio)
	}
	wasPlaying := p.playing != nil
	wasBuffering := p.buffering

	p.turnID = ""
	p.packets = nil
	p.bufferedBytes = 0
	p.flushing = false
	p.flushRequested = false
	p.dispatchedID = ""
	p.pending = nil
	p.playing = nil
	p.queue = nil
	p.buffering = false
	p.visemes = nil
	p.subtitles = nil
	p.mu.Unlock()

	p.playMu.Lock()
	p.player.Stop()
	p.playMu.Unlock()

	p.logger.Info().Bool("was_playing", wasPlaying).Int("discarded_bytes", discarded).Msg("interrupted")
	p.publish(bus.EventTypeCuesCleared, nil)
	if wasBuffering {
		p.publish(bus.EventTypeTurnBuffering, map[string]any{"buffering": false})
	}
	p.publish(bus.EventTypeTurnInterrupted, map[string]any{"was_playing": wasPlaying, "discarded_bytes": discarded})
}

// ReplayLast plays the most recently completed turn audio again. It
// returns false when nothing has finished playing yet.
func (p *Pipeline) ReplayLast() bool {
	var fx effects
	p.mu.Lock()
	if p.lastPlayed == nil {
		p.mu.Unlock()
		return false
	}
	audio := append([]byte(nil), p.lastPlayed...)
	p.enqueueLocked(&fx, playItem{audio: audio, replay: true})
	p.mu.Unlock()
	fx.run()
	return true
}

// enqueueLocked starts item now or queues it behind current playback.
func (p *Pipeline) enqueueLocked(fx *effects, item playItem) {
	if p.playing != nil {
		p.queue = append(p.queue, item)
		return
	}
	p.startLocked(fx, item)
}

func (p *Pipeline) startLocked(fx *effects, item playItem) {
	p.playGen++
	gen := p.playGen
	it := item
	p.playing = &it

	p.settleBufferingLocked(fx)

	fx.add(func() {
		if err := p.play(gen, it.audio); err != nil {
			p.logger.Error().Err(err).Str("turn", it.turnID).Msg("playback failed")
			p.onPlaybackDone(gen)
		}
	})
}

// settleBufferingLocked clears the buffering flag once playback has started
// and nothing newer is buffered, flushing or awaiting cues.
func (p *Pipeline) settleBufferingLocked(fx *effects) {
	if p.buffering && p.playing != nil && p.turnID == "" && p.pending == nil && !p.flushing {
		p.buffering = false
		p.publishFx(fx, bus.EventTypeTurnBuffering, map[string]any{"buffering": false})
	}
}

func (p *Pipeline) play(gen uint64, audio []byte) error {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	p.mu.Lock()
	current := gen == p.playGen
	p.mu.Unlock()
	if !current {
		return nil
	}
	return p.player.Play(audio, func() { p.onPlaybackDone(gen) })
}

func (p *Pipeline) onPlaybackDone(gen uint64) {
	var fx effects
	p.mu.Lock()
	if gen != p.playGen || p.playing == nil {
		p.mu.Unlock()
		return
	}
	item := *p.playing
	p.playing = nil
	p.lastPlayed = item.audio
	if !item.replay {
		p.publishFx(&fx, bus.EventTypeTurnComplete, map[string]any{"turn": item.turnID, "synced": item.synced, "bytes": len(item.audio)})
	}

	if len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.startLocked(&fx, next)
	}
	p.mu.Unlock()
	fx.run()
}

// Cues returns copies of the displayed cue sets.
func (p *Pipeline) Cues() ([]viseme.Cue, []viseme.Subtitle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]viseme.Cue(nil), p.visemes...), append([]viseme.Subtitle(nil), p.subtitles...)
}

// Phase returns the state of the most advanced live turn.
func (p *Pipeline) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phaseLocked()
}

func (p *Pipeline) phaseLocked() Phase {
	switch {
	case p.flushing:
		return PhaseFlushing
	case p.pending != nil:
		return PhaseAwaitingSync
	case p.playing != nil:
		return PhasePlaying
	case p.turnID != "":
		return PhaseBuffering
	}
	return PhaseIdle
}

// Snapshot returns the current state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{
		Phase:           p.phaseLocked(),
		TurnID:          p.turnID,
		BufferedPackets: len(p.packets),
		BufferedBytes:   p.bufferedBytes,
		Flushing:        p.flushing,
		Playing:         p.playing != nil,
		Buffering:       p.buffering,
		HasReplay:       p.lastPlayed != nil,
		Visemes:         append([]viseme.Cue(nil), p.visemes...),
		Subtitles:       append([]viseme.Subtitle(nil), p.subtitles...),
	}
	if p.pending != nil {
		s.PendingBytes = len(p.pending.audio)
	}
	return s
}

// Close cancels timers and stops playback.
func (p *Pipeline) Close() {
	p.OnInterrupted()
}

func (p *Pipeline) publishFx(fx *effects, t bus.EventType, data map[string]any) {
	fx.add(func() { p.publish(t, data) })
}

func (p *Pipeline) publish(t bus.EventType, data map[string]any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.Event{Type: t, Data: data})
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

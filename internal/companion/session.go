// Package companion wires the stream, the synchronization pipeline, the
// conversation tracker and the nudge engine into one session.
package companion

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/companion/internal/bus"
	"github.com/normanking/companion/internal/clock"
	"github.com/normanking/companion/internal/conversation"
	"github.com/normanking/companion/internal/metrics"
	"github.com/normanking/companion/internal/pipeline"
	"github.com/normanking/companion/internal/silence"
	"github.com/normanking/companion/internal/speech"
	"github.com/normanking/companion/internal/stats"
	"github.com/normanking/companion/internal/stream"
)

// Options wires a Session. Bus, Stats and Clock default to fresh values;
// Metrics is optional.
type Options struct {
	Clock   clock.Clock
	Logger  zerolog.Logger
	Bus     *bus.EventBus
	Stats   *stats.Tracker
	Metrics *metrics.Metrics
}

// Session is the single ingestion loop for one conversation. Stream events
// are handled in arrival order on the goroutine calling Run.
type Session struct {
	id       string
	clock    clock.Clock
	logger   zerolog.Logger
	bus      *bus.EventBus
	stats    *stats.Tracker
	metrics  *metrics.Metrics
	pipeline *pipeline.Pipeline
	tracker  *conversation.Tracker
	engine   *silence.Engine

	unsubscribe func()
}

// NewSession connects tracker effects to the engine and the bus, and moves
// the conversation to listening once turn playback completes.
func NewSession(p *pipeline.Pipeline, tracker *conversation.Tracker, engine *silence.Engine, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Bus == nil {
		opts.Bus = bus.NewEventBus()
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewTracker()
	}
	id := uuid.NewString()
	s := &Session{
		id:       id,
		clock:    opts.Clock,
		logger:   opts.Logger.With().Str("component", "session").Str("session", id).Logger(),
		bus:      opts.Bus,
		stats:    opts.Stats,
		metrics:  opts.Metrics,
		pipeline: p,
		tracker:  tracker,
		engine:   engine,
	}

	tracker.AddListener(engine.HandleEffect)
	tracker.AddListener(s.publishStateChange)
	s.unsubscribe = s.bus.Subscribe(bus.EventTypeTurnComplete, s.onPlaybackComplete)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Stats returns the packet statistics for the current stream.
func (s *Session) Stats() stats.Snapshot { return s.stats.Snapshot() }

// Run consumes client events until the stream closes or ctx is done. It
// returns nil on a normal close.
func (s *Session) Run(ctx context.Context, client stream.Client) error {
	events := client.Events()
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				s.teardown()
				return nil
			}
			if s.handle(ev) {
				return nil
			}
		}
	}
}

// handle processes one event and reports whether the stream has ended.
func (s *Session) handle(ev stream.Event) bool {
	switch ev.Kind {
	case stream.KindOpen:
		s.stats.Reset(s.clock.Now())
		s.engine.ResetSession()
		s.logger.Info().Msg("stream opened")
		s.publish(bus.EventTypeStreamOpened, nil)

	case stream.KindAudio:
		pkt := ev.Packet
		if pkt.ArrivedAt.IsZero() {
			pkt.ArrivedAt = s.clock.Now()
		}
		s.stats.Observe(pkt.Seq, len(pkt.Data), pkt.SentAt, pkt.ArrivedAt)
		if s.metrics != nil && !pkt.SentAt.IsZero() {
			s.metrics.ObserveLatency(pkt.ArrivedAt.Sub(pkt.SentAt))
		}
		s.pipeline.OnAudioPacket(pkt)
		s.tracker.SetState(conversation.AISpeaking)

	case stream.KindTurnComplete:
		s.pipeline.OnTurnComplete()
		if s.pipeline.Phase() == pipeline.PhaseIdle {
			// nothing buffered or playing: the turn carried no audio
			s.tracker.SetState(conversation.ListeningForUser)
		}

	case stream.KindInterrupted:
		s.interrupt("model")

	case stream.KindError:
		s.stats.RecordError()
		s.logger.Warn().Err(ev.Err).Msg("stream error")
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		s.publish(bus.EventTypeStreamError, map[string]any{"error": msg})

	case stream.KindClose:
		s.logger.Info().Msg("stream closed")
		s.teardown()
		s.publish(bus.EventTypeStreamClosed, nil)
		return true
	}

	if s.metrics != nil {
		s.metrics.ObserveStats(s.stats.Snapshot())
	}
	return false
}

// UpdateVolume feeds one microphone volume sample. User speech that starts
// while the model is talking interrupts it; speech ending hands the floor
// back to the listening state.
func (s *Session) UpdateVolume(sample float64) speech.Result {
	r := s.engine.UpdateVolume(sample)
	switch r.Transition {
	case speech.Started:
		if s.tracker.State() == conversation.AISpeaking {
			s.interrupt("user")
		}
	case speech.Stopped:
		if s.tracker.State() == conversation.UserSpeaking {
			s.tracker.SetState(conversation.ListeningForUser)
		}
	}
	return r
}

// SetProcessing marks that the model is working on the user's turn.
func (s *Session) SetProcessing() {
	s.tracker.SetState(conversation.Processing)
}

// Close stops the session's subscriptions and discards in-flight audio.
func (s *Session) Close() {
	s.teardown()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Session) interrupt(source string) {
	s.logger.Info().Str("source", source).Msg("interruption")
	s.pipeline.OnInterrupted()
	s.tracker.SetState(conversation.UserSpeaking)
}

func (s *Session) teardown() {
	if s.pipeline.Phase() != pipeline.PhaseIdle {
		s.pipeline.OnInterrupted()
	}
	s.tracker.SetState(conversation.Idle)
}

func (s *Session) onPlaybackComplete(bus.Event) {
	if s.pipeline.Phase() != pipeline.PhaseIdle {
		// more of the model's output is still queued or buffering
		return
	}
	if s.tracker.State() == conversation.AISpeaking {
		s.tracker.SetState(conversation.ListeningForUser)
	}
}

func (s *Session) publishStateChange(ef conversation.Effect) {
	if ef.Kind != conversation.EffectStateChanged {
		return
	}
	s.publish(bus.EventTypeStateChanged, map[string]any{"from": string(ef.From), "to": string(ef.To)})
}

func (s *Session) publish(t bus.EventType, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["session"] = s.id
	s.bus.Publish(bus.Event{Type: t, Data: data})
}

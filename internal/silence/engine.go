// Package silence implements the silence countdown and the nudge
// escalation policy.
package silence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/companion/internal/analytics"
	"github.com/normanking/companion/internal/bus"
	"github.com/normanking/companion/internal/clock"
	"github.com/normanking/companion/internal/conversation"
	"github.com/normanking/companion/internal/speech"
)

// Policy rejections. These are expected outcomes, not faults.
var (
	ErrMaxNudgesReached = errors.New("maximum nudges reached")
	ErrTooSoon          = errors.New("too soon since last nudge")
	ErrTerminated       = errors.New("session terminated")
	ErrInFlight         = errors.New("nudge already in flight")
)

// Sender delivers nudge text to the conversational model.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

// Publisher receives outward notifications.
type Publisher interface {
	Publish(bus.Event)
}

// Options wires an Engine. Zero durations take defaults.
type Options struct {
	Clock     clock.Clock
	Logger    zerolog.Logger
	Bus       Publisher
	Analytics *analytics.Aggregator

	WindowSize        int
	IndicatorDuration time.Duration
	TerminationGrace  time.Duration
	ResponseWindow    time.Duration
	SendTimeout       time.Duration

	// OnSessionTerminated fires exactly once, after the final nudge's grace
	// delay.
	OnSessionTerminated func()
}

// Snapshot is the read-only SilenceDetectionState.
type Snapshot struct {
	ConversationState     conversation.State `json:"conversation_state"`
	Enabled               bool               `json:"enabled"`
	SpeechDetected        bool               `json:"speech_detected"`
	AverageVolume         float64            `json:"average_volume"`
	TimerArmed            bool               `json:"timer_armed"`
	SilenceElapsedSeconds float64            `json:"silence_elapsed_seconds"`
	NudgeCount            int                `json:"nudge_count"`
	LastNudgeAt           *time.Time         `json:"last_nudge_at,omitempty"`
	TerminationPending    bool               `json:"termination_pending"`
	Terminated            bool               `json:"terminated"`
}

// Engine owns the silence countdown and nudge state. All timers are
// single handles replaced on re-arm; each countdown carries a generation
// so a fire that raced a cancel is ignored.
type Engine struct {
	clock     clock.Clock
	logger    zerolog.Logger
	bus       Publisher
	analytics *analytics.Aggregator
	detector  *speech.Detector
	sender    Sender

	indicatorDuration time.Duration
	terminationGrace  time.Duration
	responseWindow    time.Duration
	sendTimeout       time.Duration
	onTerminated      func()

	mu         sync.Mutex
	cfg        Config
	state      conversation.State
	countdown  clock.Timer
	gen        uint64
	armedAt    time.Time
	indicator  clock.Timer
	response   clock.Timer
	terminator clock.Timer
	nudgeCount int
	lastNudge  time.Time
	sending    bool
	terminated bool
}

// NewEngine creates an engine in the idle state.
func NewEngine(cfg Config, sender Sender, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Analytics == nil {
		opts.Analytics = analytics.New(opts.ResponseWindow)
	}
	if opts.IndicatorDuration <= 0 {
		opts.IndicatorDuration = 3 * time.Second
	}
	if opts.TerminationGrace < 0 {
		opts.TerminationGrace = 0
	}
	if opts.ResponseWindow <= 0 {
		opts.ResponseWindow = analytics.DefaultResponseWindow
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}

	return &Engine{
		clock:             opts.Clock,
		logger:            opts.Logger.With().Str("component", "silence").Logger(),
		bus:               opts.Bus,
		analytics:         opts.Analytics,
		detector:          speech.NewDetector(opts.WindowSize),
		sender:            sender,
		indicatorDuration: opts.IndicatorDuration,
		terminationGrace:  opts.TerminationGrace,
		responseWindow:    opts.ResponseWindow,
		sendTimeout:       opts.SendTimeout,
		onTerminated:      opts.OnSessionTerminated,
		cfg:               cfg,
		state:             conversation.Idle,
	}
}

// HandleEffect consumes conversation tracker effects. Entering
// listening-for-user makes the countdown eligible; any other state
// cancels it.
func (e *Engine) HandleEffect(ef conversation.Effect) {
	if ef.Kind != conversation.EffectStateChanged {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = ef.To
	if ef.To == conversation.ListeningForUser {
		e.armLocked()
		return
	}
	e.cancelCountdownLocked()
}

// UpdateVolume feeds one volume sample through the speech detector.
func (e *Engine) UpdateVolume(sample float64) speech.Result {
	e.mu.Lock()
	r := e.detector.Update(sample, e.cfg.SpeechVolumeThreshold)

	var responded bool
	switch r.Transition {
	case speech.Started:
		e.cancelCountdownLocked()
		if e.state == conversation.ListeningForUser && e.analytics.RecordResponse(e.clock.Now()) {
			responded = true
			stopTimer(&e.response)
		}
	case speech.Stopped:
		if e.state == conversation.ListeningForUser {
			e.armLocked()
		}
	}
	e.mu.Unlock()

	if responded {
		e.logger.Info().Msg("user responded to nudge")
		e.publish(bus.EventTypeNudgeResponded, nil)
	}
	return r
}

// ResetSilenceTimer restarts the countdown from zero when it is armable.
func (e *Engine) ResetSilenceTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armLocked()
}

// TriggerManualNudge sends a nudge now, subject to the same policy as a
// timer expiry. Policy rejections are returned as errors.
func (e *Engine) TriggerManualNudge(ctx context.Context) error {
	err := e.trigger(ctx, true)
	e.mu.Lock()
	if err == nil {
		e.armLocked()
	}
	e.mu.Unlock()
	return err
}

// Config returns the current policy.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetConfig replaces the policy. A running countdown is not touched; the
// new values apply from the next arm or expiry.
func (e *Engine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	if e.countdown == nil {
		e.armLocked()
	}
	e.logger.Info().
		Bool("enabled", cfg.Enabled).
		Float64("threshold_s", cfg.ThresholdSeconds).
		Int("max_nudges", cfg.MaxNudges).
		Msg("silence config updated")
	return nil
}

// PatchConfig applies a partial update and returns the resulting policy.
func (e *Engine) PatchConfig(p Patch) (Config, error) {
	e.mu.Lock()
	next := e.cfg.Apply(p)
	e.mu.Unlock()
	if err := e.SetConfig(next); err != nil {
		return Config{}, err
	}
	return next, nil
}

// Snapshot returns the current detection state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		ConversationState:  e.state,
		Enabled:            e.cfg.Enabled,
		SpeechDetected:     e.detector.Detected(),
		AverageVolume:      e.detector.Average(),
		TimerArmed:         e.countdown != nil,
		NudgeCount:         e.nudgeCount,
		TerminationPending: e.terminator != nil && !e.terminated,
		Terminated:         e.terminated,
	}
	if s.TimerArmed {
		if elapsed := e.clock.Now().Sub(e.armedAt); elapsed > 0 {
			s.SilenceElapsedSeconds = elapsed.Seconds()
		}
	}
	if !e.lastNudge.IsZero() {
		t := e.lastNudge
		s.LastNudgeAt = &t
	}
	return s
}

// Analytics returns the current SilenceAnalytics view.
func (e *Engine) Analytics() analytics.Snapshot {
	return e.analytics.Snapshot()
}

// ResetSession clears nudge count and termination so the engine can serve
// a new session. Analytics are kept.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelCountdownLocked()
	stopTimer(&e.indicator)
	stopTimer(&e.response)
	stopTimer(&e.terminator)
	e.nudgeCount = 0
	e.lastNudge = time.Time{}
	e.terminated = false
	e.detector.Reset()
	e.armLocked()
}

// Close cancels every timer.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelCountdownLocked()
	stopTimer(&e.indicator)
	stopTimer(&e.response)
	stopTimer(&e.terminator)
}

func (e *Engine) armableLocked() bool {
	return e.cfg.Enabled &&
		e.state == conversation.ListeningForUser &&
		!e.detector.Detected() &&
		!e.terminated
}

// armLocked replaces the countdown with a fresh one, or cancels it when
// the arm conditions no longer hold.
func (e *Engine) armLocked() {
	e.cancelCountdownLocked()
	if !e.armableLocked() {
		return
	}
	e.gen++
	gen := e.gen
	e.armedAt = e.clock.Now()
	e.countdown = e.clock.AfterFunc(e.cfg.Threshold(), func() { e.onExpire(gen) })
}

func (e *Engine) cancelCountdownLocked() {
	stopTimer(&e.countdown)
	e.gen++
}

func (e *Engine) onExpire(gen uint64) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.countdown = nil
	if !e.armableLocked() {
		// config or state changed mid-countdown
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	err := e.trigger(context.Background(), false)
	if err != nil && !errors.Is(err, ErrTerminated) {
		e.logger.Info().Err(err).Msg("nudge not sent")
	}

	// keep counting while the user stays silent
	e.mu.Lock()
	if e.countdown == nil {
		e.armLocked()
	}
	e.mu.Unlock()
}

// trigger runs the gating policy and, if it passes, sends the nudge.
func (e *Engine) trigger(ctx context.Context, manual bool) error {
	e.mu.Lock()
	now := e.clock.Now()
	cfg := e.cfg

	if e.terminated {
		e.mu.Unlock()
		return ErrTerminated
	}
	if e.nudgeCount >= cfg.MaxNudges && e.nudgeCount == 0 {
		// nothing was ever sent, so there is no session to end
		e.mu.Unlock()
		e.reject(ErrMaxNudgesReached, manual)
		return ErrMaxNudgesReached
	}
	if e.nudgeCount >= cfg.MaxNudges {
		terminateNow := e.scheduleTerminationLocked()
		e.mu.Unlock()
		e.reject(ErrMaxNudgesReached, manual)
		if terminateNow {
			e.terminate()
		}
		return ErrMaxNudgesReached
	}
	if minGap := cfg.MinInterval(); minGap > 0 && !e.lastNudge.IsZero() {
		since := now.Sub(e.lastNudge)
		if since < 0 {
			e.logger.Warn().Dur("since", since).Msg("clock moved backwards; resetting last nudge time")
			e.lastNudge = time.Time{}
		} else if since < minGap {
			e.mu.Unlock()
			e.reject(ErrTooSoon, manual)
			return ErrTooSoon
		}
	}
	if e.sending {
		e.mu.Unlock()
		return ErrInFlight
	}
	e.sending = true
	e.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	err := e.sender.SendText(sendCtx, cfg.NudgeMessage)
	cancel()

	e.mu.Lock()
	e.sending = false
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn().Err(err).Bool("manual", manual).Msg("failed to send nudge")
		e.publish(bus.EventTypeNudgeFailed, map[string]any{"manual": manual, "error": err.Error()})
		return fmt.Errorf("send nudge: %w", err)
	}
	if e.terminated {
		// terminated while the send was in flight
		e.mu.Unlock()
		return ErrTerminated
	}

	sentAt := e.clock.Now()
	e.analytics.RecordNudge(sentAt, manual)
	e.nudgeCount++
	e.lastNudge = sentAt
	count := e.nudgeCount

	stopTimer(&e.indicator)
	e.indicator = e.clock.AfterFunc(e.indicatorDuration, e.hideIndicator)
	stopTimer(&e.response)
	e.response = e.clock.AfterFunc(e.responseWindow, e.responseExpired)

	terminateNow := false
	if count >= cfg.MaxNudges {
		terminateNow = e.scheduleTerminationLocked()
	}
	e.mu.Unlock()

	e.logger.Info().Int("count", count).Int("max", cfg.MaxNudges).Bool("manual", manual).Msg("nudge sent")
	e.publish(bus.EventTypeNudgeSent, map[string]any{"count": count, "manual": manual, "message": cfg.NudgeMessage})
	e.publish(bus.EventTypeNudgeIndicatorShow, nil)
	if terminateNow {
		e.terminate()
	}
	return nil
}

func (e *Engine) reject(reason error, manual bool) {
	e.logger.Info().Str("reason", reason.Error()).Bool("manual", manual).Msg("nudge rejected by policy")
	e.publish(bus.EventTypeNudgeRejected, map[string]any{"reason": reason.Error(), "manual": manual})
}

// scheduleTerminationLocked arms the grace timer once. It returns true
// when there is no grace delay and the caller must terminate directly.
func (e *Engine) scheduleTerminationLocked() bool {
	if e.terminated || e.terminator != nil {
		return false
	}
	if e.terminationGrace == 0 {
		return true
	}
	e.terminator = e.clock.AfterFunc(e.terminationGrace, e.terminate)
	return false
}

func (e *Engine) terminate() {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return
	}
	e.terminated = true
	e.cancelCountdownLocked()
	stopTimer(&e.response)
	count := e.nudgeCount
	cb := e.onTerminated
	e.mu.Unlock()

	e.logger.Warn().Int("nudges", count).Msg("no response after maximum nudges; terminating session")
	e.publish(bus.EventTypeSessionTerminated, map[string]any{"nudges": count})
	if cb != nil {
		cb()
	}
}

func (e *Engine) hideIndicator() {
	e.mu.Lock()
	e.indicator = nil
	e.mu.Unlock()
	e.publish(bus.EventTypeNudgeIndicatorHide, nil)
}

func (e *Engine) responseExpired() {
	e.mu.Lock()
	e.response = nil
	e.mu.Unlock()
	e.logger.Debug().Msg("nudge response window closed without speech")
}

func (e *Engine) publish(t bus.EventType, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Type: t, Data: data})
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

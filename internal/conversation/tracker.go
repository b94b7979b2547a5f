package conversation

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/companion/internal/clock"
)

// DefaultMaxSilence bounds a plausible silence period. Longer values come
// from suspended tabs or clock jumps.
const DefaultMaxSilence = time.Hour

// SilenceRecorder receives completed silence periods.
type SilenceRecorder interface {
	RecordSilence(d time.Duration)
}

// Listener observes committed effects.
type Listener func(Effect)

// Tracker holds the conversation register. Effects run after the state
// lock is released, in the order transitions committed; a listener may
// call SetState again, and the resulting effects are queued behind the
// current ones.
type Tracker struct {
	clock      clock.Clock
	recorder   SilenceRecorder
	logger     zerolog.Logger
	maxSilence time.Duration

	mu        sync.Mutex
	reg       Register
	queue     []Effect
	draining  bool
	listeners []Listener
}

// NewTracker creates a tracker starting in Idle. recorder may be nil.
func NewTracker(clk clock.Clock, recorder SilenceRecorder, logger zerolog.Logger) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		clock:      clk,
		recorder:   recorder,
		logger:     logger.With().Str("component", "conversation").Logger(),
		maxSilence: DefaultMaxSilence,
		reg:        Register{State: Idle},
	}
}

// SetMaxSilence changes the plausibility bound for silence periods.
func (t *Tracker) SetMaxSilence(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxSilence = d
}

// AddListener registers fn for all future effects.
func (t *Tracker) AddListener(fn Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reg.State
}

// Register returns the current register.
func (t *Tracker) Register() Register {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reg
}

// SetState moves to next. It returns false when next equals the current
// state.
func (t *Tracker) SetState(next State) bool {
	t.mu.Lock()
	reg, effects := Transition(t.reg, next, t.clock.Now(), t.maxSilence)
	if len(effects) == 0 {
		t.mu.Unlock()
		return false
	}
	t.reg = reg
	t.queue = append(t.queue, effects...)
	if t.draining {
		t.mu.Unlock()
		return true
	}
	t.draining = true
	t.mu.Unlock()

	t.drain()
	return true
}

func (t *Tracker) drain() {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.draining = false
			t.mu.Unlock()
			return
		}
		e := t.queue[0]
		t.queue = t.queue[1:]
		listeners := make([]Listener, len(t.listeners))
		copy(listeners, t.listeners)
		t.mu.Unlock()

		t.apply(e)
		for _, l := range listeners {
			l(e)
		}
	}
}

func (t *Tracker) apply(e Effect) {
	switch e.Kind {
	case EffectStateChanged:
		t.logger.Debug().Str("from", string(e.From)).Str("to", string(e.To)).Msg("state changed")
	case EffectSilenceRecorded:
		if t.recorder != nil {
			t.recorder.RecordSilence(e.Silence)
		}
	case EffectSilenceDiscarded:
		t.logger.Warn().Dur("elapsed", e.Silence).Msg("discarding implausible silence duration")
	}
}

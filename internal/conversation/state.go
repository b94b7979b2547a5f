// Package conversation tracks who holds the floor in the conversation.
package conversation

import (
	"fmt"
	"time"
)

// State is the conversation register value.
type State string

const (
	Idle             State = "idle"
	AISpeaking       State = "ai-speaking"
	ListeningForUser State = "listening-for-user"
	UserSpeaking     State = "user-speaking"
	Processing       State = "processing"
)

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case Idle, AISpeaking, ListeningForUser, UserSpeaking, Processing:
		return st, nil
	}
	return "", fmt.Errorf("unknown conversation state %q", s)
}

// EffectKind enumerates side effects produced by Transition.
type EffectKind int

const (
	// EffectStateChanged is emitted for every real transition.
	EffectStateChanged EffectKind = iota
	// EffectListeningStarted is emitted on entering ListeningForUser.
	EffectListeningStarted
	// EffectListeningEnded is emitted on leaving ListeningForUser.
	EffectListeningEnded
	// EffectSilenceRecorded carries a plausible silence duration.
	EffectSilenceRecorded
	// EffectSilenceDiscarded carries an implausible one (clock anomaly).
	EffectSilenceDiscarded
)

func (k EffectKind) String() string {
	switch k {
	case EffectStateChanged:
		return "state_changed"
	case EffectListeningStarted:
		return "listening_started"
	case EffectListeningEnded:
		return "listening_ended"
	case EffectSilenceRecorded:
		return "silence_recorded"
	case EffectSilenceDiscarded:
		return "silence_discarded"
	}
	return "unknown"
}

// Effect is a side effect to run after a transition commits.
type Effect struct {
	Kind    EffectKind
	From    State
	To      State
	At      time.Time
	Silence time.Duration
}

// Register is the tracked value: the current state plus when the current
// listening period began.
type Register struct {
	State        State
	SilenceStart time.Time
}

// Transition computes the register after moving to next at now, and the
// effects the move implies. It never mutates its input. Moving to the
// current state is a no-op with no effects. Silence durations outside
// [0, maxSilence] are reported as discarded.
func Transition(r Register, next State, now time.Time, maxSilence time.Duration) (Register, []Effect) {
	if next == r.State {
		return r, nil
	}

	out := Register{State: next}
	effects := []Effect{{Kind: EffectStateChanged, From: r.State, To: next, At: now}}

	if r.State == ListeningForUser {
		elapsed := now.Sub(r.SilenceStart)
		kind := EffectSilenceRecorded
		if r.SilenceStart.IsZero() || elapsed < 0 || (maxSilence > 0 && elapsed > maxSilence) {
			kind = EffectSilenceDiscarded
		}
		effects = append(effects,
			Effect{Kind: kind, From: r.State, To: next, At: now, Silence: elapsed},
			Effect{Kind: EffectListeningEnded, From: r.State, To: next, At: now},
		)
	}

	if next == ListeningForUser {
		out.SilenceStart = now
		effects = append(effects, Effect{Kind: EffectListeningStarted, From: r.State, To: next, At: now})
	}

	return out, effects
}

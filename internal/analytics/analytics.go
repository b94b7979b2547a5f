// Package analytics aggregates per-session silence and nudge statistics.
package analytics

import (
	"sync"
	"time"
)

// DefaultResponseWindow is how long after a nudge user speech still counts
// as a response to it.
const DefaultResponseWindow = 60 * time.Second

// NudgeRecord is one sent nudge.
type NudgeRecord struct {
	SentAt      time.Time  `json:"sent_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	Manual      bool       `json:"manual"`
}

// Snapshot is the derived SilenceAnalytics view.
type Snapshot struct {
	TotalNudges           int           `json:"total_nudges"`
	SuccessfulNudges      int           `json:"successful_nudges"`
	NudgeSuccessRate      float64       `json:"nudge_success_rate"`
	SilencePeriods        int           `json:"silence_periods"`
	AverageSilenceSeconds float64       `json:"average_silence_seconds"`
	LongestSilenceSeconds float64       `json:"longest_silence_seconds"`
	TotalSilenceSeconds   float64       `json:"total_silence_seconds"`
	AverageResponseSecs   float64       `json:"average_response_seconds"`
	Nudges                []NudgeRecord `json:"nudges"`
}

// Aggregator records raw events; Snapshot derives everything else.
type Aggregator struct {
	mu       sync.Mutex
	window   time.Duration
	nudges   []NudgeRecord
	silences []time.Duration
}

// New creates an aggregator crediting responses within window.
func New(window time.Duration) *Aggregator {
	if window <= 0 {
		window = DefaultResponseWindow
	}
	return &Aggregator{window: window}
}

// SetResponseWindow changes the acceptance window for future responses.
func (a *Aggregator) SetResponseWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.window = d
}

// ResponseWindow returns the acceptance window.
func (a *Aggregator) ResponseWindow() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.window
}

// RecordNudge appends a NudgeRecord.
func (a *Aggregator) RecordNudge(at time.Time, manual bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nudges = append(a.nudges, NudgeRecord{SentAt: at, Manual: manual})
}

// PendingResponse reports whether the latest nudge is unanswered and still
// inside the acceptance window at now.
func (a *Aggregator) PendingResponse(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingLocked(now) != nil
}

func (a *Aggregator) pendingLocked(now time.Time) *NudgeRecord {
	if len(a.nudges) == 0 {
		return nil
	}
	last := &a.nudges[len(a.nudges)-1]
	if last.RespondedAt != nil {
		return nil
	}
	elapsed := now.Sub(last.SentAt)
	if elapsed < 0 || elapsed > a.window {
		return nil
	}
	return last
}

// RecordResponse credits the latest pending nudge with a response at now.
// It returns false when no nudge was waiting inside the window.
func (a *Aggregator) RecordResponse(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := a.pendingLocked(now)
	if rec == nil {
		return false
	}
	at := now
	rec.RespondedAt = &at
	return true
}

// RecordSilence appends a completed silence period. Callers filter
// implausible values first; negative durations are dropped here too.
func (a *Aggregator) RecordSilence(d time.Duration) {
	if d < 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.silences = append(a.silences, d)
}

// Snapshot derives the current analytics.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		TotalNudges:    len(a.nudges),
		SilencePeriods: len(a.silences),
		Nudges:         make([]NudgeRecord, len(a.nudges)),
	}
	copy(s.Nudges, a.nudges)

	var respTotal time.Duration
	for _, n := range a.nudges {
		if n.RespondedAt != nil {
			s.SuccessfulNudges++
			respTotal += n.RespondedAt.Sub(n.SentAt)
		}
	}
	if s.TotalNudges > 0 {
		s.NudgeSuccessRate = float64(s.SuccessfulNudges) / float64(s.TotalNudges)
	}
	if s.SuccessfulNudges > 0 {
		s.AverageResponseSecs = (respTotal / time.Duration(s.SuccessfulNudges)).Seconds()
	}

	var total, longest time.Duration
	for _, d := range a.silences {
		total += d
		if d > longest {
			longest = d
		}
	}
	s.TotalSilenceSeconds = total.Seconds()
	s.LongestSilenceSeconds = longest.Seconds()
	if len(a.silences) > 0 {
		s.AverageSilenceSeconds = (total / time.Duration(len(a.silences))).Seconds()
	}
	return s
}

// Reset drops all recorded events.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nudges = nil
	a.silences = nil
}

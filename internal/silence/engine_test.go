package silence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/companion/internal/analytics"
	"github.com/normanking/companion/internal/bus"
	"github.com/normanking/companion/internal/clock"
	"github.com/normanking/companion/internal/conversation"
)

type mockSender struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (m *mockSender) SendText(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, text)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
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

func (r *recordingBus) count(t bus.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	clk        *clock.Manual
	sender     *mockSender
	bus        *recordingBus
	tracker    *conversation.Tracker
	engine     *Engine
	analytics  *analytics.Aggregator
	terminated int
}

func newHarness(t *testing.T, cfg Config, grace time.Duration) *harness {
	t.Helper()
	h := &harness{
		clk:       clock.NewManual(time.Unix(10_000, 0)),
		sender:    &mockSender{},
		bus:       &recordingBus{},
		analytics: analytics.New(60 * time.Second),
	}
	h.tracker = conversation.NewTracker(h.clk, h.analytics, zerolog.Nop())
	h.engine = NewEngine(cfg, h.sender, Options{
		Clock:               h.clk,
		Logger:              zerolog.Nop(),
		Bus:                 h.bus,
		Analytics:           h.analytics,
		WindowSize:          1,
		IndicatorDuration:   3 * time.Second,
		TerminationGrace:    grace,
		ResponseWindow:      60 * time.Second,
		OnSessionTerminated: func() { h.terminated++ },
	})
	h.tracker.AddListener(h.engine.HandleEffect)
	t.Cleanup(h.engine.Close)
	return h
}

func testConfig() Config {
	return Config{
		Enabled:                 true,
		ThresholdSeconds:        10,
		SpeechVolumeThreshold:   0.1,
		NudgeMessage:            "still there?",
		MinSecondsBetweenNudges: 30,
		MaxNudges:               3,
	}
}

func TestEngine_NudgesAfterContinuousSilence(t *testing.T) {
	h := newHarness(t, testConfig(), 5*time.Second)
	h.tracker.SetState(conversation.ListeningForUser)

	h.clk.Advance(9 * time.Second)
	assert.Equal(t, 0, h.sender.count())

	h.clk.Advance(time.Second)
	assert.Equal(t, 1, h.sender.count())
	assert.Equal(t, []string{"still there?"}, h.sender.calls)

	h.clk.Advance(5 * time.Second)
	assert.Equal(t, 1, h.sender.count())
	assert.Equal(t, 1, h.engine.Snapshot().NudgeCount)
}

func TestEngine_SpeechRestartsCountdown(t *testing.T) {
	h := newHarness(t, testConfig(), 5*time.Second)
	h.tracker.SetState(conversation.ListeningForUser)

	h.clk.Advance(7 * time.Second)
	r := h.engine.UpdateVolume(0.5)
	assert.True(t, r.Detected)

	h.clk.Advance(5 * time.Second) // t=12
	assert.Equal(t, 0, h.sender.count())
	assert.False(t, h.engine.Snapshot().TimerArmed)

	h.engine.UpdateVolume(0.0) // silence resumes at t=12
	assert.True(t, h.engine.Snapshot().TimerArmed)

	h.clk.Advance(9 * time.Second)
	assert.Equal(t, 0, h.sender.count())
	h.clk.Advance(time.Second)
	assert.Equal(t, 1, h.sender.count())
}

func TestEngine_LeavingListeningCancels(t *testing.T) {
	h := newHarness(t, testConfig(), 5*time.Second)
	h.tracker.SetState(conversation.ListeningForUser)
	h.clk.Advance(5 * time.Second)

	h.tracker.SetState(conversation.AISpeaking)
	h.clk.Advance(time.Minute)

	assert.Equal(t, 0, h.sender.count())
	assert.False(t, h.engine.Snapshot().TimerArmed)
	assert.Equal(t, 0, h.clk.Pending())
}

func TestEngine_MaxNudgesTerminatesOnce(t *testing.T) {
	cfg := testConfig()
	cfg.MaxNudges = 2
	cfg.MinSecondsBetweenNudges = 0
	h := newHarness(t, cfg, 5*time.Second)
	h.tracker.SetState(conversation.ListeningForUser)

	h.clk.Advance(20 * time.Second)
	assert.Equal(t, 2, h.sender.count())
	assert.Equal(t, 0, h.terminated)
	assert.True(t, h.engine.Snapshot().TerminationPending)

	h.clk.Advance(5 * time.Second)
	assert.Equal(t, 1, h.terminated)

	h.clk.Advance(10 * time.Minute)
	assert.Equal(t, 2, h.sender.count())
	assert.Equal(t, 1, h.terminated)
	assert.Equal(t, 1, h.bus.count(bus.EventTypeSessionTerminated))

	snap := h.engine.Snapshot()
	assert.True(t, snap.Terminated)
	assert.LessOrEqual(t, snap.NudgeCount, cfg.MaxNudges)

	assert.ErrorIs(t, h.engine.TriggerManualNudge(context.Background()), ErrTerminated)
	assert.Equal(t, 1, h.terminated)
}

func TestEngine_RejectsAtMaxDuringGrace(t *testing.T) {
	cfg := testConfig()
	cfg.MaxNudges = 1
	cfg.MinSecondsBetweenNudges = 0
	cfg.ThresholdSeconds = 2
	h := newHarness(t, cfg, 5*time.Second)
	h.tracker.SetState(conversation.ListeningForUser)

	h.clk.Advance(2 * time.Second)
	require.Equal(t, 1, h.sender.count())

	err := h.engine.TriggerManualNudge(context.Background())
	assert.ErrorIs(t, err, ErrMaxNudgesReached)

	h.clk.Advance(5 * time.Second)
	assert.Equal(t, 1, h.sender.count())
	assert.Equal(t, 1, h.terminated)
	assert.GreaterOrEqual(t, h.bus.count(bus.EventTypeNudgeRejected), 2)
}

func TestEngine_ZeroGraceTerminatesImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.MaxNudges = 1
	h := newHarness(t, cfg, 0)

	require.NoError(t, h.engine.TriggerManualNudge(context.Background()))
	assert.Equal(t, 1, h.terminated)
}

func TestEngine_MinIntervalBetweenNudges(t *testing.T) {
	h := newHarness(t, testConfig(), 5*time.Second)
	ctx := context.Background()

	require.NoError(t, h.engine.TriggerManualNudge(ctx))
	h.clk.Advance(20 * time.Second)
	assert.ErrorIs(t, h.engine.TriggerManualNudge(ctx), ErrTooSoon)
	assert.Equal(t, 1, h.sender.count())

	h.clk.Advance(10 * time.Second)
	assert.NoError(t, h.engine.TriggerManualNudge(ctx))
	assert.Equal(t, 2, h.sender.count())
}

func TestEngine_ZeroMinIntervalNotEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.MinSecondsBetweenNudges = 0
	h := newHarness(t, cfg, 5*time.Second)
	ctx := context.Background()

	require.NoError(t, h.engine.TriggerManualNudge(ctx))
	require.NoError(t, h.engine.TriggerManualNudge(ctx))
	assert.Equal(t, 2, h.sender.count())
}

func TestEngine_SendFailureStaysEligible(t *testing.T) {
	cfg := testConfig()
	cfg.MinSecondsBetweenNudges = 0
	h := newHarness(t, cfg, 5*time.Second)
	h.sender.errs = []error{errors.New("socket closed")}
	h.tracker.SetState(conversation.ListeningForUser)

	h.clk.Advance(10 * time.Second)
	assert.Equal(t, 1, h.sender.count())
	assert.Equal(t, 0, h.engine.Snapshot().NudgeCount)
	assert.Equal(t, 1, h.bus.count(bus.EventTypeNudgeFailed))
	assert.Zero(t, h.engine.Analytics().TotalNudges)

	h.clk.Advance(10 * time.Second)
	assert.Equal(t, 2, h.sender.count())
	assert.Equal(t, 1, h.engine.Snapshot().NudgeCount)
	assert.Equal(t, 1, h.engine.Analytics().TotalNudges)
}

func TestEngine_ManualSendFailureReturnsError(t *testing.T) {
	h := newHarness(t, testConfig(), 5*time.Second)
	boom := errors.New("boom")
	h.sender.errs = []error{boom}

	err := h.engine.TriggerManualNudge(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, h.engine.Snapshot().NudgeCount)
}

func TestEngine_ConfigChangeNotRetroactive(t *testing.T) {
	cfg := testConfig()
	cfg.MinSecondsBetweenNudges = 0
	h := newHarness(t, cfg, 5*time.Second)
	h.tracker.SetState(conversation.ListeningForUser)

	h.clk.Advance(2 * time.Second)
	five := 5.0
	_, err := h.engine.PatchConfig(Patch{ThresholdSeconds: &five})
	require.NoError(t, err)

	h.clk.Advance(7 * time.Second) // t=9
	assert.Equal(t, 0, h.sender.count())
	h.clk.Advance(time.Second) // t=10, original countdown
	assert.Equal(t, 1, h.sender.count())

	h.clk.Advance(5 * time.Second) // next countdown uses 5s
	assert.Equal(t, 2, h.sender.count())
}

func TestEngine_DisabledMidCountdown(t *testing.T) {
	h := newHarness(t, testConfig(), 5*time.Second)
	h.tracker.SetState(conversation.ListeningForUser)
	h.clk.Advance(5 * time.Second)

	off := false
	_, err := h.engine.PatchConfig(Patch{Enabled: &off})
	require.NoError(t, err)
	h.clk.Advance(time.Minute)
	assert.Equal(t, 0, h.sender.count())

	on := true
	_, err = h.engine.PatchConfig(Patch{Enabled: &on})
	require.NoError(t, err)
	h.clk.Advance(10 * time.Second)
	assert.Equal(t, 1, h.sender.count())
}

func TestEngine_PatchRejectsInvalid(t *testing.T) {
	h := newHarness(t, testConfig(), 5*time.Second)
	neg := -1.0
	_, err := h.engine.PatchConfig(Patch{ThresholdSeconds: &neg})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 10.0, h.engine.Config().ThresholdSeconds)
}

func TestEngine_ZeroLimitNeverTerminatesUnnudgedSession(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	cfg.MaxNudges = 0
	h := newHarness(t, cfg, 5*time.Second)

	err := h.engine.TriggerManualNudge(context.Background())
	assert.ErrorIs(t, err, ErrMaxNudgesReached)

	h.clk.Advance(10 * time.Second)
	assert.Zero(t, h.sender.count())
	assert.Zero(t, h.terminated)
	assert.False(t, h.engine.Snapshot().Terminated)

	zero := 0
	_, err = h.engine.PatchConfig(Patch{MaxNudges: &zero})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEngine_ResponseCreditedWithinWindow(t *testing.T) {
	h := newHarness(t, testConfig(), 5*time.Second)
	h.tracker.SetState(conversation.ListeningForUser)

	h.clk.Advance(10 * time.Second)
	require.Equal(t, 1, h.sender.count())

	h.clk.Advance(5 * time.Second)
	h.engine.UpdateVolume(0.8)

	a := h.engine.Analytics()
	assert.Equal(t, 1, a.TotalNudges)
	assert.Equal(t, 1, a.SuccessfulNudges)
	assert.InDelta(t, 1.0, a.NudgeSuccessRate, 1e-9)
	assert.Equal(t, 1, h.bus.count(bus.EventTypeNudgeResponded))
}

func TestEngine_LateSpeechNotCredited(t *testing.T) {
	cfg := testConfig()
	cfg.MaxNudges = 1
	h := newHarness(t, cfg, time.Hour)
	h.tracker.SetState(conversation.ListeningForUser)

	h.clk.Advance(10 * time.Second)
	require.Equal(t, 1, h.sender.count())

	h.clk.Advance(90 * time.Second)
	h.engine.UpdateVolume(0.8)

	a := h.engine.Analytics()
	assert.Equal(t, 1, a.TotalNudges)
	assert.Zero(t, a.SuccessfulNudges)
}

func TestEngine_IndicatorShownThenHidden(t *testing.T) {
	h := newHarness(t, testConfig(), 5*time.Second)
	require.NoError(t, h.engine.TriggerManualNudge(context.Background()))

	assert.Equal(t, 1, h.bus.count(bus.EventTypeNudgeIndicatorShow))
	assert.Equal(t, 0, h.bus.count(bus.EventTypeNudgeIndicatorHide))

	h.clk.Advance(3 * time.Second)
	assert.Equal(t, 1, h.bus.count(bus.EventTypeNudgeIndicatorHide))
}

func TestEngine_ResetSilenceTimer(t *testing.T) {
	h := newHarness(t, testConfig(), 5*time.Second)
	h.tracker.SetState(conversation.ListeningForUser)

	h.clk.Advance(8 * time.Second)
	h.engine.ResetSilenceTimer()
	h.clk.Advance(8 * time.Second)
	assert.Equal(t, 0, h.sender.count())
	h.clk.Advance(2 * time.Second)
	assert.Equal(t, 1, h.sender.count())
}

func TestEngine_ResetSession(t *testing.T) {
	cfg := testConfig()
	cfg.MaxNudges = 1
	h := newHarness(t, cfg, 0)
	require.NoError(t, h.engine.TriggerManualNudge(context.Background()))
	require.True(t, h.engine.Snapshot().Terminated)

	h.engine.ResetSession()
	snap := h.engine.Snapshot()
	assert.False(t, snap.Terminated)
	assert.Zero(t, snap.NudgeCount)
	assert.Nil(t, snap.LastNudgeAt)
	assert.Equal(t, 1, h.engine.Analytics().TotalNudges)
}

func TestEngine_SnapshotElapsed(t *testing.T) {
	h := newHarness(t, testConfig(), 5*time.Second)
	h.tracker.SetState(conversation.ListeningForUser)
	h.clk.Advance(4 * time.Second)

	snap := h.engine.Snapshot()
	assert.Equal(t, conversation.ListeningForUser, snap.ConversationState)
	assert.True(t, snap.TimerArmed)
	assert.InDelta(t, 4.0, snap.SilenceElapsedSeconds, 1e-9)
}

func TestEngine_ListeningRecordsSilencePeriod(t *testing.T) {
	h := newHarness(t, testConfig(), 5*time.Second)
	h.tracker.SetState(conversation.ListeningForUser)
	h.clk.Advance(6 * time.Second)
	h.tracker.SetState(conversation.UserSpeaking)

	a := h.engine.Analytics()
	assert.Equal(t, 1, a.SilencePeriods)
	assert.InDelta(t, 6.0, a.LongestSilenceSeconds, 1e-9)
}

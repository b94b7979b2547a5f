package main

import (
	"sync"
	"time"

	"github.com/normanking/companion/internal/clock"
)

// defaultSampleRate is the model's output rate for mono PCM16.
const defaultSampleRate = 24000

// timedPlayer stands in for the audio device on a headless host: it holds
// each clip for its PCM16 duration and reports completion. Renderers follow
// the bus events for cues and turn boundaries.
type timedPlayer struct {
	clock      clock.Clock
	sampleRate int

	mu    sync.Mutex
	timer clock.Timer
}

func newTimedPlayer(clk clock.Clock, sampleRate int) *timedPlayer {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	return &timedPlayer{clock: clk, sampleRate: sampleRate}
}

func (p *timedPlayer) duration(audio []byte) time.Duration {
	samples := len(audio) / 2
	return time.Duration(samples) * time.Second / time.Duration(p.sampleRate)
}

func (p *timedPlayer) Play(audio []byte, done func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = p.clock.AfterFunc(p.duration(audio), done)
	return nil
}

func (p *timedPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

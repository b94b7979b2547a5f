// Package speech derives a boolean speech-present signal from a stream of
// volume samples.
package speech

import (
	"math"
	"sync"
)

// DefaultWindowSize is the number of samples averaged.
const DefaultWindowSize = 10

// MaxVolume is the largest accepted sample. Volumes are normalized RMS.
const MaxVolume = 1.0

// Transition describes how the detected flag moved on an update.
type Transition int

const (
	Unchanged Transition = iota
	Started              // not detected -> detected
	Stopped              // detected -> not detected
)

func (t Transition) String() string {
	switch t {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return "unchanged"
	}
}

// Result is returned by Detector.Update.
type Result struct {
	Detected   bool
	Average    float64
	Transition Transition
}

// Detector keeps a rolling window of volume samples.
type Detector struct {
	mu       sync.Mutex
	window   []float64
	next     int
	filled   int
	sum      float64
	detected bool
}

// NewDetector creates a detector averaging the last size samples.
func NewDetector(size int) *Detector {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Detector{window: make([]float64, size)}
}

// Update appends a sample and compares the window average against
// threshold. The threshold is supplied per call so config edits apply on
// the next sample.
func (d *Detector) Update(sample, threshold float64) Result {
	switch {
	case math.IsNaN(sample) || math.IsInf(sample, 0) || sample < 0:
		sample = 0
	case sample > MaxVolume:
		sample = MaxVolume
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.filled == len(d.window) {
		d.sum -= d.window[d.next]
	} else {
		d.filled++
	}
	d.window[d.next] = sample
	d.sum += sample
	d.next = (d.next + 1) % len(d.window)

	avg := d.sum / float64(d.filled)
	detected := avg > threshold

	tr := Unchanged
	switch {
	case detected && !d.detected:
		tr = Started
	case !detected && d.detected:
		tr = Stopped
	}
	d.detected = detected

	return Result{Detected: detected, Average: avg, Transition: tr}
}

// Detected reports the current flag.
func (d *Detector) Detected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected
}

// Average returns the current window average, 0 when empty.
func (d *Detector) Average() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.filled == 0 {
		return 0
	}
	return d.sum / float64(d.filled)
}

// Resize changes the window size, keeping the most recent samples.
func (d *Detector) Resize(size int) {
	if size <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if size == len(d.window) {
		return
	}

	recent := make([]float64, 0, d.filled)
	start := (d.next - d.filled + len(d.window)) % len(d.window)
	for i := 0; i < d.filled; i++ {
		recent = append(recent, d.window[(start+i)%len(d.window)])
	}
	if len(recent) > size {
		recent = recent[len(recent)-size:]
	}

	d.window = make([]float64, size)
	copy(d.window, recent)
	d.filled = len(recent)
	d.next = d.filled % size
	d.sum = 0
	for _, v := range recent {
		d.sum += v
	}
}

// Reset clears history and the detected flag.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.window {
		d.window[i] = 0
	}
	d.next, d.filled, d.sum, d.detected = 0, 0, 0, false
}

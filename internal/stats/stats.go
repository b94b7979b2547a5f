// Package stats tracks per-connection packet counters and latency.
package stats

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Packets      uint64        `json:"packets"`
	Bytes        uint64        `json:"bytes"`
	Dropped      uint64        `json:"dropped"`
	Errors       uint64        `json:"errors"`
	MinLatency   time.Duration `json:"min_latency"`
	MaxLatency   time.Duration `json:"max_latency"`
	AvgLatency   time.Duration `json:"avg_latency"`
	LastPacketAt time.Time     `json:"last_packet_at"`
	Since        time.Time     `json:"since"`
}

// Tracker accumulates PacketStatistics. Counters only grow until Reset,
// which callers invoke on every (re)connect.
type Tracker struct {
	mu      sync.Mutex
	s       Snapshot
	lastSeq uint64
	seen    bool
	latSum  time.Duration
	latN    uint64
}

// NewTracker creates a zeroed tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.Reset(time.Time{})
	return t
}

// Reset zeroes all counters.
func (t *Tracker) Reset(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s = Snapshot{Since: now}
	t.lastSeq = 0
	t.seen = false
	t.latSum = 0
	t.latN = 0
}

// Observe records one packet. Gaps in seq count as dropped packets;
// duplicate and reordered sequence numbers are counted but never
// move lastSeq backwards. A zero sentAt means latency is unknown.
func (t *Tracker) Observe(seq uint64, size int, sentAt, arrivedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.s.Packets++
	if size > 0 {
		t.s.Bytes += uint64(size)
	}
	t.s.LastPacketAt = arrivedAt

	if t.seen && seq > t.lastSeq+1 {
		t.s.Dropped += seq - t.lastSeq - 1
	}
	if !t.seen || seq > t.lastSeq {
		t.lastSeq = seq
		t.seen = true
	}

	if sentAt.IsZero() {
		return
	}
	lat := arrivedAt.Sub(sentAt)
	if lat < 0 {
		// skewed clocks; not a real latency
		return
	}
	if t.latN == 0 || lat < t.s.MinLatency {
		t.s.MinLatency = lat
	}
	if lat > t.s.MaxLatency {
		t.s.MaxLatency = lat
	}
	t.latSum += lat
	t.latN++
	t.s.AvgLatency = t.latSum / time.Duration(t.latN)
}

// RecordError counts a transport error.
func (t *Tracker) RecordError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.Errors++
}

// Snapshot returns a copy of the counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}

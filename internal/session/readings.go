package session

import (
	"fmt"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Reading is one logged heart-rate event.
type Reading struct {
	At  time.Time
	BPM uint16
}

// String formats the reading the way the monitor view shows it:
// local timestamp plus BPM.
func (r Reading) String() string {
	return fmt.Sprintf("%s  %3d bpm", r.At.Format("15:04:05"), r.BPM)
}

// Log is a fixed-capacity, most-recent-first buffer of readings.
// Insertion evicts the oldest entry once the capacity is reached, so
// len never exceeds capacity. Not safe for concurrent use; the manager
// owns it and hands out copies via Snapshot.
type Log struct {
	capacity int
	seq      uint64
	entries  *orderedmap.OrderedMap[uint64, Reading]
}

// NewLog creates a log holding at most capacity readings.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		panic("readings: capacity must be > 0")
	}
	return &Log{
		capacity: capacity,
		entries:  orderedmap.New[uint64, Reading](),
	}
}

// Push appends a reading, evicting the oldest when the log is full.
func (l *Log) Push(r Reading) {
	l.seq++
	l.entries.Set(l.seq, r)
	for l.entries.Len() > l.capacity {
		oldest := l.entries.Oldest()
		l.entries.Delete(oldest.Key)
	}
}

// Snapshot returns the readings most-recent-first.
func (l *Log) Snapshot() []Reading {
	out := make([]Reading, 0, l.entries.Len())
	for pair := l.entries.Newest(); pair != nil; pair = pair.Prev() {
		out = append(out, pair.Value)
	}
	return out
}

// Len returns the number of stored readings.
func (l *Log) Len() int {
	return l.entries.Len()
}

// Cap returns the log capacity.
func (l *Log) Cap() int {
	return l.capacity
}

// Clear drops all readings.
func (l *Log) Clear() {
	l.entries = orderedmap.New[uint64, Reading]()
}

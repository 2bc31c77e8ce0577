package session

import "sync/atomic"

// ringChannel is a bounded channel-like buffer with overwrite-oldest
// semantics, used as the session's inbound event stream. Producers
// (scan handlers, notification callbacks, timers, command methods)
// never block: if the buffer is full the oldest event is discarded and
// counted. The single consumer is the manager's event loop.
type ringChannel[T any] struct {
	ch      chan T
	metrics ringMetrics
}

func newRingChannel[T any](capacity int) *ringChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &ringChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel for the consuming loop.
func (rc *ringChannel[T]) C() <-chan T {
	return rc.ch
}

// ForceSend inserts v, discarding the oldest buffered element if the
// buffer is full. It never blocks and reports whether an element was
// dropped to make room.
func (rc *ringChannel[T]) ForceSend(v T) bool {
	dropped := false

	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
	default:
		select {
		case <-rc.ch: // drop oldest
			rc.metrics.addOverwritten(1)
			dropped = true
		default:
		}
		rc.ch <- v
		rc.metrics.addWritten(1)
	}

	return dropped
}

// TryReceive attempts a non-blocking receive.
func (rc *ringChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *ringChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the buffer capacity.
func (rc *ringChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Metrics returns a snapshot of the drop/write counters.
func (rc *ringChannel[T]) Metrics() RingMetrics {
	return RingMetrics{
		Written:     atomic.LoadInt64(&rc.metrics.written),
		Overwritten: atomic.LoadInt64(&rc.metrics.overwritten),
	}
}

// RingMetrics is a point-in-time snapshot of ring channel counters.
type RingMetrics struct {
	Written     int64
	Overwritten int64
}

type ringMetrics struct {
	written     int64
	overwritten int64
}

func (m *ringMetrics) addWritten(n int) {
	atomic.AddInt64(&m.written, int64(n))
}

func (m *ringMetrics) addOverwritten(n int) {
	atomic.AddInt64(&m.overwritten, int64(n))
}

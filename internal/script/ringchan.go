package script

import "sync/atomic"

// RingChannel is a bounded channel that never blocks its writers: when the
// buffer is full the oldest element is dropped to make room.
//
//	rc := NewRingChannel[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.ForceSend(i)
//	}
//	// rc.C() now yields 7, 8, 9
type RingChannel[T any] struct {
	ch          chan T
	written     atomic.Int64
	overwritten atomic.Int64
}

// RingMetrics is a snapshot of RingChannel counters.
type RingMetrics struct {
	Written     int64
	Overwritten int64
}

func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C exposes the receive side.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// ForceSend inserts v, discarding the oldest buffered element if needed.
// It reports whether an element was discarded.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return false
		default:
		}

		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			// Another reader may win the freed slot race; loop until v lands.
			select {
			case rc.ch <- v:
				rc.written.Add(1)
				return true
			default:
			}
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.written.Add(1)
		return true
	default:
		return false
	}
}

func (rc *RingChannel[T]) Len() int { return len(rc.ch) }
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the channel. Sending afterwards panics.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

func (rc *RingChannel[T]) Metrics() RingMetrics {
	return RingMetrics{Written: rc.written.Load(), Overwritten: rc.overwritten.Load()}
}

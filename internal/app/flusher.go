package app

import (
	"time"
)

// Default buffered-durability values.
const (
	DefaultFlushEvery    = 10
	DefaultFlushInterval = time.Second
)

// Flusher decides when buffered recorder output is pushed to disk under the
// buffered durability policy.
type Flusher struct {
	every     int
	interval  time.Duration
	pending   int
	lastFlush time.Time
	now       func() time.Time
}

// NewFlusher creates a flusher that triggers every n sets or after interval.
func NewFlusher(every int, interval time.Duration, now func() time.Time) *Flusher {
	if now == nil {
		now = time.Now
	}
	return &Flusher{
		every:     every,
		interval:  interval,
		lastFlush: now(),
		now:       now,
	}
}

// Add records one written set.
// Returns true if a flush should happen after this add (count trigger).
func (f *Flusher) Add() bool {
	f.pending++
	if f.every > 0 && f.pending >= f.every {
		return true
	}
	return f.ShouldFlush()
}

// ShouldFlush returns true if pending sets are older than the interval.
func (f *Flusher) ShouldFlush() bool {
	if f.pending == 0 {
		return false
	}
	return f.interval > 0 && f.now().Sub(f.lastFlush) >= f.interval
}

// Reset clears the pending count and updates the last flush time.
func (f *Flusher) Reset() {
	f.pending = 0
	f.lastFlush = f.now()
}

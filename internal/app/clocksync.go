package app

import (
	"sync"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
)

// Default clock synchronization values.
const (
	DefaultResyncEvery = 30
	DefaultClockAlpha  = 0.05
)

// ClockSync maps per-source timestamps onto the shared session timeline.
//
// The session timeline starts at zero at the session start time. A source
// with a native clock is anchored on its first frame (offset = arrival -
// native) and then follows its own clock, with the offset re-estimated every
// resyncEvery frames from an exponential moving average of the measured
// offset. Sources without a native clock, or configured for arrival time,
// use host arrival time. Output is never negative and strictly increasing
// per source.
type ClockSync struct {
	mu          sync.Mutex
	start       time.Time
	now         func() time.Time
	resyncEvery int
	alpha       float64
	sources     map[domain.SourceID]*sourceClock
}

type sourceClock struct {
	mode     domain.ClockMode
	anchored bool
	offset   time.Duration
	measured float64
	frames   int
	last     time.Duration
	emitted  bool
}

// NewClockSync creates a timebase starting at start. now defaults to time.Now.
func NewClockSync(start time.Time, resyncEvery int, alpha float64, now func() time.Time) *ClockSync {
	if resyncEvery <= 0 {
		resyncEvery = DefaultResyncEvery
	}
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultClockAlpha
	}
	if now == nil {
		now = time.Now
	}
	return &ClockSync{
		start:       start,
		now:         now,
		resyncEvery: resyncEvery,
		alpha:       alpha,
		sources:     make(map[domain.SourceID]*sourceClock),
	}
}

// Register declares a source and its clock mode. Unregistered sources are
// treated as native-clocked.
func (c *ClockSync) Register(id domain.SourceID, mode domain.ClockMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[id] = &sourceClock{mode: mode}
}

// Now returns the current position on the session timeline.
func (c *ClockSync) Now() time.Duration {
	return c.now().Sub(c.start)
}

// Start returns the wall-clock session start.
func (c *ClockSync) Start() time.Time {
	return c.start
}

// Stamp assigns f.SessionTS.
func (c *ClockSync) Stamp(f *domain.Frame) {
	f.SessionTS = c.ToSessionTime(f.Source, f.Native, f.HasNative, f.Arrival)
}

// ToSessionTime converts a frame timestamp to session time.
func (c *ClockSync) ToSessionTime(id domain.SourceID, native time.Duration, hasNative bool, arrival time.Time) time.Duration {
	arrivalTS := arrival.Sub(c.start)

	c.mu.Lock()
	defer c.mu.Unlock()

	sc, ok := c.sources[id]
	if !ok {
		sc = &sourceClock{mode: domain.ClockNative}
		c.sources[id] = sc
	}

	var ts time.Duration
	if !hasNative || sc.mode == domain.ClockArrival {
		ts = arrivalTS
	} else {
		measured := arrivalTS - native
		if !sc.anchored {
			sc.anchored = true
			sc.offset = measured
			sc.measured = float64(measured)
		} else {
			sc.measured += c.alpha * (float64(measured) - sc.measured)
		}
		sc.frames++
		if sc.frames%c.resyncEvery == 0 {
			sc.offset = time.Duration(sc.measured)
		}
		ts = native + sc.offset
	}

	// Frames captured while the session was being set up open it.
	if ts < 0 {
		ts = 0
	}
	if sc.emitted && ts <= sc.last {
		ts = sc.last + 1
	}
	sc.last = ts
	sc.emitted = true
	return ts
}

// Offset returns the current native-to-session offset of a source.
func (c *ClockSync) Offset(id domain.SourceID) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc, ok := c.sources[id]
	if !ok || !sc.anchored {
		return 0, false
	}
	return sc.offset, true
}

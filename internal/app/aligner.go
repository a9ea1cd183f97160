package app

import (
	"fmt"
	"sort"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
)

// Default alignment values.
const (
	DefaultCadence    = 100 * time.Millisecond
	DefaultTolerance  = 45 * time.Millisecond
	DefaultMaxWait    = 150 * time.Millisecond
	DefaultStallTicks = 10
)

// ToleranceFor returns the default matching window for a cadence: 45% of
// it, wide enough that a source running at the cadence matches every tick
// whatever its phase, short of the window overlap at one half.
func ToleranceFor(cadence time.Duration) time.Duration {
	return cadence * 9 / 20
}

// AlignerConfig controls set emission.
type AlignerConfig struct {
	// Cadence is the distance between target ticks.
	Cadence time.Duration

	// Tolerance is the half-width of the matching window around a tick.
	Tolerance time.Duration

	// MaxWait is how long past tick+Tolerance the aligner waits for
	// unresolved sources before emitting with absent markers.
	MaxWait time.Duration

	// StallTicks is the number of consecutive absent ticks after which a
	// source is reported stalled.
	StallTicks int
}

// Validate checks the configuration.
func (c AlignerConfig) Validate() error {
	if c.Cadence <= 0 {
		return fmt.Errorf("%w: cadence must be positive", domain.ErrInvalidConfig)
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("%w: tolerance must not be negative", domain.ErrInvalidConfig)
	}
	if 2*c.Tolerance >= c.Cadence {
		return fmt.Errorf("%w: tolerance %s must be less than half the cadence %s", domain.ErrInvalidConfig, c.Tolerance, c.Cadence)
	}
	if c.MaxWait < 0 {
		return fmt.Errorf("%w: max wait must not be negative", domain.ErrInvalidConfig)
	}
	return nil
}

// Aligner buffers frames per source and emits SyncedSets on a fixed cadence
// using nearest-neighbour matching. It is single-threaded: the pipeline
// goroutine is its only caller.
type Aligner struct {
	cfg     AlignerConfig
	order   []domain.SourceID
	sources map[domain.SourceID]*alignSource
	onStall func(*domain.AlignError)

	anchored bool
	tick     time.Duration
	index    uint64
	late     uint64
}

type alignSource struct {
	pending []domain.Frame
	active  bool
	absent  int
	stalled bool
}

// NewAligner creates an aligner over the given sources. onStall may be nil.
func NewAligner(ids []domain.SourceID, cfg AlignerConfig, onStall func(*domain.AlignError)) *Aligner {
	if cfg.StallTicks <= 0 {
		cfg.StallTicks = DefaultStallTicks
	}
	a := &Aligner{
		cfg:     cfg,
		sources: make(map[domain.SourceID]*alignSource, len(ids)),
		onStall: onStall,
	}
	for _, id := range ids {
		a.sources[id] = &alignSource{active: true}
		a.order = append(a.order, id)
	}
	sort.Slice(a.order, func(i, j int) bool { return a.order[i] < a.order[j] })
	return a
}

// Offer buffers a stamped frame. Frames from unknown sources and frames too
// old to match the current tick are discarded; Offer reports whether the
// frame was kept.
func (a *Aligner) Offer(f domain.Frame) bool {
	s, ok := a.sources[f.Source]
	if !ok {
		return false
	}
	if a.anchored && f.SessionTS < a.tick-a.cfg.Tolerance {
		a.late++
		return false
	}
	n := len(s.pending)
	if n == 0 || s.pending[n-1].SessionTS <= f.SessionTS {
		s.pending = append(s.pending, f)
		return true
	}
	i := sort.Search(n, func(i int) bool { return s.pending[i].SessionTS > f.SessionTS })
	s.pending = append(s.pending, domain.Frame{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = f
	return true
}

// Deactivate stops waiting for a source. The source keeps appearing in every
// set as absent.
func (a *Aligner) Deactivate(id domain.SourceID) {
	if s, ok := a.sources[id]; ok {
		s.active = false
	}
}

// Active reports whether the aligner still waits for a source.
func (a *Aligner) Active(id domain.SourceID) bool {
	s, ok := a.sources[id]
	return ok && s.active
}

// Late returns the number of frames discarded because they arrived too late.
func (a *Aligner) Late() uint64 {
	return a.late
}

// Tick returns the current target tick and whether the timeline is anchored.
func (a *Aligner) Tick() (time.Duration, bool) {
	return a.tick, a.anchored
}

// NextDeadline returns the session time at which the current tick is
// emitted regardless of unresolved sources. ok is false when nothing is
// buffered.
func (a *Aligner) NextDeadline() (deadline time.Duration, ok bool) {
	if !a.hasPending() {
		return 0, false
	}
	if !a.anchored {
		return 0, true
	}
	return a.tick + a.cfg.Tolerance + a.cfg.MaxWait, true
}

// Poll emits the next SyncedSet if it is ready at session time now.
func (a *Aligner) Poll(now time.Duration) (domain.SyncedSet, bool) {
	return a.poll(now, false)
}

// Drain emits every set that buffered frames can still populate, without
// waiting for further frames. Used when the session stops.
func (a *Aligner) Drain() []domain.SyncedSet {
	var sets []domain.SyncedSet
	for {
		set, ok := a.poll(0, true)
		if !ok {
			return sets
		}
		sets = append(sets, set)
	}
}

func (a *Aligner) poll(now time.Duration, force bool) (domain.SyncedSet, bool) {
	if !a.anchored {
		first, ok := a.earliest()
		if !ok {
			return domain.SyncedSet{}, false
		}
		a.tick = first
		a.anchored = true
	}

	for {
		if !force && !a.resolved() && now < a.tick+a.cfg.Tolerance+a.cfg.MaxWait {
			return domain.SyncedSet{}, false
		}
		if a.anyInWindow() {
			return a.emit(), true
		}
		if !a.skip() {
			return domain.SyncedSet{}, false
		}
	}
}

// resolved reports whether every active source has a frame inside the
// window or past it, so waiting longer cannot change the set.
func (a *Aligner) resolved() bool {
	lo := a.tick - a.cfg.Tolerance
	for _, id := range a.order {
		s := a.sources[id]
		if !s.active {
			continue
		}
		n := len(s.pending)
		if n == 0 || s.pending[n-1].SessionTS < lo {
			return false
		}
	}
	return true
}

func (a *Aligner) anyInWindow() bool {
	for _, id := range a.order {
		if _, ok := a.nearest(a.sources[id]); ok {
			return true
		}
	}
	return false
}

// nearest returns the index of the pending frame closest to the tick within
// tolerance. Ties go to the later frame.
func (a *Aligner) nearest(s *alignSource) (int, bool) {
	best := -1
	var bestDist time.Duration
	for i, f := range s.pending {
		d := f.SessionTS - a.tick
		if d < 0 {
			d = -d
		}
		if d > a.cfg.Tolerance {
			if f.SessionTS > a.tick {
				break
			}
			continue
		}
		if best < 0 || d <= bestDist {
			best, bestDist = i, d
		}
	}
	return best, best >= 0
}

func (a *Aligner) emit() domain.SyncedSet {
	set := domain.SyncedSet{
		Index:     a.index,
		SessionTS: a.tick,
		Entries:   make(map[domain.SourceID]domain.Entry, len(a.order)),
	}
	for _, id := range a.order {
		s := a.sources[id]
		i, ok := a.nearest(s)
		if !ok {
			set.Entries[id] = domain.Entry{}
			a.markAbsent(id, s, 1)
			continue
		}
		f := s.pending[i]
		s.pending = s.pending[i+1:]
		set.Entries[id] = domain.Entry{Frame: &f}
		s.absent = 0
		s.stalled = false
	}
	a.index++
	a.advance(a.tick + a.cfg.Cadence)
	return set
}

// skip jumps the tick forward on the cadence grid to the first tick the
// earliest buffered frame can still reach. It returns false when nothing is
// buffered.
func (a *Aligner) skip() bool {
	first, ok := a.earliest()
	if !ok {
		return false
	}
	ticks := 1
	if gap := first - a.cfg.Tolerance - a.tick; gap > 0 {
		ticks = int((gap + a.cfg.Cadence - 1) / a.cfg.Cadence)
		if ticks < 1 {
			ticks = 1
		}
	}
	for _, id := range a.order {
		a.markAbsent(id, a.sources[id], ticks)
	}
	a.advance(a.tick + time.Duration(ticks)*a.cfg.Cadence)
	return true
}

// advance moves to a new tick and discards frames that can no longer match.
func (a *Aligner) advance(tick time.Duration) {
	a.tick = tick
	lo := tick - a.cfg.Tolerance
	for _, id := range a.order {
		s := a.sources[id]
		drop := 0
		for drop < len(s.pending) && s.pending[drop].SessionTS < lo {
			drop++
		}
		if drop > 0 {
			a.late += uint64(drop)
			s.pending = s.pending[drop:]
		}
	}
}

func (a *Aligner) markAbsent(id domain.SourceID, s *alignSource, ticks int) {
	s.absent += ticks
	if s.active && !s.stalled && s.absent > a.cfg.StallTicks {
		s.stalled = true
		if a.onStall != nil {
			a.onStall(&domain.AlignError{Source: id, Ticks: s.absent})
		}
	}
}

func (a *Aligner) earliest() (time.Duration, bool) {
	var first time.Duration
	found := false
	for _, id := range a.order {
		s := a.sources[id]
		if len(s.pending) == 0 {
			continue
		}
		if ts := s.pending[0].SessionTS; !found || ts < first {
			first, found = ts, true
		}
	}
	return first, found
}

func (a *Aligner) hasPending() bool {
	for _, s := range a.sources {
		if len(s.pending) > 0 {
			return true
		}
	}
	return false
}

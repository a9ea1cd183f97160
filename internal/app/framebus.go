package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
)

// DefaultQueueCapacity is the default per-source FrameBus capacity.
const DefaultQueueCapacity = 8

// FrameBus holds one bounded ring per source between the pumps and the
// pipeline. Push never blocks: when a ring is full the oldest frame is
// dropped and counted, so the newest frame is always retained.
//
// Each ring has a single producer (its pump) and the bus has a single
// consumer (the pipeline goroutine).
type FrameBus struct {
	mu     sync.Mutex
	queues map[domain.SourceID]*ring
	order  []domain.SourceID
	notify chan struct{}
	closed bool
}

// BusStats are per-source queue counters.
type BusStats struct {
	Pushed  uint64
	Dropped uint64
	Queued  int
	Closed  bool
}

type ring struct {
	buf     []domain.Frame
	head    int
	n       int
	pushed  uint64
	dropped uint64
	closed  bool
	// closeSeen is set once the consumer has been told about closed.
	closeSeen bool
}

// NewFrameBus creates a bus with one ring of the given capacity per source.
func NewFrameBus(ids []domain.SourceID, capacity int) *FrameBus {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	b := &FrameBus{
		queues: make(map[domain.SourceID]*ring, len(ids)),
		notify: make(chan struct{}, 1),
	}
	for _, id := range ids {
		b.queues[id] = &ring{buf: make([]domain.Frame, capacity)}
		b.order = append(b.order, id)
	}
	sort.Slice(b.order, func(i, j int) bool { return b.order[i] < b.order[j] })
	return b
}

// Push enqueues a frame for its source. It returns a BusError when an older
// frame had to be dropped, and false when the frame was not accepted because
// the bus or the source queue is closed or the source is unknown.
func (b *FrameBus) Push(f domain.Frame) (accepted bool, dropped *domain.BusError) {
	b.mu.Lock()
	q, ok := b.queues[f.Source]
	if !ok || b.closed || q.closed {
		b.mu.Unlock()
		return false, nil
	}
	capacity := len(q.buf)
	if q.n == capacity {
		q.buf[q.head] = domain.Frame{}
		q.head = (q.head + 1) % capacity
		q.n--
		q.dropped++
		dropped = &domain.BusError{Source: f.Source, Dropped: q.dropped}
	}
	q.buf[(q.head+q.n)%capacity] = f
	q.n++
	q.pushed++
	b.mu.Unlock()

	b.signal()
	return true, dropped
}

// Pop removes the oldest queued frame of a source.
func (b *FrameBus) Pop(id domain.SourceID) (domain.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[id]
	if !ok || q.n == 0 {
		return domain.Frame{}, false
	}
	return q.pop(), true
}

func (q *ring) pop() domain.Frame {
	f := q.buf[q.head]
	q.buf[q.head] = domain.Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return f
}

// Drain removes every queued frame, source by source in id order, and
// reports sources whose queue was closed since the previous Drain. done is
// true once the whole bus is closed; frames returned alongside done are the
// last ones.
func (b *FrameBus) Drain() (frames []domain.Frame, closedSources []domain.SourceID, done bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.order {
		q := b.queues[id]
		for q.n > 0 {
			frames = append(frames, q.pop())
		}
		if q.closed && !q.closeSeen {
			q.closeSeen = true
			closedSources = append(closedSources, id)
		}
	}
	return frames, closedSources, b.closed
}

// Wait blocks until a push or close happens, the timeout expires, or ctx is
// done. It returns true when woken by a push or close.
func (b *FrameBus) Wait(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-b.notify:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.notify:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// CloseSource stops accepting frames for one source. Queued frames remain
// available to the consumer.
func (b *FrameBus) CloseSource(id domain.SourceID) {
	b.mu.Lock()
	q, ok := b.queues[id]
	if ok {
		q.closed = true
	}
	b.mu.Unlock()
	if ok {
		b.signal()
	}
}

// Close stops accepting frames on every source.
func (b *FrameBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

// Stats returns the counters of one source queue.
func (b *FrameBus) Stats(id domain.SourceID) BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[id]
	if !ok {
		return BusStats{}
	}
	return BusStats{Pushed: q.pushed, Dropped: q.dropped, Queued: q.n, Closed: q.closed}
}

func (b *FrameBus) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

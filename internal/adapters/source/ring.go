// Package source implements the SourceAdapter families.
//
// Push-style producers (SDK callbacks, sockets, file watchers) feed a Ring,
// a K-most-recent buffer that turns them into the pull contract of
// ports.SourceAdapter. Sequence numbers are assigned when a frame enters the
// Ring, so frames the Ring drops show up as sequence gaps downstream.
package source

import (
	"context"
	"sync"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
)

// DefaultRingSize is the number of most-recent frames kept per source.
const DefaultRingSize = 2

// Ring buffers the K most recent frames of one source.
type Ring struct {
	id domain.SourceID
	k  int

	mu       sync.Mutex
	buf      []domain.Frame
	seq      uint64
	produced uint64
	dropped  uint64
	err      error
	notify   chan struct{}
}

// NewRing creates a ring holding at most k frames.
func NewRing(id domain.SourceID, k int) *Ring {
	if k <= 0 {
		k = DefaultRingSize
	}
	return &Ring{
		id:     id,
		k:      k,
		buf:    make([]domain.Frame, 0, k),
		notify: make(chan struct{}, 1),
	}
}

// Put stores a frame, dropping the oldest when full. It assigns the frame's
// Source and Seq and returns the assigned sequence number.
func (r *Ring) Put(f domain.Frame) uint64 {
	r.mu.Lock()
	r.seq++
	r.produced++
	f.Source = r.id
	f.Seq = r.seq
	if len(r.buf) == r.k {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:r.k-1]
		r.dropped++
	}
	r.buf = append(r.buf, f)
	seq := r.seq
	r.mu.Unlock()

	r.signal()
	return seq
}

// Skip advances the sequence counter by n frames the producer lost before
// they reached the ring, such as device-side frame number jumps.
func (r *Ring) Skip(n uint64) {
	r.mu.Lock()
	r.seq += n
	r.dropped += n
	r.mu.Unlock()
}

// Fail marks the source terminally failed. Buffered frames are still
// delivered before Next returns the error. Only the first failure is kept.
func (r *Ring) Fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.signal()
}

// Next returns the oldest buffered frame, waiting up to timeout. It returns
// a Timeout AdapterError when nothing arrived and the failure passed to Fail
// once the buffer is empty.
func (r *Ring) Next(ctx context.Context, timeout time.Duration) (domain.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		r.mu.Lock()
		if len(r.buf) > 0 {
			f := r.buf[0]
			copy(r.buf, r.buf[1:])
			r.buf = r.buf[:len(r.buf)-1]
			r.mu.Unlock()
			return f, nil
		}
		if r.err != nil {
			err := r.err
			r.mu.Unlock()
			return domain.Frame{}, err
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Frame{}, ctx.Err()
		case <-timer.C:
			return domain.Frame{}, domain.NewAdapterError(r.id, domain.Timeout, nil)
		case <-r.notify:
		}
	}
}

// Len returns the number of buffered frames.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Stats returns production and drop counters.
func (r *Ring) Stats() ports.SourceStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ports.SourceStats{Produced: r.produced, Dropped: r.dropped}
}

// Reset clears frames and failure state for a new session. Counters keep
// running so sequence numbers stay monotonic for the adapter's lifetime.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.buf = r.buf[:0]
	r.err = nil
	r.mu.Unlock()
}

func (r *Ring) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

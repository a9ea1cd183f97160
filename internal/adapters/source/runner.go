package source

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
	"github.com/hepic-lab/hepic/pkg/log"
)

// now is the arrival clock.
var now = time.Now

// runner owns the producer goroutine of a push-style adapter. It is
// independent of the Start context, which only bounds the start itself.
type runner struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// start launches run. When run returns a non-nil error before Stop, the
// ring is failed with a Disconnected AdapterError.
func (r *runner) start(ring *Ring, id domain.SourceID, run func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("producer exited")
		}
		var ae *domain.AdapterError
		if !errors.As(err, &ae) {
			err = domain.NewAdapterError(id, domain.Disconnected, err)
		}
		ring.Fail(err)
	}()
}

// stop cancels the producer and waits for it. Safe to call more than once.
func (r *runner) stop() { r.stopAndRelease(nil) }

// stopAndRelease cancels the producer, calls release to unblock pending
// reads, then waits for the producer to return.
func (r *runner) stopAndRelease(release func()) {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if release != nil {
		release()
	}
	if done != nil {
		<-done
	}
}

func loggerOrNoop(l log.Logger) log.Logger {
	if l == nil {
		return log.NewNoopLogger()
	}
	return l
}

// base carries what every adapter shares: identity, the frame ring and the
// producer goroutine.
type base struct {
	id     domain.SourceID
	kind   domain.SourceKind
	ring   *Ring
	run    runner
	logger log.Logger
}

func newBase(id domain.SourceID, kind domain.SourceKind, ringSize int, logger log.Logger) *base {
	return &base{
		id:     id,
		kind:   kind,
		ring:   NewRing(id, ringSize),
		logger: log.With(loggerOrNoop(logger), log.Source(string(id))),
	}
}

func (b *base) ID() domain.SourceID     { return b.id }
func (b *base) Kind() domain.SourceKind { return b.kind }

func (b *base) NextFrame(ctx context.Context, timeout time.Duration) (domain.Frame, error) {
	return b.ring.Next(ctx, timeout)
}

func (b *base) Stats() ports.SourceStats { return b.ring.Stats() }

// MarkDisconnected fails the source from outside, for example on a udev
// remove event. The next NextFrame after the buffered frames returns
// Disconnected.
func (b *base) MarkDisconnected(reason error) {
	b.ring.Fail(domain.NewAdapterError(b.id, domain.Disconnected, reason))
}

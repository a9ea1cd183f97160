package ports

import (
	"context"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
)

// SourceAdapter wraps one sensor SDK into a uniform timestamped-frame producer.
//
// Start acquires device handles; Stop releases them. NextFrame blocks for at
// most timeout and returns an *domain.AdapterError of kind Timeout when no
// frame arrived, Disconnected when the device is gone, or ConfigurationRejected
// when the device refused the requested settings.
type SourceAdapter interface {
	// ID returns the session-unique source id.
	ID() domain.SourceID

	// Kind returns the sensor family.
	Kind() domain.SourceKind

	// Start opens the device. It must not block longer than the context allows.
	Start(ctx context.Context) error

	// NextFrame returns the next frame with Seq, Native and Arrival populated.
	NextFrame(ctx context.Context, timeout time.Duration) (domain.Frame, error)

	// Stop releases the device. Safe to call more than once.
	Stop() error

	// Describe returns the source spec, including image geometry once started.
	Describe() domain.SourceSpec

	// Stats returns adapter-side counters.
	Stats() SourceStats
}

// SourceStats are adapter-side counters exposed for observability.
type SourceStats struct {
	// Produced counts frames handed out by NextFrame.
	Produced uint64

	// Dropped counts frames discarded inside the adapter (callback buffer overflow).
	Dropped uint64
}

// Disconnector is implemented by adapters that can be told from the outside
// that their device disappeared (hot-plug removal).
type Disconnector interface {
	MarkDisconnected(reason error)
}

package app

import (
	"github.com/hepic-lab/hepic/internal/domain"
)

// Observer receives session events besides state changes. Callbacks run on
// pipeline or pump goroutines and must not block.
type Observer interface {
	EventEmitter

	// OnSourceFault is called when a source fails and the policy was applied.
	OnSourceFault(id domain.SourceID, err error, policy domain.FaultPolicy)

	// OnSourceStalled is called once per stall episode.
	OnSourceStalled(stall *domain.AlignError)

	// OnSessionClosed is called after finalize with the written manifest.
	OnSessionClosed(manifest domain.Manifest, cause error)
}

// NoopObserver ignores every event.
type NoopObserver struct{}

func (NoopObserver) OnStateChange(previous, current State, reason string)                   {}
func (NoopObserver) OnSourceFault(id domain.SourceID, err error, policy domain.FaultPolicy) {}
func (NoopObserver) OnSourceStalled(stall *domain.AlignError)                               {}
func (NoopObserver) OnSessionClosed(manifest domain.Manifest, cause error)                  {}

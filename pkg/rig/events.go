package rig

import (
	"github.com/hepic-lab/hepic/internal/app"
	"github.com/hepic-lab/hepic/internal/domain"
)

// Re-exported session types.
type (
	// SourceID identifies a source within a session.
	SourceID = domain.SourceID

	// Manifest is the finalized per-session summary.
	Manifest = domain.Manifest

	// Snapshot is a point-in-time view of the running session.
	Snapshot = app.Snapshot

	// SourceSnapshot is a point-in-time view of one source.
	SourceSnapshot = app.SourceSnapshot

	// State is the session lifecycle state.
	State = app.State
)

// Session lifecycle states.
const (
	StateIdle     = app.StateIdle
	StateStarting = app.StateStarting
	StateRunning  = app.StateRunning
	StateStopping = app.StateStopping
	StateClosed   = app.StateClosed
	StateErrored  = app.StateErrored
)

// StateChangeEvent is emitted on every lifecycle transition.
type StateChangeEvent struct {
	Previous State
	Current  State
	Reason   string
}

// SourceFaultEvent is emitted when a source failed and its policy was applied.
type SourceFaultEvent struct {
	Source SourceID
	Error  error
	Policy string
}

// SourceStalledEvent is emitted once per stall episode.
type SourceStalledEvent struct {
	Source SourceID
	Ticks  int
}

// SessionClosedEvent is emitted after the manifest was written.
type SessionClosedEvent struct {
	Manifest Manifest
	Error    error
}

// EventHandler receives session events. Callbacks run on recording
// goroutines and must return quickly.
type EventHandler interface {
	OnStateChange(StateChangeEvent)
	OnSourceFault(SourceFaultEvent)
	OnSourceStalled(SourceStalledEvent)
	OnSessionClosed(SessionClosedEvent)
}

// observerWrapper adapts EventHandler to the controller observer.
type observerWrapper struct {
	handler EventHandler
}

var _ app.Observer = observerWrapper{}

func (o observerWrapper) OnStateChange(previous, current app.State, reason string) {
	if o.handler == nil {
		return
	}
	o.handler.OnStateChange(StateChangeEvent{Previous: previous, Current: current, Reason: reason})
}

func (o observerWrapper) OnSourceFault(id domain.SourceID, err error, policy domain.FaultPolicy) {
	if o.handler == nil {
		return
	}
	o.handler.OnSourceFault(SourceFaultEvent{Source: id, Error: err, Policy: string(policy)})
}

func (o observerWrapper) OnSourceStalled(stall *domain.AlignError) {
	if o.handler == nil {
		return
	}
	o.handler.OnSourceStalled(SourceStalledEvent{Source: stall.Source, Ticks: stall.Ticks})
}

func (o observerWrapper) OnSessionClosed(manifest domain.Manifest, cause error) {
	if o.handler == nil {
		return
	}
	o.handler.OnSessionClosed(SessionClosedEvent{Manifest: manifest, Error: cause})
}

// BaseEventHandler implements EventHandler with no-ops. Embed it to handle
// only the events you need.
type BaseEventHandler struct{}

func (BaseEventHandler) OnStateChange(StateChangeEvent)     {}
func (BaseEventHandler) OnSourceFault(SourceFaultEvent)     {}
func (BaseEventHandler) OnSourceStalled(SourceStalledEvent) {}
func (BaseEventHandler) OnSessionClosed(SessionClosedEvent) {}

package domain

import (
	"errors"
	"fmt"
)

// Lifecycle errors returned by the public API; check with errors.Is.
var (
	// ErrAlreadyRunning is returned when Start() is called on a session that is not idle.
	ErrAlreadyRunning = errors.New("hepic: session already started")

	// ErrNotRunning is returned when an operation needs a running session.
	ErrNotRunning = errors.New("hepic: session not running")

	// ErrShutdownTimeout is returned when sources do not stop within the grace period.
	ErrShutdownTimeout = errors.New("hepic: shutdown timeout")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("hepic: invalid configuration")

	// ErrNoSources is returned when no source could be started.
	ErrNoSources = errors.New("hepic: no source could be started")

	// ErrSessionLocked is returned when another session holds the output directory lock.
	ErrSessionLocked = errors.New("hepic: another recording session is active")

	// ErrAlreadyFinalized is returned when writing to a finalized recorder.
	ErrAlreadyFinalized = errors.New("hepic: recorder already finalized")
)

// AdapterErrorKind classifies source adapter failures.
type AdapterErrorKind int

const (
	// Disconnected means the device or SDK connection is gone for good.
	Disconnected AdapterErrorKind = iota + 1
	// Timeout means no frame arrived within the requested timeout.
	Timeout
	// ConfigurationRejected means the device refused the requested settings.
	ConfigurationRejected
)

func (k AdapterErrorKind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Timeout:
		return "timeout"
	case ConfigurationRejected:
		return "configuration rejected"
	default:
		return "unknown"
	}
}

// AdapterError is returned by source adapters.
type AdapterError struct {
	Source SourceID
	Kind   AdapterErrorKind
	Err    error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source %s: %s: %v", e.Source, e.Kind, e.Err)
	}
	return fmt.Sprintf("source %s: %s", e.Source, e.Kind)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Is matches another AdapterError of the same kind, so callers can write
// errors.Is(err, domain.ErrTimeout).
func (e *AdapterError) Is(target error) bool {
	t, ok := target.(*AdapterError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Source == "" || t.Source == e.Source)
}

// Kind-only AdapterError values for errors.Is matching.
var (
	ErrDisconnected          = &AdapterError{Kind: Disconnected}
	ErrTimeout               = &AdapterError{Kind: Timeout}
	ErrConfigurationRejected = &AdapterError{Kind: ConfigurationRejected}
)

// NewAdapterError builds an AdapterError for a source.
func NewAdapterError(src SourceID, kind AdapterErrorKind, err error) *AdapterError {
	return &AdapterError{Source: src, Kind: kind, Err: err}
}

// IOErrorKind classifies storage failures.
type IOErrorKind int

const (
	WriteFailed IOErrorKind = iota + 1
	DiskFull
)

func (k IOErrorKind) String() string {
	switch k {
	case WriteFailed:
		return "write failed"
	case DiskFull:
		return "disk full"
	default:
		return "unknown"
	}
}

// IOError is returned by the recorder and storage adapters.
type IOError struct {
	Source SourceID // empty for session-wide files
	Path   string
	Kind   IOErrorKind
	Err    error
}

func (e *IOError) Error() string {
	prefix := "storage"
	if e.Source != "" {
		prefix = "storage for " + string(e.Source)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s: %v", prefix, e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", prefix, e.Kind, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is matches another IOError of the same kind.
func (e *IOError) Is(target error) bool {
	t, ok := target.(*IOError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Kind-only IOError values for errors.Is matching.
var (
	ErrWriteFailed = &IOError{Kind: WriteFailed}
	ErrDiskFull    = &IOError{Kind: DiskFull}
)

// BusError records a back-pressure event on a FrameBus queue. It is counted,
// never propagated to the controller.
type BusError struct {
	Source  SourceID
	Dropped uint64
}

func (e *BusError) Error() string {
	return fmt.Sprintf("bus queue full for %s: dropped %d", e.Source, e.Dropped)
}

// AlignError reports an alignment observation such as a stalled source.
type AlignError struct {
	Source SourceID
	Ticks  int
}

func (e *AlignError) Error() string {
	return fmt.Sprintf("source %s stalled: absent for %d consecutive ticks", e.Source, e.Ticks)
}

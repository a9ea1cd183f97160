package ports

import (
	"context"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
)

// DeviceInfo describes an enumerated device.
type DeviceInfo struct {
	Index  int
	Serial string
	Model  string
	Path   string
}

// VisionSDK is the machine-vision camera SDK boundary. Implementations wrap
// a vendor library or a capture process; the orchestration layer never sees
// vendor types.
type VisionSDK interface {
	// Enumerate lists attached cameras.
	Enumerate(ctx context.Context) ([]DeviceInfo, error)

	// Open opens a camera and starts grabbing.
	Open(ctx context.Context, dev DeviceInfo, opts VisionOptions) (VisionDevice, error)
}

// VisionOptions are the settings requested when opening a camera.
type VisionOptions struct {
	Width        int
	Height       int
	FPS          float64
	ExposureTime time.Duration
	Format       domain.PixelFormat
}

// VisionDevice is an open, grabbing camera.
type VisionDevice interface {
	// Format returns the negotiated frame geometry.
	Format() (width, height int, format domain.PixelFormat)

	// Grab waits up to timeout for the next frame. ok is false on timeout.
	// hasNative is false when the SDK provides no device timestamp.
	Grab(ctx context.Context, timeout time.Duration) (frame VisionFrame, ok bool, err error)

	Close() error
}

// VisionFrame is one frame delivered by a VisionDevice.
type VisionFrame struct {
	Data      []byte
	Number    uint64
	Native    time.Duration
	HasNative bool
}

// ThermalSDK is the thermal camera SDK boundary. Thermal SDKs deliver frames
// through callbacks on their own threads.
type ThermalSDK interface {
	// Enumerate lists attached imagers.
	Enumerate(ctx context.Context) ([]DeviceInfo, error)

	// Connect opens an imager and starts delivering callbacks until Close.
	Connect(ctx context.Context, dev DeviceInfo, opts ThermalOptions, cb ThermalCallbacks) (ThermalDevice, error)
}

// ThermalOptions are the settings requested when connecting an imager.
type ThermalOptions struct {
	// RangeIndex selects the hardware temperature range; negative keeps the default.
	RangeIndex int
}

// ThermalCallbacks receive SDK events. They are invoked from SDK threads and
// must not block.
type ThermalCallbacks struct {
	OnFrame          func(ThermalFrame)
	OnFlagState      func(FlagState)
	OnConnectionLost func(error)
}

// ThermalDevice is a connected imager.
type ThermalDevice interface {
	// FlagState returns the current shutter flag state.
	FlagState() FlagState

	// Serial returns the connected device serial number.
	Serial() string

	Close() error
}

// ThermalFrame is a temperature matrix in degrees Celsius with auxiliary
// process-interface (PIF) channel readings.
type ThermalFrame struct {
	Width  int
	Height int
	Temps  []float32
	Native time.Duration
	PIF    []float64
}

// FlagState is the shutter flag state of a thermal imager.
type FlagState int

const (
	FlagInitializing FlagState = iota
	FlagOpen
	FlagClosing
	FlagClosed
	FlagOpening
	FlagError
)

func (f FlagState) String() string {
	switch f {
	case FlagInitializing:
		return "initializing"
	case FlagOpen:
		return "open"
	case FlagClosing:
		return "closing"
	case FlagClosed:
		return "closed"
	case FlagOpening:
		return "opening"
	default:
		return "error"
	}
}

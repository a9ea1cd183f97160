package domain

import "time"

// SourceID identifies one sensor source within a session (e.g. "vision").
type SourceID string

// SourceKind names the sensor family behind a source.
type SourceKind string

const (
	KindVision    SourceKind = "vision"
	KindThermal   SourceKind = "thermal"
	KindMoonraker SourceKind = "moonraker"
	KindTCPSensor SourceKind = "tcpsensor"
	KindImageDir  SourceKind = "imagedir"
	KindSynthetic SourceKind = "synthetic"
)

// PixelFormat is the memory layout of an image payload.
type PixelFormat string

const (
	PixelGray8 PixelFormat = "gray8"
	PixelRGB24 PixelFormat = "rgb24"
)

// BytesPerPixel returns the pixel stride for the format.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelRGB24:
		return 3
	default:
		return 1
	}
}

// FFmpegName returns the ffmpeg -pix_fmt name for the format.
func (p PixelFormat) FFmpegName() string {
	switch p {
	case PixelRGB24:
		return "rgb24"
	default:
		return "gray"
	}
}

// Image is a raw image buffer. Data is len Width*Height*BytesPerPixel.
type Image struct {
	Width  int
	Height int
	Format PixelFormat
	Data   []byte
}

// Size returns the expected buffer size for the image geometry.
func (i *Image) Size() int {
	return i.Width * i.Height * i.Format.BytesPerPixel()
}

// Payload is the content of a frame: an image, scalar channels, or both.
type Payload struct {
	Image  *Image
	Values map[string]float64
}

// HasImage reports whether the payload carries an image buffer.
func (p Payload) HasImage() bool {
	return p.Image != nil
}

// Frame is a single timestamped sample produced by a source.
// A Frame is immutable once produced and has exactly one owner at a time:
// adapter, then FrameBus, then Aligner, then Recorder.
type Frame struct {
	// Source is the producing source id.
	Source SourceID

	// Seq is a per-source, strictly increasing sequence number assigned at
	// production time. Gaps indicate frames dropped before the bus.
	Seq uint64

	// Native is the sensor's own timestamp. Only meaningful when HasNative.
	Native    time.Duration
	HasNative bool

	// Arrival is the host time the frame reached the adapter.
	Arrival time.Time

	// SessionTS is the frame's position on the session timeline, assigned by ClockSync.
	SessionTS time.Duration

	Payload Payload
}

// Package encoder writes image sources to video files.
//
// Two codecs are available: h264, which pipes raw frames into an ffmpeg
// subprocess producing an mkv file, and raw, which appends frame buffers to
// a flat file. Both produce exactly one output frame per WriteFrame call, so
// frame i of the file always corresponds to SyncedSet i.
package encoder

import (
	"fmt"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
)

// Codec names an output encoding.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecRaw  Codec = "raw"
)

// Defaults for the h264 codec.
const (
	DefaultPreset = "fast"
	DefaultCRF    = 28
	DefaultFPS    = 10.0
)

// ParseCodec validates a codec name. Empty yields h264.
func ParseCodec(s string) (Codec, error) {
	switch Codec(s) {
	case "":
		return CodecH264, nil
	case CodecH264, CodecRaw:
		return Codec(s), nil
	default:
		return "", fmt.Errorf("%w: unknown codec %q (want h264 or raw)", domain.ErrInvalidConfig, s)
	}
}

// Config configures the encoders of a session.
type Config struct {
	Codec      Codec
	FFmpegPath string

	// FPS is the nominal output rate, normally 1/cadence.
	FPS    float64
	Preset string
	CRF    int
}

// Factory implements ports.EncoderFactory.
type Factory struct {
	cfg    Config
	logger ports.Logger
}

var _ ports.EncoderFactory = (*Factory)(nil)

// NewFactory creates an encoder factory, filling defaults.
func NewFactory(cfg Config, logger ports.Logger) *Factory {
	if cfg.Codec == "" {
		cfg.Codec = CodecH264
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.Preset == "" {
		cfg.Preset = DefaultPreset
	}
	if cfg.CRF <= 0 {
		cfg.CRF = DefaultCRF
	}
	return &Factory{cfg: cfg, logger: logger}
}

// NewEncoder opens the output file for an image source. The spec must carry
// the frame geometry.
func (f *Factory) NewEncoder(spec domain.SourceSpec, dir string) (ports.VideoEncoder, error) {
	if spec.Width <= 0 || spec.Height <= 0 {
		return nil, fmt.Errorf("source %s: frame geometry unknown", spec.ID)
	}
	switch f.cfg.Codec {
	case CodecRaw:
		return NewRawEncoder(spec, dir)
	default:
		return NewFFmpegEncoder(spec, dir, f.cfg, f.logger)
	}
}

func checkGeometry(spec domain.SourceSpec, img *domain.Image) error {
	if img.Width != spec.Width || img.Height != spec.Height || img.Format != spec.Format {
		return fmt.Errorf("frame is %dx%d %s, encoder expects %dx%d %s",
			img.Width, img.Height, img.Format, spec.Width, spec.Height, spec.Format)
	}
	if len(img.Data) != img.Size() {
		return fmt.Errorf("frame buffer is %d bytes, want %d", len(img.Data), img.Size())
	}
	return nil
}

package source

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/pkg/log"
)

// SyntheticConfig configures a generated source.
type SyntheticConfig struct {
	ID   domain.SourceID
	Kind domain.SourceKind // reported kind, defaults to synthetic

	// Rate is frames per second.
	Rate float64

	// DriftPPM skews the native clock relative to the host clock.
	DriftPPM float64

	// Channels are the scalar value names; defaults to "value".
	Channels []string

	// Image adds a Width x Height payload in Format.
	Image  bool
	Width  int
	Height int
	Format domain.PixelFormat

	// DisconnectAfter fails the source after that many frames; 0 never.
	DisconnectAfter int

	RingSize int
}

// Synthetic generates frames at a fixed rate with a drifting native clock.
type Synthetic struct {
	*base
	cfg SyntheticConfig
}

// NewSynthetic validates cfg and creates the adapter.
func NewSynthetic(cfg SyntheticConfig, logger log.Logger) (*Synthetic, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: synthetic source needs an id", domain.ErrInvalidConfig)
	}
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("%w: source %s: rate must be positive", domain.ErrInvalidConfig, cfg.ID)
	}
	if cfg.Kind == "" {
		cfg.Kind = domain.KindSynthetic
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{"value"}
	}
	if cfg.Image {
		if cfg.Width <= 0 || cfg.Height <= 0 {
			cfg.Width, cfg.Height = 64, 48
		}
		if cfg.Format == "" {
			cfg.Format = domain.PixelGray8
		}
	}
	return &Synthetic{base: newBase(cfg.ID, cfg.Kind, cfg.RingSize, logger), cfg: cfg}, nil
}

func (s *Synthetic) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.ring.Reset()
	s.run.start(s.ring, s.id, s.produce)
	return nil
}

func (s *Synthetic) Stop() error {
	s.run.stop()
	return nil
}

func (s *Synthetic) Describe() domain.SourceSpec {
	spec := domain.SourceSpec{ID: s.id, Kind: s.kind, Image: s.cfg.Image}
	if s.cfg.Image {
		spec.Width, spec.Height, spec.Format = s.cfg.Width, s.cfg.Height, s.cfg.Format
	}
	return spec
}

func (s *Synthetic) produce(ctx context.Context) error {
	interval := time.Duration(float64(time.Second) / s.cfg.Rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	skew := 1 + s.cfg.DriftPPM/1e6
	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if s.cfg.DisconnectAfter > 0 && n >= s.cfg.DisconnectAfter {
				return domain.NewAdapterError(s.id, domain.Disconnected,
					errors.New("simulated disconnect"))
			}
			elapsed := now.Sub(start)
			s.ring.Put(s.frame(n, now, time.Duration(float64(elapsed)*skew)))
			n++
		}
	}
}

func (s *Synthetic) frame(n int, arrival time.Time, native time.Duration) domain.Frame {
	values := make(map[string]float64, len(s.cfg.Channels))
	phase := float64(n) / s.cfg.Rate
	for i, name := range s.cfg.Channels {
		values[name] = math.Sin(2*math.Pi*0.5*phase + float64(i))
	}
	f := domain.Frame{
		Native:    native,
		HasNative: true,
		Arrival:   arrival,
		Payload:   domain.Payload{Values: values},
	}
	if s.cfg.Image {
		f.Payload.Image = gradient(s.cfg.Width, s.cfg.Height, s.cfg.Format, n)
	}
	return f
}

// gradient draws a horizontal ramp shifted by n, so consecutive frames differ.
func gradient(w, h int, format domain.PixelFormat, n int) *domain.Image {
	img := &domain.Image{Width: w, Height: h, Format: format}
	bpp := format.BytesPerPixel()
	img.Data = make([]byte, w*h*bpp)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := byte((x*255/max(w-1, 1) + n*4) % 256)
			off := (y*w + x) * bpp
			for c := 0; c < bpp; c++ {
				img.Data[off+c] = v
			}
		}
	}
	return img
}

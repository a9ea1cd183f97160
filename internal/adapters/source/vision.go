package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
	"github.com/hepic-lab/hepic/pkg/log"
)

// VisionConfig selects and configures a machine-vision camera.
type VisionConfig struct {
	ID domain.SourceID

	// Device selects the camera by enumeration index ("0"), serial number or
	// device path. Empty picks the first camera.
	Device string

	Width        int
	Height       int
	FPS          float64
	ExposureTime time.Duration
	Format       domain.PixelFormat
}

// Vision pulls frames from a VisionSDK device. The SDK handle is acquired in
// Start and released in Stop.
type Vision struct {
	cfg    VisionConfig
	sdk    ports.VisionSDK
	logger log.Logger

	mu       sync.Mutex
	dev      ports.VisionDevice
	spec     domain.SourceSpec
	seq      uint64
	lastNum  uint64
	haveNum  bool
	produced uint64
	dropped  uint64
	lost     error
}

// NewVision creates a vision adapter on top of sdk.
func NewVision(cfg VisionConfig, sdk ports.VisionSDK, logger log.Logger) (*Vision, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: vision source needs an id", domain.ErrInvalidConfig)
	}
	if sdk == nil {
		return nil, fmt.Errorf("%w: source %s: no vision backend", domain.ErrInvalidConfig, cfg.ID)
	}
	if cfg.Format == "" {
		cfg.Format = domain.PixelGray8
	}
	return &Vision{
		cfg:    cfg,
		sdk:    sdk,
		logger: log.With(loggerOrNoop(logger), log.Source(string(cfg.ID))),
		spec:   domain.SourceSpec{ID: cfg.ID, Kind: domain.KindVision, Image: true},
	}, nil
}

func (v *Vision) ID() domain.SourceID     { return v.cfg.ID }
func (v *Vision) Kind() domain.SourceKind { return domain.KindVision }

func (v *Vision) Start(ctx context.Context) error {
	devices, err := v.sdk.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerate cameras: %w", err)
	}
	dev, err := SelectDevice(devices, v.cfg.Device)
	if err != nil {
		return domain.NewAdapterError(v.cfg.ID, domain.Disconnected, err)
	}

	handle, err := v.sdk.Open(ctx, dev, ports.VisionOptions{
		Width:        v.cfg.Width,
		Height:       v.cfg.Height,
		FPS:          v.cfg.FPS,
		ExposureTime: v.cfg.ExposureTime,
		Format:       v.cfg.Format,
	})
	if err != nil {
		var ae *domain.AdapterError
		if errors.As(err, &ae) {
			return err
		}
		return domain.NewAdapterError(v.cfg.ID, domain.ConfigurationRejected, err)
	}

	w, h, format := handle.Format()
	v.mu.Lock()
	v.dev = handle
	v.spec.Width, v.spec.Height, v.spec.Format = w, h, format
	v.lost = nil
	v.haveNum = false
	v.mu.Unlock()

	v.logger.Info("camera opened",
		log.String("device", dev.Model+" "+dev.Serial),
		log.Int("width", w),
		log.Int("height", h),
		log.String("format", string(format)))
	return nil
}

func (v *Vision) NextFrame(ctx context.Context, timeout time.Duration) (domain.Frame, error) {
	v.mu.Lock()
	dev, lost := v.dev, v.lost
	spec := v.spec
	v.mu.Unlock()
	if lost != nil {
		return domain.Frame{}, lost
	}
	if dev == nil {
		return domain.Frame{}, domain.NewAdapterError(v.cfg.ID, domain.Disconnected, errors.New("camera not open"))
	}

	vf, ok, err := dev.Grab(ctx, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Frame{}, ctx.Err()
		}
		// A failed grab means the camera stream is gone.
		var ae *domain.AdapterError
		if !errors.As(err, &ae) {
			err = domain.NewAdapterError(v.cfg.ID, domain.Disconnected, fmt.Errorf("grab: %w", err))
		}
		v.mu.Lock()
		if v.lost == nil {
			v.lost = err
		}
		v.mu.Unlock()
		return domain.Frame{}, err
	}
	if !ok {
		return domain.Frame{}, domain.NewAdapterError(v.cfg.ID, domain.Timeout, nil)
	}
	arrival := now()

	v.mu.Lock()
	if v.haveNum && vf.Number > v.lastNum+1 {
		missed := vf.Number - v.lastNum - 1
		v.seq += missed
		v.dropped += missed
	}
	v.lastNum, v.haveNum = vf.Number, true
	v.seq++
	v.produced++
	seq := v.seq
	v.mu.Unlock()

	return domain.Frame{
		Source:    v.cfg.ID,
		Seq:       seq,
		Native:    vf.Native,
		HasNative: vf.HasNative,
		Arrival:   arrival,
		Payload: domain.Payload{Image: &domain.Image{
			Width: spec.Width, Height: spec.Height, Format: spec.Format, Data: vf.Data,
		}},
	}, nil
}

func (v *Vision) Stop() error {
	v.mu.Lock()
	dev := v.dev
	v.dev = nil
	v.mu.Unlock()
	if dev == nil {
		return nil
	}
	return dev.Close()
}

func (v *Vision) Describe() domain.SourceSpec {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.spec
}

func (v *Vision) Stats() ports.SourceStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return ports.SourceStats{Produced: v.produced, Dropped: v.dropped}
}

// MarkDisconnected makes the next NextFrame return Disconnected.
func (v *Vision) MarkDisconnected(reason error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lost == nil {
		v.lost = domain.NewAdapterError(v.cfg.ID, domain.Disconnected, reason)
	}
}

// SelectDevice picks a device by index, serial or path. Empty selects the
// first device.
func SelectDevice(devices []ports.DeviceInfo, selector string) (ports.DeviceInfo, error) {
	if len(devices) == 0 {
		return ports.DeviceInfo{}, errors.New("no devices found")
	}
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return devices[0], nil
	}
	for _, d := range devices {
		if fmt.Sprint(d.Index) == selector || d.Serial == selector || d.Path == selector {
			return d, nil
		}
	}
	return ports.DeviceInfo{}, fmt.Errorf("device %q not found among %d devices", selector, len(devices))
}

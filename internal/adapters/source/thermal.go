package source

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
	"github.com/hepic-lab/hepic/pkg/log"
)

// ROI is a rectangle in image coordinates.
type ROI struct {
	X, Y, W, H int
}

// Empty reports whether the ROI covers nothing and the full frame should be used.
func (r ROI) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// ThermalConfig selects and configures a thermal imager.
type ThermalConfig struct {
	ID     domain.SourceID
	Device string

	// RangeIndex selects the hardware temperature range; negative keeps the default.
	RangeIndex int

	// TempMin and TempMax bound the gray8 normalization in degrees Celsius.
	// When equal, each frame is normalized over its own min and max.
	TempMin float64
	TempMax float64

	// ROI restricts the t_max/t_min/t_mean statistics.
	ROI ROI

	RingSize int
}

// Thermal converts ThermalSDK callbacks into pulled frames.
type Thermal struct {
	*base
	cfg ThermalConfig
	sdk ports.ThermalSDK

	mu     sync.Mutex
	dev    ports.ThermalDevice
	spec   domain.SourceSpec
	flag   ports.FlagState
	serial string
}

// NewThermal creates a thermal adapter on top of sdk.
func NewThermal(cfg ThermalConfig, sdk ports.ThermalSDK, logger log.Logger) (*Thermal, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: thermal source needs an id", domain.ErrInvalidConfig)
	}
	if sdk == nil {
		return nil, fmt.Errorf("%w: source %s: no thermal backend", domain.ErrInvalidConfig, cfg.ID)
	}
	if cfg.TempMax < cfg.TempMin {
		return nil, fmt.Errorf("%w: source %s: temp_max below temp_min", domain.ErrInvalidConfig, cfg.ID)
	}
	return &Thermal{
		base: newBase(cfg.ID, domain.KindThermal, cfg.RingSize, logger),
		cfg:  cfg,
		sdk:  sdk,
		spec: domain.SourceSpec{ID: cfg.ID, Kind: domain.KindThermal, Image: true, Format: domain.PixelGray8},
	}, nil
}

func (t *Thermal) Start(ctx context.Context) error {
	devices, err := t.sdk.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerate imagers: %w", err)
	}
	dev, err := SelectDevice(devices, t.cfg.Device)
	if err != nil {
		return domain.NewAdapterError(t.id, domain.Disconnected, err)
	}

	t.ring.Reset()
	handle, err := t.sdk.Connect(ctx, dev, ports.ThermalOptions{RangeIndex: t.cfg.RangeIndex}, ports.ThermalCallbacks{
		OnFrame:          t.onFrame,
		OnFlagState:      t.onFlagState,
		OnConnectionLost: t.onConnectionLost,
	})
	if err != nil {
		var ae *domain.AdapterError
		if errors.As(err, &ae) {
			return err
		}
		return domain.NewAdapterError(t.id, domain.ConfigurationRejected, err)
	}

	t.mu.Lock()
	t.dev = handle
	t.flag = handle.FlagState()
	t.serial = handle.Serial()
	t.mu.Unlock()

	t.logger.Info("thermal imager connected",
		log.String("serial", handle.Serial()),
		log.String("flag", handle.FlagState().String()))
	return nil
}

func (t *Thermal) Stop() error {
	t.mu.Lock()
	dev := t.dev
	t.dev = nil
	t.mu.Unlock()
	if dev == nil {
		return nil
	}
	return dev.Close()
}

func (t *Thermal) Describe() domain.SourceSpec {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spec
}

func (t *Thermal) onFlagState(state ports.FlagState) {
	t.mu.Lock()
	prev := t.flag
	t.flag = state
	t.mu.Unlock()
	if prev != state {
		t.logger.Debug("flag state changed",
			log.String("from", prev.String()),
			log.String("to", state.String()))
	}
}

func (t *Thermal) onConnectionLost(err error) {
	if err == nil {
		err = errors.New("connection lost")
	}
	t.logger.Warn("thermal imager lost", log.Err(err))
	t.ring.Fail(domain.NewAdapterError(t.id, domain.Disconnected, err))
}

func (t *Thermal) onFrame(tf ports.ThermalFrame) {
	if tf.Width <= 0 || tf.Height <= 0 || len(tf.Temps) != tf.Width*tf.Height {
		t.logger.Warn("malformed thermal frame",
			log.Int("width", tf.Width),
			log.Int("height", tf.Height),
			log.Int("temps", len(tf.Temps)))
		return
	}

	t.mu.Lock()
	t.spec.Width, t.spec.Height = tf.Width, tf.Height
	flag := t.flag
	t.mu.Unlock()

	values := ROIStats(tf, t.cfg.ROI)
	values["flag_state"] = float64(flag)
	for i, v := range tf.PIF {
		values["pif_"+strconv.Itoa(i)] = v
	}

	t.ring.Put(domain.Frame{
		Native:    tf.Native,
		HasNative: true,
		Arrival:   now(),
		Payload: domain.Payload{
			Image:  NormalizeTemps(tf, t.cfg.TempMin, t.cfg.TempMax),
			Values: values,
		},
	})
}

// ROIStats returns t_max, t_min and t_mean over the ROI clipped to the
// frame. An empty ROI covers the whole frame; an ROI outside the frame
// yields no values.
func ROIStats(tf ports.ThermalFrame, roi ROI) map[string]float64 {
	x0, y0, x1, y1 := 0, 0, tf.Width, tf.Height
	if !roi.Empty() {
		x0, y0 = clamp(roi.X, 0, tf.Width), clamp(roi.Y, 0, tf.Height)
		x1, y1 = clamp(roi.X+roi.W, 0, tf.Width), clamp(roi.Y+roi.H, 0, tf.Height)
	}

	tMax, tMin, sum, n := math.Inf(-1), math.Inf(1), 0.0, 0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			v := float64(tf.Temps[y*tf.Width+x])
			tMax = math.Max(tMax, v)
			tMin = math.Min(tMin, v)
			sum += v
			n++
		}
	}
	if n == 0 {
		// Channel values must stay JSON-encodable, so no NaN.
		return map[string]float64{}
	}
	return map[string]float64{"t_max": tMax, "t_min": tMin, "t_mean": sum / float64(n)}
}

// NormalizeTemps maps temperatures linearly onto 0..255. With lo == hi the
// frame's own range is used.
func NormalizeTemps(tf ports.ThermalFrame, lo, hi float64) *domain.Image {
	if lo == hi {
		lo, hi = math.Inf(1), math.Inf(-1)
		for _, v := range tf.Temps {
			lo = math.Min(lo, float64(v))
			hi = math.Max(hi, float64(v))
		}
	}
	span := hi - lo
	img := &domain.Image{Width: tf.Width, Height: tf.Height, Format: domain.PixelGray8, Data: make([]byte, len(tf.Temps))}
	for i, v := range tf.Temps {
		if span <= 0 {
			continue
		}
		n := (float64(v) - lo) / span * 255
		img.Data[i] = byte(clamp(int(math.Round(n)), 0, 255))
	}
	return img
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

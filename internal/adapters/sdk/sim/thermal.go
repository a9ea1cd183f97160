package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hepic-lab/hepic/internal/ports"
)

// ThermalConfig configures the simulated thermal imager.
type ThermalConfig struct {
	Width  int
	Height int
	FPS    float64

	// DriftPPM skews the imager clock relative to the host clock.
	DriftPPM float64

	// Ambient and Peak are the background and hotspot temperatures.
	Ambient float64
	Peak    float64

	// FlagEvery closes the shutter flag for one frame every n frames; 0 never.
	FlagEvery int

	// LoseAfter reports a lost connection after n frames; 0 never.
	LoseAfter int
}

// ThermalSDK is a ports.ThermalSDK with one simulated imager. Callbacks run
// on a producer goroutine, like a vendor SDK thread.
type ThermalSDK struct {
	cfg ThermalConfig
}

// NewThermalSDK creates the simulated SDK.
func NewThermalSDK(cfg ThermalConfig) *ThermalSDK {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 382, 288
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 27
	}
	if cfg.Ambient == 0 && cfg.Peak == 0 {
		cfg.Ambient, cfg.Peak = 25, 215
	}
	return &ThermalSDK{cfg: cfg}
}

func (s *ThermalSDK) Enumerate(ctx context.Context) ([]ports.DeviceInfo, error) {
	return []ports.DeviceInfo{{Index: 0, Serial: "SIMIR0001", Model: "sim-thermal", Path: "sim://thermal/0"}}, nil
}

func (s *ThermalSDK) Connect(ctx context.Context, dev ports.DeviceInfo, opts ports.ThermalOptions, cb ports.ThermalCallbacks) (ports.ThermalDevice, error) {
	if cb.OnFrame == nil {
		return nil, errors.New("OnFrame callback is required")
	}
	if opts.RangeIndex > 2 {
		return nil, fmt.Errorf("temperature range %d not supported", opts.RangeIndex)
	}
	d := &thermalDevice{
		cfg:    s.cfg,
		cb:     cb,
		serial: dev.Serial,
		flag:   ports.FlagOpen,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.run()
	return d, nil
}

type thermalDevice struct {
	cfg    ThermalConfig
	cb     ports.ThermalCallbacks
	serial string

	mu   sync.Mutex
	flag ports.FlagState

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (d *thermalDevice) FlagState() ports.FlagState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flag
}

func (d *thermalDevice) Serial() string { return d.serial }

func (d *thermalDevice) Close() error {
	d.stopOnce.Do(func() { close(d.quit) })
	<-d.done
	return nil
}

func (d *thermalDevice) setFlag(f ports.FlagState) {
	d.mu.Lock()
	changed := d.flag != f
	d.flag = f
	d.mu.Unlock()
	if changed && d.cb.OnFlagState != nil {
		d.cb.OnFlagState(f)
	}
}

// run streams frames from connect on: the first frame is delivered at once,
// then one per frame period.
func (d *thermalDevice) run() {
	defer close(d.done)

	interval := time.Duration(float64(time.Second) / d.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	skew := 1 + d.cfg.DriftPPM/1e6
	now := start
	for n := 1; ; n++ {
		if d.cfg.LoseAfter > 0 && n > d.cfg.LoseAfter {
			if d.cb.OnConnectionLost != nil {
				d.cb.OnConnectionLost(errors.New("simulated connection loss"))
			}
			<-d.quit
			return
		}
		if d.cfg.FlagEvery > 0 {
			if n%d.cfg.FlagEvery == 0 {
				d.setFlag(ports.FlagClosed)
			} else {
				d.setFlag(ports.FlagOpen)
			}
		}
		native := time.Duration(float64(now.Sub(start)) * skew)
		d.cb.OnFrame(d.frame(n, native))

		select {
		case <-d.quit:
			return
		case now = <-ticker.C:
		}
	}
}

// frame renders a Gaussian hotspot that wanders slowly around the centre,
// roughly what a hotend nozzle looks like.
func (d *thermalDevice) frame(n int, native time.Duration) ports.ThermalFrame {
	w, h := d.cfg.Width, d.cfg.Height
	phase := float64(n) / d.cfg.FPS
	cx := float64(w)/2 + float64(w)/8*math.Sin(phase/3)
	cy := float64(h)/2 + float64(h)/8*math.Cos(phase/4)
	sigma := float64(min(w, h)) / 8
	peak := d.cfg.Peak + 2*math.Sin(phase)

	temps := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			t := d.cfg.Ambient + (peak-d.cfg.Ambient)*math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			temps[y*w+x] = float32(t)
		}
	}
	return ports.ThermalFrame{
		Width:  w,
		Height: h,
		Temps:  temps,
		Native: native,
		PIF:    []float64{5 + 5*math.Sin(phase/10)},
	}
}

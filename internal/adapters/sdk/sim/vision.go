// Package sim provides simulated camera SDKs for running the rig without
// hardware. Devices run on their own clocks, which drift against the host
// clock by a configurable rate.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
)

// VisionConfig configures the simulated machine-vision cameras.
type VisionConfig struct {
	// Devices is the number of cameras Enumerate reports.
	Devices int

	// DriftPPM skews the camera clock relative to the host clock.
	DriftPPM float64

	// DropEvery skips a device frame number every n frames; 0 never.
	DropEvery int
}

// VisionSDK is a ports.VisionSDK with simulated cameras.
type VisionSDK struct {
	cfg VisionConfig
}

// NewVisionSDK creates the simulated SDK.
func NewVisionSDK(cfg VisionConfig) *VisionSDK {
	if cfg.Devices <= 0 {
		cfg.Devices = 1
	}
	return &VisionSDK{cfg: cfg}
}

func (s *VisionSDK) Enumerate(ctx context.Context) ([]ports.DeviceInfo, error) {
	devs := make([]ports.DeviceInfo, s.cfg.Devices)
	for i := range devs {
		devs[i] = ports.DeviceInfo{
			Index:  i,
			Serial: fmt.Sprintf("SIMCAM%03d", i),
			Model:  "sim-mono",
			Path:   fmt.Sprintf("sim://vision/%d", i),
		}
	}
	return devs, nil
}

func (s *VisionSDK) Open(ctx context.Context, dev ports.DeviceInfo, opts ports.VisionOptions) (ports.VisionDevice, error) {
	if opts.Width < 0 || opts.Height < 0 || opts.FPS < 0 {
		return nil, fmt.Errorf("invalid geometry %dx%d@%g", opts.Width, opts.Height, opts.FPS)
	}
	if opts.Width == 0 || opts.Height == 0 {
		opts.Width, opts.Height = 320, 240
	}
	if opts.FPS == 0 {
		opts.FPS = 10
	}
	if opts.Format == "" {
		opts.Format = domain.PixelGray8
	}
	return &visionDevice{
		opts:     opts,
		interval: time.Duration(float64(time.Second) / opts.FPS),
		skew:     1 + s.cfg.DriftPPM/1e6,
		dropN:    s.cfg.DropEvery,
		start:    time.Now(),
	}, nil
}

type visionDevice struct {
	opts     ports.VisionOptions
	interval time.Duration
	skew     float64
	dropN    int
	start    time.Time

	mu     sync.Mutex
	number uint64
	next   time.Time
	closed bool
}

func (d *visionDevice) Format() (int, int, domain.PixelFormat) {
	return d.opts.Width, d.opts.Height, d.opts.Format
}

// Grab waits for the next exposure slot on the device clock.
func (d *visionDevice) Grab(ctx context.Context, timeout time.Duration) (ports.VisionFrame, bool, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ports.VisionFrame{}, false, fmt.Errorf("device closed")
	}
	if d.next.IsZero() {
		d.next = d.start.Add(d.interval)
	}
	due := d.next
	d.mu.Unlock()

	wait := time.Until(due)
	if wait > timeout {
		sleep(ctx, timeout)
		return ports.VisionFrame{}, false, ctx.Err()
	}
	if !sleep(ctx, wait) {
		return ports.VisionFrame{}, false, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.next = due.Add(d.interval)
	d.number++
	if d.dropN > 0 && d.number%uint64(d.dropN) == 0 {
		d.number++
	}
	elapsed := due.Sub(d.start)
	return ports.VisionFrame{
		Data:      pattern(d.opts.Width, d.opts.Height, d.opts.Format, d.number),
		Number:    d.number,
		Native:    time.Duration(float64(elapsed) * d.skew),
		HasNative: true,
	}, true, nil
}

func (d *visionDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// pattern draws a diagonal ramp that moves with n.
func pattern(w, h int, format domain.PixelFormat, n uint64) []byte {
	bpp := format.BytesPerPixel()
	data := make([]byte, w*h*bpp)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := byte((uint64(x+y) + n*3) % 256)
			off := (y*w + x) * bpp
			for c := 0; c < bpp; c++ {
				data[off+c] = v
			}
		}
	}
	return data
}

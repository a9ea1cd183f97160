package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
)

type fakeThermalSDK struct {
	cb     ports.ThermalCallbacks
	opts   ports.ThermalOptions
	closed bool
}

func (s *fakeThermalSDK) Enumerate(ctx context.Context) ([]ports.DeviceInfo, error) {
	return []ports.DeviceInfo{{Index: 0, Serial: "18070067", Model: "PI 450i"}}, nil
}

func (s *fakeThermalSDK) Connect(ctx context.Context, dev ports.DeviceInfo, opts ports.ThermalOptions, cb ports.ThermalCallbacks) (ports.ThermalDevice, error) {
	s.cb, s.opts = cb, opts
	return s, nil
}

func (s *fakeThermalSDK) FlagState() ports.FlagState { return ports.FlagOpen }
func (s *fakeThermalSDK) Serial() string             { return "18070067" }
func (s *fakeThermalSDK) Close() error {
	s.closed = true
	return nil
}

// frame3x2 is a 3x2 temperature matrix:
//
//	20 30 40
//	50 60 70
func frame3x2() ports.ThermalFrame {
	return ports.ThermalFrame{
		Width:  3,
		Height: 2,
		Temps:  []float32{20, 30, 40, 50, 60, 70},
		Native: 40 * time.Millisecond,
		PIF:    []float64{1.5},
	}
}

func TestThermal_CallbacksBecomeFrames(t *testing.T) {
	sdk := &fakeThermalSDK{}
	th, err := NewThermal(ThermalConfig{ID: "ir", RangeIndex: 2, TempMin: 20, TempMax: 70, ROI: ROI{X: 1, Y: 0, W: 2, H: 2}}, sdk, nil)
	if err != nil {
		t.Fatalf("NewThermal() error = %v", err)
	}
	if err := th.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sdk.opts.RangeIndex != 2 {
		t.Errorf("RangeIndex = %d, want 2", sdk.opts.RangeIndex)
	}

	sdk.cb.OnFlagState(ports.FlagClosed)
	sdk.cb.OnFrame(frame3x2())

	f, err := th.NextFrame(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("NextFrame() error = %v", err)
	}
	if !f.HasNative || f.Native != 40*time.Millisecond {
		t.Errorf("native = %v (has %v)", f.Native, f.HasNative)
	}
	want := map[string]float64{
		"t_max":      70,
		"t_min":      30,
		"t_mean":     50,
		"flag_state": float64(ports.FlagClosed),
		"pif_0":      1.5,
	}
	for k, v := range want {
		if got := f.Payload.Values[k]; got != v {
			t.Errorf("%s = %v, want %v", k, got, v)
		}
	}
	img := f.Payload.Image
	if img == nil || img.Format != domain.PixelGray8 || img.Data[0] != 0 || img.Data[5] != 255 {
		t.Errorf("unexpected image %+v", img)
	}
	if spec := th.Describe(); spec.Width != 3 || spec.Height != 2 {
		t.Errorf("Describe() = %+v", spec)
	}

	sdk.cb.OnConnectionLost(errors.New("usb reset"))
	_, err = th.NextFrame(context.Background(), 100*time.Millisecond)
	if !errors.Is(err, domain.ErrDisconnected) {
		t.Errorf("NextFrame() error = %v, want disconnected", err)
	}

	if err := th.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !sdk.closed {
		t.Error("device not closed")
	}
}

func TestThermal_MalformedFrameIgnored(t *testing.T) {
	sdk := &fakeThermalSDK{}
	th, err := NewThermal(ThermalConfig{ID: "ir"}, sdk, nil)
	if err != nil {
		t.Fatalf("NewThermal() error = %v", err)
	}
	if err := th.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer th.Stop()

	sdk.cb.OnFrame(ports.ThermalFrame{Width: 3, Height: 2, Temps: []float32{1, 2}})
	_, err = th.NextFrame(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("NextFrame() error = %v, want timeout", err)
	}
}

func TestNewThermal_RejectsInvertedRange(t *testing.T) {
	_, err := NewThermal(ThermalConfig{ID: "ir", TempMin: 300, TempMax: 100}, &fakeThermalSDK{}, nil)
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestROIStats(t *testing.T) {
	tests := []struct {
		name    string
		roi     ROI
		wantMax float64
		wantMin float64
		empty   bool
	}{
		{"full frame", ROI{}, 70, 20, false},
		{"top row", ROI{X: 0, Y: 0, W: 3, H: 1}, 40, 20, false},
		{"clipped", ROI{X: 2, Y: 1, W: 10, H: 10}, 70, 70, false},
		{"outside", ROI{X: 5, Y: 5, W: 2, H: 2}, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ROIStats(frame3x2(), tt.roi)
			if tt.empty {
				if len(got) != 0 {
					t.Errorf("ROIStats() = %v, want no values", got)
				}
				return
			}
			if got["t_max"] != tt.wantMax || got["t_min"] != tt.wantMin {
				t.Errorf("ROIStats() = %v, want max %v min %v", got, tt.wantMax, tt.wantMin)
			}
		})
	}
}

func TestNormalizeTemps(t *testing.T) {
	t.Run("fixed range clamps", func(t *testing.T) {
		img := NormalizeTemps(frame3x2(), 30, 60)
		want := []byte{0, 0, 85, 170, 255, 255}
		for i, b := range want {
			if img.Data[i] != b {
				t.Errorf("Data[%d] = %d, want %d", i, img.Data[i], b)
			}
		}
	})

	t.Run("auto range", func(t *testing.T) {
		img := NormalizeTemps(frame3x2(), 0, 0)
		if img.Data[0] != 0 || img.Data[5] != 255 {
			t.Errorf("auto range ends = %d..%d", img.Data[0], img.Data[5])
		}
	})

	t.Run("flat frame", func(t *testing.T) {
		tf := ports.ThermalFrame{Width: 2, Height: 1, Temps: []float32{25, 25}}
		img := NormalizeTemps(tf, 0, 0)
		if img.Data[0] != 0 || img.Data[1] != 0 {
			t.Errorf("flat frame = %v, want zeros", img.Data)
		}
	})
}

package rig

import (
	"context"
	"fmt"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
)

// Device is one enumerated camera or imager.
type Device struct {
	Kind    string
	Backend string
	ports.DeviceInfo
}

// ListDevices enumerates the devices of every SDK backend the configured
// vision and thermal sources use. Without such sources the ffmpeg capture
// backend is listed. With cfg.Simulate the simulated backends are listed.
func ListDevices(ctx context.Context, cfg Config, opts ...Option) ([]Device, error) {
	if cfg.Simulate {
		cfg = Simulated(cfg)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	sdks := newSDKSet(cfg, &o)

	type backend struct{ kind, name string }
	var backends []backend
	seen := make(map[backend]bool)
	for _, s := range cfg.Sources {
		var b backend
		switch domain.SourceKind(s.Kind) {
		case domain.KindVision:
			b = backend{string(domain.KindVision), s.Backend}
			if b.name == "" {
				b.name = "ffmpeg"
			}
		case domain.KindThermal:
			b = backend{string(domain.KindThermal), "sim"}
		default:
			continue
		}
		if !seen[b] {
			seen[b] = true
			backends = append(backends, b)
		}
	}
	if len(backends) == 0 {
		backends = append(backends, backend{string(domain.KindVision), "ffmpeg"})
	}

	var out []Device
	for _, b := range backends {
		var (
			infos []ports.DeviceInfo
			err   error
		)
		if b.kind == string(domain.KindThermal) {
			infos, err = sdks.thermalSDK().Enumerate(ctx)
		} else {
			infos, err = sdks.visionSDK(b.name).Enumerate(ctx)
		}
		if err != nil {
			return out, fmt.Errorf("enumerate %s %s devices: %w", b.name, b.kind, err)
		}
		for _, info := range infos {
			out = append(out, Device{Kind: b.kind, Backend: b.name, DeviceInfo: info})
		}
	}
	return out, nil
}

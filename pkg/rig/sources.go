package rig

import (
	"fmt"
	"time"

	"github.com/hepic-lab/hepic/internal/adapters/sdk/ffmpegcap"
	"github.com/hepic-lab/hepic/internal/adapters/sdk/sim"
	"github.com/hepic-lab/hepic/internal/adapters/source"
	"github.com/hepic-lab/hepic/internal/app"
	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
)

// Channels reported by the simulated stand-ins of the network sources.
var (
	moonrakerChannels = []string{"extruder_temp", "extruder_target", "extruder_velocity", "progress", "file_position"}
	tcpSensorChannels = []string{"extrusion_force", "meter_count", "filament_velocity"}
)

// Simulated rewrites cfg so that no hardware or network is touched: vision
// and thermal sources use the simulated SDKs, Moonraker and TCP sensor
// sources become synthetic sources with the same ids and channels. Image
// directory and synthetic sources are kept. With no sources configured a
// default rig is returned.
func Simulated(cfg Config) Config {
	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultSimulatedSources()
		return cfg
	}

	sources := make([]SourceConfig, len(cfg.Sources))
	for i, s := range cfg.Sources {
		switch domain.SourceKind(s.Kind) {
		case domain.KindVision, domain.KindThermal:
			s.Backend = "sim"
		case domain.KindMoonraker:
			s = syntheticStandIn(s, moonrakerChannels)
		case domain.KindTCPSensor:
			s = syntheticStandIn(s, tcpSensorChannels)
		}
		sources[i] = s
	}
	cfg.Sources = sources
	return cfg
}

func syntheticStandIn(s SourceConfig, channels []string) SourceConfig {
	return SourceConfig{
		ID:           s.ID,
		Kind:         string(domain.KindSynthetic),
		Enabled:      s.Enabled,
		Clock:        string(domain.ClockArrival),
		OnDisconnect: s.OnDisconnect,
		RingSize:     s.RingSize,
		Rate:         10,
		Channels:     channels,
		Hotplug:      s.Hotplug,
		// Reported under the replaced kind so the manifest reads the same.
		Backend: s.Kind,
	}
}

// DefaultSimulatedSources is the rig recorded by --simulate when nothing is
// configured: one camera, one thermal imager, printer telemetry and the
// force/meter sensor.
func DefaultSimulatedSources() []SourceConfig {
	return []SourceConfig{
		{ID: "vision", Kind: string(domain.KindVision), Enabled: true, Backend: "sim", Width: 320, Height: 240, FPS: 10},
		{ID: "thermal", Kind: string(domain.KindThermal), Enabled: true, Backend: "sim", RangeIndex: -1},
		syntheticStandIn(SourceConfig{ID: "printer", Kind: string(domain.KindMoonraker), Enabled: true}, moonrakerChannels),
		syntheticStandIn(SourceConfig{ID: "force", Kind: string(domain.KindTCPSensor), Enabled: true}, tcpSensorChannels),
	}
}

// sdkSet lazily creates the SDK backends shared by the sources of a rig.
type sdkSet struct {
	cfg     Config
	opts    *options
	vision  map[string]ports.VisionSDK
	thermal ports.ThermalSDK
}

func newSDKSet(cfg Config, opts *options) *sdkSet {
	return &sdkSet{cfg: cfg, opts: opts, vision: make(map[string]ports.VisionSDK)}
}

func (s *sdkSet) visionSDK(backend string) ports.VisionSDK {
	if s.opts.visionSDK != nil {
		return s.opts.visionSDK
	}
	if sdk, ok := s.vision[backend]; ok {
		return sdk
	}
	var sdk ports.VisionSDK
	switch backend {
	case "sim":
		sdk = sim.NewVisionSDK(sim.VisionConfig{Devices: 2})
	default:
		sdk = ffmpegcap.New(ffmpegcap.Config{FFmpegPath: s.cfg.FFmpegPath}, s.opts.logger)
	}
	s.vision[backend] = sdk
	return sdk
}

func (s *sdkSet) thermalSDK() ports.ThermalSDK {
	if s.opts.thermalSDK != nil {
		return s.opts.thermalSDK
	}
	if s.thermal == nil {
		s.thermal = sim.NewThermalSDK(sim.ThermalConfig{})
	}
	return s.thermal
}

// buildBindings creates one adapter per selected source.
func buildBindings(cfg Config, opts *options) ([]app.SourceBinding, error) {
	sdks := newSDKSet(cfg, opts)
	selected := cfg.Selected()
	bindings := make([]app.SourceBinding, 0, len(selected))
	for _, sc := range selected {
		adapter, err := newAdapter(sc, sdks, opts)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.ID, err)
		}
		policy, err := domain.ParseFaultPolicy(sc.OnDisconnect, domain.PolicyDegrade)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, app.SourceBinding{
			Adapter:      adapter,
			OnDisconnect: policy,
			Clock:        clockMode(sc),
		})
	}
	return bindings, nil
}

func clockMode(sc SourceConfig) domain.ClockMode {
	if sc.Clock != "" {
		return domain.ClockMode(sc.Clock)
	}
	switch domain.SourceKind(sc.Kind) {
	case domain.KindMoonraker, domain.KindTCPSensor:
		return domain.ClockArrival
	}
	return domain.ClockNative
}

func newAdapter(sc SourceConfig, sdks *sdkSet, opts *options) (ports.SourceAdapter, error) {
	id := domain.SourceID(sc.ID)
	format := domain.PixelFormat(sc.Format)
	logger := opts.logger

	switch domain.SourceKind(sc.Kind) {
	case domain.KindVision:
		return source.NewVision(source.VisionConfig{
			ID:           id,
			Device:       sc.Device,
			Width:        sc.Width,
			Height:       sc.Height,
			FPS:          sc.FPS,
			ExposureTime: sc.ExposureTime,
			Format:       format,
		}, sdks.visionSDK(sc.Backend), logger)

	case domain.KindThermal:
		var roi source.ROI
		if len(sc.ROI) == 4 {
			roi = source.ROI{X: sc.ROI[0], Y: sc.ROI[1], W: sc.ROI[2], H: sc.ROI[3]}
		}
		return source.NewThermal(source.ThermalConfig{
			ID:         id,
			Device:     sc.Device,
			RangeIndex: sc.RangeIndex,
			TempMin:    sc.TempMin,
			TempMax:    sc.TempMax,
			ROI:        roi,
			RingSize:   sc.RingSize,
		}, sdks.thermalSDK(), logger)

	case domain.KindMoonraker:
		return source.NewMoonraker(source.MoonrakerConfig{
			ID:            id,
			URL:           sc.URL,
			QueryInterval: sc.QueryInterval,
			ReplyTimeout:  sc.ReadTimeout,
			RingSize:      sc.RingSize,
		}, logger)

	case domain.KindTCPSensor:
		return source.NewTCPSensor(source.TCPSensorConfig{
			ID:            id,
			Addr:          sc.Addr,
			EncoderSteps:  sc.EncoderSteps,
			WheelDiameter: sc.WheelDiameter,
			VelocityCache: sc.VelocityCache,
			TareOnStart:   sc.TareOnStart,
			ReadTimeout:   sc.ReadTimeout,
			RingSize:      sc.RingSize,
		}, logger)

	case domain.KindImageDir:
		return source.NewImageDir(source.ImageDirConfig{
			ID:       id,
			Dir:      sc.Dir,
			FPS:      sc.FPS,
			Loop:     sc.Loop,
			Watch:    sc.Watch,
			Format:   format,
			RingSize: sc.RingSize,
		}, logger)

	case domain.KindSynthetic:
		kind := domain.KindSynthetic
		switch domain.SourceKind(sc.Backend) {
		case domain.KindMoonraker, domain.KindTCPSensor:
			kind = domain.SourceKind(sc.Backend)
		}
		return source.NewSynthetic(source.SyntheticConfig{
			ID:              id,
			Kind:            kind,
			Rate:            sc.Rate,
			DriftPPM:        sc.DriftPPM,
			Channels:        sc.Channels,
			Image:           sc.Image,
			Width:           sc.Width,
			Height:          sc.Height,
			Format:          format,
			DisconnectAfter: sc.DisconnectAfter,
			RingSize:        sc.RingSize,
		}, logger)
	}
	return nil, fmt.Errorf("%w: unknown source kind %q", domain.ErrInvalidConfig, sc.Kind)
}

// controllerConfig maps the rig configuration onto the session controller.
func controllerConfig(cfg Config) (app.ControllerConfig, error) {
	durability, err := domain.ParseDurability(cfg.Durability)
	if err != nil {
		return app.ControllerConfig{}, err
	}
	onIO, err := domain.ParseFaultPolicy(cfg.OnIOError, domain.PolicyAbort)
	if err != nil {
		return app.ControllerConfig{}, err
	}
	return app.ControllerConfig{
		Aligner: app.AlignerConfig{
			Cadence:    cfg.Cadence,
			Tolerance:  cfg.Tolerance,
			MaxWait:    cfg.MaxWait,
			StallTicks: cfg.StallTicks,
		},
		Recorder: app.RecorderConfig{
			Durability:    durability,
			FlushEvery:    cfg.FlushEvery,
			FlushInterval: cfg.FlushInterval,
		},
		QueueCapacity: cfg.QueueCapacity,
		PollTimeout:   cfg.PollTimeout,
		StartTimeout:  cfg.StartTimeout,
		GracePeriod:   cfg.GracePeriod,
		ResyncEvery:   cfg.ResyncEvery,
		ClockAlpha:    cfg.ClockAlpha,
		OnIOError:     onIO,
		MaxDuration:   cfg.Duration,
	}, nil
}

// outputFPS is the nominal rate of the encoded files: one frame per set.
func outputFPS(cadence time.Duration) float64 {
	if cadence <= 0 {
		return 0
	}
	return float64(time.Second) / float64(cadence)
}

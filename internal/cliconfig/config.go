package cliconfig

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
)

// DefaultOutputDir is where sessions are recorded when nothing is configured.
const DefaultOutputDir = "recordings"

// Config holds CLI configuration for hepic.
type Config struct {
	OutputDir string

	// Enable and Disable filter configured sources by id.
	Enable  []string
	Disable []string

	Cadence    time.Duration
	// Tolerance is the half-width of the matching window around a tick.
	// Zero derives it from the cadence (45%).
	Tolerance  time.Duration
	MaxWait    time.Duration
	StallTicks int

	QueueCapacity int
	PollTimeout   time.Duration
	StartTimeout  time.Duration
	GracePeriod   time.Duration
	ResyncEvery   int
	ClockAlpha    float64

	Durability    string
	FlushEvery    int
	FlushInterval time.Duration

	Codec      string
	FFmpegPath string
	Preset     string
	CRF        int

	OnDisconnect string
	OnIOError    string

	// Duration stops the session automatically; zero records until interrupted.
	Duration time.Duration
	Simulate bool

	StatusAddr string

	// KeepSessions keeps only the newest N session directories; zero keeps all.
	KeepSessions int

	// MinFreeMB faults the session when free space on the output volume
	// drops below it; zero disables the guard.
	MinFreeMB         int
	DiskCheckInterval time.Duration

	Hotplug bool

	// SnapshotFiles are copied into <session>/config/ when recording starts
	// and again whenever they change.
	SnapshotFiles []string

	LogLevel string
	LogJSON  bool

	Sources []SourceConfig
}

// SourceConfig is one [[source]] table.
type SourceConfig struct {
	ID      string
	Kind    string
	Enabled bool

	// Clock is "native" or "arrival".
	Clock        string
	OnDisconnect string
	RingSize     int

	// Backend selects the SDK for vision and thermal sources: "ffmpeg" or "sim".
	Backend string
	Device  string

	Width        int
	Height       int
	FPS          float64
	Format       string
	ExposureTime time.Duration

	RangeIndex int
	TempMin    float64
	TempMax    float64
	ROI        []int // x, y, w, h

	URL           string
	QueryInterval time.Duration

	// ReadTimeout is how long a network source may stay silent before it
	// counts as disconnected; zero uses the adapter default.
	ReadTimeout time.Duration

	Addr          string
	EncoderSteps  int
	WheelDiameter float64
	VelocityCache int
	TareOnStart   bool

	Dir   string
	Loop  bool
	Watch bool

	Rate            float64
	DriftPPM        float64
	Channels        []string
	Image           bool
	DisconnectAfter int

	// Hotplug matches udev events to this source: a device node such as
	// /dev/video0, or a serial number.
	Hotplug string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		OutputDir:         DefaultOutputDir,
		Cadence:           100 * time.Millisecond,
		MaxWait:           150 * time.Millisecond,
		StallTicks:        10,
		QueueCapacity:     8,
		PollTimeout:       200 * time.Millisecond,
		StartTimeout:      10 * time.Second,
		GracePeriod:       5 * time.Second,
		ResyncEvery:       30,
		ClockAlpha:        0.05,
		Durability:        string(domain.DurabilityBuffered),
		FlushEvery:        10,
		FlushInterval:     time.Second,
		Codec:             "h264",
		FFmpegPath:        "ffmpeg",
		Preset:            "fast",
		CRF:               28,
		OnDisconnect:      string(domain.PolicyDegrade),
		OnIOError:         string(domain.PolicyAbort),
		DiskCheckInterval: 5 * time.Second,
		LogLevel:          "info",
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("%w: output-dir is required", domain.ErrInvalidConfig)
	}
	c.OutputDir = filepath.Clean(c.OutputDir)

	if c.Cadence <= 0 {
		return fmt.Errorf("%w: cadence must be positive", domain.ErrInvalidConfig)
	}
	if c.Tolerance == 0 {
		c.Tolerance = c.Cadence * 9 / 20
	}
	if c.Tolerance < 0 || 2*c.Tolerance >= c.Cadence {
		return fmt.Errorf("%w: tolerance %s must be below half the cadence %s", domain.ErrInvalidConfig, c.Tolerance, c.Cadence)
	}
	if c.MaxWait < 0 {
		return fmt.Errorf("%w: max-wait must not be negative", domain.ErrInvalidConfig)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("%w: poll timeout must be positive", domain.ErrInvalidConfig)
	}
	if c.ClockAlpha <= 0 || c.ClockAlpha > 1 {
		return fmt.Errorf("%w: clock alpha must be in (0, 1]", domain.ErrInvalidConfig)
	}
	if c.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", domain.ErrInvalidConfig)
	}
	if c.KeepSessions < 0 || c.MinFreeMB < 0 {
		return fmt.Errorf("%w: keep-sessions and min-free-mb must not be negative", domain.ErrInvalidConfig)
	}
	if _, err := domain.ParseDurability(c.Durability); err != nil {
		return err
	}
	if _, err := domain.ParseFaultPolicy(c.OnDisconnect, domain.PolicyDegrade); err != nil {
		return err
	}
	if _, err := domain.ParseFaultPolicy(c.OnIOError, domain.PolicyAbort); err != nil {
		return err
	}
	switch c.Codec {
	case "h264", "raw":
	default:
		return fmt.Errorf("%w: unknown codec %q (want h264 or raw)", domain.ErrInvalidConfig, c.Codec)
	}

	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if err := s.validate(); err != nil {
			return err
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate source id %q", domain.ErrInvalidConfig, s.ID)
		}
		seen[s.ID] = true
		if s.OnDisconnect == "" {
			s.OnDisconnect = c.OnDisconnect
		}
	}
	for _, id := range append(append([]string{}, c.Enable...), c.Disable...) {
		if !seen[id] {
			return fmt.Errorf("%w: --enable/--disable names unknown source %q", domain.ErrInvalidConfig, id)
		}
	}
	return nil
}

var sourceKinds = map[string]bool{
	string(domain.KindVision):    true,
	string(domain.KindThermal):   true,
	string(domain.KindMoonraker): true,
	string(domain.KindTCPSensor): true,
	string(domain.KindImageDir):  true,
	string(domain.KindSynthetic): true,
}

func (s *SourceConfig) validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: source without id", domain.ErrInvalidConfig)
	}
	if strings.ContainsAny(s.ID, `/\ `) {
		return fmt.Errorf("%w: source id %q must not contain slashes or spaces", domain.ErrInvalidConfig, s.ID)
	}
	if !sourceKinds[s.Kind] {
		return fmt.Errorf("%w: source %s: unknown kind %q", domain.ErrInvalidConfig, s.ID, s.Kind)
	}
	switch domain.ClockMode(s.Clock) {
	case "", domain.ClockNative, domain.ClockArrival:
	default:
		return fmt.Errorf("%w: source %s: unknown clock %q", domain.ErrInvalidConfig, s.ID, s.Clock)
	}
	if _, err := domain.ParseFaultPolicy(s.OnDisconnect, domain.PolicyDegrade); err != nil {
		return fmt.Errorf("source %s: %w", s.ID, err)
	}
	switch domain.PixelFormat(s.Format) {
	case "", domain.PixelGray8, domain.PixelRGB24:
	default:
		return fmt.Errorf("%w: source %s: unknown pixel format %q", domain.ErrInvalidConfig, s.ID, s.Format)
	}
	if len(s.ROI) != 0 && len(s.ROI) != 4 {
		return fmt.Errorf("%w: source %s: roi needs x, y, w, h", domain.ErrInvalidConfig, s.ID)
	}

	switch domain.SourceKind(s.Kind) {
	case domain.KindVision, domain.KindThermal:
		switch s.Backend {
		case "":
			s.Backend = "sim"
			if s.Kind == string(domain.KindVision) {
				s.Backend = "ffmpeg"
			}
		case "ffmpeg", "sim":
		default:
			return fmt.Errorf("%w: source %s: unknown backend %q", domain.ErrInvalidConfig, s.ID, s.Backend)
		}
		if s.Kind == string(domain.KindThermal) && s.Backend != "sim" {
			return fmt.Errorf("%w: source %s: thermal sources support the sim backend only", domain.ErrInvalidConfig, s.ID)
		}
	case domain.KindMoonraker:
		if s.URL == "" {
			return fmt.Errorf("%w: source %s: url is required", domain.ErrInvalidConfig, s.ID)
		}
	case domain.KindTCPSensor:
		if s.Addr == "" {
			return fmt.Errorf("%w: source %s: addr is required", domain.ErrInvalidConfig, s.ID)
		}
	case domain.KindImageDir:
		if s.Dir == "" {
			return fmt.Errorf("%w: source %s: dir is required", domain.ErrInvalidConfig, s.ID)
		}
	case domain.KindSynthetic:
		if s.Rate <= 0 {
			s.Rate = 10
		}
	}
	return nil
}

// Selected returns the sources left after the enable/disable filters and
// the per-source enabled flag. --enable overrides a disabled source.
func (c *Config) Selected() []SourceConfig {
	enable := toSet(c.Enable)
	disable := toSet(c.Disable)

	var out []SourceConfig
	for _, s := range c.Sources {
		switch {
		case disable[s.ID]:
			continue
		case len(enable) > 0 && !enable[s.ID]:
			continue
		case !s.Enabled && !enable[s.ID]:
			continue
		}
		out = append(out, s)
	}
	return out
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setList sets a comma-separated list if not empty and flag not changed.
func (s *configSetter) setList(flag, value string, dst *[]string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = splitList(value)
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setFloat sets a float64 value if positive and flag not changed.
func (s *configSetter) setFloat(flag string, value float64, dst *float64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setFloatFromString parses a string to float64 and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setFloatFromString(flag, value string, dst *float64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if f <= 0 {
		return nil
	}
	*dst = f
	return nil
}

// setBoolFromString parses a string to bool and sets the destination.
// Accepts "true", "1" as true, anything else as false.
// Used for environment variables that come as strings.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

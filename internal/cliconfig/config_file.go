package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	OutputDir         string       `toml:"output_dir"`
	Enable            []string     `toml:"enable"`
	Disable           []string     `toml:"disable"`
	Cadence           string       `toml:"cadence"`
	Tolerance         string       `toml:"tolerance"`
	MaxWait           string       `toml:"max_wait"`
	StallTicks        int          `toml:"stall_ticks"`
	QueueCapacity     int          `toml:"queue_capacity"`
	PollTimeout       string       `toml:"poll_timeout"`
	StartTimeout      string       `toml:"start_timeout"`
	GracePeriod       string       `toml:"grace_period"`
	ResyncEvery       int          `toml:"resync_every"`
	ClockAlpha        float64      `toml:"clock_alpha"`
	Durability        string       `toml:"durability"`
	FlushEvery        int          `toml:"flush_every"`
	FlushInterval     string       `toml:"flush_interval"`
	Codec             string       `toml:"codec"`
	FFmpegPath        string       `toml:"ffmpeg"`
	Preset            string       `toml:"preset"`
	CRF               int          `toml:"crf"`
	OnDisconnect      string       `toml:"on_disconnect"`
	OnIOError         string       `toml:"on_io_error"`
	Duration          string       `toml:"duration"`
	Simulate          *bool        `toml:"simulate"`
	StatusAddr        string       `toml:"status_addr"`
	KeepSessions      int          `toml:"keep_sessions"`
	MinFreeMB         int          `toml:"min_free_mb"`
	DiskCheckInterval string       `toml:"disk_check_interval"`
	Hotplug           *bool        `toml:"hotplug"`
	SnapshotFiles     []string     `toml:"snapshot_files"`
	LogLevel          string       `toml:"log_level"`
	LogJSON           *bool        `toml:"log_json"`
	Sources           []FileSource `toml:"source"`
}

// FileSource is a [[source]] table.
type FileSource struct {
	ID              string   `toml:"id"`
	Kind            string   `toml:"kind"`
	Enabled         *bool    `toml:"enabled"`
	Clock           string   `toml:"clock"`
	OnDisconnect    string   `toml:"on_disconnect"`
	RingSize        int      `toml:"ring_size"`
	Backend         string   `toml:"backend"`
	Device          string   `toml:"device"`
	Width           int      `toml:"width"`
	Height          int      `toml:"height"`
	FPS             float64  `toml:"fps"`
	Format          string   `toml:"format"`
	ExposureTime    string   `toml:"exposure_time"`
	RangeIndex      *int     `toml:"range_index"`
	TempMin         float64  `toml:"temp_min"`
	TempMax         float64  `toml:"temp_max"`
	ROI             []int    `toml:"roi"`
	URL             string   `toml:"url"`
	QueryInterval   string   `toml:"query_interval"`
	ReadTimeout     string   `toml:"read_timeout"`
	Addr            string   `toml:"addr"`
	EncoderSteps    int      `toml:"encoder_steps"`
	WheelDiameter   float64  `toml:"wheel_diameter"`
	VelocityCache   int      `toml:"velocity_cache"`
	TareOnStart     bool     `toml:"tare_on_start"`
	Dir             string   `toml:"dir"`
	Loop            bool     `toml:"loop"`
	Watch           bool     `toml:"watch"`
	Rate            float64  `toml:"rate"`
	DriftPPM        float64  `toml:"drift_ppm"`
	Channels        []string `toml:"channels"`
	Image           bool     `toml:"image"`
	DisconnectAfter int      `toml:"disconnect_after"`
	Hotplug         string   `toml:"hotplug"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.hepic/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".hepic", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("output-dir", fc.OutputDir, &cfg.OutputDir)
	s.setString("durability", fc.Durability, &cfg.Durability)
	s.setString("codec", fc.Codec, &cfg.Codec)
	s.setString("ffmpeg", fc.FFmpegPath, &cfg.FFmpegPath)
	s.setString("preset", fc.Preset, &cfg.Preset)
	s.setString("on-disconnect", fc.OnDisconnect, &cfg.OnDisconnect)
	s.setString("on-io-error", fc.OnIOError, &cfg.OnIOError)
	s.setString("status-addr", fc.StatusAddr, &cfg.StatusAddr)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	if len(fc.Enable) > 0 && !s.changed["enable"] {
		cfg.Enable = fc.Enable
	}
	if len(fc.Disable) > 0 && !s.changed["disable"] {
		cfg.Disable = fc.Disable
	}
	if len(fc.SnapshotFiles) > 0 && !s.changed["snapshot-file"] {
		cfg.SnapshotFiles = fc.SnapshotFiles
	}

	durations := []struct {
		flag  string
		value string
		dst   *time.Duration
	}{
		{"cadence", fc.Cadence, &cfg.Cadence},
		{"tolerance", fc.Tolerance, &cfg.Tolerance},
		{"max-wait", fc.MaxWait, &cfg.MaxWait},
		{"poll-timeout", fc.PollTimeout, &cfg.PollTimeout},
		{"start-timeout", fc.StartTimeout, &cfg.StartTimeout},
		{"grace-period", fc.GracePeriod, &cfg.GracePeriod},
		{"flush-interval", fc.FlushInterval, &cfg.FlushInterval},
		{"duration", fc.Duration, &cfg.Duration},
		{"disk-check-interval", fc.DiskCheckInterval, &cfg.DiskCheckInterval},
	}
	for _, d := range durations {
		if err := s.setDuration(d.flag, d.value, d.dst); err != nil {
			return err
		}
	}

	s.setInt("stall-ticks", fc.StallTicks, &cfg.StallTicks)
	s.setInt("queue-capacity", fc.QueueCapacity, &cfg.QueueCapacity)
	s.setInt("resync-every", fc.ResyncEvery, &cfg.ResyncEvery)
	s.setInt("flush-every", fc.FlushEvery, &cfg.FlushEvery)
	s.setInt("crf", fc.CRF, &cfg.CRF)
	s.setInt("keep-sessions", fc.KeepSessions, &cfg.KeepSessions)
	s.setInt("min-free-mb", fc.MinFreeMB, &cfg.MinFreeMB)

	s.setFloat("clock-alpha", fc.ClockAlpha, &cfg.ClockAlpha)

	s.setBool("simulate", fc.Simulate, &cfg.Simulate)
	s.setBool("hotplug", fc.Hotplug, &cfg.Hotplug)
	s.setBool("log-json", fc.LogJSON, &cfg.LogJSON)

	if len(fc.Sources) > 0 {
		sources := make([]SourceConfig, 0, len(fc.Sources))
		for _, fs := range fc.Sources {
			sc, err := fs.toSourceConfig()
			if err != nil {
				return err
			}
			sources = append(sources, sc)
		}
		cfg.Sources = sources
	}
	return nil
}

func (fs FileSource) toSourceConfig() (SourceConfig, error) {
	sc := SourceConfig{
		ID:              fs.ID,
		Kind:            fs.Kind,
		Enabled:         fs.Enabled == nil || *fs.Enabled,
		Clock:           fs.Clock,
		OnDisconnect:    fs.OnDisconnect,
		RingSize:        fs.RingSize,
		Backend:         fs.Backend,
		Device:          fs.Device,
		Width:           fs.Width,
		Height:          fs.Height,
		FPS:             fs.FPS,
		Format:          fs.Format,
		RangeIndex:      -1,
		TempMin:         fs.TempMin,
		TempMax:         fs.TempMax,
		ROI:             fs.ROI,
		URL:             fs.URL,
		Addr:            fs.Addr,
		EncoderSteps:    fs.EncoderSteps,
		WheelDiameter:   fs.WheelDiameter,
		VelocityCache:   fs.VelocityCache,
		TareOnStart:     fs.TareOnStart,
		Dir:             fs.Dir,
		Loop:            fs.Loop,
		Watch:           fs.Watch,
		Rate:            fs.Rate,
		DriftPPM:        fs.DriftPPM,
		Channels:        fs.Channels,
		Image:           fs.Image,
		DisconnectAfter: fs.DisconnectAfter,
		Hotplug:         fs.Hotplug,
	}
	if fs.RangeIndex != nil {
		sc.RangeIndex = *fs.RangeIndex
	}
	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"exposure_time", fs.ExposureTime, &sc.ExposureTime},
		{"query_interval", fs.QueryInterval, &sc.QueryInterval},
		{"read_timeout", fs.ReadTimeout, &sc.ReadTimeout},
	} {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return sc, fmt.Errorf("source %s: parse %s: %w", fs.ID, d.name, err)
		}
		*d.dst = v
	}
	return sc, nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

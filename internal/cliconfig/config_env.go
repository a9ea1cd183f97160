package cliconfig

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads HEPIC_* variables from a .env file without overriding
// variables already set in the environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ApplyEnvConfig applies configuration from environment variables (HEPIC_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("output-dir", os.Getenv("HEPIC_OUTPUT_DIR"), &cfg.OutputDir)
	s.setString("durability", os.Getenv("HEPIC_DURABILITY"), &cfg.Durability)
	s.setString("codec", os.Getenv("HEPIC_CODEC"), &cfg.Codec)
	s.setString("ffmpeg", os.Getenv("HEPIC_FFMPEG"), &cfg.FFmpegPath)
	s.setString("on-disconnect", os.Getenv("HEPIC_ON_DISCONNECT"), &cfg.OnDisconnect)
	s.setString("on-io-error", os.Getenv("HEPIC_ON_IO_ERROR"), &cfg.OnIOError)
	s.setString("status-addr", os.Getenv("HEPIC_STATUS_ADDR"), &cfg.StatusAddr)
	s.setString("log-level", os.Getenv("HEPIC_LOG_LEVEL"), &cfg.LogLevel)

	s.setList("enable", os.Getenv("HEPIC_ENABLE"), &cfg.Enable)
	s.setList("disable", os.Getenv("HEPIC_DISABLE"), &cfg.Disable)
	s.setList("snapshot-file", os.Getenv("HEPIC_SNAPSHOT_FILES"), &cfg.SnapshotFiles)

	if err := s.setDuration("cadence", os.Getenv("HEPIC_CADENCE"), &cfg.Cadence); err != nil {
		return err
	}
	if err := s.setDuration("tolerance", os.Getenv("HEPIC_TOLERANCE"), &cfg.Tolerance); err != nil {
		return err
	}
	if err := s.setDuration("max-wait", os.Getenv("HEPIC_MAX_WAIT"), &cfg.MaxWait); err != nil {
		return err
	}
	if err := s.setDuration("duration", os.Getenv("HEPIC_DURATION"), &cfg.Duration); err != nil {
		return err
	}
	if err := s.setDuration("grace-period", os.Getenv("HEPIC_GRACE_PERIOD"), &cfg.GracePeriod); err != nil {
		return err
	}

	if err := s.setIntFromString("queue-capacity", os.Getenv("HEPIC_QUEUE_CAPACITY"), &cfg.QueueCapacity); err != nil {
		return err
	}
	if err := s.setIntFromString("keep-sessions", os.Getenv("HEPIC_KEEP_SESSIONS"), &cfg.KeepSessions); err != nil {
		return err
	}
	if err := s.setIntFromString("min-free-mb", os.Getenv("HEPIC_MIN_FREE_MB"), &cfg.MinFreeMB); err != nil {
		return err
	}
	if err := s.setFloatFromString("clock-alpha", os.Getenv("HEPIC_CLOCK_ALPHA"), &cfg.ClockAlpha); err != nil {
		return err
	}

	s.setBoolFromString("simulate", os.Getenv("HEPIC_SIMULATE"), &cfg.Simulate)
	s.setBoolFromString("hotplug", os.Getenv("HEPIC_HOTPLUG"), &cfg.Hotplug)
	s.setBoolFromString("log-json", os.Getenv("HEPIC_LOG_JSON"), &cfg.LogJSON)

	return nil
}

// Package hepic records synchronized multi-sensor sessions of a 3D-printer
// hotend rig: cameras, a thermal imager, printer telemetry and force
// sensors aligned on one session clock.
//
// Example usage:
//
//	cfg := hepic.DefaultConfig()
//	cfg.OutputDir = "/data/recordings"
//	cfg.Simulate = true
//	cfg.Duration = 30 * time.Second
//	m, err := hepic.Record(context.Background(), cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(m.SessionID, m.SetCount)
//
// For control over the session lifecycle, plugins and events use
// package pkg/rig directly.
package hepic

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/hepic-lab/hepic/pkg/log"
	"github.com/hepic-lab/hepic/pkg/rig"
)

// Config holds the configuration of a recording rig.
// Use DefaultConfig() to get a Config with sensible defaults.
type Config = rig.Config

// Manifest is the summary written when a session ends.
type Manifest = rig.Manifest

// DefaultConfig returns a Config with sensible default values and no sources.
func DefaultConfig() Config {
	return rig.DefaultConfig()
}

// Record runs one session with cfg and blocks until it ends, either on
// cfg.Duration or when ctx is canceled. It returns the finalized manifest;
// the error is non-nil when the session ended Errored or never started.
func Record(ctx context.Context, cfg Config, opts ...rig.Option) (Manifest, error) {
	r, err := rig.New(cfg, opts...)
	if err != nil {
		return Manifest{}, err
	}
	if err := r.Start(ctx); err != nil {
		return Manifest{}, err
	}

	select {
	case <-ctx.Done():
		err = r.Stop()
	case <-r.Done():
		err = r.Wait()
	}
	m, _ := r.Manifest()
	return m, err
}

// NewLogger returns a rig logger writing to w, as JSON lines or as
// human-readable console output.
func NewLogger(w io.Writer, jsonOutput bool, level string) rig.Logger {
	return log.NewZerologAdapterFor(w, jsonOutput, level)
}

// Logger wraps an existing zerolog logger for use with rig.WithLogger.
func Logger(l zerolog.Logger) rig.Logger {
	return log.NewZerologAdapterWithLogger(l)
}

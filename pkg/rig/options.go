package rig

import (
	"github.com/hepic-lab/hepic/internal/ports"
	"github.com/hepic-lab/hepic/pkg/log"
)

// Logger is the interface for structured logging.
type Logger = log.Logger

// LogField represents a structured log field.
type LogField = log.Field

// Option configures optional behavior of a Rig.
type Option func(*options)

// options holds the optional configuration for a Rig instance.
type options struct {
	logger       log.Logger
	eventHandler EventHandler
	plugins      []Plugin
	visionSDK    ports.VisionSDK
	thermalSDK   ports.ThermalSDK
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() options {
	return options{
		logger: log.NewNoopLogger(),
	}
}

// WithLogger sets a custom logger for structured logging.
// If not provided, a no-op logger is used (no output).
func WithLogger(logger Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEventHandler sets a handler for session events.
// Events are called synchronously from the recording goroutines.
// If not provided, no events are emitted.
func WithEventHandler(handler EventHandler) Option {
	return func(o *options) {
		o.eventHandler = handler
	}
}

// WithPlugin registers a plugin to be initialized when the rig starts.
// Plugins are initialized in registration order and shut down in reverse
// order after the session ended.
func WithPlugin(plugin Plugin) Option {
	return func(o *options) {
		o.plugins = append(o.plugins, plugin)
	}
}

// WithVisionSDK replaces the camera backend of every vision source.
func WithVisionSDK(sdk ports.VisionSDK) Option {
	return func(o *options) {
		o.visionSDK = sdk
	}
}

// WithThermalSDK replaces the imager backend of every thermal source.
func WithThermalSDK(sdk ports.ThermalSDK) Option {
	return func(o *options) {
		o.thermalSDK = sdk
	}
}

package rig

import (
	"context"

	"github.com/hepic-lab/hepic/internal/ports"
)

// Plugin extends a rig with optional behavior such as a status API or disk
// monitoring. Plugins are initialized before the session starts and shut
// down after it ended.
type Plugin interface {
	// Name returns the plugin identifier used in logs.
	Name() string

	// Initialize starts the plugin. ctx is canceled when the session ends.
	Initialize(ctx context.Context, cfg PluginConfig) error

	// Shutdown stops the plugin. The session is terminal by then.
	Shutdown(ctx context.Context) error
}

// Catalog is the session index stored in the output directory.
type Catalog = ports.SessionCatalog

// PluginConfig is handed to plugins on initialization.
type PluginConfig struct {
	OutputDir string

	// Sources are the selected sources of the session.
	Sources []SourceConfig

	// Session controls the running session.
	Session SessionHandle

	// Catalog may be nil when the catalog could not be opened.
	Catalog Catalog

	Logger Logger
}

// SessionHandle is the part of a rig plugins may drive.
type SessionHandle interface {
	// Snapshot returns the current session view.
	Snapshot() Snapshot

	// RequestStop asks the session to stop and returns immediately.
	RequestStop()

	// Fault stops the session and ends it Errored with err.
	Fault(err error)

	// ReportDisconnect applies the disconnect policy of a source whose
	// device disappeared. It reports whether the source was active.
	ReportDisconnect(id SourceID, reason error) bool
}

// Package rig provides an embeddable recorder for synchronized multi-sensor
// sessions.
//
// A rig opens a set of sources (cameras, a thermal imager, printer
// telemetry, force and filament sensors, image directories), aligns their
// frames on a common session clock and writes one encoded file per image
// source, a channel log and a manifest into a session directory. It backs
// the hepic CLI and can be embedded in other Go programs.
//
// # Basic Usage
//
//	cfg := rig.DefaultConfig()
//	cfg.OutputDir = "/data/recordings"
//	cfg.Sources = []rig.SourceConfig{
//	    {ID: "cam", Kind: "vision", Enabled: true},
//	    {ID: "printer", Kind: "moonraker", Enabled: true, URL: "ws://printer:7125/websocket"},
//	}
//
//	r, err := rig.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := r.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// ... until shutdown signal ...
//
//	if err := r.Stop(); err != nil {
//	    log.Printf("session failed: %v", err)
//	}
//
// # Simulation
//
// With Config.Simulate set, hardware and network sources are replaced by
// simulated ones with the same ids, so a rig configuration can be exercised
// without the rig. See [Simulated].
//
// # Event Handling
//
// Implement [EventHandler] (embedding [BaseEventHandler]) and pass it via
// [WithEventHandler] to observe state changes, source faults, stalls and the
// finalized manifest.
//
// # Plugins
//
// Optional behavior is added with [WithPlugin]:
//
//	import "github.com/hepic-lab/hepic/plugins/statusserver"
//	import "github.com/hepic-lab/hepic/plugins/diskguard"
//
//	r, err := rig.New(cfg,
//	    statusserver.WithStatusServer(statusserver.Config{Addr: ":8090"}),
//	    diskguard.WithDiskGuard(diskguard.DefaultConfig()),
//	)
//
// Plugins are initialized before the session starts and shut down in
// reverse order after it ended.
package rig

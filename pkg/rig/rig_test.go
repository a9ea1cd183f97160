package rig_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hepic-lab/hepic/internal/adapters/sqlite"
	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/pkg/rig"
)

// =============================================================================
// Test Utilities
// =============================================================================

// trackingPlugin tracks initialization and shutdown calls for testing.
type trackingPlugin struct {
	name          string
	order         *orderLog
	initError     error
	shutdownError error

	mu          sync.Mutex
	initialized bool
	shutdown    bool
	cfg         rig.PluginConfig
}

type orderLog struct {
	mu       sync.Mutex
	init     []string
	shutdown []string
}

func (l *orderLog) add(dst *[]string, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*dst = append(*dst, name)
}

func (l *orderLog) snapshot() (init, shutdown []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.init...), append([]string(nil), l.shutdown...)
}

func newTrackingPlugin(name string, order *orderLog) *trackingPlugin {
	return &trackingPlugin{name: name, order: order}
}

func (p *trackingPlugin) Name() string { return p.name }

func (p *trackingPlugin) Initialize(ctx context.Context, cfg rig.PluginConfig) error {
	if p.initError != nil {
		return p.initError
	}
	p.mu.Lock()
	p.initialized = true
	p.cfg = cfg
	p.mu.Unlock()
	p.order.add(&p.order.init, p.name)
	return nil
}

func (p *trackingPlugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.order.add(&p.order.shutdown, p.name)
	return p.shutdownError
}

func (p *trackingPlugin) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

func (p *trackingPlugin) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// eventTracker records session events.
type eventTracker struct {
	rig.BaseEventHandler

	mu      sync.Mutex
	changes []rig.StateChangeEvent
	faults  []rig.SourceFaultEvent
	closed  []rig.SessionClosedEvent
}

func (e *eventTracker) OnStateChange(ev rig.StateChangeEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changes = append(e.changes, ev)
}

func (e *eventTracker) OnSourceFault(ev rig.SourceFaultEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = append(e.faults, ev)
}

func (e *eventTracker) OnSessionClosed(ev rig.SessionClosedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = append(e.closed, ev)
}

// createTestConfig returns a rig of two synthetic sources, one with an
// image payload, recorded with the raw codec into a temp directory.
func createTestConfig(t *testing.T) rig.Config {
	t.Helper()
	cfg := rig.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Codec = "raw"
	cfg.Cadence = 20 * time.Millisecond
	cfg.Tolerance = 5 * time.Millisecond
	cfg.MaxWait = 30 * time.Millisecond
	cfg.Sources = []rig.SourceConfig{
		{ID: "cam", Kind: "synthetic", Enabled: true, Rate: 50, Image: true, Width: 8, Height: 4},
		{ID: "force", Kind: "synthetic", Enabled: true, Rate: 50, Channels: []string{"extrusion_force"}},
	}
	return cfg
}

func waitDone(t *testing.T, r *rig.Rig) error {
	t.Helper()
	select {
	case <-r.Done():
		return r.Wait()
	case <-time.After(10 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

// =============================================================================
// Recording Tests
// =============================================================================

func TestRig_RecordsSession(t *testing.T) {
	cfg := createTestConfig(t)

	r, err := rig.New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if snap := r.Snapshot(); snap.State != rig.StateRunning || len(snap.Sources) != 2 {
		t.Errorf("Snapshot() = %+v, want running with 2 sources", snap)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	m, ok := r.Manifest()
	if !ok {
		t.Fatal("Manifest() not available after Stop")
	}
	if m.State != "closed" || m.SetCount == 0 || len(m.Entries) != 2 {
		t.Fatalf("manifest = %+v", m)
	}

	dir := r.Snapshot().Dir
	for _, name := range []string{"channels.jsonl", "manifest.toml", "cam.raw"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("session file %s: %v", name, err)
		}
	}

	catalog, err := sqlite.Open(filepath.Join(cfg.OutputDir, "sessions.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer catalog.Close()
	row, entries, err := catalog.Get(context.Background(), m.SessionID)
	if err != nil {
		t.Fatalf("catalog Get() failed: %v", err)
	}
	if row.State != "closed" || row.SetCount != m.SetCount || len(entries) != 2 {
		t.Errorf("catalog row = %+v, %d entries", row, len(entries))
	}
}

func TestRig_DurationStopsSession(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Duration = 150 * time.Millisecond

	r, err := rig.New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := waitDone(t, r); err != nil {
		t.Errorf("Wait() = %v, want clean close", err)
	}
	if r.Status() != rig.StateClosed {
		t.Errorf("Status = %v, want Closed", r.Status())
	}
}

func TestRig_DisconnectPolicies(t *testing.T) {
	tests := []struct {
		name      string
		policy    string
		wantErr   bool
		wantState rig.State
	}{
		{"degrade keeps recording", "degrade", false, rig.StateClosed},
		{"abort ends errored", "abort", true, rig.StateErrored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig(t)
			cfg.Duration = 400 * time.Millisecond
			cfg.Sources[1].DisconnectAfter = 3
			cfg.Sources[1].OnDisconnect = tt.policy

			tracker := &eventTracker{}
			r, err := rig.New(cfg, rig.WithEventHandler(tracker))
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			if err := r.Start(context.Background()); err != nil {
				t.Fatalf("Start() failed: %v", err)
			}
			err = waitDone(t, r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Wait() = %v, wantErr %v", err, tt.wantErr)
			}
			if r.Status() != tt.wantState {
				t.Errorf("Status = %v, want %v", r.Status(), tt.wantState)
			}

			m, ok := r.Manifest()
			if !ok {
				t.Fatal("manifest missing")
			}
			force := m.Entry("force")
			if force == nil || !force.Disconnected {
				t.Errorf("force entry = %+v, want disconnected", force)
			}

			tracker.mu.Lock()
			defer tracker.mu.Unlock()
			if len(tracker.faults) != 1 || tracker.faults[0].Source != "force" || tracker.faults[0].Policy != tt.policy {
				t.Errorf("faults = %+v", tracker.faults)
			}
			if len(tracker.closed) != 1 {
				t.Errorf("OnSessionClosed called %d times, want 1", len(tracker.closed))
			}
		})
	}
}

func TestRig_FaultEndsErrored(t *testing.T) {
	cfg := createTestConfig(t)
	r, err := rig.New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	full := &domain.IOError{Kind: domain.DiskFull, Path: cfg.OutputDir, Err: errors.New("no space left")}
	r.Fault(full)

	err = waitDone(t, r)
	var ioErr *domain.IOError
	if !errors.As(err, &ioErr) || ioErr.Kind != domain.DiskFull {
		t.Errorf("Wait() = %v, want DiskFull", err)
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *rig.Config)
		wantErr error
	}{
		{"invalid config", func(c *rig.Config) { c.Cadence = 0 }, domain.ErrInvalidConfig},
		{"all sources disabled", func(c *rig.Config) { c.Disable = []string{"cam", "force"} }, domain.ErrNoSources},
		{"no sources", func(c *rig.Config) { c.Sources = nil }, domain.ErrNoSources},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig(t)
			tt.mutate(&cfg)
			if _, err := rig.New(cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// Simulation Tests
// =============================================================================

func TestSimulated(t *testing.T) {
	cfg := rig.DefaultConfig()
	cfg.Sources = []rig.SourceConfig{
		{ID: "cam", Kind: "vision", Enabled: true, Backend: "ffmpeg", Device: "/dev/video0"},
		{ID: "printer", Kind: "moonraker", Enabled: true, URL: "ws://printer/websocket", OnDisconnect: "abort"},
		{ID: "force", Kind: "tcpsensor", Enabled: false, Addr: "pi:10001"},
		{ID: "replay", Kind: "imagedir", Enabled: true, Dir: "/tmp/frames"},
	}

	sim := rig.Simulated(cfg)

	if got := sim.Sources[0]; got.Kind != "vision" || got.Backend != "sim" || got.Device != "/dev/video0" {
		t.Errorf("vision = %+v, want sim backend", got)
	}
	printer := sim.Sources[1]
	if printer.Kind != "synthetic" || printer.ID != "printer" || printer.OnDisconnect != "abort" || printer.Clock != "arrival" {
		t.Errorf("printer = %+v, want synthetic stand-in", printer)
	}
	if len(printer.Channels) == 0 || printer.Channels[0] != "extruder_temp" {
		t.Errorf("printer channels = %v", printer.Channels)
	}
	if force := sim.Sources[2]; force.Kind != "synthetic" || force.Enabled {
		t.Errorf("force = %+v, want disabled synthetic", force)
	}
	if sim.Sources[3].Kind != "imagedir" {
		t.Errorf("imagedir should be kept: %+v", sim.Sources[3])
	}
	if cfg.Sources[0].Backend != "ffmpeg" {
		t.Error("Simulated() modified its input")
	}
}

func TestSimulated_DefaultRig(t *testing.T) {
	sim := rig.Simulated(rig.DefaultConfig())
	want := map[string]bool{"vision": true, "thermal": true, "printer": true, "force": true}
	if len(sim.Sources) != len(want) {
		t.Fatalf("sources = %+v", sim.Sources)
	}
	for _, s := range sim.Sources {
		if !want[s.ID] {
			t.Errorf("unexpected source %s", s.ID)
		}
	}
	if err := sim.Validate(); err != nil {
		t.Errorf("default simulated rig invalid: %v", err)
	}
}

func TestRig_SimulatedRecording(t *testing.T) {
	cfg := rig.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Codec = "raw"
	cfg.Simulate = true
	cfg.Duration = time.Second

	r, err := rig.New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := waitDone(t, r); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	m, _ := r.Manifest()
	if len(m.Entries) != 4 {
		t.Fatalf("entries = %+v", m.Entries)
	}
	if e := m.Entry("printer"); e == nil || e.Kind != domain.KindMoonraker {
		t.Errorf("printer entry = %+v, want moonraker kind", e)
	}
	// The 10 Hz sources must land on the 100ms grid the 27 Hz imager
	// anchors with the default tolerance.
	for _, e := range m.Entries {
		if e.FrameCount == 0 {
			t.Errorf("%s recorded no frames: %+v", e.SourceID, e)
		}
	}
	if r.Config().Tolerance != 45*time.Millisecond {
		t.Errorf("tolerance = %v, want 45ms derived from the cadence", r.Config().Tolerance)
	}
}

// =============================================================================
// Plugin Tests
// =============================================================================

func TestPlugin_InitializationOrder(t *testing.T) {
	order := &orderLog{}
	plugin1 := newTrackingPlugin("plugin1", order)
	plugin2 := newTrackingPlugin("plugin2", order)
	plugin3 := newTrackingPlugin("plugin3", order)

	r, err := rig.New(createTestConfig(t),
		rig.WithPlugin(plugin1),
		rig.WithPlugin(plugin2),
		rig.WithPlugin(plugin3),
	)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	init, _ := order.snapshot()
	if len(init) != 3 || init[0] != "plugin1" || init[1] != "plugin2" || init[2] != "plugin3" {
		t.Errorf("Unexpected init order: %v", init)
	}

	if err := r.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}

	_, shutdown := order.snapshot()
	if len(shutdown) != 3 || shutdown[0] != "plugin3" || shutdown[1] != "plugin2" || shutdown[2] != "plugin1" {
		t.Errorf("Unexpected shutdown order: %v (expected reverse of init)", shutdown)
	}
}

func TestPlugin_InitializationFailure_PreventsStart(t *testing.T) {
	order := &orderLog{}
	plugin1 := newTrackingPlugin("plugin1", order)
	plugin2 := newTrackingPlugin("plugin2", order)
	plugin2.initError = errors.New("intentional init failure")
	plugin3 := newTrackingPlugin("plugin3", order)

	cfg := createTestConfig(t)
	r, err := rig.New(cfg,
		rig.WithPlugin(plugin1),
		rig.WithPlugin(plugin2),
		rig.WithPlugin(plugin3),
	)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := r.Start(context.Background()); err == nil {
		t.Fatal("Start() should have failed due to plugin init error")
	}
	if plugin3.IsInitialized() {
		t.Error("plugin3 should not have been initialized after plugin2 failed")
	}
	if !plugin1.IsShutdown() {
		t.Error("plugin1 should be shut down after the failed start")
	}
	if r.Status() != rig.StateIdle {
		t.Errorf("Status = %v, want Idle", r.Status())
	}
	if dirs, _ := filepath.Glob(filepath.Join(cfg.OutputDir, "2*")); len(dirs) != 0 {
		t.Errorf("no session directory expected, got %v", dirs)
	}
}

func TestPlugin_ShutdownFailure_ContinuesOtherPlugins(t *testing.T) {
	order := &orderLog{}
	plugin1 := newTrackingPlugin("plugin1", order)
	plugin2 := newTrackingPlugin("plugin2", order)
	plugin2.shutdownError = errors.New("intentional shutdown failure")

	r, err := rig.New(createTestConfig(t), rig.WithPlugin(plugin1), rig.WithPlugin(plugin2))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Errorf("Stop() = %v, plugin failures must not fail the session", err)
	}
	if !plugin1.IsShutdown() || !plugin2.IsShutdown() {
		t.Error("all plugins should be shut down")
	}
}

func TestPlugin_ReceivesSessionHandle(t *testing.T) {
	order := &orderLog{}
	plugin := newTrackingPlugin("stopper", order)

	cfg := createTestConfig(t)
	r, err := rig.New(cfg, rig.WithPlugin(plugin))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	plugin.mu.Lock()
	pc := plugin.cfg
	plugin.mu.Unlock()
	if pc.OutputDir != cfg.OutputDir || len(pc.Sources) != 2 || pc.Catalog == nil || pc.Logger == nil {
		t.Errorf("PluginConfig = %+v", pc)
	}
	if !pc.Session.ReportDisconnect("force", errors.New("unplugged")) {
		t.Error("ReportDisconnect() = false for an active source")
	}
	if pc.Session.ReportDisconnect("unknown", errors.New("unplugged")) {
		t.Error("ReportDisconnect() = true for an unknown source")
	}

	pc.Session.RequestStop()
	if err := waitDone(t, r); err != nil {
		t.Errorf("Wait() = %v", err)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestRig_StartAlreadyRunning(t *testing.T) {
	r, err := rig.New(createTestConfig(t))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer r.Stop()

	if err := r.Start(context.Background()); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}
}

func TestRig_StopSemantics(t *testing.T) {
	r, err := rig.New(createTestConfig(t))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := r.Stop(); !errors.Is(err, domain.ErrNotRunning) {
		t.Errorf("Stop() before Start = %v, want ErrNotRunning", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	manifestPath := filepath.Join(r.Snapshot().Dir, "manifest.toml")
	before, err := os.Stat(manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(); err != nil {
		t.Errorf("second Stop() = %v, want no-op", err)
	}
	after, err := os.Stat(manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("manifest rewritten by second Stop()")
	}
}

func TestRig_EventHandlerReceivesStateChanges(t *testing.T) {
	tracker := &eventTracker{}
	r, err := rig.New(createTestConfig(t), rig.WithEventHandler(tracker))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := r.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	want := []rig.State{rig.StateStarting, rig.StateRunning, rig.StateStopping, rig.StateClosed}
	if len(tracker.changes) != len(want) {
		t.Fatalf("state changes = %+v", tracker.changes)
	}
	for i, ch := range tracker.changes {
		if ch.Current != want[i] {
			t.Errorf("transition %d = %v -> %v, want -> %v", i, ch.Previous, ch.Current, want[i])
		}
	}
	if tracker.changes[0].Previous != rig.StateIdle {
		t.Errorf("first transition from %v, want Idle", tracker.changes[0].Previous)
	}
	if len(tracker.closed) != 1 || tracker.closed[0].Error != nil {
		t.Errorf("closed events = %+v", tracker.closed)
	}
}

func TestRig_ConcurrentSnapshots(t *testing.T) {
	r, err := rig.New(createTestConfig(t))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = r.Snapshot()
				_ = r.Status()
			}
		}()
	}
	wg.Wait()

	if err := r.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
}

func TestListDevices_Simulated(t *testing.T) {
	cfg := rig.DefaultConfig()
	cfg.Simulate = true

	devs, err := rig.ListDevices(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ListDevices() failed: %v", err)
	}
	var vision, thermal int
	for _, d := range devs {
		if d.Backend != "sim" {
			t.Errorf("device %+v not simulated", d)
		}
		switch d.Kind {
		case "vision":
			vision++
		case "thermal":
			thermal++
		}
	}
	if vision != 2 || thermal != 1 {
		t.Errorf("devices = %+v, want 2 cameras and 1 imager", devs)
	}
}

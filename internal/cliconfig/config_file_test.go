package cliconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleTOML = `
output_dir = "/data/runs"
cadence = "50ms"
tolerance = "10ms"
durability = "sync"
codec = "raw"
keep_sessions = 5
simulate = true

[[source]]
id = "cam0"
kind = "vision"
device = "/dev/video2"
width = 1280
height = 720
fps = 30
format = "rgb24"
exposure_time = "8ms"
hotplug = "/dev/video2"

[[source]]
id = "ir"
kind = "thermal"
range_index = 1
roi = [10, 20, 30, 40]
enabled = false

[[source]]
id = "printer"
kind = "moonraker"
url = "ws://printer.local:7125/websocket"
query_interval = "250ms"
read_timeout = "2s"
`

func TestLoadFileConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0o644); err != nil {
		t.Fatal(err)
	}

	fc, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig() error = %v", err)
	}
	if fc.OutputDir != "/data/runs" {
		t.Errorf("OutputDir = %v, want /data/runs", fc.OutputDir)
	}
	if fc.Simulate == nil || !*fc.Simulate {
		t.Errorf("Simulate = %v, want true", fc.Simulate)
	}
	if len(fc.Sources) != 3 {
		t.Fatalf("Sources = %d, want 3", len(fc.Sources))
	}
	if fc.Sources[0].Width != 1280 || fc.Sources[0].Format != "rgb24" {
		t.Errorf("Sources[0] = %+v", fc.Sources[0])
	}
}

func TestLoadFileConfig_Errors(t *testing.T) {
	if _, err := LoadFileConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("LoadFileConfig() should fail for a missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("cadence = [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFileConfig(path); err == nil {
		t.Error("LoadFileConfig() should fail for invalid TOML")
	}
}

func TestApplyFileConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	fc, err := LoadFileConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	if err := ApplyFileConfig(&cfg, fc, map[string]bool{}); err != nil {
		t.Fatalf("ApplyFileConfig() error = %v", err)
	}

	if cfg.Cadence != 50*time.Millisecond || cfg.Tolerance != 10*time.Millisecond {
		t.Errorf("cadence/tolerance = %v/%v", cfg.Cadence, cfg.Tolerance)
	}
	if cfg.Durability != "sync" || cfg.Codec != "raw" || cfg.KeepSessions != 5 || !cfg.Simulate {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.MaxWait != 150*time.Millisecond {
		t.Errorf("unset MaxWait = %v, want default", cfg.MaxWait)
	}

	cam := cfg.Sources[0]
	if cam.ExposureTime != 8*time.Millisecond || !cam.Enabled || cam.RangeIndex != -1 || cam.Hotplug != "/dev/video2" {
		t.Errorf("cam0 = %+v", cam)
	}
	ir := cfg.Sources[1]
	if ir.Enabled || ir.RangeIndex != 1 || len(ir.ROI) != 4 {
		t.Errorf("ir = %+v", ir)
	}
	if cfg.Sources[2].QueryInterval != 250*time.Millisecond || cfg.Sources[2].ReadTimeout != 2*time.Second {
		t.Errorf("printer query interval / read timeout = %v / %v", cfg.Sources[2].QueryInterval, cfg.Sources[2].ReadTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestApplyFileConfig_RespectsChangedFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputDir = "/from/cli"
	cfg.Cadence = 200 * time.Millisecond

	fc := FileConfig{OutputDir: "/from/file", Cadence: "50ms", Codec: "raw"}
	changed := map[string]bool{"output-dir": true, "cadence": true}
	if err := ApplyFileConfig(&cfg, fc, changed); err != nil {
		t.Fatal(err)
	}
	if cfg.OutputDir != "/from/cli" || cfg.Cadence != 200*time.Millisecond {
		t.Errorf("changed flags overridden: %v %v", cfg.OutputDir, cfg.Cadence)
	}
	if cfg.Codec != "raw" {
		t.Errorf("Codec = %v, want raw from file", cfg.Codec)
	}
}

func TestApplyFileConfig_BadDuration(t *testing.T) {
	tests := []struct {
		name string
		fc   FileConfig
		want string
	}{
		{"global", FileConfig{Tolerance: "soon"}, "tolerance"},
		{"source", FileConfig{Sources: []FileSource{{ID: "p", QueryInterval: "fast"}}}, "query_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := ApplyFileConfig(&cfg, tt.fc, map[string]bool{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ApplyFileConfig() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestDefaultConfigPath(t *testing.T) {
	p := DefaultConfigPath()
	if p != "" && !strings.Contains(p, ".hepic") {
		t.Errorf("DefaultConfigPath() = %v, want path under .hepic", p)
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.toml")
	if FileExists(path) {
		t.Error("FileExists() = true before create")
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if !FileExists(path) {
		t.Error("FileExists() = false after create")
	}
}

package configsnapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hepic-lab/hepic/pkg/log"
	"github.com/hepic-lab/hepic/pkg/rig"
)

type sessionStub struct {
	mu   sync.Mutex
	snap rig.Snapshot
}

func (s *sessionStub) Snapshot() rig.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *sessionStub) start(dir string) {
	s.mu.Lock()
	s.snap = rig.Snapshot{State: rig.StateRunning, Dir: dir}
	s.mu.Unlock()
}

func (s *sessionStub) RequestStop()                              {}
func (s *sessionStub) Fault(error)                               {}
func (s *sessionStub) ReportDisconnect(rig.SourceID, error) bool { return false }

func waitForFile(t *testing.T, path string) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil {
			return data
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
	return nil
}

func TestPlugin_CopiesOnceSessionHasDir(t *testing.T) {
	cfgDir := t.TempDir()
	sessionDir := t.TempDir()
	printerCfg := filepath.Join(cfgDir, "printer.cfg")
	if err := os.WriteFile(printerCfg, []byte("[extruder]\nmax_temp: 300\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	session := &sessionStub{snap: rig.Snapshot{State: rig.StateStarting}}
	p := New(Config{
		Files:         []string{printerCfg},
		DebounceDelay: 10 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	})
	if err := p.Initialize(context.Background(), rig.PluginConfig{Session: session, Logger: log.NewNoopLogger()}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer p.Shutdown(context.Background())

	time.Sleep(30 * time.Millisecond)
	if _, err := os.Stat(filepath.Join(sessionDir, SubDir)); !os.IsNotExist(err) {
		t.Fatalf("copied before the session had a directory")
	}

	session.start(sessionDir)
	got := waitForFile(t, filepath.Join(sessionDir, SubDir, "printer.cfg"))
	if !strings.Contains(string(got), "max_temp: 300") {
		t.Errorf("copy = %q", got)
	}

	// An edit while recording lands as a numbered revision.
	if err := os.WriteFile(printerCfg, []byte("[extruder]\nmax_temp: 280\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rev := waitForFile(t, filepath.Join(sessionDir, SubDir, "printer.cfg.1"))
	if !strings.Contains(string(rev), "max_temp: 280") {
		t.Errorf("revision = %q", rev)
	}

	// The first copy is untouched.
	first, _ := os.ReadFile(filepath.Join(sessionDir, SubDir, "printer.cfg"))
	if !strings.Contains(string(first), "max_temp: 300") {
		t.Errorf("first copy overwritten: %q", first)
	}
	if n := len(p.Copied()); n < 2 {
		t.Errorf("Copied() = %d entries, want at least 2", n)
	}
}

func TestPlugin_MissingFileWritesErrorCode(t *testing.T) {
	sessionDir := t.TempDir()
	missing := filepath.Join(t.TempDir(), "slicer.ini")

	session := &sessionStub{}
	session.start(sessionDir)
	p := New(Config{Files: []string{missing}, PollInterval: 5 * time.Millisecond})
	if err := p.Initialize(context.Background(), rig.PluginConfig{Session: session, Logger: log.NewNoopLogger()}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer p.Shutdown(context.Background())

	got := waitForFile(t, filepath.Join(sessionDir, SubDir, "slicer.ini.error"))
	if strings.TrimSpace(string(got)) != ErrCodeFileNotFound {
		t.Errorf("error file = %q, want %s", got, ErrCodeFileNotFound)
	}
}

func TestPlugin_NoFilesIsNoop(t *testing.T) {
	p := New(DefaultConfig())
	if err := p.Initialize(context.Background(), rig.PluginConfig{Session: &sessionStub{}, Logger: log.NewNoopLogger()}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestPlugin_SessionEndsWithoutDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "hepic.toml")
	if err := os.WriteFile(f, []byte("codec = \"raw\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	session := &sessionStub{snap: rig.Snapshot{State: rig.StateErrored}}
	p := New(Config{Files: []string{f}, PollInterval: 5 * time.Millisecond})
	if err := p.Initialize(context.Background(), rig.PluginConfig{Session: session, Logger: log.NewNoopLogger()}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown blocked")
	}
	if len(p.Copied()) != 0 {
		t.Errorf("Copied() = %v", p.Copied())
	}
}

func TestDestNames(t *testing.T) {
	names := destNames([]string{"/a/config.toml", "/b/config.toml", "/c/printer.cfg"})
	if names["/a/config.toml"] != "config.toml" {
		t.Errorf("first = %q", names["/a/config.toml"])
	}
	if names["/b/config.toml"] != "1-config.toml" {
		t.Errorf("duplicate = %q", names["/b/config.toml"])
	}
	if names["/c/printer.cfg"] != "printer.cfg" {
		t.Errorf("third = %q", names["/c/printer.cfg"])
	}
}

func TestErrorToCode(t *testing.T) {
	if got := errorToCode(os.ErrNotExist); got != ErrCodeFileNotFound {
		t.Errorf("ErrNotExist -> %q", got)
	}
	if got := errorToCode(os.ErrPermission); got != ErrCodePermissionDenied {
		t.Errorf("ErrPermission -> %q", got)
	}
	if got := errorToCode(os.ErrClosed); got != ErrCodeReadError {
		t.Errorf("ErrClosed -> %q", got)
	}
}

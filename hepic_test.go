package hepic

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hepic-lab/hepic/pkg/rig"
)

func TestRecord_Duration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Codec = "raw"
	cfg.Simulate = true
	cfg.Duration = 200 * time.Millisecond

	m, err := Record(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if m.State != "closed" {
		t.Errorf("State = %q, want closed", m.State)
	}
	if len(m.Entries) != 4 {
		t.Errorf("entries = %d, want 4", len(m.Entries))
	}
}

func TestRecord_ContextCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Codec = "raw"
	cfg.Simulate = true

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	m, err := Record(ctx, cfg)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if m.State != "closed" || m.SessionID == "" {
		t.Errorf("manifest = %+v", m)
	}
}

func TestRecord_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Cadence = -time.Second

	if _, err := Record(context.Background(), cfg); err == nil {
		t.Fatal("expected error for a negative cadence")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewLogger(t *testing.T) {
	var buf syncBuffer
	logger := NewLogger(&buf, true, "info")

	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Codec = "raw"
	cfg.Simulate = true
	cfg.Duration = 100 * time.Millisecond

	if _, err := Record(context.Background(), cfg, rig.WithLogger(logger)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !strings.Contains(buf.String(), `"level":"info"`) {
		t.Errorf("expected JSON log lines, got %q", buf.String())
	}
}

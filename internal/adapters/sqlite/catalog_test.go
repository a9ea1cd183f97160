package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
)

func mustOpen(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func session(id string, start time.Time) *domain.Session {
	return &domain.Session{
		ID:        id,
		StartTime: start,
		Dir:       "/data/" + id,
		Sources: []domain.SourceSpec{
			{ID: "vision", Kind: domain.KindVision, Image: true},
			{ID: "force", Kind: domain.KindTCPSensor},
		},
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	for i := 0; i < 2; i++ {
		c, err := Open(path)
		if err != nil {
			t.Fatalf("Open #%d: %v", i+1, err)
		}
		if err := c.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

func TestCatalog_StartCloseGet(t *testing.T) {
	c := mustOpen(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	s := session("3f2a9c1e-7b44", start)

	if err := c.RecordStart(ctx, s); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}

	got, entries, err := c.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != "running" || !got.StartedAt.Equal(start) || !got.StoppedAt.IsZero() {
		t.Fatalf("unexpected running session %+v", got)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 source rows, got %d", len(entries))
	}

	m := domain.Manifest{
		SessionID: s.ID,
		StartTime: start,
		StopTime:  start.Add(3 * time.Second),
		State:     "errored",
		Error:     "source force: disconnected",
		SetCount:  30,
		Entries: []domain.ManifestEntry{
			{SourceID: "force", Kind: domain.KindTCPSensor, FrameCount: 12, GapCount: 18, Disconnected: true,
				FirstTS: time.Millisecond, LastTS: 1100 * time.Millisecond},
			{SourceID: "vision", Kind: domain.KindVision, FilePath: "/data/x/vision.mkv", Format: "h264/mkv",
				FrameCount: 30, Drops: 2},
		},
	}
	if err := c.RecordClose(ctx, m, s.Dir); err != nil {
		t.Fatalf("RecordClose: %v", err)
	}

	got, entries, err = c.Get(ctx, "3f2a")
	if err != nil {
		t.Fatalf("Get by prefix: %v", err)
	}
	if got.State != "errored" || got.Error == "" || got.SetCount != 30 || !got.StoppedAt.Equal(m.StopTime) {
		t.Fatalf("unexpected closed session %+v", got)
	}
	if entries[0].SourceID != "force" || !entries[0].Disconnected || entries[0].LastTS != 1100*time.Millisecond {
		t.Errorf("force entry = %+v", entries[0])
	}
	if entries[1].FilePath != "/data/x/vision.mkv" || entries[1].Drops != 2 {
		t.Errorf("vision entry = %+v", entries[1])
	}
}

func TestCatalog_RecordCloseWithoutStart(t *testing.T) {
	c := mustOpen(t)
	ctx := context.Background()
	m := domain.Manifest{SessionID: "recovered-1", StartTime: time.Now(), State: "recovered"}

	if err := c.RecordClose(ctx, m, "/data/recovered-1"); err != nil {
		t.Fatalf("RecordClose: %v", err)
	}
	got, _, err := c.Get(ctx, "recovered-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Dir != "/data/recovered-1" || got.State != "recovered" {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestCatalog_ListNewestFirst(t *testing.T) {
	c := mustOpen(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	ids := []string{"a", "b", "c"}
	for i, id := range ids {
		if err := c.RecordStart(ctx, session(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	all, err := c.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("unexpected order %+v", all)
	}

	limited, err := c.List(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].ID != "c" {
		t.Fatalf("unexpected limited list %+v", limited)
	}
}

func TestCatalog_GetErrors(t *testing.T) {
	c := mustOpen(t)
	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"abc1", "abc2"} {
		if err := c.RecordStart(ctx, session(id, now)); err != nil {
			t.Fatal(err)
		}
	}

	if _, _, err := c.Get(ctx, "zzz"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get(zzz) = %v, want ErrSessionNotFound", err)
	}
	if _, _, err := c.Get(ctx, "abc"); err == nil || errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get(abc) = %v, want ambiguous prefix error", err)
	}
	if _, _, err := c.Get(ctx, "%"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("LIKE wildcards must be escaped, got %v", err)
	}
}

func TestCatalog_DeleteCascades(t *testing.T) {
	c := mustOpen(t)
	ctx := context.Background()
	if err := c.RecordStart(ctx, session("gone", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var n int
	if err := c.db.QueryRow(`SELECT COUNT(1) FROM session_sources WHERE session_id = ?`, "gone").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected source rows to cascade, %d left", n)
	}
	if err := c.Delete(ctx, "gone"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Delete = %v, want ErrSessionNotFound", err)
	}
}

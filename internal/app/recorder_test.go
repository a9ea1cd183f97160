package app

import (
	"errors"
	"testing"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
)

func recorderSession() *domain.Session {
	return &domain.Session{
		ID:        "sess-1",
		StartTime: clockStart,
		Dir:       "/sessions/sess-1",
		Sources: []domain.SourceSpec{
			{ID: "cam", Kind: domain.KindVision, Image: true, Width: 2, Height: 2, Format: domain.PixelGray8},
			{ID: "force", Kind: domain.KindTCPSensor},
		},
	}
}

func imageFrame(id domain.SourceID, seq uint64, ts time.Duration, fill byte) domain.Frame {
	f := frameAt(id, seq, ts)
	f.Payload.Image = &domain.Image{Width: 2, Height: 2, Format: domain.PixelGray8, Data: []byte{fill, fill, fill, fill}}
	return f
}

func setOf(index uint64, ts time.Duration, frames ...domain.Frame) domain.SyncedSet {
	set := domain.SyncedSet{
		Index:     index,
		SessionTS: ts,
		Entries:   map[domain.SourceID]domain.Entry{"cam": {}, "force": {}},
	}
	for i := range frames {
		f := frames[i]
		set.Entries[f.Source] = domain.Entry{Frame: &f}
	}
	return set
}

func newTestRecorder(t *testing.T, cfg RecorderConfig, session *domain.Session) (*Recorder, *memLog, *memManifestRepo, *fakeEncoders) {
	t.Helper()
	log := &memLog{}
	repo := &memManifestRepo{}
	encs := newFakeEncoders()
	r, err := NewRecorder(cfg, session, encs, log, repo, &mockLogger{}, func() time.Time { return clockStart })
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	return r, log, repo, encs
}

func TestRecorder_RoundTrip(t *testing.T) {
	r, log, repo, encs := newTestRecorder(t, RecorderConfig{Durability: domain.DurabilityFlush}, recorderSession())

	const n = 25
	for i := 0; i < n; i++ {
		ts := time.Duration(i) * 100 * time.Millisecond
		set := setOf(uint64(i), ts, imageFrame("cam", uint64(i+1), ts, byte(i)), frameAt("force", uint64(i+1), ts+time.Millisecond))
		if err := r.Write(set); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
	}

	m, err := r.Finalize()
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if m.SetCount != n {
		t.Errorf("SetCount = %d, want %d", m.SetCount, n)
	}
	for _, id := range []domain.SourceID{"cam", "force"} {
		e := m.Entry(id)
		if e == nil {
			t.Fatalf("no manifest entry for %s", id)
		}
		if e.FrameCount != n {
			t.Errorf("%s frame_count = %d, want %d", id, e.FrameCount, n)
		}
		if e.GapCount != 0 {
			t.Errorf("%s gap_count = %d, want 0", id, e.GapCount)
		}
	}
	if e := m.Entry("force"); e.FirstTS != time.Millisecond || e.LastTS != 2401*time.Millisecond {
		t.Errorf("force range = %v..%v", e.FirstTS, e.LastTS)
	}
	if got := len(encs.get("cam").Frames()); got != n {
		t.Errorf("video frames = %d, want %d", got, n)
	}
	if got := len(log.Sets()); got != n {
		t.Errorf("channel log records = %d, want %d", got, n)
	}
	if !m.Complete || repo.Saves() != 1 {
		t.Errorf("Complete = %v, saves = %d", m.Complete, repo.Saves())
	}
	if log.flushes < n {
		t.Errorf("flush durability flushed %d times, want >= %d", log.flushes, n)
	}
}

func TestRecorder_GapRepeatsPreviousImage(t *testing.T) {
	r, _, _, encs := newTestRecorder(t, RecorderConfig{Durability: domain.DurabilityFlush}, recorderSession())

	writes := []domain.SyncedSet{
		setOf(0, 0, frameAt("force", 1, 0)),                                   // cam absent before first image
		setOf(1, 100, imageFrame("cam", 1, 100, 7), frameAt("force", 2, 100)), // first image
		setOf(2, 200, frameAt("force", 3, 200)),                               // cam gap
	}
	for _, s := range writes {
		if err := r.Write(s); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	frames := encs.get("cam").Frames()
	if len(frames) != 3 {
		t.Fatalf("video frames = %d, want one per set", len(frames))
	}
	if frames[0].Data[0] != 0 {
		t.Error("frame before first image should be blank")
	}
	if frames[2].Data[0] != 7 {
		t.Error("gap should repeat the previous image")
	}

	m, _ := r.Finalize()
	if e := m.Entry("cam"); e.FrameCount != 1 || e.GapCount != 2 {
		t.Errorf("cam frames=%d gaps=%d, want 1/2", e.FrameCount, e.GapCount)
	}
}

func TestRecorder_LazyEncoderBackfillsBlankFrames(t *testing.T) {
	session := recorderSession()
	session.Sources[0].Width, session.Sources[0].Height = 0, 0
	r, _, _, encs := newTestRecorder(t, RecorderConfig{Durability: domain.DurabilityFlush}, session)

	if encs.get("cam") != nil {
		t.Fatal("encoder opened without geometry")
	}
	_ = r.Write(setOf(0, 0, frameAt("force", 1, 0)))
	_ = r.Write(setOf(1, 100, frameAt("force", 2, 100)))
	if err := r.Write(setOf(2, 200, imageFrame("cam", 1, 200, 9))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	frames := encs.get("cam").Frames()
	if len(frames) != 3 {
		t.Fatalf("video frames = %d, want 3", len(frames))
	}
	if frames[2].Data[0] != 9 {
		t.Error("last frame should be the first real image")
	}
}

func TestRecorder_FinalizeOnce(t *testing.T) {
	r, log, repo, encs := newTestRecorder(t, RecorderConfig{Durability: domain.DurabilityBuffered, FlushEvery: 10}, recorderSession())
	_ = r.Write(setOf(0, 0, frameAt("force", 1, 0)))

	first, err := r.Finalize()
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	second, err := r.Finalize()
	if err != nil {
		t.Fatalf("second Finalize() error = %v", err)
	}
	if repo.Saves() != 1 {
		t.Errorf("manifest saved %d times, want 1", repo.Saves())
	}
	if first.StopTime != second.StopTime || first.SetCount != second.SetCount {
		t.Error("second Finalize returned a different manifest")
	}
	if encs.get("cam").closes != 1 {
		t.Errorf("encoder closed %d times, want 1", encs.get("cam").closes)
	}
	if !log.closed {
		t.Error("channel log not closed")
	}
	if err := r.Write(setOf(1, 100)); !errors.Is(err, domain.ErrAlreadyFinalized) {
		t.Errorf("Write after Finalize = %v, want ErrAlreadyFinalized", err)
	}
}

func TestRecorder_Durability(t *testing.T) {
	tests := []struct {
		name        string
		cfg         RecorderConfig
		sets        int
		wantFlushes int
		wantSyncs   int
	}{
		{"sync", RecorderConfig{Durability: domain.DurabilitySync}, 4, 4, 4},
		{"flush", RecorderConfig{Durability: domain.DurabilityFlush}, 4, 4, 0},
		{"buffered", RecorderConfig{Durability: domain.DurabilityBuffered, FlushEvery: 2, FlushInterval: time.Hour}, 5, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, log, _, _ := newTestRecorder(t, tt.cfg, recorderSession())
			for i := 0; i < tt.sets; i++ {
				if err := r.Write(setOf(uint64(i), time.Duration(i), frameAt("force", uint64(i+1), time.Duration(i)))); err != nil {
					t.Fatalf("Write() error = %v", err)
				}
			}
			if log.flushes != tt.wantFlushes {
				t.Errorf("flushes = %d, want %d", log.flushes, tt.wantFlushes)
			}
			if log.syncs != tt.wantSyncs {
				t.Errorf("syncs = %d, want %d", log.syncs, tt.wantSyncs)
			}
		})
	}
}

func TestRecorder_EncoderFailureIsSourceScoped(t *testing.T) {
	log := &memLog{}
	encs := newFakeEncoders()
	encs.failOn = "cam"
	r, err := NewRecorder(RecorderConfig{Durability: domain.DurabilityFlush}, recorderSession(), encs, log, &memManifestRepo{}, &mockLogger{}, nil)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	err = r.Write(setOf(0, 0, imageFrame("cam", 1, 0, 1), frameAt("force", 1, 0)))
	var ioErr *domain.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("Write() error = %v, want IOError", err)
	}
	if ioErr.Source != "cam" || !errors.Is(err, domain.ErrWriteFailed) {
		t.Errorf("IOError = %+v, want WriteFailed for cam", ioErr)
	}
	if len(log.Sets()) != 1 {
		t.Error("channel log should still record the set")
	}

	r.DisableSource("cam")
	if err := r.Write(setOf(1, 100, imageFrame("cam", 2, 100, 1))); err != nil {
		t.Errorf("Write after DisableSource error = %v", err)
	}
}

func TestRecorder_NotesAndOutcome(t *testing.T) {
	r, _, _, _ := newTestRecorder(t, RecorderConfig{Durability: domain.DurabilityFlush}, recorderSession())
	r.NoteDisconnected("force")
	r.NoteDrops("cam", 3)
	r.NoteOutcome("errored", errors.New("disk full"))

	m, _ := r.Finalize()
	if !m.Entry("force").Disconnected {
		t.Error("force not flagged disconnected")
	}
	if m.Entry("cam").Drops != 3 {
		t.Errorf("cam drops = %d, want 3", m.Entry("cam").Drops)
	}
	if m.State != "errored" || m.Error != "disk full" {
		t.Errorf("outcome = %q/%q", m.State, m.Error)
	}
}

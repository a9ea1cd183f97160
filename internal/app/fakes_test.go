package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
)

// fakeAdapter produces frames from a script, then times out or disconnects.
type fakeAdapter struct {
	id       domain.SourceID
	kind     domain.SourceKind
	image    bool
	startErr error

	mu         sync.Mutex
	frames     []domain.Frame
	interval   time.Duration
	disconnect bool // after the script is exhausted
	started    bool
	stopped    int
	produced   uint64
	seq        uint64
	lost       error
}

func newFakeAdapter(id domain.SourceID, n int, interval time.Duration) *fakeAdapter {
	a := &fakeAdapter{id: id, kind: domain.KindSynthetic, interval: interval}
	for i := 0; i < n; i++ {
		a.frames = append(a.frames, domain.Frame{
			Payload: domain.Payload{Values: map[string]float64{"v": float64(i)}},
		})
	}
	return a
}

func (a *fakeAdapter) ID() domain.SourceID     { return a.id }
func (a *fakeAdapter) Kind() domain.SourceKind { return a.kind }

func (a *fakeAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	a.started = true
	return nil
}

func (a *fakeAdapter) NextFrame(ctx context.Context, timeout time.Duration) (domain.Frame, error) {
	a.mu.Lock()
	if a.lost != nil {
		a.mu.Unlock()
		return domain.Frame{}, domain.NewAdapterError(a.id, domain.Disconnected, a.lost)
	}
	if len(a.frames) == 0 {
		disconnect := a.disconnect
		a.mu.Unlock()
		if disconnect {
			return domain.Frame{}, domain.NewAdapterError(a.id, domain.Disconnected, errors.New("script finished"))
		}
		select {
		case <-ctx.Done():
			return domain.Frame{}, ctx.Err()
		case <-time.After(timeout):
			return domain.Frame{}, domain.NewAdapterError(a.id, domain.Timeout, nil)
		}
	}
	f := a.frames[0]
	a.frames = a.frames[1:]
	interval := a.interval
	a.mu.Unlock()

	if interval > 0 {
		select {
		case <-ctx.Done():
			return domain.Frame{}, ctx.Err()
		case <-time.After(interval):
		}
	}

	a.mu.Lock()
	a.seq++
	a.produced++
	f.Seq = a.seq
	a.mu.Unlock()
	f.Source = a.id
	f.Arrival = time.Now()
	return f, nil
}

func (a *fakeAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped++
	return nil
}

func (a *fakeAdapter) Describe() domain.SourceSpec {
	spec := domain.SourceSpec{ID: a.id, Kind: a.kind, Image: a.image}
	if a.image {
		spec.Width, spec.Height, spec.Format = 4, 2, domain.PixelGray8
	}
	return spec
}

func (a *fakeAdapter) Stats() ports.SourceStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ports.SourceStats{Produced: a.produced}
}

func (a *fakeAdapter) MarkDisconnected(reason error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lost = reason
}

// memStore is an in-memory SessionStore.
type memStore struct {
	mu       sync.Mutex
	locked   bool
	lockErr  error
	log      *memLog
	repo     *memManifestRepo
	sessions []*domain.Session
}

func newMemStore() *memStore {
	return &memStore{log: &memLog{}, repo: &memManifestRepo{}}
}

func (s *memStore) Lock() (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockErr != nil {
		return nil, s.lockErr
	}
	if s.locked {
		return nil, domain.ErrSessionLocked
	}
	s.locked = true
	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.locked = false
		return nil
	}, nil
}

func (s *memStore) Create(sess *domain.Session) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sess)
	return "/sessions/" + sess.ID, nil
}

func (s *memStore) OpenChannelLog(sess *domain.Session) (ports.ChannelLog, error) { return s.log, nil }
func (s *memStore) Manifest(dir string) ports.ManifestRepository { return s.repo }

func (s *memStore) isLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// memLog records appended sets.
type memLog struct {
	mu      sync.Mutex
	sets    []domain.SyncedSet
	flushes int
	syncs   int
	closed  bool
	failAt  int // 1-based Append call that fails; 0 never
	calls   int
}

func (l *memLog) Append(set domain.SyncedSet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.failAt > 0 && l.calls >= l.failAt {
		return &domain.IOError{Path: l.Path(), Kind: domain.DiskFull, Err: errors.New("no space left on device")}
	}
	l.sets = append(l.sets, set)
	return nil
}

func (l *memLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushes++
	return nil
}

func (l *memLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.syncs++
	return nil
}

func (l *memLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *memLog) Path() string { return "channels.jsonl" }

func (l *memLog) Sets() []domain.SyncedSet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.SyncedSet(nil), l.sets...)
}

// memManifestRepo counts saves.
type memManifestRepo struct {
	mu    sync.Mutex
	saved []domain.Manifest
}

func (r *memManifestRepo) Save(m domain.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, m)
	return nil
}

func (r *memManifestRepo) Load() (domain.Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.saved) == 0 {
		return domain.Manifest{}, errors.New("no manifest")
	}
	return r.saved[len(r.saved)-1], nil
}

func (r *memManifestRepo) Path() string { return "manifest.toml" }

func (r *memManifestRepo) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saved)
}

// fakeEncoders hands out in-memory encoders.
type fakeEncoders struct {
	mu       sync.Mutex
	encoders map[domain.SourceID]*fakeEncoder
	failOn   domain.SourceID
}

func newFakeEncoders() *fakeEncoders {
	return &fakeEncoders{encoders: make(map[domain.SourceID]*fakeEncoder)}
}

func (f *fakeEncoders) NewEncoder(spec domain.SourceSpec, dir string) (ports.VideoEncoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	enc := &fakeEncoder{path: dir + "/" + string(spec.ID) + ".raw", fail: spec.ID == f.failOn}
	f.encoders[spec.ID] = enc
	return enc, nil
}

func (f *fakeEncoders) get(id domain.SourceID) *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encoders[id]
}

type fakeEncoder struct {
	mu     sync.Mutex
	path   string
	frames []*domain.Image
	closes int
	fail   bool
}

func (e *fakeEncoder) WriteFrame(img *domain.Image, ts time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return errors.New("encoder pipe closed")
	}
	e.frames = append(e.frames, img)
	return nil
}

func (e *fakeEncoder) Flush() error { return nil }

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

func (e *fakeEncoder) Path() string   { return e.path }
func (e *fakeEncoder) Format() string { return "raw/gray8" }

func (e *fakeEncoder) Frames() []*domain.Image {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*domain.Image(nil), e.frames...)
}

// recordingObserver captures session events.
type recordingObserver struct {
	NoopObserver
	mu     sync.Mutex
	faults []domain.SourceID
	stalls []domain.SourceID
	closed int
	states []State
}

func (o *recordingObserver) OnStateChange(previous, current State, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, current)
}

func (o *recordingObserver) OnSourceFault(id domain.SourceID, err error, policy domain.FaultPolicy) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults = append(o.faults, id)
}

func (o *recordingObserver) OnSourceStalled(stall *domain.AlignError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stalls = append(o.stalls, stall.Source)
}

func (o *recordingObserver) OnSessionClosed(m domain.Manifest, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
}

// frameAt builds a stamped frame for aligner and recorder tests.
func frameAt(id domain.SourceID, seq uint64, ts time.Duration) domain.Frame {
	return domain.Frame{
		Source:    id,
		Seq:       seq,
		SessionTS: ts,
		Payload:   domain.Payload{Values: map[string]float64{"seq": float64(seq)}},
	}
}

package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
)

// RecorderConfig controls recorder durability.
type RecorderConfig struct {
	Durability    domain.Durability
	FlushEvery    int
	FlushInterval time.Duration
}

// Recorder persists SyncedSets: one video encoder per image source and one
// channel log for every set. It owns the session manifest until Finalize.
//
// Video frame i of every image source corresponds to set i. Absent images
// repeat the previous image, or a blank frame before the first one.
type Recorder struct {
	cfg      RecorderConfig
	session  *domain.Session
	factory  ports.EncoderFactory
	log      ports.ChannelLog
	repo     ports.ManifestRepository
	logger   ports.Logger
	flusher  *Flusher
	now      func() time.Time
	writers  map[domain.SourceID]*imageWriter
	manifest domain.Manifest

	finalizeOnce sync.Once
	finalized    bool
	result       domain.Manifest
	finalizeErr  error
}

type imageWriter struct {
	spec     domain.SourceSpec
	enc      ports.VideoEncoder
	last     *domain.Image
	backlog  int // sets seen before the geometry was known
	disabled bool
}

// NewRecorder creates a recorder for a session. Encoders for image sources
// with known geometry are opened immediately; the others on their first image.
func NewRecorder(
	cfg RecorderConfig,
	session *domain.Session,
	factory ports.EncoderFactory,
	channelLog ports.ChannelLog,
	repo ports.ManifestRepository,
	logger ports.Logger,
	now func() time.Time,
) (*Recorder, error) {
	if now == nil {
		now = time.Now
	}
	r := &Recorder{
		cfg:     cfg,
		session: session,
		factory: factory,
		log:     channelLog,
		repo:    repo,
		logger:  logger,
		now:     now,
		writers: make(map[domain.SourceID]*imageWriter),
		manifest: domain.Manifest{
			SessionID:  session.ID,
			StartTime:  session.StartTime,
			State:      "recording",
			ChannelLog: channelLog.Path(),
		},
	}
	if cfg.Durability == domain.DurabilityBuffered {
		r.flusher = NewFlusher(cfg.FlushEvery, cfg.FlushInterval, now)
	}

	for _, spec := range session.Sources {
		r.manifest.Entries = append(r.manifest.Entries, domain.ManifestEntry{
			SourceID: spec.ID,
			Kind:     spec.Kind,
			FilePath: channelLog.Path(),
			Format:   "jsonl",
		})
		if !spec.Image {
			continue
		}
		w := &imageWriter{spec: spec}
		r.writers[spec.ID] = w
		if spec.Width > 0 && spec.Height > 0 {
			if err := r.openEncoder(w); err != nil {
				_ = r.closeEncoders()
				return nil, err
			}
		}
	}
	return r, nil
}

func (r *Recorder) openEncoder(w *imageWriter) error {
	enc, err := r.factory.NewEncoder(w.spec, r.session.Dir)
	if err != nil {
		return asIOError(w.spec.ID, "", err)
	}
	w.enc = enc
	if e := r.manifest.Entry(w.spec.ID); e != nil {
		e.FilePath = enc.Path()
		e.Format = enc.Format()
	}
	return nil
}

// Write persists one set. IO failures are returned as *domain.IOError; a
// failure carrying a Source only affects that source's video file.
func (r *Recorder) Write(set domain.SyncedSet) error {
	if r.finalized {
		return domain.ErrAlreadyFinalized
	}

	var errs []error
	for _, spec := range r.session.Sources {
		w, ok := r.writers[spec.ID]
		if !ok || w.disabled {
			continue
		}
		if err := r.writeImage(w, set); err != nil {
			errs = append(errs, err)
		}
	}

	if err := r.log.Append(set); err != nil {
		return asIOError("", r.log.Path(), err)
	}

	for i := range r.manifest.Entries {
		e := &r.manifest.Entries[i]
		entry, ok := set.Entries[e.SourceID]
		if ok && !entry.Absent() {
			e.Observe(entry.Frame.SessionTS)
		} else {
			e.GapCount++
		}
	}
	r.manifest.SetCount++

	if err := r.applyDurability(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func (r *Recorder) writeImage(w *imageWriter, set domain.SyncedSet) error {
	var img *domain.Image
	if entry, ok := set.Entries[w.spec.ID]; ok && !entry.Absent() && entry.Frame.Payload.HasImage() {
		img = entry.Frame.Payload.Image
	}

	if w.enc == nil {
		if img == nil {
			w.backlog++
			return nil
		}
		w.spec.Width, w.spec.Height, w.spec.Format = img.Width, img.Height, img.Format
		if err := r.openEncoder(w); err != nil {
			w.disabled = true
			return err
		}
		blank := blankImage(w.spec)
		for ; w.backlog > 0; w.backlog-- {
			if err := w.enc.WriteFrame(blank, set.SessionTS); err != nil {
				return asIOError(w.spec.ID, w.enc.Path(), err)
			}
		}
	}

	if img != nil {
		if img.Width != w.spec.Width || img.Height != w.spec.Height || img.Format != w.spec.Format {
			return &domain.IOError{
				Source: w.spec.ID,
				Path:   w.enc.Path(),
				Kind:   domain.WriteFailed,
				Err: fmt.Errorf("frame geometry %dx%d %s does not match stream %dx%d %s",
					img.Width, img.Height, img.Format, w.spec.Width, w.spec.Height, w.spec.Format),
			}
		}
		w.last = img
	} else if w.last != nil {
		img = w.last
	} else {
		img = blankImage(w.spec)
	}

	if err := w.enc.WriteFrame(img, set.SessionTS); err != nil {
		return asIOError(w.spec.ID, w.enc.Path(), err)
	}
	return nil
}

func (r *Recorder) applyDurability() error {
	switch r.cfg.Durability {
	case domain.DurabilitySync:
		if err := r.flush(); err != nil {
			return err
		}
		if err := r.log.Sync(); err != nil {
			return asIOError("", r.log.Path(), err)
		}
	case domain.DurabilityFlush:
		return r.flush()
	case domain.DurabilityBuffered:
		if r.flusher.Add() {
			return r.flush()
		}
	}
	return nil
}

// FlushIfDue flushes buffered output when the flush interval elapsed without
// enough sets to trigger a count flush.
func (r *Recorder) FlushIfDue() error {
	if r.finalized || r.flusher == nil || !r.flusher.ShouldFlush() {
		return nil
	}
	return r.flush()
}

func (r *Recorder) flush() error {
	if r.flusher != nil {
		r.flusher.Reset()
	}
	var errs []error
	for _, spec := range r.session.Sources {
		w, ok := r.writers[spec.ID]
		if !ok || w.enc == nil || w.disabled {
			continue
		}
		if err := w.enc.Flush(); err != nil {
			errs = append(errs, asIOError(spec.ID, w.enc.Path(), err))
		}
	}
	if err := r.log.Flush(); err != nil {
		return asIOError("", r.log.Path(), err)
	}
	return errors.Join(errs...)
}

// DisableSource stops writing the video file of a source after an IO failure.
// Its frames keep flowing into the channel log.
func (r *Recorder) DisableSource(id domain.SourceID) {
	w, ok := r.writers[id]
	if !ok || w.disabled {
		return
	}
	w.disabled = true
	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			r.logger.Warn("close encoder of disabled source", ports.Source(string(id)), ports.Err(err))
		}
	}
}

// NoteDisconnected flags a source as disconnected in the manifest.
func (r *Recorder) NoteDisconnected(id domain.SourceID) {
	if e := r.manifest.Entry(id); e != nil {
		e.Disconnected = true
	}
}

// NoteDrops records adapter and bus drops for a source.
func (r *Recorder) NoteDrops(id domain.SourceID, drops uint64) {
	if e := r.manifest.Entry(id); e != nil {
		e.Drops = drops
	}
}

// NoteOutcome records how the session ended.
func (r *Recorder) NoteOutcome(state string, cause error) {
	r.manifest.State = state
	if cause != nil {
		r.manifest.Error = cause.Error()
	}
}

// Manifest returns a copy of the in-memory manifest.
func (r *Recorder) Manifest() domain.Manifest {
	m := r.manifest
	m.Entries = append([]domain.ManifestEntry(nil), r.manifest.Entries...)
	return m
}

// Finalize closes every writer and saves the manifest. It runs exactly once;
// later calls return the first result without touching the disk.
func (r *Recorder) Finalize() (domain.Manifest, error) {
	r.finalizeOnce.Do(func() {
		r.finalized = true
		var errs []error

		if err := r.closeEncoders(); err != nil {
			errs = append(errs, err)
		}
		if err := r.log.Flush(); err != nil {
			errs = append(errs, asIOError("", r.log.Path(), err))
		}
		if err := r.log.Sync(); err != nil {
			errs = append(errs, asIOError("", r.log.Path(), err))
		}
		if err := r.log.Close(); err != nil {
			errs = append(errs, asIOError("", r.log.Path(), err))
		}

		r.manifest.StopTime = r.now()
		r.manifest.Complete = len(errs) == 0
		if err := r.repo.Save(r.manifest); err != nil {
			errs = append(errs, asIOError("", r.repo.Path(), err))
		}

		r.result = r.Manifest()
		r.finalizeErr = errors.Join(errs...)
	})
	return r.result, r.finalizeErr
}

func (r *Recorder) closeEncoders() error {
	var errs []error
	for _, spec := range r.session.Sources {
		w, ok := r.writers[spec.ID]
		if !ok || w.enc == nil {
			continue
		}
		if err := w.enc.Close(); err != nil {
			errs = append(errs, asIOError(spec.ID, w.enc.Path(), err))
		}
	}
	return errors.Join(errs...)
}

func blankImage(spec domain.SourceSpec) *domain.Image {
	img := &domain.Image{Width: spec.Width, Height: spec.Height, Format: spec.Format}
	img.Data = make([]byte, img.Size())
	return img
}

// asIOError keeps IOErrors produced by storage adapters and wraps anything
// else as WriteFailed.
func asIOError(src domain.SourceID, path string, err error) error {
	var ioErr *domain.IOError
	if errors.As(err, &ioErr) {
		if ioErr.Source == "" && src != "" {
			copied := *ioErr
			copied.Source = src
			return &copied
		}
		return err
	}
	return &domain.IOError{Source: src, Path: path, Kind: domain.WriteFailed, Err: err}
}

// Sets returns the number of sets written so far.
func (r *Recorder) Sets() uint64 {
	return r.manifest.SetCount
}

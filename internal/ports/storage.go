package ports

import (
	"context"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
)

// VideoEncoder turns a stream of raw images into an encoded file.
// Frames are written in set order; one call per SyncedSet.
type VideoEncoder interface {
	// WriteFrame appends one image. ts is the set's session timestamp.
	WriteFrame(img *domain.Image, ts time.Duration) error

	// Flush pushes buffered frames to the encoder or file.
	Flush() error

	// Close finishes the file. Safe to call more than once.
	Close() error

	// Path returns the output file path.
	Path() string

	// Format returns the codec/container description stored in the manifest.
	Format() string
}

// EncoderFactory creates one encoder per image source.
type EncoderFactory interface {
	NewEncoder(spec domain.SourceSpec, dir string) (VideoEncoder, error)
}

// ChannelLog is the structured per-session log. Every SyncedSet produces
// exactly one record, including explicit gap markers.
type ChannelLog interface {
	Append(set domain.SyncedSet) error
	Flush() error
	Sync() error
	Close() error
	Path() string
}

// ManifestRepository persists the session manifest.
type ManifestRepository interface {
	Save(m domain.Manifest) error
	Load() (domain.Manifest, error)
	Path() string
}

// SessionCatalog indexes sessions across runs.
type SessionCatalog interface {
	RecordStart(ctx context.Context, s *domain.Session) error
	RecordClose(ctx context.Context, m domain.Manifest, dir string) error
	List(ctx context.Context, limit int) ([]CatalogSession, error)
	Get(ctx context.Context, id string) (CatalogSession, []domain.ManifestEntry, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// CatalogSession is one row of the session catalog.
type CatalogSession struct {
	ID        string
	Dir       string
	StartedAt time.Time
	StoppedAt time.Time
	State     string
	Error     string
	SetCount  uint64
}

// SessionStore lays out session directories under the output root.
type SessionStore interface {
	// Lock takes the exclusive output-directory lock. It returns
	// domain.ErrSessionLocked when another session holds it.
	Lock() (unlock func() error, err error)

	// Create makes the session directory and returns its path.
	Create(s *domain.Session) (string, error)

	// OpenChannelLog creates the channel log in the session directory.
	OpenChannelLog(s *domain.Session) (ChannelLog, error)

	// Manifest returns the manifest repository of a session directory.
	Manifest(dir string) ManifestRepository
}

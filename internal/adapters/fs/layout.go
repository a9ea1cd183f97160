package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
)

// File names inside the output root and session directories.
const (
	LockFileName     = ".hepic.lock"
	CatalogFileName  = "sessions.db"
	ChannelLogName   = "channels.jsonl"
	ManifestFileName = "manifest.toml"

	dirTimeLayout = "20060102_150405"
)

// SessionLayout implements ports.SessionStore on the local filesystem:
//
//	<root>/.hepic.lock
//	<root>/sessions.db
//	<root>/<YYYYmmdd_HHMMSS>_<short-id>/{channels.jsonl,manifest.toml,<source>.mkv}
type SessionLayout struct {
	root string
}

// NewSessionLayout creates a layout rooted at the output directory.
func NewSessionLayout(root string) *SessionLayout {
	return &SessionLayout{root: root}
}

// Root returns the output directory.
func (l *SessionLayout) Root() string {
	return l.root
}

// Lock takes an exclusive, non-blocking lock on the output directory.
func (l *SessionLayout) Lock() (func() error, error) {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return nil, ClassifyWriteError("", l.root, err)
	}
	lock := flock.New(filepath.Join(l.root, LockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionLocked, lock.Path())
	}
	return lock.Unlock, nil
}

// Create makes the session directory.
func (l *SessionLayout) Create(s *domain.Session) (string, error) {
	dir := filepath.Join(l.root, SessionDirName(s))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", ClassifyWriteError("", dir, err)
	}
	return dir, nil
}

// OpenChannelLog creates channels.jsonl in the session directory.
func (l *SessionLayout) OpenChannelLog(s *domain.Session) (ports.ChannelLog, error) {
	return CreateChannelLog(s)
}

// Manifest returns the manifest file of a session directory.
func (l *SessionLayout) Manifest(dir string) ports.ManifestRepository {
	return NewManifestFile(dir)
}

// SessionDirName returns <YYYYmmdd_HHMMSS>_<first 8 chars of the id>.
func SessionDirName(s *domain.Session) string {
	id := strings.ReplaceAll(s.ID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return s.StartTime.Format(dirTimeLayout) + "_" + id
}

// SessionDirs lists session directories under root, oldest first.
func SessionDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || !looksLikeSessionDir(e.Name()) {
			continue
		}
		dirs = append(dirs, filepath.Join(root, e.Name()))
	}
	return dirs, nil
}

func looksLikeSessionDir(name string) bool {
	if len(name) < len(dirTimeLayout)+2 || name[len(dirTimeLayout)] != '_' {
		return false
	}
	for i, r := range name[:len(dirTimeLayout)] {
		if i == 8 {
			if r != '_' {
				return false
			}
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

package fs

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/hepic-lab/hepic/internal/domain"
)

// ManifestFile implements ports.ManifestRepository using manifest.toml.
type ManifestFile struct {
	dir string
}

// NewManifestFile creates a manifest repository for a session directory.
func NewManifestFile(dir string) *ManifestFile {
	return &ManifestFile{dir: dir}
}

// Load reads the manifest. It returns os.ErrNotExist when the session was
// never finalized.
func (r *ManifestFile) Load() (domain.Manifest, error) {
	data, err := os.ReadFile(r.Path())
	if err != nil {
		return domain.Manifest{}, err
	}

	var m domain.Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return domain.Manifest{}, err
	}
	return m, nil
}

// Save persists the manifest atomically.
// Uses atomic write (write to temp file, then rename) so readers never see
// a partial manifest.
func (r *ManifestFile) Save(m domain.Manifest) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return ClassifyWriteError("", r.dir, err)
	}

	path := r.Path()
	tmp := path + ".tmp"

	data, err := toml.Marshal(m)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ClassifyWriteError("", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return ClassifyWriteError("", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return ClassifyWriteError("", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return ClassifyWriteError("", tmp, err)
	}

	// Atomic rename
	return os.Rename(tmp, path)
}

// Path returns the full path to the manifest file.
func (r *ManifestFile) Path() string {
	return filepath.Join(r.dir, ManifestFileName)
}

package encoder

import (
	"bufio"
	"os"
	"path/filepath"
	"time"

	"github.com/hepic-lab/hepic/internal/adapters/fs"
	"github.com/hepic-lab/hepic/internal/domain"
)

// RawEncoder appends frame buffers back to back. The geometry is recorded in
// the channel log header, which is enough to index the file.
type RawEncoder struct {
	spec   domain.SourceSpec
	path   string
	file   *os.File
	w      *bufio.Writer
	closed bool
}

// NewRawEncoder creates <dir>/<source>.raw.
func NewRawEncoder(spec domain.SourceSpec, dir string) (*RawEncoder, error) {
	path := filepath.Join(dir, string(spec.ID)+".raw")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fs.ClassifyWriteError(spec.ID, path, err)
	}
	return &RawEncoder{
		spec: spec,
		path: path,
		file: f,
		w:    bufio.NewWriterSize(f, 4*spec.Width*spec.Height*spec.Format.BytesPerPixel()),
	}, nil
}

func (e *RawEncoder) WriteFrame(img *domain.Image, _ time.Duration) error {
	if e.closed {
		return &domain.IOError{Source: e.spec.ID, Path: e.path, Kind: domain.WriteFailed, Err: os.ErrClosed}
	}
	if err := checkGeometry(e.spec, img); err != nil {
		return &domain.IOError{Source: e.spec.ID, Path: e.path, Kind: domain.WriteFailed, Err: err}
	}
	_, err := e.w.Write(img.Data)
	return fs.ClassifyWriteError(e.spec.ID, e.path, err)
}

func (e *RawEncoder) Flush() error {
	if e.closed {
		return nil
	}
	return fs.ClassifyWriteError(e.spec.ID, e.path, e.w.Flush())
}

func (e *RawEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	ferr := e.w.Flush()
	cerr := e.file.Close()
	if ferr != nil {
		return fs.ClassifyWriteError(e.spec.ID, e.path, ferr)
	}
	return fs.ClassifyWriteError(e.spec.ID, e.path, cerr)
}

func (e *RawEncoder) Path() string { return e.path }

func (e *RawEncoder) Format() string { return "raw/" + string(e.spec.Format) }

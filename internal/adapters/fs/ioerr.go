package fs

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/hepic-lab/hepic/internal/domain"
)

// ClassifyWriteError wraps a storage error as a domain.IOError, mapping
// ENOSPC and EDQUOT to DiskFull. Existing IOErrors are returned unchanged.
func ClassifyWriteError(src domain.SourceID, path string, err error) error {
	if err == nil {
		return nil
	}
	var ioErr *domain.IOError
	if errors.As(err, &ioErr) {
		return err
	}
	kind := domain.WriteFailed
	if errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT) {
		kind = domain.DiskFull
	}
	return &domain.IOError{Source: src, Path: path, Kind: kind, Err: err}
}

package encoder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hepic-lab/hepic/internal/adapters/fs"
	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
	"github.com/hepic-lab/hepic/pkg/log"
)

// closeTimeout bounds how long Close waits for ffmpeg to finish the file.
const closeTimeout = 10 * time.Second

// FFmpegEncoder pipes rawvideo into an ffmpeg subprocess.
type FFmpegEncoder struct {
	spec   domain.SourceSpec
	path   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	w      *bufio.Writer
	stderr *tailBuffer
	logger ports.Logger

	closeOnce sync.Once
	closeErr  error
	closed    bool
	frames    uint64
}

// FFmpegArgs returns the ffmpeg command line (without the binary) for a source.
func FFmpegArgs(spec domain.SourceSpec, cfg Config, out string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-f", "rawvideo",
		"-vcodec", "rawvideo",
		"-s", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-pix_fmt", spec.Format.FFmpegName(),
		"-r", strconv.FormatFloat(cfg.FPS, 'f', -1, 64),
		"-i", "-",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-preset", cfg.Preset,
		"-crf", strconv.Itoa(cfg.CRF),
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		out,
	}
}

// NewFFmpegEncoder starts ffmpeg writing <dir>/<source>.mkv.
func NewFFmpegEncoder(spec domain.SourceSpec, dir string, cfg Config, logger ports.Logger) (*FFmpegEncoder, error) {
	path := filepath.Join(dir, string(spec.ID)+".mkv")
	cmd := exec.Command(cfg.FFmpegPath, FFmpegArgs(spec, cfg, path)...)
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg for %s: %w", spec.ID, err)
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	logger.Debug("ffmpeg encoder started",
		ports.Source(string(spec.ID)),
		ports.String("path", path),
		ports.Int("pid", cmd.Process.Pid))

	frameSize := spec.Width * spec.Height * spec.Format.BytesPerPixel()
	return &FFmpegEncoder{
		spec:   spec,
		path:   path,
		cmd:    cmd,
		stdin:  stdin,
		w:      bufio.NewWriterSize(stdin, 2*frameSize),
		stderr: stderr,
		logger: logger,
	}, nil
}

func (e *FFmpegEncoder) WriteFrame(img *domain.Image, _ time.Duration) error {
	if e.closed {
		return e.ioError(os.ErrClosed)
	}
	if err := checkGeometry(e.spec, img); err != nil {
		return e.ioError(err)
	}
	if _, err := e.w.Write(img.Data); err != nil {
		return e.pipeError(err)
	}
	e.frames++
	return nil
}

func (e *FFmpegEncoder) Flush() error {
	if e.closed {
		return nil
	}
	if err := e.w.Flush(); err != nil {
		return e.pipeError(err)
	}
	return nil
}

// Close flushes, closes stdin, and waits for ffmpeg to finish the container.
func (e *FFmpegEncoder) Close() error {
	e.closeOnce.Do(func() {
		e.closed = true
		ferr := e.w.Flush()
		_ = e.stdin.Close()

		done := make(chan error, 1)
		go func() { done <- e.cmd.Wait() }()

		var werr error
		select {
		case werr = <-done:
		case <-time.After(closeTimeout):
			_ = e.cmd.Process.Kill()
			werr = <-done
			if werr == nil {
				werr = errors.New("killed after close timeout")
			}
		}

		switch {
		case werr != nil:
			e.closeErr = e.pipeError(werr)
		case ferr != nil:
			e.closeErr = e.pipeError(ferr)
		default:
			e.logger.Debug("ffmpeg encoder finished",
				ports.Source(string(e.spec.ID)),
				ports.Uint64("frames", e.frames))
		}
	})
	return e.closeErr
}

func (e *FFmpegEncoder) Path() string { return e.path }

func (e *FFmpegEncoder) Format() string { return "h264/mkv" }

func (e *FFmpegEncoder) ioError(err error) error {
	return &domain.IOError{Source: e.spec.ID, Path: e.path, Kind: domain.WriteFailed, Err: err}
}

// pipeError attaches ffmpeg's stderr, where the real cause (for example
// "No space left on device") usually is.
func (e *FFmpegEncoder) pipeError(err error) error {
	tail := e.stderr.String()
	if tail != "" {
		err = fmt.Errorf("%w: ffmpeg: %s", err, tail)
	}
	if strings.Contains(tail, "No space left on device") {
		return &domain.IOError{Source: e.spec.ID, Path: e.path, Kind: domain.DiskFull, Err: err}
	}
	return fs.ClassifyWriteError(e.spec.ID, e.path, err)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}

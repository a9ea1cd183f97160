// Package ffmpegcap implements ports.VisionSDK for UVC/V4L2 cameras by
// running ffmpeg as a capture process that writes raw frames to stdout.
package ffmpegcap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
	"github.com/hepic-lab/hepic/pkg/log"
)

// Capture defaults.
const (
	DefaultWidth  = 640
	DefaultHeight = 480
	DefaultFPS    = 10

	stopTimeout = 3 * time.Second
)

// Config configures the capture backend.
type Config struct {
	FFmpegPath string

	// InputFormat is the ffmpeg demuxer, "v4l2" on Linux.
	InputFormat string

	// DeviceGlob lists candidate devices for Enumerate.
	DeviceGlob string
}

// SDK enumerates video devices and opens them through ffmpeg.
type SDK struct {
	cfg    Config
	logger log.Logger
}

// New creates the backend.
func New(cfg Config, logger log.Logger) *SDK {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "v4l2"
	}
	if cfg.DeviceGlob == "" {
		cfg.DeviceGlob = "/dev/video*"
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &SDK{cfg: cfg, logger: logger}
}

// Enumerate lists device nodes matching the glob in numeric order.
func (s *SDK) Enumerate(ctx context.Context) ([]ports.DeviceInfo, error) {
	paths, err := filepath.Glob(s.cfg.DeviceGlob)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", s.cfg.DeviceGlob, err)
	}
	sort.Slice(paths, func(i, j int) bool { return deviceNumber(paths[i]) < deviceNumber(paths[j]) })

	devs := make([]ports.DeviceInfo, 0, len(paths))
	for i, p := range paths {
		devs = append(devs, ports.DeviceInfo{Index: i, Path: p, Serial: filepath.Base(p), Model: s.cfg.InputFormat})
	}
	return devs, nil
}

func deviceNumber(path string) int {
	base := filepath.Base(path)
	i := strings.IndexFunc(base, func(r rune) bool { return r >= '0' && r <= '9' })
	if i < 0 {
		return -1
	}
	n, err := strconv.Atoi(base[i:])
	if err != nil {
		return -1
	}
	return n
}

// Args returns the ffmpeg capture command line (without the binary).
func Args(inputFormat, device string, opts ports.VisionOptions) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", inputFormat,
		"-framerate", strconv.FormatFloat(opts.FPS, 'f', -1, 64),
		"-video_size", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"-i", device,
		"-f", "rawvideo",
		"-pix_fmt", opts.Format.FFmpegName(),
		"-s", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"-",
	}
}

// Open starts an ffmpeg capture process for dev.
func (s *SDK) Open(ctx context.Context, dev ports.DeviceInfo, opts ports.VisionOptions) (ports.VisionDevice, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = DefaultWidth, DefaultHeight
	}
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.Format == "" {
		opts.Format = domain.PixelGray8
	}
	if dev.Path == "" {
		return nil, errors.New("device has no path")
	}
	return startCapture(exec.Command(s.cfg.FFmpegPath, Args(s.cfg.InputFormat, dev.Path, opts)...), opts, s.logger)
}

// captureDevice reads fixed-size frames from the process stdout and keeps
// the most recent one for Grab.
type captureDevice struct {
	opts   ports.VisionOptions
	cmd    *exec.Cmd
	stdout io.ReadCloser
	logger log.Logger

	frames chan ports.VisionFrame
	done   chan struct{}

	mu      sync.Mutex
	readErr error

	closeOnce sync.Once
}

func startCapture(cmd *exec.Cmd, opts ports.VisionOptions, logger log.Logger) (*captureDevice, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &limitedWriter{w: &stderr, max: 4096}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg capture: %w", err)
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	d := &captureDevice{
		opts:   opts,
		cmd:    cmd,
		stdout: stdout,
		logger: logger,
		frames: make(chan ports.VisionFrame, 1),
		done:   make(chan struct{}),
	}
	go d.read(&stderr)
	return d, nil
}

func (d *captureDevice) read(stderr *strings.Builder) {
	defer close(d.done)

	size := d.opts.Width * d.opts.Height * d.opts.Format.BytesPerPixel()
	var number uint64
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(d.stdout, buf); err != nil {
			waitErr := d.cmd.Wait()
			msg := strings.TrimSpace(stderr.String())
			switch {
			case msg != "":
				err = fmt.Errorf("capture ended: %s", msg)
			case waitErr != nil:
				err = fmt.Errorf("capture ended: %w", waitErr)
			default:
				err = fmt.Errorf("capture ended: %w", err)
			}
			d.logger.Debug("ffmpeg capture stopped", log.Uint64("frames", number), log.Err(err))
			d.mu.Lock()
			d.readErr = err
			d.mu.Unlock()
			return
		}
		number++
		f := ports.VisionFrame{Data: buf, Number: number}

		// Keep only the newest frame; the replaced one shows as a number gap.
		select {
		case d.frames <- f:
		default:
			select {
			case <-d.frames:
			default:
			}
			d.frames <- f
		}
	}
}

func (d *captureDevice) Format() (int, int, domain.PixelFormat) {
	return d.opts.Width, d.opts.Height, d.opts.Format
}

func (d *captureDevice) Grab(ctx context.Context, timeout time.Duration) (ports.VisionFrame, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-d.frames:
		return f, true, nil
	case <-d.done:
		// Deliver a frame that raced with the end of the stream.
		select {
		case f := <-d.frames:
			return f, true, nil
		default:
		}
		d.mu.Lock()
		err := d.readErr
		d.mu.Unlock()
		return ports.VisionFrame{}, false, err
	case <-ctx.Done():
		return ports.VisionFrame{}, false, ctx.Err()
	case <-timer.C:
		return ports.VisionFrame{}, false, nil
	}
}

// Close stops the capture process and waits for the reader.
func (d *captureDevice) Close() error {
	d.closeOnce.Do(func() {
		_ = d.stdout.Close()
		select {
		case <-d.done:
		case <-time.After(stopTimeout):
			if d.cmd.Process != nil {
				_ = d.cmd.Process.Kill()
			}
			<-d.done
		}
	})
	return nil
}

// limitedWriter keeps the first max bytes written to it.
type limitedWriter struct {
	mu  sync.Mutex
	w   *strings.Builder
	max int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if room := l.max - l.w.Len(); room > 0 {
		if len(p) > room {
			l.w.Write(p[:room])
		} else {
			l.w.Write(p)
		}
	}
	return len(p), nil
}

// Package diskguard watches free space on the output volume and ends the
// session Errored before the disk fills up mid-write.
package diskguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/pkg/log"
	"github.com/hepic-lab/hepic/pkg/rig"
)

// StatFunc reports the bytes available to unprivileged writers at path.
type StatFunc func(path string) (uint64, error)

// Plugin polls free space and faults the session below a threshold.
type Plugin struct {
	mu sync.RWMutex

	checkInterval time.Duration
	minFree       uint64
	stat          StatFunc

	path    string
	session rig.SessionHandle
	logger  rig.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	tripped bool
}

// Config holds configuration options for the disk guard plugin.
type Config struct {
	// MinFreeMB is the free space in MiB below which the session is faulted.
	// Default: 512
	MinFreeMB int

	// CheckInterval is how often free space is sampled.
	// Default: 5s
	CheckInterval time.Duration

	// Path overrides the watched directory. Empty watches the output dir.
	Path string

	// Stat overrides the free-space probe.
	Stat StatFunc
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinFreeMB:     512,
		CheckInterval: 5 * time.Second,
	}
}

// New creates a disk guard plugin.
func New(cfg Config) *Plugin {
	if cfg.MinFreeMB <= 0 {
		cfg.MinFreeMB = 512
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.Stat == nil {
		cfg.Stat = Available
	}
	return &Plugin{
		checkInterval: cfg.CheckInterval,
		minFree:       uint64(cfg.MinFreeMB) << 20,
		stat:          cfg.Stat,
		path:          cfg.Path,
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "diskguard"
}

// Initialize checks free space once and starts the polling loop. It fails
// when the volume is already below the threshold so no session starts.
func (p *Plugin) Initialize(ctx context.Context, cfg rig.PluginConfig) error {
	p.mu.Lock()
	if p.path == "" {
		p.path = cfg.OutputDir
	}
	p.session = cfg.Session
	p.logger = cfg.Logger
	path := p.path
	p.mu.Unlock()

	free, err := p.stat(path)
	if err != nil {
		// The output dir may not exist before the first session.
		p.logger.Warn("disk guard: initial check failed", log.String("path", path), log.Err(err))
	} else if free < p.minFree {
		return &domain.IOError{
			Path: path,
			Kind: domain.DiskFull,
			Err:  fmt.Errorf("%s free, need %s", formatBytes(free), formatBytes(p.minFree)),
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("disk guard initialized",
		log.String("path", path),
		log.String("min_free", formatBytes(p.minFree)),
		log.Duration("interval", p.checkInterval))

	p.wg.Add(1)
	go p.checkLoop(loopCtx)
	return nil
}

// Shutdown stops the polling loop.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

func (p *Plugin) checkLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.checkOnce() {
				return
			}
		}
	}
}

// checkOnce samples free space and reports whether the session was faulted.
func (p *Plugin) checkOnce() bool {
	p.mu.RLock()
	path := p.path
	p.mu.RUnlock()

	free, err := p.stat(path)
	if err != nil {
		p.logger.Warn("disk guard: free space check failed", log.String("path", path), log.Err(err))
		return false
	}
	if free >= p.minFree {
		return false
	}

	p.mu.Lock()
	p.tripped = true
	p.mu.Unlock()

	p.logger.Error("disk guard: free space below threshold, stopping session",
		log.String("path", path),
		log.String("free", formatBytes(free)),
		log.String("min_free", formatBytes(p.minFree)))
	p.session.Fault(&domain.IOError{
		Path: path,
		Kind: domain.DiskFull,
		Err:  fmt.Errorf("%s free, below %s", formatBytes(free), formatBytes(p.minFree)),
	})
	return true
}

// Tripped reports whether the guard faulted the session.
func (p *Plugin) Tripped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tripped
}

// Available returns the bytes available to unprivileged writers on the
// filesystem holding path.
func Available(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

func formatBytes(b uint64) string {
	const (
		_          = iota
		KB float64 = 1 << (10 * iota)
		MB
		GB
	)

	fb := float64(b)
	switch {
	case fb >= GB:
		return fmt.Sprintf("%.2fGiB", fb/GB)
	case fb >= MB:
		return fmt.Sprintf("%.2fMiB", fb/MB)
	case fb >= KB:
		return fmt.Sprintf("%.2fKiB", fb/KB)
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// Ensure Plugin implements rig.Plugin.
var _ rig.Plugin = (*Plugin)(nil)

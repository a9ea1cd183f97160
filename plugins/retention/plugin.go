// Package retention removes old session directories so the output volume
// does not grow without bound. Pruning runs after each session ended.
package retention

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/hepic-lab/hepic/internal/adapters/fs"
	"github.com/hepic-lab/hepic/pkg/log"
	"github.com/hepic-lab/hepic/pkg/rig"
)

// Plugin prunes session directories when the session ends.
type Plugin struct {
	mu sync.RWMutex

	keep int

	outputDir string
	session   rig.SessionHandle
	catalog   rig.Catalog
	logger    rig.Logger
	last      Result
}

// Config holds configuration options for the retention plugin.
type Config struct {
	// KeepSessions is the number of newest session directories kept,
	// including the one just recorded.
	// Default: 20
	KeepSessions int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{KeepSessions: 20}
}

// New creates a retention plugin.
func New(cfg Config) *Plugin {
	if cfg.KeepSessions <= 0 {
		cfg.KeepSessions = 20
	}
	return &Plugin{keep: cfg.KeepSessions}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "retention"
}

// Initialize records where sessions live.
func (p *Plugin) Initialize(ctx context.Context, cfg rig.PluginConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outputDir = cfg.OutputDir
	p.session = cfg.Session
	p.catalog = cfg.Catalog
	p.logger = cfg.Logger

	p.logger.Info("retention plugin initialized", log.Int("keep_sessions", p.keep))
	return nil
}

// Shutdown prunes old sessions, never touching the one just recorded.
func (p *Plugin) Shutdown(ctx context.Context) error {
	p.mu.RLock()
	outputDir, session, catalog, logger := p.outputDir, p.session, p.catalog, p.logger
	p.mu.RUnlock()
	if outputDir == "" {
		return nil
	}

	var protect string
	if session != nil {
		protect = session.Snapshot().Dir
	}
	res, err := Prune(ctx, outputDir, p.keep, catalog, protect)

	p.mu.Lock()
	p.last = res
	p.mu.Unlock()

	if len(res.Removed) > 0 {
		logger.Info("retention: old sessions removed",
			log.Int("removed", len(res.Removed)),
			log.String("freed", formatBytes(res.Freed)))
	}
	return err
}

// Last returns the result of the most recent prune.
func (p *Plugin) Last() Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Result describes one prune pass.
type Result struct {
	Removed []string
	Freed   int64
}

// Prune keeps the newest keep session directories under root and removes
// the rest, oldest first, along with their catalog rows. protect names a
// directory that is never removed; it still counts toward keep. catalog
// may be nil.
func Prune(ctx context.Context, root string, keep int, catalog rig.Catalog, protect string) (Result, error) {
	var res Result
	if keep <= 0 {
		return res, fmt.Errorf("keep must be positive, got %d", keep)
	}

	dirs, err := fs.SessionDirs(root)
	if err != nil {
		return res, fmt.Errorf("list sessions: %w", err)
	}
	if len(dirs) <= keep {
		return res, nil
	}

	ids := map[string]string{}
	if catalog != nil {
		rows, err := catalog.List(ctx, 0)
		if err != nil {
			return res, fmt.Errorf("list catalog: %w", err)
		}
		for _, row := range rows {
			ids[filepath.Clean(row.Dir)] = row.ID
		}
	}

	excess := len(dirs) - keep
	var errs []error
	for _, dir := range dirs {
		if excess == 0 {
			break
		}
		if protect != "" && filepath.Clean(dir) == filepath.Clean(protect) {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		size, err := dirSize(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
			continue
		}
		excess--
		res.Removed = append(res.Removed, dir)
		res.Freed += size

		if id, ok := ids[filepath.Clean(dir)]; ok {
			if err := catalog.Delete(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("delete catalog row %s: %w", id, err))
			}
		}
	}
	return res, errors.Join(errs...)
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func formatBytes(b int64) string {
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

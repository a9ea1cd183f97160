// Package configsnapshot copies configuration files (the rig config, the
// printer's printer.cfg, slicer profiles) into the session directory so a
// recording carries the settings it was made with. Files edited while
// recording are copied again as numbered revisions.
package configsnapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hepic-lab/hepic/pkg/log"
	"github.com/hepic-lab/hepic/pkg/rig"
)

// SubDir is the directory inside a session that holds the copies.
const SubDir = "config"

// Error codes written to <name>.error when a file cannot be copied.
const (
	ErrCodeFileNotFound     = "FILE_NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeReadError        = "READ_ERROR"
)

// Plugin snapshots configuration files into the session directory.
type Plugin struct {
	mu sync.Mutex

	files         []string
	debounceDelay time.Duration
	pollInterval  time.Duration

	// Runtime state
	session   rig.SessionHandle
	logger    rig.Logger
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	debounce  map[string]*time.Timer
	revisions map[string]int
	copied    []string
}

// Config holds configuration options for the config snapshot plugin.
type Config struct {
	// Files are the paths to copy. Duplicate base names get a numeric prefix.
	Files []string

	// DebounceDelay is the delay after the last change before copying.
	// Default: 200 milliseconds
	DebounceDelay time.Duration

	// PollInterval is how often the plugin checks whether the session
	// directory exists yet.
	// Default: 50 milliseconds
	PollInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults and no files.
func DefaultConfig() Config {
	return Config{
		DebounceDelay: 200 * time.Millisecond,
		PollInterval:  50 * time.Millisecond,
	}
}

// New creates a config snapshot plugin.
func New(cfg Config) *Plugin {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 200 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	files := make([]string, 0, len(cfg.Files))
	for _, f := range cfg.Files {
		if f == "" {
			continue
		}
		if abs, err := filepath.Abs(f); err == nil {
			f = abs
		}
		files = append(files, filepath.Clean(f))
	}
	return &Plugin{
		files:         files,
		debounceDelay: cfg.DebounceDelay,
		pollInterval:  cfg.PollInterval,
		debounce:      make(map[string]*time.Timer),
		revisions:     make(map[string]int),
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "configsnapshot"
}

// Initialize starts the watcher loop.
func (p *Plugin) Initialize(ctx context.Context, cfg rig.PluginConfig) error {
	p.mu.Lock()
	p.session = cfg.Session
	p.logger = cfg.Logger
	p.mu.Unlock()

	if len(p.files) == 0 {
		p.logger.Debug("config snapshot disabled: no files configured")
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("config snapshot plugin initialized", log.Int("files", len(p.files)))

	p.wg.Add(1)
	go p.watchLoop(watchCtx)
	return nil
}

// Shutdown stops the watcher. Pending debounced copies are dropped.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	for _, t := range p.debounce {
		t.Stop()
	}
	p.mu.Unlock()
	return nil
}

// Copied returns the destination paths written so far.
func (p *Plugin) Copied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.copied...)
}

// watchLoop waits for the session directory, copies every file once and
// then re-copies files as they change.
func (p *Plugin) watchLoop(ctx context.Context) {
	defer p.wg.Done()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Error("config snapshot: failed to create watcher", log.Err(err))
		watcher = nil
	} else {
		defer watcher.Close()
		// Editors replace files by rename, so watch the parent directories.
		watched := map[string]bool{}
		for _, f := range p.files {
			dir := filepath.Dir(f)
			if watched[dir] {
				continue
			}
			watched[dir] = true
			if err := watcher.Add(dir); err != nil {
				p.logger.Warn("config snapshot: failed to watch directory",
					log.String("dir", dir), log.Err(err))
			}
		}
	}

	sessionDir, ok := p.waitForSession(ctx)
	if !ok {
		return
	}
	dest := filepath.Join(sessionDir, SubDir)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		p.logger.Error("config snapshot: create directory", log.String("dir", dest), log.Err(err))
		return
	}
	names := destNames(p.files)
	for _, f := range p.files {
		p.copyFile(f, dest, names[f])
	}
	if watcher == nil {
		<-ctx.Done()
		return
	}

	due := make(chan string)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			path := filepath.Clean(event.Name)
			if _, tracked := names[path]; !tracked {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			p.debounceCopy(ctx, path, due)

		case path := <-due:
			p.copyFile(path, dest, names[path])

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config snapshot: watcher error", log.Err(err))
		}
	}
}

// waitForSession polls until the session has a directory. It returns false
// when ctx ends first or the session ended without one.
func (p *Plugin) waitForSession(ctx context.Context) (string, bool) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		snap := p.session.Snapshot()
		if snap.Dir != "" {
			return snap.Dir, true
		}
		if snap.State.Terminal() {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
		}
	}
}

func (p *Plugin) debounceCopy(ctx context.Context, path string, due chan<- string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t := p.debounce[path]; t != nil {
		t.Stop()
	}
	p.debounce[path] = time.AfterFunc(p.debounceDelay, func() {
		select {
		case due <- path:
		case <-ctx.Done():
		}
	})
}

// copyFile copies src to dest/name, or dest/name.<n> for the n-th change.
// An unreadable source leaves dest/name.error holding an error code.
func (p *Plugin) copyFile(src, dest, name string) {
	p.mu.Lock()
	rev := p.revisions[src]
	p.revisions[src] = rev + 1
	p.mu.Unlock()

	target := filepath.Join(dest, name)
	if rev > 0 {
		target = fmt.Sprintf("%s.%d", target, rev)
	}

	data, err := os.ReadFile(src)
	if err != nil {
		code := errorToCode(err)
		p.logger.Warn("config snapshot: cannot read file",
			log.String("file", src), log.String("code", code), log.Err(err))
		_ = os.WriteFile(target+".error", []byte(code+"\n"), 0o644)
		return
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		p.logger.Error("config snapshot: write copy", log.String("file", target), log.Err(err))
		return
	}

	p.mu.Lock()
	p.copied = append(p.copied, target)
	p.mu.Unlock()
	p.logger.Debug("config snapshot: copied", log.String("file", src), log.String("to", target))
}

// destNames maps each source path to a unique file name in the snapshot
// directory.
func destNames(files []string) map[string]string {
	names := make(map[string]string, len(files))
	used := make(map[string]bool, len(files))
	for i, f := range files {
		name := filepath.Base(f)
		if used[name] {
			name = fmt.Sprintf("%d-%s", i, name)
		}
		used[name] = true
		names[f] = name
	}
	return names
}

func errorToCode(err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrCodeFileNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrCodePermissionDenied
	default:
		return ErrCodeReadError
	}
}

// Ensure Plugin implements rig.Plugin.
var _ rig.Plugin = (*Plugin)(nil)

package rig

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hepic-lab/hepic/internal/adapters/encoder"
	"github.com/hepic-lab/hepic/internal/adapters/fs"
	"github.com/hepic-lab/hepic/internal/adapters/sqlite"
	"github.com/hepic-lab/hepic/internal/app"
	"github.com/hepic-lab/hepic/internal/cliconfig"
	"github.com/hepic-lab/hepic/internal/deps"
	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
	"github.com/hepic-lab/hepic/pkg/log"
)

// Config holds the configuration of a recording rig.
// Use DefaultConfig() to get a Config with sensible defaults.
type Config = cliconfig.Config

// SourceConfig configures one source of the rig.
type SourceConfig = cliconfig.SourceConfig

// DefaultConfig returns a Config with default values and no sources.
func DefaultConfig() Config {
	return cliconfig.DefaultConfig()
}

const pluginShutdownTimeout = 10 * time.Second

// Rig records one synchronized session from a set of configured sources.
// Use New() to create an instance, then Start() to begin recording.
type Rig struct {
	config     Config
	opts       options
	bindings   []app.SourceBinding
	ctrlCfg    app.ControllerConfig
	encoders   ports.EncoderFactory
	controller *app.Controller
	catalog    ports.SessionCatalog
	logger     ports.Logger

	plugins []Plugin

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	finished chan struct{}
}

// New creates a rig for cfg. Sources are built but not opened; call Start
// to begin recording. With cfg.Simulate set the sources are replaced by
// their simulated counterparts first.
func New(cfg Config, opts ...Option) (*Rig, error) {
	if cfg.Simulate {
		cfg = Simulated(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	if missing := deps.Missing(deps.CheckBinaries(deps.Recording(cfg.FFmpegPath, needsFFmpeg(cfg)))); len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for _, m := range missing {
			names = append(names, m.Command)
		}
		return nil, fmt.Errorf("missing required binaries: %s", strings.Join(names, ", "))
	}

	bindings, err := buildBindings(cfg, &o)
	if err != nil {
		return nil, err
	}
	if len(bindings) == 0 {
		return nil, domain.ErrNoSources
	}

	ctrlCfg, err := controllerConfig(cfg)
	if err != nil {
		return nil, err
	}
	codec, err := encoder.ParseCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	encoders := encoder.NewFactory(encoder.Config{
		Codec:      codec,
		FFmpegPath: cfg.FFmpegPath,
		FPS:        outputFPS(cfg.Cadence),
		Preset:     cfg.Preset,
		CRF:        cfg.CRF,
	}, logger)

	return &Rig{
		config:   cfg,
		opts:     o,
		bindings: bindings,
		ctrlCfg:  ctrlCfg,
		encoders: encoders,
		logger:   logger,
		plugins:  o.plugins,
		finished: make(chan struct{}),
	}, nil
}

func needsFFmpeg(cfg Config) bool {
	for _, s := range cfg.Selected() {
		switch domain.SourceKind(s.Kind) {
		case domain.KindVision:
			if s.Backend == "ffmpeg" {
				return true
			}
			if cfg.Codec == string(encoder.CodecH264) {
				return true
			}
		case domain.KindThermal, domain.KindImageDir:
			if cfg.Codec == string(encoder.CodecH264) {
				return true
			}
		case domain.KindSynthetic:
			if s.Image && cfg.Codec == string(encoder.CodecH264) {
				return true
			}
		}
	}
	return false
}

// Start initializes plugins and starts recording. It returns once the
// session is running; use Wait to block until it ends.
func (r *Rig) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	// The catalog is an index; a session records without it.
	if c, err := sqlite.Open(filepath.Join(r.config.OutputDir, fs.CatalogFileName)); err != nil {
		r.logger.Warn("session catalog unavailable", log.Err(err))
	} else {
		r.catalog = c
	}
	r.controller = app.NewController(r.ctrlCfg, r.bindings, app.ControllerDeps{
		Store:    fs.NewSessionLayout(r.config.OutputDir),
		Encoders: r.encoders,
		Catalog:  r.catalog,
		Logger:   r.logger,
		Observer: observerWrapper{handler: r.opts.eventHandler},
	})
	r.mu.Unlock()

	pluginCfg := PluginConfig{
		OutputDir: r.config.OutputDir,
		Sources:   r.config.Selected(),
		Session:   r,
		Catalog:   r.catalog,
		Logger:    r.logger,
	}
	for i, p := range r.plugins {
		if err := p.Initialize(runCtx, pluginCfg); err != nil {
			r.logger.Error("plugin initialization failed",
				log.String("plugin", p.Name()),
				log.Err(err))
			r.shutdownPlugins(r.plugins[:i])
			r.release()
			return fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
		r.logger.Info("plugin initialized", log.String("plugin", p.Name()))
	}

	if err := r.controller.Start(runCtx); err != nil {
		r.shutdownPlugins(r.plugins)
		r.release()
		return err
	}

	go func() {
		<-r.controller.Done()
		r.shutdownPlugins(r.plugins)
		r.release()
	}()
	return nil
}

// release cancels the run context, closes the catalog and wakes waiters.
func (r *Rig) release() {
	r.cancel()
	if r.catalog != nil {
		if err := r.catalog.Close(); err != nil {
			r.logger.Warn("close session catalog", log.Err(err))
		}
	}
	close(r.finished)
}

// shutdownPlugins stops plugins in reverse order.
func (r *Rig) shutdownPlugins(plugins []Plugin) {
	ctx, cancel := context.WithTimeout(context.Background(), pluginShutdownTimeout)
	defer cancel()
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		if err := p.Shutdown(ctx); err != nil {
			r.logger.Error("plugin shutdown failed",
				log.String("plugin", p.Name()),
				log.Err(err))
		} else {
			r.logger.Debug("plugin shutdown complete", log.String("plugin", p.Name()))
		}
	}
}

// Stop ends the session, finalizes the manifest and shuts plugins down.
// It returns the failure cause when the session ended Errored. Stop on a
// finished rig is a no-op.
func (r *Rig) Stop() error {
	c := r.session()
	if c == nil {
		return domain.ErrNotRunning
	}
	err := c.Stop()
	<-r.finished
	return err
}

// Wait blocks until the session ended and plugins were shut down. It
// returns nil for a clean close.
func (r *Rig) Wait() error {
	c := r.session()
	if c == nil {
		return domain.ErrNotRunning
	}
	<-r.finished
	return c.Err()
}

// Done is closed once the session ended and plugins were shut down.
func (r *Rig) Done() <-chan struct{} {
	return r.finished
}

// session returns the controller, or nil before Start.
func (r *Rig) session() *app.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controller
}

// RequestStop stops the session in the background.
func (r *Rig) RequestStop() {
	c := r.session()
	if c == nil {
		return
	}
	go func() {
		if err := c.Stop(); err != nil {
			r.logger.Debug("stop request", log.Err(err))
		}
	}()
}

// Fault ends the session Errored with err.
func (r *Rig) Fault(err error) {
	if c := r.session(); c != nil {
		c.Fault(err)
	}
}

// ReportDisconnect applies the disconnect policy of a source whose device
// disappeared.
func (r *Rig) ReportDisconnect(id SourceID, reason error) bool {
	if c := r.session(); c != nil {
		return c.ReportDisconnect(id, reason)
	}
	return false
}

// Status returns the current lifecycle state.
// Safe to call concurrently from any goroutine.
func (r *Rig) Status() State {
	if c := r.session(); c != nil {
		return c.State()
	}
	return StateIdle
}

// Snapshot returns the current session view.
func (r *Rig) Snapshot() Snapshot {
	if c := r.session(); c != nil {
		return c.Snapshot()
	}
	return Snapshot{State: StateIdle}
}

// Manifest returns the finalized manifest once the session ended.
func (r *Rig) Manifest() (Manifest, bool) {
	if c := r.session(); c != nil {
		return c.Manifest()
	}
	return Manifest{}, false
}

// Config returns the validated configuration the rig records with.
func (r *Rig) Config() Config {
	return r.config
}

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/internal/ports"
	"github.com/hepic-lab/hepic/pkg/log"
)

// Default controller values.
const (
	DefaultPollTimeout  = 200 * time.Millisecond
	DefaultStartTimeout = 10 * time.Second
	pipelineIdle        = 50 * time.Millisecond
	catalogTimeout      = 5 * time.Second
)

// ControllerConfig contains configuration for a recording session.
type ControllerConfig struct {
	Aligner       AlignerConfig
	Recorder      RecorderConfig
	QueueCapacity int
	PollTimeout   time.Duration
	StartTimeout  time.Duration
	GracePeriod   time.Duration
	ResyncEvery   int
	ClockAlpha    float64

	// OnIOError applies to per-source storage failures. Session-wide storage
	// failures and a full disk always abort.
	OnIOError domain.FaultPolicy

	// MaxDuration stops the session automatically; zero records until Stop.
	MaxDuration time.Duration
}

// SourceBinding pairs an adapter with its session policies.
type SourceBinding struct {
	Adapter      ports.SourceAdapter
	OnDisconnect domain.FaultPolicy
	Clock        domain.ClockMode
}

// ControllerDeps are the collaborators of a Controller.
type ControllerDeps struct {
	Store    ports.SessionStore
	Encoders ports.EncoderFactory
	Catalog  ports.SessionCatalog // optional
	Logger   ports.Logger
	Observer Observer
	Now      func() time.Time
}

// Controller owns the start/stop/error lifecycle of one recording session:
// source pumps feed the FrameBus, one pipeline goroutine runs the Aligner
// and Recorder in strict order.
//
// A Controller records at most one session.
type Controller struct {
	cfg       ControllerConfig
	bindings  []SourceBinding
	deps      ControllerDeps
	logger    ports.Logger
	lifecycle *Lifecycle

	// opMu serializes Start and the shutdown sequence.
	opMu sync.Mutex

	mu       sync.Mutex
	session  *domain.Session
	active   []SourceBinding
	inactive map[domain.SourceID]bool
	cause    error
	manifest domain.Manifest
	closed   bool

	clock        *ClockSync
	bus          *FrameBus
	aligner      *Aligner
	recorder     *Recorder
	unlock       func() error
	pipelineDone chan struct{}
	autoStop     *time.Timer
	sets         atomic.Uint64

	shutdownOnce sync.Once
}

// NewController creates a controller for the given sources.
func NewController(cfg ControllerConfig, bindings []SourceBinding, deps ControllerDeps) *Controller {
	if deps.Logger == nil {
		deps.Logger = log.NewNoopLogger()
	}
	if deps.Observer == nil {
		deps.Observer = NoopObserver{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.OnIOError == "" {
		cfg.OnIOError = domain.PolicyAbort
	}
	if cfg.Aligner.Tolerance == 0 {
		cfg.Aligner.Tolerance = ToleranceFor(cfg.Aligner.Cadence)
	}
	for i := range bindings {
		if bindings[i].OnDisconnect == "" {
			bindings[i].OnDisconnect = domain.PolicyDegrade
		}
		if bindings[i].Clock == "" {
			bindings[i].Clock = domain.ClockNative
		}
	}
	return &Controller{
		cfg:       cfg,
		bindings:  bindings,
		deps:      deps,
		logger:    deps.Logger,
		lifecycle: NewLifecycle(deps.Logger, deps.Observer),
		inactive:  make(map[domain.SourceID]bool),
	}
}

// Start opens every source, creates the session directory and starts
// recording. Sources that fail to start are left out of the session; if
// none starts, Start returns domain.ErrNoSources and the controller ends
// Errored.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.lifecycle.TransitionTo(StateStarting, "start requested"); err != nil {
		return domain.ErrAlreadyRunning
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.cfg.Aligner.Validate(); err != nil {
		return c.failStart(err)
	}

	unlock, err := c.deps.Store.Lock()
	if err != nil {
		return c.failStart(err)
	}
	c.unlock = unlock

	started := c.startSources(ctx)
	if len(started) == 0 {
		return c.failStart(domain.ErrNoSources)
	}
	c.active = started

	now := c.deps.Now()
	session := &domain.Session{ID: uuid.NewString(), StartTime: now}
	ids := make([]domain.SourceID, 0, len(started))
	for _, b := range started {
		session.Sources = append(session.Sources, b.Adapter.Describe())
		ids = append(ids, b.Adapter.ID())
	}

	dir, err := c.deps.Store.Create(session)
	if err != nil {
		return c.failStart(fmt.Errorf("create session directory: %w", err))
	}
	session.Dir = dir
	c.logger = ports.With(c.deps.Logger, ports.Session(session.ID))

	channelLog, err := c.deps.Store.OpenChannelLog(session)
	if err != nil {
		return c.failStart(fmt.Errorf("open channel log: %w", err))
	}
	recorder, err := NewRecorder(c.cfg.Recorder, session, c.deps.Encoders, channelLog, c.deps.Store.Manifest(dir), c.logger, c.deps.Now)
	if err != nil {
		_ = channelLog.Close()
		return c.failStart(fmt.Errorf("open recorder: %w", err))
	}

	c.recorder = recorder
	c.clock = NewClockSync(now, c.cfg.ResyncEvery, c.cfg.ClockAlpha, c.deps.Now)
	for _, b := range started {
		c.clock.Register(b.Adapter.ID(), b.Clock)
	}
	c.bus = NewFrameBus(ids, c.cfg.QueueCapacity)
	c.aligner = NewAligner(ids, c.cfg.Aligner, c.onStall)

	if c.deps.Catalog != nil {
		cctx, cancel := context.WithTimeout(context.Background(), catalogTimeout)
		if err := c.deps.Catalog.RecordStart(cctx, session); err != nil {
			c.logger.Warn("catalog: record session start failed", ports.Err(err))
		}
		cancel()
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.lifecycle.SetCancel(cancel)

	for _, b := range started {
		c.lifecycle.AddWorker()
		go c.pump(runCtx, b)
	}
	c.pipelineDone = make(chan struct{})
	go c.pipeline()

	if err := c.lifecycle.TransitionTo(StateRunning, "sources started"); err != nil {
		return err
	}
	c.logger.Info("recording",
		ports.String("dir", dir),
		ports.Int("sources", len(started)),
		ports.Duration("cadence", c.cfg.Aligner.Cadence),
	)

	if c.cfg.MaxDuration > 0 {
		c.autoStop = time.AfterFunc(c.cfg.MaxDuration, func() {
			_ = c.Stop()
		})
	}
	return nil
}

func (c *Controller) startSources(ctx context.Context) []SourceBinding {
	var started []SourceBinding
	seen := make(map[domain.SourceID]bool)
	for _, b := range c.bindings {
		id := b.Adapter.ID()
		if seen[id] {
			c.logger.Warn("duplicate source id, skipping", ports.Source(string(id)))
			continue
		}
		seen[id] = true

		sctx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
		err := b.Adapter.Start(sctx)
		cancel()
		if err != nil {
			c.logger.Error("source failed to start",
				ports.Source(string(id)),
				ports.String("kind", string(b.Adapter.Kind())),
				ports.Err(err),
			)
			c.deps.Observer.OnSourceFault(id, err, domain.PolicyDegrade)
			continue
		}
		c.logger.Info("source started",
			ports.Source(string(id)),
			ports.String("kind", string(b.Adapter.Kind())),
		)
		started = append(started, b)
	}
	return started
}

func (c *Controller) failStart(err error) error {
	for _, b := range c.active {
		if serr := b.Adapter.Stop(); serr != nil {
			c.logger.Warn("source stop failed", ports.Source(string(b.Adapter.ID())), ports.Err(serr))
		}
	}
	c.releaseLock()

	c.mu.Lock()
	c.cause = err
	c.closed = true
	c.mu.Unlock()

	_ = c.lifecycle.TransitionTo(StateErrored, err.Error())
	return err
}

// Stop ends the session: pumps are canceled, buffered frames are aligned and
// written, and the manifest is finalized exactly once. Stop on a closed or
// errored session is a no-op.
func (c *Controller) Stop() error {
	switch c.lifecycle.State() {
	case StateIdle:
		return domain.ErrNotRunning
	case StateClosed, StateErrored:
		return nil
	}
	c.shutdown("stop requested")
	<-c.lifecycle.Done()
	if c.lifecycle.State() == StateErrored {
		return c.Err()
	}
	return nil
}

// Wait blocks until the session is closed or errored and returns the
// failure cause, or nil for a clean close.
func (c *Controller) Wait() error {
	<-c.lifecycle.Done()
	return c.Err()
}

// Done is closed when the session reaches a terminal state.
func (c *Controller) Done() <-chan struct{} {
	return c.lifecycle.Done()
}

// Err returns the failure cause of an errored session.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	return c.lifecycle.State()
}

// Session returns the running or finished session, or nil before Start.
func (c *Controller) Session() *domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Manifest returns the finalized manifest once the session is terminal.
func (c *Controller) Manifest() (domain.Manifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manifest, c.closed && c.manifest.SessionID != ""
}

// Fault reports an external failure, such as a full disk detected by a
// plugin. The session stops, finalizes and ends Errored.
func (c *Controller) Fault(err error) {
	if c.lifecycle.CanStop() {
		c.fault(err)
	}
}

// ReportDisconnect tells the controller a source's device disappeared. The
// source's disconnect policy is applied.
func (c *Controller) ReportDisconnect(id domain.SourceID, reason error) bool {
	if c.lifecycle.State() != StateRunning {
		return false
	}
	for _, b := range c.active {
		if b.Adapter.ID() != id {
			continue
		}
		if d, ok := b.Adapter.(ports.Disconnector); ok {
			d.MarkDisconnected(reason)
		} else {
			c.sourceLost(b, domain.NewAdapterError(id, domain.Disconnected, reason))
		}
		return true
	}
	return false
}

func (c *Controller) fault(err error) {
	c.mu.Lock()
	if c.cause == nil {
		c.cause = err
	}
	c.mu.Unlock()
	go c.shutdown("fault: " + err.Error())
}

// shutdown runs the stop sequence once.
func (c *Controller) shutdown(reason string) {
	c.shutdownOnce.Do(func() {
		c.opMu.Lock()
		defer c.opMu.Unlock()

		if s := c.lifecycle.State(); s != StateRunning && s != StateStarting {
			return
		}
		if c.autoStop != nil {
			c.autoStop.Stop()
		}
		_ = c.lifecycle.TransitionTo(StateStopping, reason)

		c.lifecycle.Cancel()
		if err := c.lifecycle.WaitWithTimeout(c.cfg.GracePeriod); err != nil {
			c.logger.Warn("continuing shutdown with running pumps", ports.Err(err))
		}
		for _, b := range c.active {
			if err := b.Adapter.Stop(); err != nil {
				c.logger.Warn("source stop failed", ports.Source(string(b.Adapter.ID())), ports.Err(err))
			}
		}

		c.bus.Close()
		<-c.pipelineDone

		for _, b := range c.active {
			id := b.Adapter.ID()
			c.recorder.NoteDrops(id, b.Adapter.Stats().Dropped+c.bus.Stats(id).Dropped)
		}

		cause := c.Err()
		state := StateClosed
		if cause != nil {
			state = StateErrored
		}
		c.recorder.NoteOutcome(stateName(state), cause)
		manifest, ferr := c.recorder.Finalize()
		if ferr != nil {
			c.logger.Error("finalize failed", ports.Err(ferr))
			if cause == nil {
				cause = ferr
				state = StateErrored
			}
		}

		if c.deps.Catalog != nil {
			cctx, cancel := context.WithTimeout(context.Background(), catalogTimeout)
			if err := c.deps.Catalog.RecordClose(cctx, manifest, c.session.Dir); err != nil {
				c.logger.Warn("catalog: record session close failed", ports.Err(err))
			}
			cancel()
		}
		c.releaseLock()

		c.mu.Lock()
		c.cause = cause
		c.manifest = manifest
		c.closed = true
		c.mu.Unlock()

		c.deps.Observer.OnSessionClosed(manifest, cause)
		finalReason := "session closed"
		if cause != nil {
			finalReason = cause.Error()
		}
		_ = c.lifecycle.TransitionTo(state, finalReason)
	})
}

func (c *Controller) releaseLock() {
	if c.unlock == nil {
		return
	}
	if err := c.unlock(); err != nil {
		c.logger.Warn("release output lock failed", ports.Err(err))
	}
	c.unlock = nil
}

// pump moves frames from one adapter onto the bus until canceled or the
// source disconnects.
func (c *Controller) pump(ctx context.Context, b SourceBinding) {
	defer c.lifecycle.WorkerDone()

	id := b.Adapter.ID()
	bo := newBackoff(DefaultBackoffInitial, DefaultBackoffMax)
	var lastDropped uint64

	for {
		if ctx.Err() != nil {
			return
		}
		f, err := b.Adapter.NextFrame(ctx, c.cfg.PollTimeout)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, domain.ErrTimeout):
				continue
			case errors.Is(err, domain.ErrDisconnected):
				c.sourceLost(b, err)
				return
			default:
				c.logger.Warn("source read error",
					ports.Source(string(id)),
					ports.Err(err),
					ports.Duration("backoff", bo.Current()),
				)
				if !bo.Sleep(ctx) {
					return
				}
				continue
			}
		}
		bo.Reset()

		f.Source = id
		c.clock.Stamp(&f)
		accepted, dropped := c.bus.Push(f)
		if !accepted {
			return
		}
		if dropped != nil && dropped.Dropped-lastDropped >= 100 {
			lastDropped = dropped.Dropped
			c.logger.Warn("frame bus overflow", ports.Source(string(id)), ports.Uint64("dropped", dropped.Dropped))
		}
	}
}

func (c *Controller) sourceLost(b SourceBinding, err error) {
	id := b.Adapter.ID()
	c.logger.Warn("source disconnected",
		ports.Source(string(id)),
		ports.String("policy", string(b.OnDisconnect)),
		ports.Err(err),
	)
	c.bus.CloseSource(id)
	c.deps.Observer.OnSourceFault(id, err, b.OnDisconnect)
	if b.OnDisconnect == domain.PolicyAbort {
		c.fault(err)
	}
}

// pipeline drains the bus into the aligner and writes emitted sets until
// the bus is closed.
func (c *Controller) pipeline() {
	defer close(c.pipelineDone)

	ctx := context.Background()
	failed := false
	for {
		frames, closed, done := c.bus.Drain()
		for _, f := range frames {
			c.aligner.Offer(f)
		}
		for _, id := range closed {
			c.aligner.Deactivate(id)
			c.recorder.NoteDisconnected(id)
			c.mu.Lock()
			c.inactive[id] = true
			c.mu.Unlock()
		}

		if done {
			if !failed {
				for _, set := range c.aligner.Drain() {
					if !c.write(set) {
						break
					}
				}
			}
			return
		}

		if !failed {
			for {
				set, ok := c.aligner.Poll(c.clock.Now())
				if !ok {
					break
				}
				if !c.write(set) {
					failed = true
					break
				}
			}
			if err := c.recorder.FlushIfDue(); err != nil && !c.handleIOError(err) {
				failed = true
			}
		}

		wait := pipelineIdle
		if deadline, ok := c.aligner.NextDeadline(); ok {
			if until := deadline - c.clock.Now(); until < wait {
				wait = until
			}
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		c.bus.Wait(ctx, wait)
	}
}

func (c *Controller) write(set domain.SyncedSet) bool {
	err := c.recorder.Write(set)
	c.sets.Store(c.recorder.Sets())
	if err == nil {
		return true
	}
	return c.handleIOError(err)
}

// handleIOError applies the IO policy and reports whether recording can go on.
func (c *Controller) handleIOError(err error) bool {
	ok := true
	for _, e := range flattenErrors(err) {
		var ioErr *domain.IOError
		if errors.As(e, &ioErr) && ioErr.Source != "" && ioErr.Kind != domain.DiskFull && c.cfg.OnIOError == domain.PolicyDegrade {
			c.logger.Error("disabling source output after write failure",
				ports.Source(string(ioErr.Source)),
				ports.Err(e),
			)
			c.recorder.DisableSource(ioErr.Source)
			c.deps.Observer.OnSourceFault(ioErr.Source, e, domain.PolicyDegrade)
			continue
		}
		ok = false
	}
	if !ok {
		c.logger.Error("storage failure, aborting session", ports.Err(err))
		c.fault(err)
	}
	return ok
}

func (c *Controller) onStall(stall *domain.AlignError) {
	c.logger.Warn("source stalled",
		ports.Source(string(stall.Source)),
		ports.Int("ticks", stall.Ticks),
	)
	c.deps.Observer.OnSourceStalled(stall)
}

func flattenErrors(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, flattenErrors(e)...)
		}
		return out
	}
	return []error{err}
}

func stateName(s State) string {
	switch s {
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "recording"
	}
}

// SourceSnapshot is a point-in-time view of one source.
type SourceSnapshot struct {
	ID           domain.SourceID
	Kind         domain.SourceKind
	Active       bool
	Produced     uint64
	AdapterDrops uint64
	BusDrops     uint64
	Queued       int
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	State     State
	SessionID string
	Dir       string
	StartTime time.Time
	Sets      uint64
	Sources   []SourceSnapshot
}

// Snapshot returns the current session view. Safe for concurrent use.
func (c *Controller) Snapshot() Snapshot {
	snap := Snapshot{State: c.lifecycle.State(), Sets: c.sets.Load()}

	c.mu.Lock()
	session := c.session
	inactive := make(map[domain.SourceID]bool, len(c.inactive))
	for id := range c.inactive {
		inactive[id] = true
	}
	c.mu.Unlock()

	if session == nil {
		return snap
	}
	snap.SessionID = session.ID
	snap.Dir = session.Dir
	snap.StartTime = session.StartTime

	for _, spec := range session.Sources {
		ss := SourceSnapshot{ID: spec.ID, Kind: spec.Kind, Active: !inactive[spec.ID] && !snap.State.Terminal()}
		for _, b := range c.bindings {
			if b.Adapter.ID() == spec.ID {
				st := b.Adapter.Stats()
				ss.Produced, ss.AdapterDrops = st.Produced, st.Dropped
				break
			}
		}
		if c.bus != nil {
			bs := c.bus.Stats(spec.ID)
			ss.BusDrops, ss.Queued = bs.Dropped, bs.Queued
		}
		snap.Sources = append(snap.Sources, ss)
	}
	return snap
}

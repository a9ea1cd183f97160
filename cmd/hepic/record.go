package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hepic-lab/hepic/pkg/log"
	"github.com/hepic-lab/hepic/pkg/rig"
	"github.com/hepic-lab/hepic/plugins/configsnapshot"
	"github.com/hepic-lab/hepic/plugins/diskguard"
	"github.com/hepic-lab/hepic/plugins/hotplug"
	"github.com/hepic-lab/hepic/plugins/retention"
	"github.com/hepic-lab/hepic/plugins/statusserver"
)

func newRecordCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one synchronized session",
		Long: "Record one session from the configured sources until interrupted or --duration elapses.\n" +
			"Exits non-zero when the session ended with an error.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRecord(cmd)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&c.cfg.Enable, "enable", nil, "record only these source ids")
	f.StringSliceVar(&c.cfg.Disable, "disable", nil, "skip these source ids")

	f.DurationVar(&c.cfg.Cadence, "cadence", c.cfg.Cadence, "session tick period")
	f.DurationVar(&c.cfg.Tolerance, "tolerance", c.cfg.Tolerance, "max distance between a frame and its tick (0 uses 45% of the cadence)")
	f.DurationVar(&c.cfg.MaxWait, "max-wait", c.cfg.MaxWait, "how long a tick waits for late sources")
	f.IntVar(&c.cfg.StallTicks, "stall-ticks", c.cfg.StallTicks, "consecutive empty ticks before a source is reported stalled")
	f.IntVar(&c.cfg.QueueCapacity, "queue-capacity", c.cfg.QueueCapacity, "frames buffered per source")
	f.DurationVar(&c.cfg.PollTimeout, "poll-timeout", c.cfg.PollTimeout, "adapter read timeout")
	f.DurationVar(&c.cfg.StartTimeout, "start-timeout", c.cfg.StartTimeout, "time allowed to open all sources")
	f.DurationVar(&c.cfg.GracePeriod, "grace-period", c.cfg.GracePeriod, "time allowed to drain on stop")
	f.IntVar(&c.cfg.ResyncEvery, "resync-every", c.cfg.ResyncEvery, "frames between device clock resyncs")
	f.Float64Var(&c.cfg.ClockAlpha, "clock-alpha", c.cfg.ClockAlpha, "clock offset smoothing factor")

	f.StringVar(&c.cfg.Durability, "durability", c.cfg.Durability, "channel log durability (sync, flush, buffered)")
	f.IntVar(&c.cfg.FlushEvery, "flush-every", c.cfg.FlushEvery, "sets between flushes with buffered durability")
	f.DurationVar(&c.cfg.FlushInterval, "flush-interval", c.cfg.FlushInterval, "max time between flushes with buffered durability")

	f.StringVar(&c.cfg.Codec, "codec", c.cfg.Codec, "image encoding (h264, raw)")
	f.StringVar(&c.cfg.FFmpegPath, "ffmpeg", c.cfg.FFmpegPath, "ffmpeg binary")
	f.StringVar(&c.cfg.Preset, "preset", c.cfg.Preset, "x264 preset")
	f.IntVar(&c.cfg.CRF, "crf", c.cfg.CRF, "x264 constant rate factor")

	f.StringVar(&c.cfg.OnDisconnect, "on-disconnect", c.cfg.OnDisconnect, "default disconnect policy (degrade, abort)")
	f.StringVar(&c.cfg.OnIOError, "on-io-error", c.cfg.OnIOError, "policy for encoder write failures (degrade, abort)")
	f.DurationVar(&c.cfg.Duration, "duration", c.cfg.Duration, "stop after this long (0 records until interrupted)")

	f.StringVar(&c.cfg.StatusAddr, "status-addr", c.cfg.StatusAddr, "serve the status API on this address")
	f.IntVar(&c.cfg.KeepSessions, "keep-sessions", c.cfg.KeepSessions, "keep only the newest N sessions (0 keeps all)")
	f.IntVar(&c.cfg.MinFreeMB, "min-free-mb", c.cfg.MinFreeMB, "stop with an error below this much free space (0 disables)")
	f.DurationVar(&c.cfg.DiskCheckInterval, "disk-check-interval", c.cfg.DiskCheckInterval, "free space check period")
	f.BoolVar(&c.cfg.Hotplug, "hotplug", c.cfg.Hotplug, "report unplugged devices through udev")
	f.StringSliceVar(&c.cfg.SnapshotFiles, "snapshot-file", nil, "copy this file into the session (repeatable)")

	return cmd
}

func (c *cli) runRecord(cmd *cobra.Command) error {
	cfgFile, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := c.newLogger()

	cfg := c.cfg
	if cfgFile != "" {
		if abs, err := filepath.Abs(cfgFile); err == nil {
			cfgFile = abs
		}
		cfg.SnapshotFiles = append([]string{cfgFile}, cfg.SnapshotFiles...)
	}

	r, err := rig.New(cfg, c.recordOptions(cfg, logger)...)
	if err != nil {
		return fmt.Errorf("create rig: %w", err)
	}
	cfg = r.Config()
	logger.Info("configuration",
		log.String("output_dir", cfg.OutputDir),
		log.Int("sources", len(cfg.Selected())),
		log.Duration("cadence", cfg.Cadence),
		log.String("codec", cfg.Codec),
		log.String("durability", cfg.Durability),
		log.Bool("simulate", cfg.Simulate))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	var sessionErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, stopping...")
		stop()
		sessionErr = r.Stop()
	case <-r.Done():
		sessionErr = r.Wait()
	}

	out := cmd.OutOrStdout()
	if m, ok := r.Manifest(); ok {
		snap := r.Snapshot()
		fmt.Fprintf(out, "session %s %s: %d sets in %s\n",
			m.SessionID, m.State, m.SetCount, formatSpan(m.StartTime, m.StopTime))
		if snap.Dir != "" {
			fmt.Fprintf(out, "directory: %s\n", snap.Dir)
		}
		fmt.Fprintln(out, renderManifest(m))
	}
	if sessionErr != nil {
		return &exitError{code: 2, err: fmt.Errorf("session failed: %w", sessionErr)}
	}
	return nil
}

// recordOptions wires the plugins the configuration asks for.
func (c *cli) recordOptions(cfg rig.Config, logger log.Logger) []rig.Option {
	opts := []rig.Option{
		rig.WithLogger(logger),
		rig.WithEventHandler(&logEvents{logger: logger}),
	}
	if len(cfg.SnapshotFiles) > 0 {
		snap := configsnapshot.DefaultConfig()
		snap.Files = cfg.SnapshotFiles
		opts = append(opts, configsnapshot.WithConfigSnapshot(snap))
	}
	if cfg.MinFreeMB > 0 {
		opts = append(opts, diskguard.WithDiskGuard(diskguard.Config{
			MinFreeMB:     cfg.MinFreeMB,
			CheckInterval: cfg.DiskCheckInterval,
		}))
	}
	if cfg.Hotplug {
		opts = append(opts, hotplug.WithHotplug())
	}
	if cfg.StatusAddr != "" {
		opts = append(opts, statusserver.WithStatusServer(statusserver.Config{Addr: cfg.StatusAddr}))
	}
	if cfg.KeepSessions > 0 {
		opts = append(opts, retention.WithRetention(retention.Config{KeepSessions: cfg.KeepSessions}))
	}
	return opts
}

// logEvents logs session events the controller does not log itself.
type logEvents struct {
	rig.BaseEventHandler
	logger log.Logger
}

func (e *logEvents) OnSessionClosed(ev rig.SessionClosedEvent) {
	if ev.Error != nil {
		e.logger.Error("session ended with error",
			log.Session(ev.Manifest.SessionID),
			log.Err(ev.Error))
	}
}

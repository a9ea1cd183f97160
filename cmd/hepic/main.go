package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hepic-lab/hepic/internal/cliconfig"
)

const helpDescription = `
Record synchronized camera, thermal, printer and force data from a hotend test rig.

Highlights:
  - Aligns every source on one session clock at a fixed cadence.
  - Writes one video per image source, a JSONL channel log and a manifest.
  - A disconnected source degrades the session instead of ending it (configurable).
  - Configure via file, env, or flags; --simulate runs without hardware.
`

var exampleUsage = strings.TrimSpace(`
  hepic record --config rig.toml --status-addr :8090
  hepic record --simulate --duration 30s --codec raw
  hepic sessions list
  hepic recover recordings/20261018_101500_3f2a9c1d
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// cli carries the configuration shared by all subcommands.
type cli struct {
	cfg     cliconfig.Config
	cfgPath string
	envFile string
}

func newRootCmd() *cobra.Command {
	c := &cli{cfg: cliconfig.DefaultConfig()}
	return c.rootCmd()
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hepic",
		Short:         "Synchronized multi-sensor recording for a 3D-printer hotend rig",
		Long:          strings.TrimSpace(helpDescription),
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgPath, "config", "", "path to config file (default: $HOME/.hepic/config.toml)")
	pf.StringVar(&c.envFile, "env-file", ".env", "file with HEPIC_* variables")
	pf.StringVar(&c.cfg.OutputDir, "output-dir", c.cfg.OutputDir, "directory holding session directories")
	pf.StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "log level (debug, info, warn, error)")
	pf.BoolVar(&c.cfg.LogJSON, "log-json", c.cfg.LogJSON, "log JSON lines even on a terminal")
	pf.BoolVar(&c.cfg.Simulate, "simulate", c.cfg.Simulate, "replace hardware and network sources with simulated ones")

	root.AddCommand(
		newRecordCmd(c),
		newSessionsCmd(c),
		newRecoverCmd(c),
		newDevicesCmd(c),
		newDepsCmd(c),
	)
	return root
}

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hepic: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

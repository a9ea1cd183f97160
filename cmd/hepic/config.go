package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/hepic-lab/hepic/internal/cliconfig"
	"github.com/hepic-lab/hepic/pkg/log"
)

// loadConfig layers the .env file, the config file and HEPIC_* variables
// under the flags set on cmd. It returns the config file used, if any.
func (c *cli) loadConfig(cmd *cobra.Command) (string, error) {
	if err := cliconfig.LoadDotEnv(c.envFile); err != nil {
		return "", fmt.Errorf("load env file: %w", err)
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	cfgFile := c.cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
		if cfgFile != "" && !cliconfig.FileExists(cfgFile) {
			cfgFile = ""
		}
	}
	if cfgFile != "" {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(&c.cfg, fc, changed); err != nil {
			return "", err
		}
	}

	// Environment overrides the file; flags override both.
	if err := cliconfig.ApplyEnvConfig(&c.cfg, changed); err != nil {
		return "", err
	}
	return cfgFile, nil
}

// newLogger logs to stderr: console output on a terminal, JSON otherwise.
func (c *cli) newLogger() log.Logger {
	jsonOutput := c.cfg.LogJSON || !isTerminal(os.Stderr)
	return log.NewZerologAdapterFor(os.Stderr, jsonOutput, c.cfg.LogLevel)
}

func isTerminal(file *os.File) bool {
	if file == nil {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

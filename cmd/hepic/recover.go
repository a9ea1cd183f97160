package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hepic-lab/hepic/internal/adapters/fs"
	"github.com/hepic-lab/hepic/internal/adapters/sqlite"
	"github.com/hepic-lab/hepic/internal/cliconfig"
	"github.com/hepic-lab/hepic/pkg/log"
)

func newRecoverCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <session-dir>",
		Short: "Rebuild the manifest of a session that was not finalized",
		Long: "Rebuild manifest.toml from channels.jsonl after a crash or power loss.\n" +
			"The recovered manifest is marked incomplete and the catalog entry is updated.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.loadConfig(cmd); err != nil {
				return err
			}
			logger := c.newLogger()
			dir := filepath.Clean(args[0])

			report, err := fs.Recover(dir)
			if err != nil {
				return fmt.Errorf("recover %s: %w", dir, err)
			}

			// Sessions live directly under the output root.
			catalogPath := filepath.Join(filepath.Dir(dir), fs.CatalogFileName)
			if cliconfig.FileExists(catalogPath) {
				if catalog, err := sqlite.Open(catalogPath); err != nil {
					logger.Warn("catalog not updated", log.Err(err))
				} else {
					if err := catalog.RecordClose(cmd.Context(), report.Manifest, dir); err != nil {
						logger.Warn("catalog not updated", log.Err(err))
					}
					catalog.Close()
				}
			}

			out := cmd.OutOrStdout()
			m := report.Manifest
			fmt.Fprintf(out, "recovered session %s: %d sets\n", m.SessionID, report.Records)
			if report.Truncated {
				fmt.Fprintln(out, "last channel log line was cut off and skipped")
			}
			fmt.Fprintf(out, "manifest: %s\n", filepath.Join(dir, fs.ManifestFileName))
			fmt.Fprintln(out, renderManifest(m))
			return nil
		},
	}
}

package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hepic-lab/hepic/internal/adapters/fs"
	"github.com/hepic-lab/hepic/internal/adapters/sqlite"
	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/plugins/retention"
)

func newSessionsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect recorded sessions",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions from the catalog, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.loadConfig(cmd); err != nil {
				return err
			}
			catalog, err := c.openCatalog()
			if err != nil {
				return err
			}
			defer catalog.Close()

			rows, err := catalog.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "no sessions recorded")
				return nil
			}
			table := make([][]string, 0, len(rows))
			for _, s := range rows {
				table = append(table, []string{
					shortID(s.ID),
					formatTime(s.StartedAt),
					formatSpan(s.StartedAt, s.StoppedAt),
					s.State,
					fmt.Sprint(s.SetCount),
					filepath.Base(s.Dir),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Started", "Duration", "State", "Sets", "Directory"},
				table,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "show at most this many sessions (0 for all)")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one session and its sources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.loadConfig(cmd); err != nil {
				return err
			}
			catalog, err := c.openCatalog()
			if err != nil {
				return err
			}
			defer catalog.Close()

			s, entries, err := catalog.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session:   %s\n", s.ID)
			fmt.Fprintf(out, "State:     %s\n", s.State)
			fmt.Fprintf(out, "Started:   %s\n", formatTime(s.StartedAt))
			fmt.Fprintf(out, "Duration:  %s\n", formatSpan(s.StartedAt, s.StoppedAt))
			fmt.Fprintf(out, "Sets:      %d\n", s.SetCount)
			fmt.Fprintf(out, "Directory: %s\n", s.Dir)
			if s.Error != "" {
				fmt.Fprintf(out, "Error:     %s\n", s.Error)
			}
			if len(entries) > 0 {
				fmt.Fprintln(out, renderManifest(domain.Manifest{SessionID: s.ID, Entries: entries}))
			}
			return nil
		},
	}

	var keep int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.loadConfig(cmd); err != nil {
				return err
			}
			if keep <= 0 {
				keep = c.cfg.KeepSessions
			}
			if keep <= 0 {
				return errors.New("--keep or keep_sessions must be positive")
			}
			lock, err := fs.NewSessionLayout(c.cfg.OutputDir).Lock()
			if err != nil {
				return fmt.Errorf("output directory busy: %w", err)
			}
			defer lock()

			catalog, err := c.openCatalog()
			if err != nil {
				return err
			}
			defer catalog.Close()

			res, err := retention.Prune(cmd.Context(), c.cfg.OutputDir, keep, catalog, "")
			for _, dir := range res.Removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", dir)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d sessions removed\n", len(res.Removed))
			return err
		},
	}
	prune.Flags().IntVar(&keep, "keep", 0, "number of sessions to keep (default: keep_sessions)")

	cmd.AddCommand(list, show, prune)
	return cmd
}

func (c *cli) openCatalog() (*sqlite.Catalog, error) {
	path := filepath.Join(c.cfg.OutputDir, fs.CatalogFileName)
	catalog, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	return catalog, nil
}

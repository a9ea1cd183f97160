package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hepic-lab/hepic/internal/deps"
)

func newDepsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "deps",
		Short: "Check external binaries needed for recording",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.loadConfig(cmd); err != nil {
				return err
			}
			statuses := deps.CheckBinaries(deps.Recording(c.cfg.FFmpegPath, true))
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Dependency", "Command", "Status", "Detail"},
				depsRows(statuses),
				nil,
			))

			if missing := deps.Missing(statuses); len(missing) > 0 {
				names := make([]string, 0, len(missing))
				for _, m := range missing {
					names = append(names, m.Name)
				}
				return errors.New("missing required dependencies: " + strings.Join(names, ", "))
			}
			return nil
		},
	}
}

func depsRows(statuses []deps.Status) [][]string {
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		status := "ok"
		detail := s.Path
		switch {
		case !s.Available && s.Optional:
			status = "missing (optional)"
			detail = s.Detail
		case !s.Available:
			status = "missing"
			detail = s.Detail
		}
		if detail == "" {
			detail = s.Description
		}
		rows = append(rows, []string{s.Name, s.Command, status, detail})
	}
	return rows
}

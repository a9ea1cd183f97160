package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hepic-lab/hepic/pkg/rig"
)

func newDevicesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List cameras and imagers of the configured SDK backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.loadConfig(cmd); err != nil {
				return err
			}
			devices, err := rig.ListDevices(cmd.Context(), c.cfg, rig.WithLogger(c.newLogger()))
			out := cmd.OutOrStdout()
			if len(devices) > 0 {
				rows := make([][]string, 0, len(devices))
				for _, d := range devices {
					rows = append(rows, []string{
						d.Kind,
						d.Backend,
						fmt.Sprint(d.Index),
						orDash(d.Model),
						orDash(d.Serial),
						orDash(d.Path),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Kind", "Backend", "Index", "Model", "Serial", "Path"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
				))
			} else if err == nil {
				fmt.Fprintln(out, "no devices found")
			}
			return err
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

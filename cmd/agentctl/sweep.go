package main

import (
	"fmt"

	"agentfleet/backend/initialize"

	"github.com/spf13/cobra"
)

func sweepCmd(c *cli) *cobra.Command {
	var (
		idleMinutes int
		limit       int
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Hibernate machines idle past the threshold, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.load()
			if err != nil {
				return err
			}
			opts := initialize.SweepOptions(app.Cfg)
			if cmd.Flags().Changed("idle-minutes") {
				opts.IdleMinutes = idleMinutes
			}
			if cmd.Flags().Changed("limit") {
				opts.Limit = limit
			}
			opts.DryRun = opts.DryRun || dryRun
			res, err := app.Sweeper.Sweep(cmd.Context(), opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.DryRun {
				fmt.Fprintln(out, mutedStyle.Render("dry run: nothing was changed"))
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Scanned", "Hibernated", "Errors"},
				[][]string{{fmt.Sprint(res.Scanned), fmt.Sprint(res.Hibernated), fmt.Sprint(res.Errors)}},
			))
			return nil
		},
	}
	cmd.Flags().IntVar(&idleMinutes, "idle-minutes", 0, "Idle threshold in minutes (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum machines to handle (0 = no limit)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only count stale machines")
	return cmd
}

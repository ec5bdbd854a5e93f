package main

import (
	"fmt"
	"strconv"

	"agentfleet/backend/app/fly"
	"agentfleet/backend/app/services"
	"agentfleet/backend/initialize"

	"github.com/spf13/cobra"
)

func parseID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid machine record id %q", arg)
	}
	return uint(id), nil
}

func operatorTarget(app *initialize.App) fly.Target {
	return fly.Target{App: app.Fleet.AppName, Token: app.Fleet.APIToken}
}

func storedRequest(app *initialize.App) services.StoredSecretsRequest {
	return services.StoredSecretsRequest{AppName: app.Fleet.AppName, EncryptionKey: app.Fleet.EncryptionKey}
}

func listCmd(c *cli) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a tenant's machine records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.load()
			if err != nil {
				return err
			}
			rows, err := app.Lifecycle.List(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("no agents for tenant "+tenant))
				return nil
			}
			fmt.Fprintln(out, renderTable(machineHeaders, machineRows(rows)))
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func getCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one machine record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			app, err := c.load()
			if err != nil {
				return err
			}
			m, err := app.Lifecycle.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			if m == nil {
				return services.ErrMachineNotFound
			}
			fmt.Fprint(cmd.OutOrStdout(), renderMachine(m))
			return nil
		},
	}
}

func deprovisionCmd(c *cli) *cobra.Command {
	var stored bool
	cmd := &cobra.Command{
		Use:   "deprovision <id>",
		Short: "Delete the machine and volume and mark the record deleted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			app, err := c.load()
			if err != nil {
				return err
			}
			if stored {
				err = app.Lifecycle.DeprovisionWithStoredSecrets(cmd.Context(), storedRequest(app), id)
			} else {
				err = app.Lifecycle.Deprovision(cmd.Context(), operatorTarget(app), id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsg("machine record %d deprovisioned", id))
			return nil
		},
	}
	cmd.Flags().BoolVar(&stored, "stored", false, "Use the agent's stored fly token")
	return cmd
}

func snapshotCmd(c *cli) *cobra.Command {
	var stored bool
	cmd := &cobra.Command{
		Use:   "snapshot <id>",
		Short: "Snapshot the machine's volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			app, err := c.load()
			if err != nil {
				return err
			}
			var res *services.SnapshotResult
			if stored {
				res, err = app.Lifecycle.CreateSnapshotWithStoredSecrets(cmd.Context(), storedRequest(app), id)
			} else {
				res, err = app.Lifecycle.CreateSnapshot(cmd.Context(), operatorTarget(app), id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsg("snapshot %d created (volume snapshot %s)", res.SnapshotID, orDash(res.FlyVolumeSnapshotID)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&stored, "stored", false, "Use the agent's stored fly token")
	return cmd
}

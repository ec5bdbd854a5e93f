package main

import (
	"fmt"
	"os"

	"agentfleet/backend/initialize"

	"github.com/spf13/cobra"
)

// cli holds what every subcommand shares. The app is built on first use so
// commands that only need the config (token) never open the database.
type cli struct {
	configPath string
	app        *initialize.App
}

func (c *cli) load() (*initialize.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	app, err := initialize.Build(c.configPath, initialize.Options{})
	if err != nil {
		return nil, err
	}
	c.app = app
	return app, nil
}

func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{}
	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "Operate the agent fleet: sweeps, machines and stored secrets",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.app == nil {
				return nil
			}
			return c.app.Close(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "config/config.yaml", "Path to config file")

	root.AddCommand(sweepCmd(c))
	root.AddCommand(listCmd(c))
	root.AddCommand(getCmd(c))
	root.AddCommand(deprovisionCmd(c))
	root.AddCommand(snapshotCmd(c))
	root.AddCommand(secretsCmd(c))
	root.AddCommand(tokenCmd(c))
	return root, c
}

func main() {
	root, _ := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorMsg("%v", err))
		os.Exit(1)
	}
}

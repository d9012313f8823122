package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/weight-tracker/weight-tracker/pkg/daemon"
	"github.com/weight-tracker/weight-tracker/pkg/version"
)

// NewDaemonCommand .
func NewDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "daemon",
		Hidden:  true,
		Short:   "Run weight-tracker daemon in the foreground",
		GroupID: gAdvanced,
		Long: `Run weight-tracker daemon in the foreground.

The daemon listens on the address from the config file unless --daemon-addr
is given. Send SIGHUP to reload the config.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logrus.WithFields(logrus.Fields{
				"version": version.Version,
				"commit":  version.GitCommit,
			}).Info("weight-tracker daemon starting")

			addr := ""
			if cmd.Flags().Changed("daemon-addr") {
				addr = daemonAddr
			}
			return daemon.Run(configPath, addr)
		},
	}
}

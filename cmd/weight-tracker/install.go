package main

import (
	"fmt"
	"os"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/weight-tracker/weight-tracker/pkg/config"
	daemonutils "github.com/weight-tracker/weight-tracker/pkg/utils/daemon"
)

type installFlags struct {
	mock     bool
	debug    bool
	interval time.Duration
}

func (o *installFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.mock, "mock-sensor", false, "Run the daemon with a mocked load cell.")
	cmd.Flags().BoolVar(&o.debug, "debug", false, "Log at debug level.")
	cmd.Flags().DurationVar(&o.interval, "poll-interval", 0, "Time between two readings, at least 1s.")
}

// apply writes the flags the user set into conf.
func (o installFlags) apply(cmd *cobra.Command, conf config.Config) error {
	if cmd.Flags().Changed("poll-interval") {
		if o.interval < time.Second {
			return fmt.Errorf("poll interval must be at least 1s, got %s", o.interval)
		}
		conf.SetPollInterval(o.interval)
	}
	if cmd.Flags().Changed("debug") {
		conf.SetDebug(o.debug)
	}
	if cmd.Flags().Changed("mock-sensor") {
		conf.SetMockSensor(o.mock)
		if o.mock {
			logrus.Warn("the daemon will use a mocked load cell")
		}
	}
	return nil
}

// NewInstallCommand .
func NewInstallCommand() *cobra.Command {
	var flags installFlags

	cmd := &cobra.Command{
		Use:     "install",
		Short:   "Install weight-tracker as a systemd service",
		GroupID: gInstallation,
		Long: `Install weight-tracker daemon as a systemd service.

This makes weight-tracker run in the background and automatically start on
boot. You must run this command as root.

The config file is created with defaults if it does not exist yet. Edit it and
run 'systemctl reload weight-tracker' to apply changes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			if err := flags.apply(cmd, conf); err != nil {
				return err
			}

			addr := ""
			if cmd.Flags().Changed("daemon-addr") {
				addr = daemonAddr
			}

			err = daemonutils.Install(configPath, addr)
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %v. Are you root?", err)
			}

			err = conf.Save()
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to save config")
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()

			cmd.Printf("systemd will use the current binary (%s) at startup so please make sure you do not move this binary. Once this binary is moved or deleted, you will need to run 'weight-tracker install' again.\n", exePath)

			return nil
		},
	}

	flags.register(cmd)

	return cmd
}

// NewUninstallCommand .
func NewUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall",
		Short:   "Uninstall the weight-tracker systemd service",
		GroupID: gInstallation,
		Long: `Uninstall weight-tracker daemon from systemd.

This stops weight-tracker and removes its unit. Stored weights and the
calibration are kept. You must run this command as root.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := daemonutils.Uninstall()
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to uninstall daemon: %v", err)
			}

			fmt.Println("successfully uninstalled")

			cmd.Printf("Your config is kept in %s and your data in its dataDir, in case you want to use weight-tracker again.\n", configPath)

			return nil
		},
	}
}

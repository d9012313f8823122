package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/weight-tracker/weight-tracker/pkg/client"
	"github.com/weight-tracker/weight-tracker/pkg/config"
	"github.com/weight-tracker/weight-tracker/pkg/version"
)

var (
	logLevel    = "info"
	daemonAddr  = client.DefaultAddr
	routePrefix = ""
	configPath  = config.DefaultPath

	apiClient *client.Client
)

var (
	gBasic        = "Basic:"
	gCalibration  = "Calibration:"
	gAdvanced     = "Advanced:"
	gInstallation = "Installation:"
	commandGroups = []string{
		gBasic,
		gCalibration,
		gAdvanced,
		gInstallation,
	}
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}

	return nil
}

func handleCmdError(err error) {
	switch {
	case errors.Is(err, client.ErrDaemonNotRunning):
		fmt.Fprintln(os.Stderr, "\nError: weight-tracker daemon is not running")
		fmt.Fprintln(os.Stderr, "Is the daemon running? Have you installed it? Is --daemon-addr correct?")
	case errors.Is(err, client.ErrPermissionDenied):
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
	case errors.Is(err, client.ErrUnavailable):
		fmt.Fprintln(os.Stderr, "\nError: the load cell is not responding")
		fmt.Fprintln(os.Stderr, "  - Check the wiring of the HX711 and the dataPin / clockPin settings")
	}
}

func getVersion() (clientVersion, daemonVersion string, err error) {
	daemonVersion, err = apiClient.GetVersion()
	return version.Version, daemonVersion, err
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weight-tracker",
		Short: "weight-tracker records the weight on a load cell over time",
		Long: `weight-tracker records the weight on an HX711 load cell over time.

The daemon samples the scale on a fixed interval and stores every reading in
SQLite. This command talks to the daemon over HTTP to read the scale, query
history and manage the calibration.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			err := setupLogger()
			if err != nil {
				return err
			}

			apiClient = client.NewClient(daemonAddr, routePrefix)

			if cmd.Name() == "daemon" {
				return nil
			}

			if clientVersion, daemonVersion, err := getVersion(); err == nil {
				if daemonVersion != clientVersion {
					logrus.WithFields(logrus.Fields{
						"clientVersion": clientVersion,
						"daemonVersion": daemonVersion,
					}).Warn("Version mismatch between client and daemon. Responses may not decode as expected.")
				}
			} else if errors.Is(err, client.ErrNotFound) {
				logrus.Error("daemon did not report its version. Is --route-prefix correct?")
			}

			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&daemonAddr, "daemon-addr", daemonAddr, "daemon address, host:port or a unix socket path")
	globalFlags.StringVar(&routePrefix, "route-prefix", routePrefix, "route prefix the daemon is configured with")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewWeightCommand(),
		NewHistoryCommand(),
		NewWatchCommand(),
		NewStatusCommand(),
		NewTareCommand(),
		NewCalibrateCommand(),
		NewResetCommand(),
		NewSaveCommand(),
		NewRestoreCommand(),
		NewConfigCommand(),
		NewInstallCommand(),
		NewUninstallCommand(),
	)

	return cmd
}

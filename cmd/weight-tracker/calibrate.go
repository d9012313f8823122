package main

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/weight-tracker/weight-tracker/pkg/calibration"
)

func parseFloatArg(args []string, valueName string) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("invalid number of arguments")
	}

	value, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", valueName, err)
	}

	return value, nil
}

func NewTareCommand() *cobra.Command {
	var offset float64

	cmd := &cobra.Command{
		Use:     "tare",
		Short:   "Zero the scale",
		GroupID: gCalibration,
		Long: `Zero the scale.

Remove everything from the scale first: the current reading becomes the new
zero. With --offset the given raw count is used instead of a reading.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("offset") {
				res, err := apiClient.TareManual(offset)
				if err != nil {
					return err
				}
				logrus.Infof("successfully set tare offset to %d", res.Offset)
				return nil
			}

			res, err := apiClient.Tare()
			if err != nil {
				return err
			}
			logrus.Infof("successfully tared the scale, offset is now %d", res.Offset)
			return nil
		},
	}

	cmd.Flags().Float64Var(&offset, "offset", 0, "Set this raw offset instead of taking a reading")

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current tare offset",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := apiClient.GetTare()
			if err != nil {
				return err
			}
			cmd.Println(res.Offset)
			return nil
		},
	})

	return cmd
}

func NewCalibrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "calibrate [known weight]",
		Short:   "Calibrate the scale with a known weight",
		GroupID: gCalibration,
		Long: `Calibrate the scale with a known weight.

Tare the empty scale first, then place the known weight on it and run this
command. Without an argument the current calibration is printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				st, err := apiClient.GetCalibration()
				if err != nil {
					return err
				}
				printCalibration(cmd, *st)
				return nil
			}

			known, err := parseFloatArg(args, "known weight")
			if err != nil {
				return err
			}

			res, err := apiClient.Calibrate(known)
			if err != nil {
				return err
			}

			logrus.WithFields(logrus.Fields{
				"raw":           res.RawReading,
				"referenceUnit": res.ReferenceUnit,
			}).Infof("successfully calibrated, the scale now reads %g", res.Weight)
			return nil
		},
	}
}

func newCalibrationActionCommand(use, short, done string, action func() (*calibration.State, error)) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		Short:   short,
		GroupID: gCalibration,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := action()
			if err != nil {
				return err
			}
			logrus.Info(done)
			printCalibration(cmd, *st)
			return nil
		},
	}
}

func NewResetCommand() *cobra.Command {
	return newCalibrationActionCommand("reset", "Clear the tare offset and restore the default gain",
		"calibration reset, the reference unit is kept", func() (*calibration.State, error) { return apiClient.Reset() })
}

func NewSaveCommand() *cobra.Command {
	return newCalibrationActionCommand("save", "Write the current calibration to disk again",
		"calibration saved", func() (*calibration.State, error) { return apiClient.Save() })
}

func NewRestoreCommand() *cobra.Command {
	return newCalibrationActionCommand("restore", "Reload the calibration from disk",
		"calibration restored", func() (*calibration.State, error) { return apiClient.Restore() })
}

func printCalibration(cmd *cobra.Command, st calibration.State) {
	cmd.Printf("  Gain: %s\n", bold("%s", st.Gain))
	cmd.Printf("  Offset: %s\n", bold("%d", st.Offset))
	cmd.Printf("  Reference unit: %s\n", bold("%g", st.ReferenceUnit))
}

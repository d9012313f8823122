package main

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/weight-tracker/weight-tracker/pkg/calibration"
)

func NewStatusCommand() *cobra.Command {
	asJSON := false

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of weight-tracker",
		Long:    `Get the scale, poller and write queue status.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, st)
			}

			cmd.Println(bold("Scale %s:", st.Device))
			cal := st.Calibration
			cmd.Println("  Phase: " + phase2Text(cal.Phase))
			cmd.Printf("  Gain: %s\n", bold("%s", cal.Gain))
			cmd.Printf("  Offset: %s\n", bold("%d", cal.Offset))
			cmd.Printf("  Reference unit: %s\n", bold("%g", cal.ReferenceUnit))
			cmd.Printf("  Median samples: %d\n", cal.MedianSamples)
			cmd.Printf("  Calibration file: %s\n", cal.File)
			if !cal.LastSavedAt.IsZero() {
				cmd.Printf("  Last saved: %s\n", cal.LastSavedAt.Local().Format(time.DateTime))
			}
			if cal.LastError != "" {
				cmd.Printf("  Last save error: %s\n", color.RedString(cal.LastError))
			}
			cmd.Println()

			p := st.Poller
			cmd.Println(bold("Poller:"))
			cmd.Printf("  Running: %s, every %s\n", bool2Text(p.Running), p.Interval)
			cmd.Printf("  Readings: %s succeeded, %s failed, %d in the last minute\n",
				color.GreenString("%d", p.Succeeded), failed2Text(p.Failed), p.RecentTicks)
			if len(p.TickTimes) > 0 {
				cmd.Printf("  Last poll: %s\n", p.TickTimes[0].Local().Format(time.TimeOnly))
			}
			if p.LastRecord != nil {
				cmd.Printf("  Last reading: %s at %s\n", bold("%.3f", p.LastRecord.Weight),
					time.Unix(0, p.LastRecord.Timestamp).Local().Format(time.DateTime))
			}
			if p.LastError != "" {
				cmd.Printf("  Last error: %s (%s)\n", color.RedString(p.LastError), p.LastErrorAt.Local().Format(time.DateTime))
			}
			if p.Running && !p.NextScheduleAt.IsZero() {
				cmd.Printf("  Next reading: %s\n", p.NextScheduleAt.Local().Format(time.TimeOnly))
			}
			cmd.Println()

			q := st.Queue
			cmd.Println(bold("Write queue:"))
			cmd.Printf("  Pending: %d\n", q.Pending)
			cmd.Printf("  Written: %d, failed: %s\n", q.Processed, failed2Text(q.Failed))

			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")

	return cmd
}

func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "config",
		GroupID: gAdvanced,
		Short:   "Print the effective daemon config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := apiClient.GetConfig()
			if err != nil {
				return err
			}
			return printJSON(cmd, conf)
		},
	}
}

func phase2Text(p calibration.Phase) string {
	switch p {
	case calibration.PhaseReady:
		return color.New(color.Bold, color.FgGreen).Sprint(p)
	case calibration.PhaseUninitialized:
		return color.New(color.Bold, color.FgRed).Sprint(p)
	default:
		return color.New(color.Bold, color.FgYellow).Sprint(p)
	}
}

func failed2Text(n uint64) string {
	if n == 0 {
		return "0"
	}
	return color.RedString("%d", n)
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/weight-tracker/weight-tracker/pkg/events"
	"github.com/weight-tracker/weight-tracker/pkg/types"
	"github.com/weight-tracker/weight-tracker/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(b))
	return nil
}

func NewWeightCommand() *cobra.Command {
	asJSON := false

	cmd := &cobra.Command{
		Use:     "weight",
		Short:   "Read the scale now",
		GroupID: gBasic,
		Long: `Read the scale now.

The daemon takes a fresh median over medianSamples raw samples, so this takes
about a second with the default settings.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := apiClient.GetWeight()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, r)
			}
			cmd.Printf("%s (raw %d, median of %d samples)\n", bold("%.3f", r.Weight), r.Raw, r.Samples)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the reading as JSON")

	return cmd
}

func NewHistoryCommand() *cobra.Command {
	var (
		since      time.Duration
		from, to   string
		consistent bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Print stored weights",
		GroupID: gBasic,
		Long: `Print the weights the daemon stored in a time range.

Use --since for a range ending now, or --from and --to with RFC 3339 times.
--consistent makes the query wait for readings that are still queued.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := types.RangeQuery{Consistent: consistent}
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("invalid --from: %v", err)
				}
				q.TimeStart = t
			} else {
				q.TimeStart = time.Now().Add(-since)
			}
			if to != "" {
				t, err := time.Parse(time.RFC3339, to)
				if err != nil {
					return fmt.Errorf("invalid --to: %v", err)
				}
				q.TimeEnd = t
			}

			res, err := apiClient.QueryWeights(q)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, res)
			}

			for _, w := range res.Weights {
				cmd.Printf("%s  %10.3f  (%d samples)\n", w.Time.Local().Format(time.DateTime), w.Weight, w.Samples)
			}
			logrus.Debugf("%d weights", len(res.Weights))
			return nil
		},
	}

	f := cmd.Flags()
	f.DurationVar(&since, "since", time.Hour, "Print weights stored in this duration up to now")
	f.StringVar(&from, "from", "", "Start of the range (RFC 3339), overrides --since")
	f.StringVar(&to, "to", "", "End of the range (RFC 3339), defaults to now")
	f.BoolVar(&consistent, "consistent", false, "Include readings that are still queued for writing")
	f.BoolVar(&asJSON, "json", false, "Print the weights as JSON")

	return cmd
}

func NewWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Follow readings and calibration changes",
		GroupID: gBasic,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			for ev := range apiClient.SubscribeEvents(ctx) {
				switch ev.Name {
				case events.WeightSample:
					p, err := events.DecodeAs[events.WeightSampleEvent](ev)
					if err != nil {
						logrus.WithError(err).Error("failed to decode weight.sample event")
						continue
					}
					cmd.Printf("%s  %10.3f\n", time.Unix(0, p.Ts).Format(time.TimeOnly), p.Weight)
				case events.CalibrationChanged:
					p, err := events.DecodeAs[events.CalibrationChangedEvent](ev)
					if err != nil {
						logrus.WithError(err).Error("failed to decode calibration.changed event")
						continue
					}
					cmd.Printf("%s  calibration changed: offset %d, reference unit %g, gain %d\n",
						time.Unix(0, p.Ts).Format(time.TimeOnly), p.Offset, p.ReferenceUnit, p.Gain)
				default:
					logrus.WithField("event", ev.Name).Debug("ignoring event")
				}
			}
			return nil
		},
	}
}

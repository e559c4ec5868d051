package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/tracker"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		since      string
		recent     int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show token usage recorded by the usage log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			sinceTime, err := parseSince(since)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.Usage.DBPath, 0)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			ctx := context.Background()

			if recent > 0 {
				recs, err := tr.Since(ctx, sinceTime)
				if err != nil {
					return err
				}
				if len(recs) > recent {
					recs = recs[:recent]
				}
				return printRecords(os.Stdout, recs)
			}

			sums, err := tr.Summary(ctx, sinceTime)
			if err != nil {
				return err
			}
			return printSummary(os.Stdout, sums)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD, default: start of month)")
	cmd.Flags().IntVar(&recent, "recent", 0, "list the N most recent requests instead of totals")
	return cmd
}

func parseSince(since string) (time.Time, error) {
	if since == "" {
		return beginningOfMonth(), nil
	}
	t, err := time.Parse("2006-01-02", since)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
	}
	return t, nil
}

func beginningOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func printSummary(out io.Writer, sums []models.UsageSummary) error {
	if len(sums) == 0 {
		_, err := fmt.Fprintln(out, "No usage recorded.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tREQUESTS\tINPUT\tOUTPUT\tCHARGED")
	for _, s := range sums {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t$%.4f\n", s.Model, s.RequestCount, s.InputTokens, s.OutputTokens, s.Cost)
	}
	return w.Flush()
}

func printRecords(out io.Writer, recs []models.UsageRecord) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(out, "No usage recorded.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tREQUEST\tMODEL\tINPUT\tOUTPUT\tCOST\tFLAGS")
	for _, r := range recs {
		flags := "-"
		switch {
		case r.Fallback && r.Truncated:
			flags = "fallback,truncated"
		case r.Fallback:
			flags = "fallback"
		case r.Truncated:
			flags = "truncated"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t$%.4f\t%s\n",
			r.CreatedAt.Format("2006-01-02T15:04:05"), r.RequestID, r.Model,
			r.InputTokens, r.OutputTokens, r.Cost, flags)
	}
	return w.Flush()
}

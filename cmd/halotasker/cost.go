package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/pricing"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/tracker"
)

func newCostCmd() *cobra.Command {
	var (
		configPath string
		since      string
	)

	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Re-price recorded usage against the current model table",
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

			sums, err := tr.Summary(context.Background(), sinceTime)
			if err != nil {
				return err
			}

			fmt.Print(formatCostTable(sums, pricing.NewTable(cfg.Models.Profiles)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD, default: start of month)")
	return cmd
}

// formatCostTable prints the charged cost next to what the same tokens
// cost at today's prices. Models missing from the table show "n/a".
func formatCostTable(sums []models.UsageSummary, table pricing.Table) string {
	if len(sums) == 0 {
		return "No cost data found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %8s %12s %12s %12s\n", "MODEL", "REQUESTS", "TOKENS", "CHARGED", "CURRENT")
	b.WriteString(strings.Repeat("-", 73) + "\n")

	charged := decimal.Zero
	current := decimal.Zero
	for _, s := range sums {
		c := decimal.NewFromFloat(s.Cost)
		charged = charged.Add(c)
		est := "n/a"
		if v, ok := table.Estimate(s.Model, s.InputTokens, s.OutputTokens); ok {
			current = current.Add(v)
			est = "$" + v.StringFixed(4)
		}
		fmt.Fprintf(&b, "%-25s %8d %12d %12s %12s\n",
			s.Model, s.RequestCount, s.InputTokens+s.OutputTokens, "$"+c.StringFixed(4), est)
	}
	b.WriteString(strings.Repeat("-", 73) + "\n")
	fmt.Fprintf(&b, "%-25s %8s %12s %12s %12s\n", "TOTAL", "", "", "$"+charged.StringFixed(4), "$"+current.StringFixed(4))
	return b.String()
}

package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/router"
)

func newModelsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model tiers and their prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return printModels(os.Stdout, router.New(cfg.Models))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

func printModels(out io.Writer, rt *router.Router) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tMODEL\tALIASES\tMAX OUTPUT\tINPUT $/MTOK\tOUTPUT $/MTOK\tSTATUS")
	def := rt.Default().Name
	available := make(map[string]bool)
	for _, p := range rt.Available() {
		available[p.Name] = true
	}
	for _, p := range rt.Profiles() {
		status := "disabled"
		switch {
		case p.Name == def:
			status = "default"
		case available[p.Name]:
			status = "enabled"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%.2f\t%s\n",
			p.Name, p.ModelID, strings.Join(p.Aliases, ","), p.MaxOutputTokens,
			p.InputPricePerMTok, p.OutputPricePerMTok, status)
	}
	return w.Flush()
}

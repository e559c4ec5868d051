package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/config"
)

var version = "dev"

const defaultConfigPath = "halotasker.yaml"

func main() {
	root := &cobra.Command{
		Use:           "halotasker",
		Short:         "HaloTasker chat API: a thin proxy in front of the Anthropic Messages API",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newModelsCmd(),
		newStatsCmd(),
		newCostCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads .env, then the YAML file, then overlays the process
// environment. A missing file at the default path falls back to defaults.
func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		if path != defaultConfigPath || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = config.Default()
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/config"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/pricing"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/router"
)

func TestLoadConfigMissingDefaultFile(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")

	cfg, err := loadConfig(defaultConfigPath)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.Upstream.APIKey)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halotasker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9000\"\nstrict_errors: false\n"), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.False(t, cfg.StrictErrors)
}

func TestPrintModels(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printModels(&buf, router.New(config.Default().Models)))

	out := buf.String()
	assert.Contains(t, out, "claude-sonnet-4-5")
	assert.Contains(t, out, "default")
	assert.Contains(t, out, "disabled")
}

func TestFormatCostTable(t *testing.T) {
	assert.Equal(t, "No cost data found.\n", formatCostTable(nil, nil))

	table := pricing.NewTable(config.DefaultProfiles())
	out := formatCostTable([]models.UsageSummary{
		{Model: "claude-sonnet-4-5", RequestCount: 2, InputTokens: 40000, OutputTokens: 10000, Cost: 0.27},
		{Model: "retired-model", RequestCount: 1, InputTokens: 10, OutputTokens: 10, Cost: 0.01},
	}, table)

	assert.Contains(t, out, "$0.2700")
	assert.Contains(t, out, "n/a")
	assert.Contains(t, out, "$0.2800")
}

func TestParseSince(t *testing.T) {
	got, err := parseSince("2026-01-15")
	require.NoError(t, err)
	assert.Equal(t, 15, got.Day())

	_, err = parseSince("15/01/2026")
	assert.Error(t, err)

	got, err = parseSince("")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Day())
}

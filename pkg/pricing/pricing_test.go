package pricing

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
)

var sonnet = models.ModelProfile{
	Name:               "balanced",
	ModelID:            "claude-sonnet-4-5",
	InputPricePerMTok:  3,
	OutputPricePerMTok: 15,
}

func TestCost(t *testing.T) {
	tests := []struct {
		name  string
		usage *models.UsageReport
		want  string
	}{
		{"nil usage", nil, "0"},
		{"zero usage", &models.UsageReport{}, "0"},
		{"negative input", &models.UsageReport{InputTokens: -1, OutputTokens: 10}, "0"},
		{"one million in", &models.UsageReport{InputTokens: 1_000_000}, "3"},
		{"typical", &models.UsageReport{InputTokens: 1200, OutputTokens: 350}, "0.0089"},
		{"rounds half away from zero", &models.UsageReport{InputTokens: 50}, "0.0002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cost(tt.usage, sonnet)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

// Cost always equals round4(i/1e6*pi + o/1e6*po) and is never negative.
func TestCostProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	profiles := []models.ModelProfile{
		{InputPricePerMTok: 1, OutputPricePerMTok: 5},
		sonnet,
		{InputPricePerMTok: 5, OutputPricePerMTok: 25},
		{InputPricePerMTok: 0.8, OutputPricePerMTok: 4},
	}
	million := decimal.NewFromInt(1_000_000)

	for i := 0; i < 500; i++ {
		p := profiles[rng.Intn(len(profiles))]
		in, out := rng.Intn(2_000_000), rng.Intn(200_000)

		got := Cost(&models.UsageReport{InputTokens: in, OutputTokens: out}, p)
		want := decimal.NewFromInt(int64(in)).Div(million).Mul(decimal.NewFromFloat(p.InputPricePerMTok)).
			Add(decimal.NewFromInt(int64(out)).Div(million).Mul(decimal.NewFromFloat(p.OutputPricePerMTok))).
			Round(4)

		assert.True(t, got.Equal(want), "in=%d out=%d got %s want %s", in, out, got, want)
		assert.False(t, got.IsNegative())
	}
}

func TestRound2(t *testing.T) {
	assert.Equal(t, "9.99", Round2(decimal.RequireFromString("9.9911")).String())
	assert.Equal(t, "0.01", Round2(decimal.RequireFromString("0.005")).String())
}

func TestTableEstimate(t *testing.T) {
	table := NewTable([]models.ModelProfile{sonnet})

	cost, ok := table.Estimate("claude-sonnet-4-5", 1_000_000, 1_000_000)
	assert.True(t, ok)
	assert.Equal(t, "18", cost.String())

	cost, ok = table.Estimate("unknown", 100, 100)
	assert.False(t, ok)
	assert.True(t, cost.IsZero())
}

// Package pricing turns upstream token usage into a monetary estimate.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
)

var perMillion = decimal.NewFromInt(1_000_000)

// Cost returns the estimated USD cost of a call, rounded to 4 places.
// A nil or malformed usage report costs exactly zero.
func Cost(u *models.UsageReport, p models.ModelProfile) decimal.Decimal {
	if u == nil || u.InputTokens < 0 || u.OutputTokens < 0 {
		return decimal.Zero
	}
	return Tokens(int64(u.InputTokens), int64(u.OutputTokens), p)
}

// Tokens prices raw token counts against a profile, rounded to 4 places.
func Tokens(input, output int64, p models.ModelProfile) decimal.Decimal {
	if input < 0 || output < 0 {
		return decimal.Zero
	}
	in := decimal.NewFromInt(input).Div(perMillion).Mul(price(p.InputPricePerMTok))
	out := decimal.NewFromInt(output).Div(perMillion).Mul(price(p.OutputPricePerMTok))
	return Round4(in.Add(out))
}

// Round4 rounds a per-call figure.
func Round4(d decimal.Decimal) decimal.Decimal {
	return d.Round(4)
}

// Round2 rounds a cumulative or session figure.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func price(v float64) decimal.Decimal {
	if v <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

// Table indexes profiles by model id for pricing historical usage.
type Table map[string]models.ModelProfile

// NewTable builds a Table from profiles.
func NewTable(profiles []models.ModelProfile) Table {
	t := make(Table, len(profiles))
	for _, p := range profiles {
		t[p.ModelID] = p
	}
	return t
}

// Estimate prices usage for a model id. Unknown models cost zero and ok
// is false.
func (t Table) Estimate(modelID string, input, output int64) (cost decimal.Decimal, ok bool) {
	p, ok := t[modelID]
	if !ok {
		return decimal.Zero, false
	}
	return Tokens(input, output, p), true
}

package models

import "strings"

// ModelProfile describes one upstream model tier and its price.
type ModelProfile struct {
	// Name is the tier alias, e.g. "quick", "balanced" or "deep".
	Name string `json:"name" yaml:"name"`
	// Aliases are additional friendly names such as "sonnet".
	Aliases         []string `json:"aliases,omitempty" yaml:"aliases"`
	ModelID         string   `json:"model_id" yaml:"model_id"`
	MaxOutputTokens int      `json:"max_output_tokens" yaml:"max_output_tokens"`
	// Prices are USD per million tokens.
	InputPricePerMTok  float64 `json:"input_price_per_mtok" yaml:"input_price_per_mtok"`
	OutputPricePerMTok float64 `json:"output_price_per_mtok" yaml:"output_price_per_mtok"`
	// Gated tiers are only served while the deep mode flag is on.
	Gated bool `json:"gated,omitempty" yaml:"gated"`
	// ExtraParams are merged into the upstream request body as-is.
	ExtraParams map[string]any `json:"extra_params,omitempty" yaml:"extra_params"`
}

// Matches reports whether key names this profile by tier, alias or model id.
// Comparison is case-insensitive.
func (p ModelProfile) Matches(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	if strings.EqualFold(p.Name, key) || strings.EqualFold(p.ModelID, key) {
		return true
	}
	for _, a := range p.Aliases {
		if strings.EqualFold(a, key) {
			return true
		}
	}
	return false
}

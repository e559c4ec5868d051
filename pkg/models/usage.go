package models

import "time"

// UsageReport is the token usage returned by the upstream.
type UsageReport struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UsageRecord tracks per-request token usage and estimated cost.
type UsageRecord struct {
	ID             int64     `json:"id"`
	RequestID      string    `json:"request_id"`
	RequestedModel string    `json:"requested_model"`
	Model          string    `json:"model"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	Cost           float64   `json:"cost"`
	Truncated      bool      `json:"truncated"`
	Fallback       bool      `json:"fallback"`
	CreatedAt      time.Time `json:"created_at"`
}

// UsageSummary aggregates usage per model.
type UsageSummary struct {
	Model        string  `json:"model"`
	RequestCount int     `json:"request_count"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

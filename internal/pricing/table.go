// Package pricing turns token counts into USD, SOL, platform tokens and
// credits, backed by a tiered exchange rate cache.
package pricing

import (
	"fmt"
	"strings"

	"github.com/zorgspace/slashbot-web/internal/models"
)

// DefaultModel is used when a caller names no model or an unknown one.
const DefaultModel = "grok-4-1-fast-reasoning"

// cachedPriceRatio applies when an entry has no cached-input price.
const cachedPriceRatio = 0.25

var modelPrices = []models.ModelPrice{
	{
		Model:                      "grok-4-1-fast-reasoning",
		InputPricePerMillion:       0.20,
		OutputPricePerMillion:      0.50,
		CachedInputPricePerMillion: 0.05,
		SupportsReasoningTokens:    true,
	},
	{
		Model:                      "grok-4-1-fast-non-reasoning",
		InputPricePerMillion:       0.20,
		OutputPricePerMillion:      0.50,
		CachedInputPricePerMillion: 0.05,
	},
	{
		Model:                      "grok-code-fast-1",
		InputPricePerMillion:       0.20,
		OutputPricePerMillion:      1.50,
		CachedInputPricePerMillion: 0.05,
	},
}

var defaultPrice = models.ModelPrice{
	Model:                      "default",
	InputPricePerMillion:       1.00,
	OutputPricePerMillion:      3.00,
	CachedInputPricePerMillion: 0.25,
}

// LookupPrice finds the price entry for model: an exact match, then a
// case-insensitive substring match in either direction, then the default.
// Non-exact matches are returned under the requested name.
func LookupPrice(model string) models.ModelPrice {
	for _, p := range modelPrices {
		if p.Model == model {
			return p
		}
	}
	lower := strings.ToLower(model)
	if lower != "" {
		for _, p := range modelPrices {
			name := strings.ToLower(p.Model)
			if strings.Contains(lower, name) || strings.Contains(name, lower) {
				p.Model = model
				return p
			}
		}
	}
	p := defaultPrice
	p.Model = model
	return p
}

// Models lists the priced model names in table order.
func Models() []string {
	out := make([]string, len(modelPrices))
	for i, p := range modelPrices {
		out[i] = p.Model
	}
	return out
}

// IsReasoningModel reports whether model produces reasoning tokens and is
// therefore expected to answer at length.
func IsReasoningModel(model string) bool {
	return strings.Contains(model, "reasoning") || strings.Contains(model, "grok-3")
}

func cachedPrice(p models.ModelPrice) float64 {
	if p.CachedInputPricePerMillion > 0 {
		return p.CachedInputPricePerMillion
	}
	return p.InputPricePerMillion * cachedPriceRatio
}

// TableRow is a display row of the pricing table.
type TableRow struct {
	Model             string `json:"model"`
	InputPrice        string `json:"inputPrice"`
	OutputPrice       string `json:"outputPrice"`
	CachedPrice       string `json:"cachedPrice"`
	SupportsReasoning bool   `json:"supportsReasoning"`
}

// Table renders the static price table for status endpoints.
func Table() []TableRow {
	rows := make([]TableRow, 0, len(modelPrices))
	for _, p := range modelPrices {
		rows = append(rows, TableRow{
			Model:             p.Model,
			InputPrice:        fmt.Sprintf("$%.2f/M", p.InputPricePerMillion),
			OutputPrice:       fmt.Sprintf("$%.2f/M", p.OutputPricePerMillion),
			CachedPrice:       fmt.Sprintf("$%.2f/M", cachedPrice(p)),
			SupportsReasoning: p.SupportsReasoningTokens,
		})
	}
	return rows
}

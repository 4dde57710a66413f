package models

// ExchangeRates is the single cached snapshot used for pricing.
type ExchangeRates struct {
	SolUSD    float64 `json:"solUsd"`
	TokenSOL  float64 `json:"tokenSol"`
	UpdatedAt int64   `json:"updatedAt"`
}

// TokenUSD is the fiat price of one platform token.
func (r ExchangeRates) TokenUSD() float64 {
	return r.TokenSOL * r.SolUSD
}

// ModelPrice is a static per-model price entry, USD per million tokens.
type ModelPrice struct {
	Model                      string  `json:"model"`
	InputPricePerMillion       float64 `json:"inputPricePerMillion"`
	OutputPricePerMillion      float64 `json:"outputPricePerMillion"`
	CachedInputPricePerMillion float64 `json:"cachedInputPricePerMillion,omitempty"`
	SupportsReasoningTokens    bool    `json:"supportsReasoningTokens,omitempty"`
}

package pricing

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zorgspace/slashbot-web/internal/models"
)

const (
	// CreditsPerUSDFallback applies when the token price is unusable.
	CreditsPerUSDFallback = 1000

	minCreditsPerUSD = 1
	maxCreditsPerUSD = 10_000_000

	minOutputEstimate       = 100
	reasoningOutputCap      = 4096
	standardOutputCap       = 2048
	reasoningOutputRatio    = 2
	standardOutputRatio     = 1
	formattedUSDMinimumFull = 0.0001
)

// DefaultRates are used when no quote has ever been obtained.
var DefaultRates = models.ExchangeRates{SolUSD: 150, TokenSOL: 0.000001}

var million = decimal.NewFromInt(1_000_000)

// CostOptions carries the optional inputs of a cost calculation. A nil
// Rates means the engine's current rates.
type CostOptions struct {
	CachedTokens    int
	ReasoningTokens int
	Rates           *models.ExchangeRates
}

type CostBreakdown struct {
	InputCostUSD       float64 `json:"inputCostUsd"`
	OutputCostUSD      float64 `json:"outputCostUsd"`
	CachedInputCostUSD float64 `json:"cachedInputCostUsd"`
	TotalCostUSD       float64 `json:"totalCostUsd"`
}

type TokenDetails struct {
	InputTokens         int `json:"inputTokens"`
	OutputTokens        int `json:"outputTokens"`
	CachedTokens        int `json:"cachedTokens"`
	ReasoningTokens     int `json:"reasoningTokens"`
	TotalBillableTokens int `json:"totalBillableTokens"`
}

type PriceUsed struct {
	InputPricePerMillion  float64 `json:"inputPricePerMillion"`
	OutputPricePerMillion float64 `json:"outputPricePerMillion"`
	CachedPricePerMillion float64 `json:"cachedPricePerMillion"`
}

// Cost is the priced outcome of one completion.
type Cost struct {
	USD          float64       `json:"usd"`
	SOL          float64       `json:"sol"`
	Token        float64       `json:"token"`
	Credits      int64         `json:"credits"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"inputTokens"`
	OutputTokens int           `json:"outputTokens"`
	Breakdown    CostBreakdown `json:"breakdown"`
	TokenDetails TokenDetails  `json:"tokenDetails"`
	Pricing      PriceUsed     `json:"pricing"`
}

// Estimate is the pre-flight cost used for balance checks.
type Estimate struct {
	Credits               int64   `json:"credits"`
	USD                   float64 `json:"usd"`
	EstimatedOutputTokens int     `json:"estimatedOutputTokens"`
	Model                 string  `json:"model"`
}

func usable(f float64) bool {
	return f > 0 && !math.IsInf(f, 0) && !math.IsNaN(f)
}

// CreditsPerUSD is the number of credits one USD buys at rates, one credit
// being one platform token. The result is clamped to [1, 1e7].
func CreditsPerUSD(rates models.ExchangeRates) float64 {
	price := rates.TokenUSD()
	if !usable(price) {
		return CreditsPerUSDFallback
	}
	return math.Max(minCreditsPerUSD, math.Min(maxCreditsPerUSD, 1/price))
}

// creditsFor converts USD to credits. Inside the clamp bounds it divides by
// the token price in decimal so exact prices give exact credit counts.
func creditsFor(usd decimal.Decimal, rates models.ExchangeRates) decimal.Decimal {
	price := rates.TokenUSD()
	if !usable(price) {
		return usd.Mul(decimal.NewFromInt(CreditsPerUSDFallback))
	}
	if cpu := 1 / price; cpu <= minCreditsPerUSD || cpu >= maxCreditsPerUSD {
		return usd.Mul(decimal.NewFromFloat(CreditsPerUSD(rates)))
	}
	return usd.Div(decimal.NewFromFloat(rates.TokenSOL).Mul(decimal.NewFromFloat(rates.SolUSD)))
}

// CreditsPerSOL is the number of credits one SOL deposit buys.
func CreditsPerSOL(rates models.ExchangeRates) float64 {
	if usable(rates.TokenSOL) {
		return 1 / rates.TokenSOL
	}
	return 1 / DefaultRates.TokenSOL
}

// ComputeCost prices a completion at fixed rates. Negative counts are
// treated as zero and cached tokens never exceed input tokens.
func ComputeCost(model string, inputTokens, outputTokens, cachedTokens, reasoningTokens int, rates models.ExchangeRates) Cost {
	inputTokens = max(inputTokens, 0)
	outputTokens = max(outputTokens, 0)
	cachedTokens = min(max(cachedTokens, 0), inputTokens)
	reasoningTokens = max(reasoningTokens, 0)

	price := LookupPrice(model)
	cached := cachedPrice(price)

	perMillion := func(tokens int, p float64) decimal.Decimal {
		return decimal.NewFromInt(int64(tokens)).Mul(decimal.NewFromFloat(p)).Div(million)
	}
	inputCost := perMillion(inputTokens-cachedTokens, price.InputPricePerMillion)
	cachedCost := perMillion(cachedTokens, cached)
	outputCost := perMillion(outputTokens, price.OutputPricePerMillion)
	total := inputCost.Add(cachedCost).Add(outputCost)

	sol, token := decimal.Zero, decimal.Zero
	if usable(rates.SolUSD) {
		sol = total.Div(decimal.NewFromFloat(rates.SolUSD))
		if usable(rates.TokenSOL) {
			token = sol.Div(decimal.NewFromFloat(rates.TokenSOL))
		}
	}
	credits := creditsFor(total, rates).Ceil().IntPart()

	usd := total.Round(6).InexactFloat64()
	return Cost{
		USD:          usd,
		SOL:          sol.Round(9).InexactFloat64(),
		Token:        token.Round(2).InexactFloat64(),
		Credits:      credits,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Breakdown: CostBreakdown{
			InputCostUSD:       inputCost.Round(6).InexactFloat64(),
			OutputCostUSD:      outputCost.Round(6).InexactFloat64(),
			CachedInputCostUSD: cachedCost.Round(6).InexactFloat64(),
			TotalCostUSD:       usd,
		},
		TokenDetails: TokenDetails{
			InputTokens:         inputTokens,
			OutputTokens:        outputTokens,
			CachedTokens:        cachedTokens,
			ReasoningTokens:     reasoningTokens,
			TotalBillableTokens: inputTokens + outputTokens,
		},
		Pricing: PriceUsed{
			InputPricePerMillion:  price.InputPricePerMillion,
			OutputPricePerMillion: price.OutputPricePerMillion,
			CachedPricePerMillion: cached,
		},
	}
}

// EstimateOutputTokens guesses the answer length before the call.
// maxTokens > 0 replaces the per-model cap; the result is at least 100.
func EstimateOutputTokens(inputTokens int, model string, maxTokens int) int {
	ratio, limit := standardOutputRatio, standardOutputCap
	if IsReasoningModel(model) {
		ratio, limit = reasoningOutputRatio, reasoningOutputCap
	}
	if maxTokens > 0 {
		limit = maxTokens
	}
	est := min(max(inputTokens, 0)*ratio, limit)
	return max(est, minOutputEstimate)
}

// ComputeEstimate prices the estimated output at fixed rates.
func ComputeEstimate(model string, inputTokens, maxTokens int, rates models.ExchangeRates) Estimate {
	out := EstimateOutputTokens(inputTokens, model, maxTokens)
	c := ComputeCost(model, inputTokens, out, 0, 0, rates)
	return Estimate{
		Credits:               c.Credits,
		USD:                   c.USD,
		EstimatedOutputTokens: out,
		Model:                 model,
	}
}

// FormatCost renders a cost as "N credits / $0.0012".
func FormatCost(c Cost) string {
	var parts []string
	if c.Credits >= 1 {
		parts = append(parts, fmt.Sprintf("%d credits", c.Credits))
	}
	switch {
	case c.USD >= formattedUSDMinimumFull:
		parts = append(parts, fmt.Sprintf("$%.4f", c.USD))
	case c.USD > 0:
		parts = append(parts, "$"+strconv.FormatFloat(c.USD, 'e', 2, 64))
	}
	if len(parts) == 0 {
		return "$0.00"
	}
	return strings.Join(parts, " / ")
}

// RateSource supplies the exchange rates used for pricing.
type RateSource interface {
	Get(ctx context.Context) models.ExchangeRates
}

// Engine prices completions at the current rates.
type Engine struct {
	rates RateSource
}

func NewEngine(rates RateSource) *Engine {
	return &Engine{rates: rates}
}

// CalculateCost prices a completion, using opts.Rates when given.
func (e *Engine) CalculateCost(ctx context.Context, model string, inputTokens, outputTokens int, opts CostOptions) Cost {
	rates := e.ratesFor(ctx, opts.Rates)
	return ComputeCost(model, inputTokens, outputTokens, opts.CachedTokens, opts.ReasoningTokens, rates)
}

// EstimateCost prices the expected output of a prompt.
func (e *Engine) EstimateCost(ctx context.Context, model string, inputTokens, maxTokens int) Estimate {
	return ComputeEstimate(model, inputTokens, maxTokens, e.ratesFor(ctx, nil))
}

// Rates returns the current exchange rates.
func (e *Engine) Rates(ctx context.Context) models.ExchangeRates {
	return e.ratesFor(ctx, nil)
}

func (e *Engine) ratesFor(ctx context.Context, override *models.ExchangeRates) models.ExchangeRates {
	if override != nil {
		return *override
	}
	if e.rates == nil {
		return DefaultRates
	}
	return e.rates.Get(ctx)
}

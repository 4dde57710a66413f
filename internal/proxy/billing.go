package proxy

import (
	"context"
	"errors"

	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/models"
	"github.com/zorgspace/slashbot-web/internal/monitoring"
	"github.com/zorgspace/slashbot-web/internal/pricing"
	"github.com/zorgspace/slashbot-web/internal/tokens"
	"github.com/zorgspace/slashbot-web/internal/usage"
)

var errDebitRejected = errors.New("debit rejected: balance no longer covers the cost")

// Billing is attached to every answer the proxy relays.
type Billing struct {
	Tokens           models.TokenUsage     `json:"tokens"`
	InputBreakdown   models.InputBreakdown `json:"inputBreakdown"`
	Cost             BillingCost           `json:"cost"`
	CostBreakdown    pricing.CostBreakdown `json:"costBreakdown"`
	Pricing          pricing.PriceUsed     `json:"pricing"`
	Estimation       BillingEstimation     `json:"estimation"`
	Model            string                `json:"model"`
	ProcessingTimeMs int64                 `json:"processingTimeMs"`
}

type BillingCost struct {
	Credits   int64   `json:"credits"`
	USD       float64 `json:"usd"`
	Formatted string  `json:"formatted"`
}

type BillingEstimation struct {
	EstimatedInput  int     `json:"estimatedInput"`
	ActualInput     int     `json:"actualInput"`
	EstimatedOutput int     `json:"estimatedOutput"`
	ActualOutput    int     `json:"actualOutput"`
	InputAccuracy   float64 `json:"inputAccuracy"`
	OutputAccuracy  float64 `json:"outputAccuracy"`
}

func debitReason(call *Call) string {
	if call.Stream {
		return "grok-" + call.Model + "-stream"
	}
	return "grok-" + call.Model
}

// settle prices the actual usage, debits the wallet and records the call.
// The answer has already been delivered, so failures are logged as billing
// anomalies and never surface to the caller.
func (s *Service) settle(ctx context.Context, call *Call, u tokens.Usage, errorCode string) *Billing {
	ctx = context.WithoutCancel(ctx)
	elapsed := s.now().Sub(call.Started)

	cost := s.pricing.CalculateCost(ctx, call.Model, u.PromptTokens, u.CompletionTokens, pricing.CostOptions{
		CachedTokens:    u.CachedTokens,
		ReasoningTokens: u.ReasoningTokens,
	})

	res, err := s.ledger.Debit(ctx, call.Wallet, cost.Credits, debitReason(call))
	if err == nil && !res.Success {
		err = errDebitRejected
	}
	if err != nil {
		logging.LogBillingAnomaly(err, call.RequestID, call.Wallet, "debit", cost.Credits)
		monitoring.RecordBillingAnomaly("debit")
	} else {
		monitoring.RecordCreditsDebited(call.Model, cost.Credits)
	}

	monitoring.RecordTokensBilled(call.Model, "input", u.PromptTokens)
	monitoring.RecordTokensBilled(call.Model, "output", u.CompletionTokens)
	monitoring.RecordTokensBilled(call.Model, "cached", cost.TokenDetails.CachedTokens)
	monitoring.RecordTokensBilled(call.Model, "reasoning", u.ReasoningTokens)

	tokenUsage := models.TokenUsage{
		Input:     u.PromptTokens,
		Output:    u.CompletionTokens,
		Total:     u.PromptTokens + u.CompletionTokens,
		Cached:    cost.TokenDetails.CachedTokens,
		Reasoning: u.ReasoningTokens,
	}
	breakdown := models.InputBreakdown{
		Text:     call.Input.Text,
		Images:   call.Input.Images,
		Overhead: call.Input.Overhead,
	}

	_, err = s.accountant.Record(ctx, usage.Entry{
		WalletAddress:  call.Wallet,
		Model:          call.Model,
		Endpoint:       call.Endpoint,
		Streaming:      call.Stream,
		Tokens:         tokenUsage,
		InputBreakdown: breakdown,
		Cost: models.UsageCost{
			USD:        cost.USD,
			Credits:    cost.Credits,
			InputCost:  cost.Breakdown.InputCostUSD,
			OutputCost: cost.Breakdown.OutputCostUSD,
			CachedCost: cost.Breakdown.CachedInputCostUSD,
		},
		Estimate: &usage.Estimate{
			Input:  call.Input.Total,
			Output: call.Estimate.EstimatedOutputTokens,
		},
		ProcessingTime: elapsed,
		Success:        errorCode == "",
		ErrorCode:      errorCode,
	})
	if err != nil {
		logging.LogBillingAnomaly(err, call.RequestID, call.Wallet, "usage_record", cost.Credits)
		monitoring.RecordBillingAnomaly("usage_record")
	}

	status := "success"
	if errorCode != "" {
		status = "error"
	}
	logging.LogAPICall(&logging.APICallLogEntry{
		RequestID:       call.RequestID,
		WalletAddress:   call.Wallet,
		Model:           call.Model,
		Streaming:       call.Stream,
		InputTokens:     u.PromptTokens,
		OutputTokens:    u.CompletionTokens,
		CachedTokens:    tokenUsage.Cached,
		ReasoningTokens: u.ReasoningTokens,
		CreditsCharged:  cost.Credits,
		CostUSD:         cost.USD,
		Latency:         elapsed,
		Status:          status,
		ErrorCode:       errorCode,
		Credential:      logging.MaskKey(call.credential),
	})
	monitoring.RecordCompletion(call.Model, call.Stream, status)
	monitoring.RecordUpstreamLatency(call.Model, call.Stream, elapsed)

	return &Billing{
		Tokens:         tokenUsage,
		InputBreakdown: breakdown,
		Cost: BillingCost{
			Credits:   cost.Credits,
			USD:       cost.USD,
			Formatted: pricing.FormatCost(cost),
		},
		CostBreakdown: cost.Breakdown,
		Pricing:       cost.Pricing,
		Estimation: BillingEstimation{
			EstimatedInput:  call.Input.Total,
			ActualInput:     u.PromptTokens,
			EstimatedOutput: call.Estimate.EstimatedOutputTokens,
			ActualOutput:    u.CompletionTokens,
			InputAccuracy:   tokens.Accuracy(call.Input.Total, u.PromptTokens),
			OutputAccuracy:  tokens.Accuracy(call.Estimate.EstimatedOutputTokens, u.CompletionTokens),
		},
		Model:            call.Model,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
}

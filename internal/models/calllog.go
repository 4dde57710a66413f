package models

// TokenUsage is the token breakdown of one completed call.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Total     int `json:"total"`
	Cached    int `json:"cached"`
	Reasoning int `json:"reasoning"`
}

// InputBreakdown splits counted input tokens by origin.
type InputBreakdown struct {
	Text     int `json:"text"`
	Images   int `json:"images"`
	Overhead int `json:"overhead"`
}

// UsageCost is the billed cost of one call.
type UsageCost struct {
	USD        float64 `json:"usd"`
	Credits    int64   `json:"credits"`
	InputCost  float64 `json:"inputCost"`
	OutputCost float64 `json:"outputCost"`
	CachedCost float64 `json:"cachedCost"`
}

// Estimation compares the pre-flight estimate with what the upstream reported.
type Estimation struct {
	EstimatedInput  int     `json:"estimatedInput"`
	EstimatedOutput int     `json:"estimatedOutput"`
	InputAccuracy   float64 `json:"inputAccuracy"`
	OutputAccuracy  float64 `json:"outputAccuracy"`
}

// UsageRecord is the immutable record of one completed call.
type UsageRecord struct {
	ID               string         `json:"id" db:"id"`
	WalletAddress    string         `json:"walletAddress" db:"wallet_address"`
	Timestamp        int64          `json:"timestamp" db:"timestamp_ms"`
	Model            string         `json:"model" db:"model"`
	Endpoint         string         `json:"endpoint" db:"endpoint"`
	Streaming        bool           `json:"streaming" db:"streaming"`
	Tokens           TokenUsage     `json:"tokens"`
	InputBreakdown   InputBreakdown `json:"inputBreakdown"`
	Cost             UsageCost      `json:"cost"`
	Estimation       *Estimation    `json:"estimation,omitempty"`
	ProcessingTimeMs int64          `json:"processingTimeMs" db:"processing_time_ms"`
	Success          bool           `json:"success" db:"success"`
	ErrorCode        string         `json:"errorCode,omitempty" db:"error_code"`
}

// ModelStats is the per-model slice of a daily aggregate.
type ModelStats struct {
	Requests     int     `json:"requests"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
	Credits      int64   `json:"credits"`
}

// DailyStats accumulates one wallet's usage for one UTC day.
type DailyStats struct {
	Date                  string                `json:"date"`
	WalletAddress         string                `json:"walletAddress"`
	TotalRequests         int                   `json:"totalRequests"`
	SuccessfulRequests    int                   `json:"successfulRequests"`
	FailedRequests        int                   `json:"failedRequests"`
	TotalInputTokens      int                   `json:"totalInputTokens"`
	TotalOutputTokens     int                   `json:"totalOutputTokens"`
	TotalTokens           int                   `json:"totalTokens"`
	TotalCachedTokens     int                   `json:"totalCachedTokens"`
	TotalReasoningTokens  int                   `json:"totalReasoningTokens"`
	TotalCostUSD          float64               `json:"totalCostUsd"`
	TotalCreditsSpent     int64                 `json:"totalCreditsSpent"`
	TotalProcessingTimeMs int64                 `json:"totalProcessingTimeMs"`
	ByModel               map[string]ModelStats `json:"byModel"`
	EstimationSamples     int                   `json:"estimationSamples"`
	TotalInputAccuracy    float64               `json:"totalInputAccuracy"`
	TotalOutputAccuracy   float64               `json:"totalOutputAccuracy"`
}

// UsageStats is the derived aggregate over a period.
type UsageStats struct {
	Period               string                `json:"period"`
	StartDate            string                `json:"startDate"`
	EndDate              string                `json:"endDate"`
	TotalRequests        int                   `json:"totalRequests"`
	SuccessfulRequests   int                   `json:"successfulRequests"`
	FailedRequests       int                   `json:"failedRequests"`
	TotalInputTokens     int                   `json:"totalInputTokens"`
	TotalOutputTokens    int                   `json:"totalOutputTokens"`
	TotalTokens          int                   `json:"totalTokens"`
	TotalCachedTokens    int                   `json:"totalCachedTokens"`
	TotalReasoningTokens int                   `json:"totalReasoningTokens"`
	TotalCostUSD         float64               `json:"totalCostUsd"`
	TotalCreditsSpent    int64                 `json:"totalCreditsSpent"`
	AvgInputTokens       int                   `json:"avgInputTokens"`
	AvgOutputTokens      int                   `json:"avgOutputTokens"`
	AvgCostCredits       float64               `json:"avgCostCredits"`
	AvgProcessingTimeMs  int64                 `json:"avgProcessingTimeMs"`
	AvgInputAccuracy     float64               `json:"avgInputAccuracy"`
	AvgOutputAccuracy    float64               `json:"avgOutputAccuracy"`
	ByModel              map[string]ModelStats `json:"byModel"`
	Daily                []DailyStats          `json:"dailyBreakdown"`
}

// PeriodSummary is one line of the usage summary.
type PeriodSummary struct {
	Requests int   `json:"requests"`
	Tokens   int   `json:"tokens"`
	Credits  int64 `json:"credits"`
}

// UsageSummary covers today, the last 7 days and the last 30 days.
type UsageSummary struct {
	Today     PeriodSummary `json:"today"`
	ThisWeek  PeriodSummary `json:"thisWeek"`
	ThisMonth PeriodSummary `json:"thisMonth"`
}

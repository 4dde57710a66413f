package logging

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zorgspace/slashbot-web/internal/config"
)

// Setup initializes the global logger based on configuration
func Setup(cfg *config.LoggingConfig, env string) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "slashbot-web").
		Logger()
}

// NewLogger creates a new logger with additional context
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger is a Gin middleware for structured request logging
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID := c.GetString("request_id")

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		} else if c.Writer.Status() >= 400 {
			event = log.Warn()
		}

		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Str("wallet", MaskWallet(c.GetString("wallet_address"))).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// APICallLogEntry represents a structured log entry for metered completions
type APICallLogEntry struct {
	RequestID       string
	WalletAddress   string
	Model           string
	Streaming       bool
	InputTokens     int
	OutputTokens    int
	CachedTokens    int
	ReasoningTokens int
	CreditsCharged  int64
	CostUSD         float64
	Latency         time.Duration
	Status          string
	ErrorCode       string
	Credential      string
}

// LogAPICall logs an API call with structured data
func LogAPICall(entry *APICallLogEntry) {
	event := log.Info()
	if entry.Status == "error" {
		event = log.Error()
	}

	event.
		Str("request_id", entry.RequestID).
		Str("wallet", MaskWallet(entry.WalletAddress)).
		Str("model", entry.Model).
		Bool("streaming", entry.Streaming).
		Int("input_tokens", entry.InputTokens).
		Int("output_tokens", entry.OutputTokens).
		Int("cached_tokens", entry.CachedTokens).
		Int("reasoning_tokens", entry.ReasoningTokens).
		Int64("credits", entry.CreditsCharged).
		Float64("cost_usd", entry.CostUSD).
		Dur("latency", entry.Latency).
		Str("status", entry.Status).
		Str("error_code", entry.ErrorCode).
		Str("credential", entry.Credential).
		Msg("API call")
}

// LogDeposit logs a deposit claim outcome
func LogDeposit(signature, wallet, tokenType, outcome string, amount float64, credits int64) {
	log.Info().
		Str("signature", signature).
		Str("wallet", MaskWallet(wallet)).
		Str("token_type", tokenType).
		Str("outcome", outcome).
		Float64("amount", amount).
		Int64("credits", credits).
		Msg("Deposit event")
}

// LogBillingAnomaly records a ledger or accounting failure that happened
// after the upstream answer was already delivered.
func LogBillingAnomaly(err error, requestID, wallet, operation string, credits int64) {
	log.Error().
		Err(err).
		Str("request_id", requestID).
		Str("wallet", MaskWallet(wallet)).
		Str("operation", operation).
		Int64("credits", credits).
		Msg("Billing anomaly")
}

// LogSecurityEvent logs security-related events
func LogSecurityEvent(eventType, wallet, clientIP, details string) {
	log.Warn().
		Str("event_type", eventType).
		Str("wallet", MaskWallet(wallet)).
		Str("client_ip", clientIP).
		Str("details", details).
		Msg("Security event")
}

// LogError logs an error with context
func LogError(err error, requestID, component, operation string) {
	log.Error().
		Err(err).
		Str("request_id", requestID).
		Str("component", component).
		Str("operation", operation).
		Msg("Error occurred")
}

// MaskKey keeps the first 8 characters of a secret.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "..."
}

// MaskWallet shortens a wallet address to its first and last 4 characters.
func MaskWallet(wallet string) string {
	if len(wallet) <= 8 {
		return wallet
	}
	return wallet[:4] + ".." + wallet[len(wallet)-4:]
}

// SanitizeForLog truncates untrusted payloads before logging
func SanitizeForLog(data string, maxLen int) string {
	if len(data) > maxLen {
		return data[:maxLen] + "...[truncated]"
	}
	return data
}

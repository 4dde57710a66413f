// Package payment verifies on-chain deposits to the treasury and converts
// them into credits exactly once per transaction.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/zorgspace/slashbot-web/internal/audit"
	"github.com/zorgspace/slashbot-web/internal/auth"
	"github.com/zorgspace/slashbot-web/internal/config"
	"github.com/zorgspace/slashbot-web/internal/credits"
	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/models"
	"github.com/zorgspace/slashbot-web/internal/monitoring"
	"github.com/zorgspace/slashbot-web/internal/pricing"
	"github.com/zorgspace/slashbot-web/internal/solana"
)

// Service errors
var (
	ErrInvalidWallet        = errors.New("invalid wallet address")
	ErrInvalidTokenType     = errors.New("token_type must be SOL or SLASHBOT")
	ErrAlreadyClaimed       = credits.ErrAlreadyClaimed
	ErrTransactionNotFound  = solana.ErrTransactionNotFound
	ErrInvalidSignature     = solana.ErrInvalidSignature
	ErrTransactionFailed    = errors.New("transaction failed on chain")
	ErrWalletNotSigner      = errors.New("claiming wallet did not sign the transaction")
	ErrNoQualifyingTransfer = errors.New("no valid transfer to treasury found in transaction")
)

// ChainReader fetches confirmed transactions.
type ChainReader interface {
	GetTransaction(ctx context.Context, signature string) (*solana.Transaction, error)
}

// ClaimRequest asks to convert one deposit transaction into credits.
type ClaimRequest struct {
	WalletAddress string           `json:"wallet_address"`
	Signature     string           `json:"transaction_signature"`
	TokenType     models.TokenType `json:"token_type,omitempty"`
}

// ClaimResult is returned for a successful claim.
type ClaimResult struct {
	Success              bool             `json:"success"`
	CreditsAwarded       int64            `json:"creditsAwarded"`
	NewBalance           int64            `json:"newBalance"`
	WalletAddress        string           `json:"walletAddress"`
	TransactionSignature string           `json:"transactionSignature"`
	TokenType            models.TokenType `json:"tokenType"`
	AmountDeposited      float64          `json:"amountDeposited"`
}

// Service processes deposit claims.
type Service struct {
	ledger          *credits.Ledger
	chain           ChainReader
	rates           pricing.RateSource
	audit           audit.Sink
	treasury        string
	mint            string
	creditsPerToken decimal.Decimal
	logger          zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithAuditSink mirrors finalized deposits to sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Service) { s.audit = sink }
}

// NewService creates a deposit service paying into cfg.TreasuryAddress.
func NewService(ledger *credits.Ledger, chain ChainReader, rates pricing.RateSource, cfg *config.SolanaConfig, creditsPerToken float64, opts ...Option) *Service {
	if creditsPerToken <= 0 {
		creditsPerToken = 1
	}
	s := &Service{
		ledger:          ledger,
		chain:           chain,
		rates:           rates,
		audit:           audit.Nop{},
		treasury:        cfg.TreasuryAddress,
		mint:            cfg.TokenMint,
		creditsPerToken: decimal.NewFromFloat(creditsPerToken),
		logger:          logging.NewLogger("payment"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClaimDeposit verifies req's transaction and credits the wallet. The
// signature is held for the duration of the claim; every failure after the
// hold releases it so the claim can be retried.
func (s *Service) ClaimDeposit(ctx context.Context, req ClaimRequest) (result *ClaimResult, err error) {
	if !auth.IsValidWalletAddress(req.WalletAddress) {
		return nil, ErrInvalidWallet
	}
	if req.TokenType != "" && !req.TokenType.Valid() {
		return nil, ErrInvalidTokenType
	}
	if err := solana.ValidateSignature(req.Signature); err != nil {
		return nil, err
	}

	defer func() {
		s.record(req, result, err)
	}()

	claim, err := s.ledger.Claim(ctx, req.Signature)
	if err != nil {
		return nil, err
	}

	finalized := false
	defer func() {
		if finalized {
			return
		}
		if relErr := s.ledger.Release(context.WithoutCancel(ctx), claim); relErr != nil {
			s.logger.Error().Err(relErr).Str("signature", req.Signature).Msg("Failed to release deposit claim")
		}
	}()

	tx, err := s.chain.GetTransaction(ctx, req.Signature)
	if err != nil {
		if errors.Is(err, solana.ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("fetch transaction: %w", err)
	}
	if tx.Failed {
		return nil, ErrTransactionFailed
	}
	if !tx.IsSigner(req.WalletAddress) {
		return nil, ErrWalletNotSigner
	}

	tokenType, amount, ok := s.detectTransfer(tx, req.TokenType)
	if !ok {
		return nil, ErrNoQualifyingTransfer
	}
	awarded := s.creditsFor(ctx, tokenType, amount)

	deposit := models.Deposit{
		WalletAddress:  req.WalletAddress,
		Amount:         amount.InexactFloat64(),
		TokenType:      tokenType,
		CreditsAwarded: awarded,
	}
	newBalance, err := s.ledger.Finalize(ctx, claim, deposit)
	if err != nil {
		return nil, err
	}
	finalized = true

	deposit.Signature = req.Signature
	if stored, gerr := s.ledger.GetDeposit(ctx, req.Signature); gerr == nil {
		deposit = *stored
	}
	s.audit.RecordDeposit(ctx, deposit)

	return &ClaimResult{
		Success:              true,
		CreditsAwarded:       awarded,
		NewBalance:           newBalance,
		WalletAddress:        req.WalletAddress,
		TransactionSignature: req.Signature,
		TokenType:            tokenType,
		AmountDeposited:      deposit.Amount,
	}, nil
}

// detectTransfer finds what the treasury received. A token transfer takes
// precedence over SOL; a declared type restricts detection to that asset.
func (s *Service) detectTransfer(tx *solana.Transaction, declared models.TokenType) (models.TokenType, decimal.Decimal, bool) {
	if declared == "" || declared == models.TokenTypeSlashbot {
		if received := tx.TokenDelta(s.treasury, s.mint); received.IsPositive() {
			return models.TokenTypeSlashbot, received, true
		}
	}
	if declared == "" || declared == models.TokenTypeSOL {
		if lamports := tx.LamportDelta(s.treasury); lamports > 0 {
			return models.TokenTypeSOL, decimal.NewFromInt(lamports).Shift(-9), true
		}
	}
	return "", decimal.Zero, false
}

func (s *Service) creditsFor(ctx context.Context, tokenType models.TokenType, amount decimal.Decimal) int64 {
	if tokenType == models.TokenTypeSlashbot {
		return amount.Mul(s.creditsPerToken).Floor().IntPart()
	}
	perSOL := pricing.CreditsPerSOL(s.rates.Get(ctx))
	return amount.Mul(decimal.NewFromFloat(perSOL)).Floor().IntPart()
}

func (s *Service) record(req ClaimRequest, result *ClaimResult, err error) {
	outcome := outcomeOf(err)
	tokenType := string(req.TokenType)
	var amount float64
	var awarded int64
	if result != nil {
		tokenType = string(result.TokenType)
		amount = result.AmountDeposited
		awarded = result.CreditsAwarded
	}
	if tokenType == "" {
		tokenType = "unknown"
	}
	monitoring.RecordDeposit(tokenType, outcome, awarded)
	logging.LogDeposit(req.Signature, req.WalletAddress, tokenType, outcome, amount, awarded)
	if outcome == "error" {
		s.logger.Error().Err(err).Str("signature", req.Signature).Msg("Deposit claim failed")
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "claimed"
	case errors.Is(err, ErrAlreadyClaimed):
		return "duplicate"
	case errors.Is(err, ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, ErrTransactionFailed):
		return "failed"
	case errors.Is(err, ErrNoQualifyingTransfer), errors.Is(err, ErrWalletNotSigner):
		return "rejected"
	default:
		return "error"
	}
}

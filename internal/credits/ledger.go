// Package credits is the credit ledger: wallet balances plus the
// claim/release/finalize protocol that turns an on-chain deposit into
// credits exactly once.
package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zorgspace/slashbot-web/internal/cache"
	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/models"
)

// Ledger errors
var (
	ErrInvalidAmount    = errors.New("amount must not be negative")
	ErrAlreadyClaimed   = errors.New("transaction already processed")
	ErrClaimLost        = errors.New("deposit claim no longer held")
	ErrDepositPending   = errors.New("deposit is being processed")
	ErrDepositNotFound  = errors.New("deposit not found")
	ErrInvalidSignature = errors.New("transaction signature is required")
)

const (
	pendingPrefix = "pending:"

	// DefaultClaimTTL bounds how long a crashed claim holder blocks a retry.
	DefaultClaimTTL = 10 * time.Minute

	// TransactionListCap bounds the global deposit history.
	TransactionListCap = 10000
)

// DebitResult is the outcome of a conditional debit.
type DebitResult struct {
	Success    bool  `json:"success"`
	NewBalance int64 `json:"newBalance"`
}

// BalanceCheck compares a balance with an estimated cost.
type BalanceCheck struct {
	Sufficient     bool  `json:"sufficient"`
	CurrentBalance int64 `json:"currentBalance"`
	EstimatedCost  int64 `json:"estimatedCost"`
	Shortfall      int64 `json:"shortfall"`
}

// Claim is a held pending marker on one transaction signature.
type Claim struct {
	Signature string
	token     string
}

// Ledger is stateless apart from the store it wraps.
type Ledger struct {
	store    cache.Store
	claimTTL time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewLedger creates a ledger; claimTTL <= 0 uses DefaultClaimTTL.
func NewLedger(store cache.Store, claimTTL time.Duration) *Ledger {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &Ledger{
		store:    store,
		claimTTL: claimTTL,
		now:      time.Now,
		logger:   logging.NewLogger("credits"),
	}
}

func balanceKey(wallet string) string { return cache.CreditsPrefix + wallet }
func depositKey(signature string) string { return cache.DepositPrefix + signature }

// GetBalance returns the wallet balance; absent wallets have zero.
func (l *Ledger) GetBalance(ctx context.Context, wallet string) (int64, error) {
	raw, ok, err := l.store.Get(ctx, balanceKey(wallet))
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt balance for %s: %w", logging.MaskWallet(wallet), err)
	}
	return n, nil
}

// Credit atomically adds amount and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, wallet string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	n, err := l.store.IncrBy(ctx, balanceKey(wallet), amount)
	if err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}
	l.logger.Info().
		Str("wallet", logging.MaskWallet(wallet)).
		Int64("amount", amount).
		Int64("balance", n).
		Msg("Credits added")
	return n, nil
}

// Debit subtracts amount only if the balance covers it. An uncovered debit
// is a normal outcome reported through DebitResult, not an error.
func (l *Ledger) Debit(ctx context.Context, wallet string, amount int64, reason string) (*DebitResult, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if amount == 0 {
		bal, err := l.GetBalance(ctx, wallet)
		if err != nil {
			return nil, err
		}
		return &DebitResult{Success: true, NewBalance: bal}, nil
	}

	bal, ok, err := l.store.DecrByIfSufficient(ctx, balanceKey(wallet), amount)
	if err != nil {
		return nil, fmt.Errorf("debit: %w", err)
	}
	event := l.logger.Debug()
	if !ok {
		event = l.logger.Info()
	}
	event.
		Str("wallet", logging.MaskWallet(wallet)).
		Int64("amount", amount).
		Int64("balance", bal).
		Bool("success", ok).
		Str("reason", reason).
		Msg("Debit")
	return &DebitResult{Success: ok, NewBalance: bal}, nil
}

// VerifyBalance reports whether the wallet can cover estimated credits.
func (l *Ledger) VerifyBalance(ctx context.Context, wallet string, estimated int64) (*BalanceCheck, error) {
	bal, err := l.GetBalance(ctx, wallet)
	if err != nil {
		return nil, err
	}
	check := &BalanceCheck{
		Sufficient:     bal >= estimated,
		CurrentBalance: bal,
		EstimatedCost:  estimated,
	}
	if !check.Sufficient {
		check.Shortfall = estimated - bal
	}
	return check, nil
}

// Claim takes the pending marker for signature. It fails with
// ErrAlreadyClaimed if the signature is pending or finalized.
func (l *Ledger) Claim(ctx context.Context, signature string) (*Claim, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, ErrInvalidSignature
	}
	token := pendingPrefix + uuid.NewString()
	ok, err := l.store.SetNX(ctx, depositKey(signature), token, l.claimTTL)
	if err != nil {
		return nil, fmt.Errorf("claim deposit: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyClaimed
	}
	return &Claim{Signature: signature, token: token}, nil
}

// Release drops the pending marker if this claim still holds it, making the
// signature claimable again.
func (l *Ledger) Release(ctx context.Context, claim *Claim) error {
	ok, err := l.store.CompareAndDelete(ctx, depositKey(claim.Signature), claim.token)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if !ok {
		l.logger.Warn().Str("signature", claim.Signature).Msg("Release of a claim that is no longer held")
	}
	return nil
}

// Finalize replaces the held pending marker with the permanent record and
// credits the wallet. It succeeds at most once per signature.
func (l *Ledger) Finalize(ctx context.Context, claim *Claim, deposit models.Deposit) (int64, error) {
	if deposit.CreditsAwarded < 0 {
		return 0, ErrInvalidAmount
	}
	deposit.Signature = claim.Signature
	if deposit.Timestamp == 0 {
		deposit.Timestamp = l.now().UnixMilli()
	}
	record, err := json.Marshal(deposit)
	if err != nil {
		return 0, fmt.Errorf("encode deposit: %w", err)
	}

	bal, ok, err := l.store.SwapAndIncrBy(ctx, depositKey(claim.Signature), claim.token, string(record),
		balanceKey(deposit.WalletAddress), deposit.CreditsAwarded)
	if err != nil {
		return 0, fmt.Errorf("finalize deposit: %w", err)
	}
	if !ok {
		return 0, ErrClaimLost
	}

	if err := l.store.ListPush(ctx, cache.TransactionsList, string(record), TransactionListCap, 0); err != nil {
		l.logger.Warn().Err(err).Str("signature", claim.Signature).Msg("Failed to append deposit to history")
	}
	return bal, nil
}

// GetDeposit returns the finalized record for signature.
func (l *Ledger) GetDeposit(ctx context.Context, signature string) (*models.Deposit, error) {
	raw, ok, err := l.store.Get(ctx, depositKey(signature))
	if err != nil {
		return nil, fmt.Errorf("get deposit: %w", err)
	}
	if !ok {
		return nil, ErrDepositNotFound
	}
	if strings.HasPrefix(raw, pendingPrefix) {
		return nil, ErrDepositPending
	}
	var d models.Deposit
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("decode deposit: %w", err)
	}
	return &d, nil
}

// RecentDeposits returns up to limit finalized deposits, newest first.
func (l *Ledger) RecentDeposits(ctx context.Context, limit int64) ([]models.Deposit, error) {
	if limit <= 0 {
		return nil, nil
	}
	raws, err := l.store.ListRange(ctx, cache.TransactionsList, 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	out := make([]models.Deposit, 0, len(raws))
	for _, raw := range raws {
		var d models.Deposit
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

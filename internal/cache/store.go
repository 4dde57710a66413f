// Package cache defines the atomic key/value capability the ledger, usage
// accountant and rate cache are built on, and its Redis implementation.
package cache

import (
	"context"
	"time"
)

// Store is the capability set every backend must provide. All conditional
// operations are atomic at the backend.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value only if it currently equals old.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes the key only if it currently equals old.
	CompareAndDelete(ctx context.Context, key, old string) (bool, error)
	// IncrBy adds delta (which may be negative) and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// SwapAndIncrBy replaces key with value only if it currently equals old,
	// and in the same step adds delta to counterKey. Nothing is written
	// unless both succeed.
	SwapAndIncrBy(ctx context.Context, key, old, value, counterKey string, delta int64) (int64, bool, error)
	// DecrByIfSufficient subtracts amount only when the current value is at
	// least amount. It returns the resulting (or unchanged) value.
	DecrByIfSufficient(ctx context.Context, key string, amount int64) (int64, bool, error)
	// ListPush prepends value, trims the list to maxLen and refreshes ttl.
	ListPush(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListLen(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Key layout shared by every component.
const (
	KeyPrefix          = "slashbot:"
	CreditsPrefix      = KeyPrefix + "credits:"
	DepositPrefix      = KeyPrefix + "tx:"
	TransactionsList   = KeyPrefix + "transactions"
	UsagePrefix        = KeyPrefix + "usage:"
	UsageListPrefix    = KeyPrefix + "usage_list:"
	DailyPrefix        = KeyPrefix + "daily:"
	ExchangeRatesKey   = KeyPrefix + "exchange_rates"
	RateLimitKeyPrefix = KeyPrefix + "ratelimit:sliding:"
)

package credits_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zorgspace/slashbot-web/internal/cache"
	"github.com/zorgspace/slashbot-web/internal/cache/cachetest"
	"github.com/zorgspace/slashbot-web/internal/credits"
	"github.com/zorgspace/slashbot-web/internal/models"
	"pgregory.net/rapid"
)

const wallet = "DVGjCZVJ3jMw8gsHAQjuYFMj8xQJyVf17qKrciYCS9u7"

func newLedger(t *testing.T) (*credits.Ledger, func()) {
	store, mr := cachetest.New(t)
	return credits.NewLedger(store, time.Minute), mr.FlushAll
}

func TestGetBalance_DefaultsToZero(t *testing.T) {
	l, _ := newLedger(t)
	bal, err := l.GetBalance(context.Background(), wallet)
	if err != nil || bal != 0 {
		t.Fatalf("expected 0, got %d (err=%v)", bal, err)
	}
}

func TestCreditDebit(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	if bal, err := l.Credit(ctx, wallet, 500); err != nil || bal != 500 {
		t.Fatalf("Credit: bal=%d err=%v", bal, err)
	}
	res, err := l.Debit(ctx, wallet, 200, "test")
	if err != nil || !res.Success || res.NewBalance != 300 {
		t.Fatalf("Debit: %+v err=%v", res, err)
	}
	res, err = l.Debit(ctx, wallet, 301, "test")
	if err != nil {
		t.Fatalf("insufficient debit is not an error: %v", err)
	}
	if res.Success || res.NewBalance != 300 {
		t.Fatalf("insufficient debit must leave balance unchanged: %+v", res)
	}
	if _, err := l.Debit(ctx, wallet, -1, "test"); !errors.Is(err, credits.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	res, _ = l.Debit(ctx, wallet, 0, "free")
	if !res.Success || res.NewBalance != 300 {
		t.Fatalf("zero debit should be a no-op success: %+v", res)
	}
}

func TestVerifyBalance(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	_, _ = l.Credit(ctx, wallet, 10)

	check, err := l.VerifyBalance(ctx, wallet, 25)
	if err != nil {
		t.Fatalf("VerifyBalance: %v", err)
	}
	if check.Sufficient || check.Shortfall != 15 || check.CurrentBalance != 10 {
		t.Fatalf("unexpected check %+v", check)
	}
	check, _ = l.VerifyBalance(ctx, wallet, 10)
	if !check.Sufficient || check.Shortfall != 0 {
		t.Fatalf("exact balance should suffice: %+v", check)
	}
}

// TestProperty1_DebitNeverNegative: for any sequence of credits and debits the
// balance stays non-negative and failed debits change nothing.
func TestProperty1_DebitNeverNegative(t *testing.T) {
	l, flush := newLedger(t)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		flush()
		expected := int64(0)
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			amount := rapid.Int64Range(0, 1000).Draw(rt, fmt.Sprintf("amount%d", i))
			if rapid.Bool().Draw(rt, fmt.Sprintf("credit%d", i)) {
				bal, err := l.Credit(ctx, wallet, amount)
				if err != nil {
					rt.Fatalf("Credit: %v", err)
				}
				expected += amount
				if bal != expected {
					rt.Fatalf("credit: expected %d, got %d", expected, bal)
				}
				continue
			}
			res, err := l.Debit(ctx, wallet, amount, "prop")
			if err != nil {
				rt.Fatalf("Debit: %v", err)
			}
			if amount <= expected {
				if !res.Success {
					rt.Fatalf("debit %d from %d should succeed", amount, expected)
				}
				expected -= amount
			} else if res.Success {
				rt.Fatalf("debit %d from %d should fail", amount, expected)
			}
			if res.NewBalance != expected || res.NewBalance < 0 {
				rt.Fatalf("expected balance %d, got %d", expected, res.NewBalance)
			}
		}
	})
}

// TestProperty2_FinalizeAtMostOnce: whatever interleaving of claim, release
// and finalize happens, a signature is finalized at most once and the wallet
// is credited at most once.
func TestProperty2_FinalizeAtMostOnce(t *testing.T) {
	l, flush := newLedger(t)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		flush()
		sig := rapid.StringMatching(`[1-9A-HJ-NP-Za-km-z]{40,88}`).Draw(rt, "sig")
		var held []*credits.Claim
		finalized := 0

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 30).Draw(rt, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				c, err := l.Claim(ctx, sig)
				if err == nil {
					if len(held) > 0 || finalized > 0 {
						rt.Fatal("claim succeeded while signature was pending or finalized")
					}
					held = append(held, c)
				} else if !errors.Is(err, credits.ErrAlreadyClaimed) {
					rt.Fatalf("Claim: %v", err)
				}
			case 1:
				if len(held) == 0 {
					continue
				}
				if err := l.Release(ctx, held[0]); err != nil {
					rt.Fatalf("Release: %v", err)
				}
				held = held[1:]
			case 2:
				if len(held) == 0 {
					continue
				}
				_, err := l.Finalize(ctx, held[0], models.Deposit{
					WalletAddress: wallet, Amount: 1, TokenType: models.TokenTypeSOL, CreditsAwarded: 100,
				})
				if err != nil {
					rt.Fatalf("Finalize: %v", err)
				}
				finalized++
				held = held[1:]
			}
		}

		if finalized > 1 {
			rt.Fatalf("signature finalized %d times", finalized)
		}
		bal, _ := l.GetBalance(ctx, wallet)
		if bal != int64(finalized)*100 {
			rt.Fatalf("expected balance %d, got %d", finalized*100, bal)
		}
	})
}

func TestClaim_SecondClaimRefusedWithoutMutation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	claim, err := l.Claim(ctx, "sigA")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := l.Claim(ctx, "sigA"); !errors.Is(err, credits.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	if _, err := l.GetDeposit(ctx, "sigA"); !errors.Is(err, credits.ErrDepositPending) {
		t.Fatalf("expected pending, got %v", err)
	}

	if _, err := l.Finalize(ctx, claim, models.Deposit{WalletAddress: wallet, CreditsAwarded: 5, TokenType: models.TokenTypeSOL}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := l.Claim(ctx, "sigA"); !errors.Is(err, credits.ErrAlreadyClaimed) {
		t.Fatalf("finalized signature must not be claimable, got %v", err)
	}
	if _, err := l.Finalize(ctx, claim, models.Deposit{WalletAddress: wallet, CreditsAwarded: 5}); !errors.Is(err, credits.ErrClaimLost) {
		t.Fatalf("second finalize must fail, got %v", err)
	}

	dep, err := l.GetDeposit(ctx, "sigA")
	if err != nil {
		t.Fatalf("GetDeposit: %v", err)
	}
	if dep.CreditsAwarded != 5 || dep.Signature != "sigA" || dep.Timestamp == 0 {
		t.Fatalf("unexpected deposit %+v", dep)
	}
	recent, _ := l.RecentDeposits(ctx, 10)
	if len(recent) != 1 || recent[0].Signature != "sigA" {
		t.Fatalf("expected deposit in history, got %+v", recent)
	}
}

func TestFinalize_FailedCreditLeavesClaimPending(t *testing.T) {
	store, mr := cachetest.New(t)
	l := credits.NewLedger(store, time.Minute)
	ctx := context.Background()

	claim, _ := l.Claim(ctx, "sigF")
	mr.Set(cache.CreditsPrefix+wallet, "corrupt")

	_, err := l.Finalize(ctx, claim, models.Deposit{WalletAddress: wallet, CreditsAwarded: 7})
	if err == nil || errors.Is(err, credits.ErrClaimLost) {
		t.Fatalf("expected a store error, got %v", err)
	}
	if _, err := l.GetDeposit(ctx, "sigF"); !errors.Is(err, credits.ErrDepositPending) {
		t.Fatalf("deposit must not be finalized without its credit, got %v", err)
	}
	if recent, _ := l.RecentDeposits(ctx, 10); len(recent) != 0 {
		t.Fatalf("uncredited deposit must not reach history: %+v", recent)
	}

	if err := l.Release(ctx, claim); err != nil {
		t.Fatalf("Release: %v", err)
	}
	mr.Del(cache.CreditsPrefix + wallet)
	retry, err := l.Claim(ctx, "sigF")
	if err != nil {
		t.Fatalf("released signature should be claimable: %v", err)
	}
	if bal, err := l.Finalize(ctx, retry, models.Deposit{WalletAddress: wallet, CreditsAwarded: 7}); err != nil || bal != 7 {
		t.Fatalf("retry should credit once: bal=%d err=%v", bal, err)
	}
}

func TestRelease_MakesSignatureClaimable(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	claim, _ := l.Claim(ctx, "sigB")
	if err := l.Release(ctx, claim); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := l.GetDeposit(ctx, "sigB"); !errors.Is(err, credits.ErrDepositNotFound) {
		t.Fatalf("released signature should be absent, got %v", err)
	}
	if _, err := l.Claim(ctx, "sigB"); err != nil {
		t.Fatalf("released signature must be claimable again: %v", err)
	}
}

func TestClaim_ExpiredClaimCannotFinalize(t *testing.T) {
	store, mr := cachetest.New(t)
	l := credits.NewLedger(store, time.Minute)
	ctx := context.Background()

	stale, _ := l.Claim(ctx, "sigC")
	mr.FastForward(2 * time.Minute)

	fresh, err := l.Claim(ctx, "sigC")
	if err != nil {
		t.Fatalf("expired claim should free the signature: %v", err)
	}
	if _, err := l.Finalize(ctx, stale, models.Deposit{WalletAddress: wallet, CreditsAwarded: 1}); !errors.Is(err, credits.ErrClaimLost) {
		t.Fatalf("stale holder must not finalize, got %v", err)
	}
	if _, err := l.Finalize(ctx, fresh, models.Deposit{WalletAddress: wallet, CreditsAwarded: 1}); err != nil {
		t.Fatalf("fresh holder should finalize: %v", err)
	}
	if bal, _ := l.GetBalance(ctx, wallet); bal != 1 {
		t.Fatalf("expected exactly one credit, got %d", bal)
	}
}

// Two concurrent claims on the same signature: exactly one wins.
func TestClaim_ConcurrentExactlyOne(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Claim(ctx, "T2"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one claim, got %d", wins)
	}
}

func TestClaim_EmptySignature(t *testing.T) {
	l, _ := newLedger(t)
	if _, err := l.Claim(context.Background(), "  "); !errors.Is(err, credits.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

package cache_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/zorgspace/slashbot-web/internal/cache"
	"github.com/zorgspace/slashbot-web/internal/cache/cachetest"
	"pgregory.net/rapid"
)

func TestRedis_GetMissingKey(t *testing.T) {
	store, _ := cachetest.New(t)
	_, ok, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected missing key to report absent")
	}
}

func TestRedis_SetWithExpiry(t *testing.T) {
	store, mr := cachetest.New(t)
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, _ := store.Get(ctx, "k"); !ok || v != "v" {
		t.Fatalf("expected v, got %q (ok=%v)", v, ok)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("expected key to expire")
	}
}

func TestRedis_SetNX(t *testing.T) {
	store, _ := cachetest.New(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "claim", "a", 0)
	if err != nil || !ok {
		t.Fatalf("first SetNX should win: ok=%v err=%v", ok, err)
	}
	ok, err = store.SetNX(ctx, "claim", "b", 0)
	if err != nil || ok {
		t.Fatalf("second SetNX should lose: ok=%v err=%v", ok, err)
	}
	if v, _, _ := store.Get(ctx, "claim"); v != "a" {
		t.Fatalf("value must stay a, got %q", v)
	}
}

func TestRedis_CompareAndSwapAndDelete(t *testing.T) {
	store, mr := cachetest.New(t)
	ctx := context.Background()
	_ = store.Set(ctx, "k", "pending", time.Minute)

	if ok, _ := store.CompareAndSwap(ctx, "k", "other", "final", 0); ok {
		t.Fatal("CAS with wrong old value must fail")
	}
	if ok, err := store.CompareAndSwap(ctx, "k", "pending", "final", 0); err != nil || !ok {
		t.Fatalf("CAS should succeed: ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL("k"); ttl != 0 {
		t.Fatalf("CAS with zero ttl must persist the key, ttl=%v", ttl)
	}
	if ok, _ := store.CompareAndSwap(ctx, "absent", "", "x", 0); ok {
		t.Fatal("CAS on a missing key must fail")
	}

	if ok, _ := store.CompareAndDelete(ctx, "k", "pending"); ok {
		t.Fatal("CAD with stale value must fail")
	}
	if ok, err := store.CompareAndDelete(ctx, "k", "final"); err != nil || !ok {
		t.Fatalf("CAD should succeed: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("key should be gone")
	}
}

func TestRedis_SwapAndIncrBy(t *testing.T) {
	store, mr := cachetest.New(t)
	ctx := context.Background()
	_ = store.Set(ctx, "marker", "pending", time.Minute)
	_, _ = store.IncrBy(ctx, "counter", 10)

	if n, ok, err := store.SwapAndIncrBy(ctx, "marker", "other", "final", "counter", 5); err != nil || ok || n != 0 {
		t.Fatalf("swap with wrong old value must fail: n=%d ok=%v err=%v", n, ok, err)
	}
	if v, _, _ := store.Get(ctx, "counter"); v != "10" {
		t.Fatalf("failed swap must not touch the counter, got %q", v)
	}

	n, ok, err := store.SwapAndIncrBy(ctx, "marker", "pending", "final", "counter", 5)
	if err != nil || !ok || n != 15 {
		t.Fatalf("swap should succeed: n=%d ok=%v err=%v", n, ok, err)
	}
	if v, _, _ := store.Get(ctx, "marker"); v != "final" {
		t.Fatalf("marker should be final, got %q", v)
	}
	if ttl := mr.TTL("marker"); ttl != 0 {
		t.Fatalf("swapped marker must persist, ttl=%v", ttl)
	}

	_ = store.Set(ctx, "marker2", "pending", time.Minute)
	_ = store.Set(ctx, "counter2", "not-a-number", 0)
	if _, _, err := store.SwapAndIncrBy(ctx, "marker2", "pending", "final", "counter2", 5); err == nil {
		t.Fatal("non-integer counter should fail the swap")
	}
	if v, _, _ := store.Get(ctx, "marker2"); v != "pending" {
		t.Fatalf("marker must be untouched when the increment fails, got %q", v)
	}
}

func TestRedis_ListPushTrims(t *testing.T) {
	store, _ := cachetest.New(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := store.ListPush(ctx, "list", strconv.Itoa(i), 3, time.Hour); err != nil {
			t.Fatalf("ListPush: %v", err)
		}
	}
	n, _ := store.ListLen(ctx, "list")
	if n != 3 {
		t.Fatalf("expected 3 entries, got %d", n)
	}
	vals, _ := store.ListRange(ctx, "list", 0, -1)
	if vals[0] != "9" || vals[2] != "7" {
		t.Fatalf("expected most recent first, got %v", vals)
	}
}

// TestProperty1_DecrByIfSufficientNeverNegative: a conditional decrement
// never drives a counter below zero and a rejected decrement changes nothing.
func TestProperty1_DecrByIfSufficientNeverNegative(t *testing.T) {
	store, mr := cachetest.New(t)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		mr.FlushAll()
		start := rapid.Int64Range(0, 10_000).Draw(rt, "start")
		if start > 0 {
			_, _ = store.IncrBy(ctx, "bal", start)
		}
		balance := start
		ops := rapid.SliceOfN(rapid.Int64Range(0, 5_000), 1, 20).Draw(rt, "ops")
		for _, amount := range ops {
			got, ok, err := store.DecrByIfSufficient(ctx, "bal", amount)
			if err != nil {
				rt.Fatalf("DecrByIfSufficient: %v", err)
			}
			if amount <= balance {
				if !ok {
					rt.Fatalf("decrement of %d from %d should succeed", amount, balance)
				}
				balance -= amount
			} else if ok {
				rt.Fatalf("decrement of %d from %d should fail", amount, balance)
			}
			if got != balance || got < 0 {
				rt.Fatalf("expected balance %d, got %d", balance, got)
			}
		}
	})
}

func TestRedis_ConcurrentDecrementsDoNotOverdraw(t *testing.T) {
	store, _ := cachetest.New(t)
	ctx := context.Background()
	_, _ = store.IncrBy(ctx, "bal", 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := store.DecrByIfSufficient(ctx, "bal", 7); err == nil && ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 14 {
		t.Fatalf("expected 14 successful debits of 7 from 100, got %d", successes)
	}
	v, _, _ := store.Get(ctx, "bal")
	if v != "2" {
		t.Fatalf("expected remaining 2, got %s", v)
	}
}

var _ cache.Store = (*cache.Redis)(nil)

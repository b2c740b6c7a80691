package quota

import (
	"context"
	"testing"

	"github.com/chainmirror/synch/internal/errs"
)

func openTestAccountant(t *testing.T) *Accountant {
	t.Helper()
	a, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestReserveWithinCap(t *testing.T) {
	a := openTestAccountant(t)
	a.SetCap(PoolSync, 10)
	ctx := context.Background()

	ok, err := a.Reserve(ctx, PoolSync, 4)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !ok {
		t.Fatal("expected reservation to succeed within cap")
	}

	consumed, err := a.Consumed(PoolSync)
	if err != nil {
		t.Fatalf("Consumed: %v", err)
	}
	if consumed != 4 {
		t.Errorf("Consumed = %d, want 4", consumed)
	}
}

func TestReserveExceedsCapIsRejectedAndNonRefundable(t *testing.T) {
	a := openTestAccountant(t)
	a.SetCap(PoolSync, 10)
	ctx := context.Background()

	ok, err := a.Reserve(ctx, PoolSync, 8)
	if err != nil || !ok {
		t.Fatalf("Reserve(8): ok=%v err=%v", ok, err)
	}

	// This would exceed the cap (8+8=16 > 10) so it must be rejected...
	ok, err = a.Reserve(ctx, PoolSync, 8)
	if err != nil {
		t.Fatalf("Reserve(8) second: %v", err)
	}
	if ok {
		t.Fatal("expected second reservation to exceed cap")
	}

	// ...and the rejected attempt must not have consumed any quota (non-refundable
	// accounting never subtracts, but a rejected reservation must also never add).
	consumed, err := a.Consumed(PoolSync)
	if err != nil {
		t.Fatalf("Consumed: %v", err)
	}
	if consumed != 8 {
		t.Errorf("Consumed = %d, want 8 (rejected reservation must not add to the counter)", consumed)
	}
}

func TestReserveUnknownPool(t *testing.T) {
	a := openTestAccountant(t)
	_, err := a.Reserve(context.Background(), Pool("bogus"), 1)
	if err == nil {
		t.Fatal("expected error for unknown pool")
	}
}

func TestReserveOrQuotaError(t *testing.T) {
	a := openTestAccountant(t)
	a.SetCap(PoolSync, 1)
	ctx := context.Background()

	if err := a.ReserveOrQuotaError(ctx, PoolSync, 1); err != nil {
		t.Fatalf("first reservation should succeed: %v", err)
	}
	err := a.ReserveOrQuotaError(ctx, PoolSync, 1)
	if err == nil {
		t.Fatal("expected QuotaLimitExceeded on second reservation")
	}
	if !errs.IsQuotaExhausted(err) {
		t.Errorf("expected IsQuotaExhausted(err) to be true, got %v", err)
	}
}

func TestSignupPoolIsIndependentOfSyncPool(t *testing.T) {
	a := openTestAccountant(t)
	a.SetCap(PoolSync, 1)
	a.SetCap(PoolSignup, 1)
	ctx := context.Background()

	if _, err := a.Reserve(ctx, PoolSync, 1); err != nil {
		t.Fatalf("Reserve sync: %v", err)
	}
	ok, err := a.Reserve(ctx, PoolSignup, 1)
	if err != nil {
		t.Fatalf("Reserve signup: %v", err)
	}
	if !ok {
		t.Error("expected signup pool reservation to succeed independently of sync pool")
	}
}

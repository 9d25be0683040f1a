package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

type fakeClient struct {
	splitErr error
	mergeErr error
	splits   []decimal.Decimal
	merges   []decimal.Decimal
}

func (f *fakeClient) Split(_ context.Context, _ string, amount decimal.Decimal, _ bool) (string, error) {
	if f.splitErr != nil {
		return "", f.splitErr
	}
	f.splits = append(f.splits, amount)
	return "0xsplit", nil
}

func (f *fakeClient) Merge(_ context.Context, _ string, shares decimal.Decimal, _ bool) (string, error) {
	if f.mergeErr != nil {
		return "", f.mergeErr
	}
	f.merges = append(f.merges, shares)
	return "0xmerge", nil
}

func d(s string) decimal.Decimal { v, _ := decimal.NewFromString(s); return v }

func TestCreateOrTopUp(t *testing.T) {
	client := &fakeClient{}
	l := New(client, 3, nil)
	if err := l.CreateOrTopUp(context.Background(), "mkt", "cond", "A", "B", false, d("45")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv, ok := l.Snapshot("mkt")
	if !ok {
		t.Fatalf("expected inventory")
	}
	if !inv.SharesA.Equal(d("45")) || !inv.SharesB.Equal(d("45")) {
		t.Fatalf("unexpected inventory: %+v", inv)
	}
}

func TestCreateOrTopUpSplitFailureLeavesLedgerUnchanged(t *testing.T) {
	client := &fakeClient{splitErr: errTest}
	l := New(client, 3, nil)
	_ = l.CreateOrTopUp(context.Background(), "mkt", "cond", "A", "B", false, d("45"))
	err := l.CreateOrTopUp(context.Background(), "mkt", "cond", "A", "B", false, d("10"))
	if err == nil {
		t.Fatalf("expected error")
	}
	inv, ok := l.Snapshot("mkt")
	if ok {
		t.Fatalf("expected no entry after failed splits on a new market, got %+v", inv)
	}
	if !inv.SharesA.IsZero() {
		t.Fatalf("expected inventory unchanged after failed split, got %s", inv.SharesA)
	}
}

func TestConsumeAndReturnSellSide(t *testing.T) {
	client := &fakeClient{}
	l := New(client, 3, nil)
	l.CreateOrTopUp(context.Background(), "mkt", "cond", "A", "B", false, d("45"))

	if err := l.ConsumeSellSide("mkt", "A", d("5")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv, _ := l.Snapshot("mkt")
	if !inv.SharesA.Equal(d("40")) {
		t.Fatalf("expected 40 after consume, got %s", inv.SharesA)
	}
	if !inv.SharesB.Equal(d("45")) {
		t.Fatalf("expected complement untouched, got %s", inv.SharesB)
	}

	if err := l.ConsumeSellSide("mkt", "A", d("1000")); err != ErrInsufficientInventory {
		t.Fatalf("expected insufficient inventory error, got %v", err)
	}

	if err := l.ReturnSellSide("mkt", "A", d("5")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv, _ = l.Snapshot("mkt")
	if !inv.SharesA.Equal(d("45")) {
		t.Fatalf("expected 45 after return, got %s", inv.SharesA)
	}
}

func TestMergeBalanced(t *testing.T) {
	client := &fakeClient{}
	l := New(client, 3, nil)
	l.CreateOrTopUp(context.Background(), "mkt", "cond", "A", "B", false, d("45"))
	l.ConsumeSellSide("mkt", "A", d("30")) // A=15, B=45

	merged, resA, resB, err := l.MergeBalanced(context.Background(), "mkt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !merged.Equal(d("15")) {
		t.Fatalf("expected merge of 15, got %s", merged)
	}
	if !resA.IsZero() || !resB.Equal(d("30")) {
		t.Fatalf("expected residual A=0 B=30, got A=%s B=%s", resA, resB)
	}
}

func TestConcurrentGameCap(t *testing.T) {
	client := &fakeClient{}
	l := New(client, 1, nil)
	if err := l.CreateOrTopUp(context.Background(), "mkt1", "cond1", "A", "B", false, d("45")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.CreateOrTopUp(context.Background(), "mkt2", "cond2", "C", "D", false, d("45")); err != ErrConcurrentGameCap {
		t.Fatalf("expected concurrent game cap error, got %v", err)
	}
}

func TestAutoRefillSplitsWhenBelowThreshold(t *testing.T) {
	client := &fakeClient{}
	l := New(client, 3, nil)
	l.CreateOrTopUp(context.Background(), "mkt", "cond", "A", "B", false, d("30"))
	l.ConsumeSellSide("mkt", "A", d("25")) // A=5, B=30, threshold 30 -> needs refill

	if err := l.AutoRefill(context.Background(), "mkt", d("30"), d("30")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv, _ := l.Snapshot("mkt")
	if !inv.SharesA.Equal(d("35")) {
		t.Fatalf("expected refilled A=35, got %s", inv.SharesA)
	}
}

var errTest = fakeErr("split failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

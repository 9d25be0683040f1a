package reconcile

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestObserveTerminalFirstWins(t *testing.T) {
	r := New(nil, nil)
	res := r.ObserveTerminal("ord1", "push", Outcome{Kind: KindFilled})
	if !res.Dispatch {
		t.Fatalf("expected first observation to dispatch")
	}
	res2 := r.ObserveTerminal("ord1", "push", Outcome{Kind: KindFilled})
	if res2.Dispatch {
		t.Fatalf("expected second observation to be a no-op")
	}
}

func TestObserveTerminalCancelThenFillIsRace(t *testing.T) {
	r := New(nil, nil)
	res := r.ObserveTerminal("ord1", "push", Outcome{Kind: KindCancelled})
	if !res.Dispatch || res.CancelFillRace {
		t.Fatalf("expected plain dispatch on first cancel, got %+v", res)
	}
	res2 := r.ObserveTerminal("ord1", "push", Outcome{Kind: KindFilled})
	if !res2.Dispatch || !res2.CancelFillRace {
		t.Fatalf("expected cancel-fill race dispatch, got %+v", res2)
	}
	res3 := r.ObserveTerminal("ord1", "push", Outcome{Kind: KindFilled})
	if res3.Dispatch {
		t.Fatalf("expected third observation (already filled) to be a no-op")
	}
}

func TestObserveTerminalFillThenCancelIsNoop(t *testing.T) {
	r := New(nil, nil)
	r.ObserveTerminal("ord1", "push", Outcome{Kind: KindFilled})
	res := r.ObserveTerminal("ord1", "push", Outcome{Kind: KindCancelled})
	if res.Dispatch {
		t.Fatalf("expected Filled->Cancelled to be a no-op (only Cancelled->Filled is permitted)")
	}
}

type fakeQuerier struct {
	open []OpenOrderSummary
}

func (f *fakeQuerier) OpenOrders(_ context.Context, _ string) ([]OpenOrderSummary, error) {
	return f.open, nil
}

type fakeResting struct {
	orders []RestingOrder
}

func (f *fakeResting) RestingOrders(_ string) []RestingOrder { return f.orders }

func TestPollerDetectsPhantomFill(t *testing.T) {
	r := New(nil, nil)
	querier := &fakeQuerier{open: nil} // order no longer present
	resting := &fakeResting{orders: []RestingOrder{{OrderID: "ord1", Price: decimal.NewFromFloat(0.61)}}}

	var dispatched []Outcome
	p := NewPoller(querier, resting, r, 0, func() []string { return []string{"cond1"} },
		func(orderID string, outcome Outcome, result Result) {
			dispatched = append(dispatched, outcome)
		}, nil)

	p.pollCondition(context.Background(), "cond1")

	if len(dispatched) != 1 {
		t.Fatalf("expected one phantom fill dispatched, got %d", len(dispatched))
	}
	if !dispatched[0].Price.Equal(decimal.NewFromFloat(0.61)) {
		t.Fatalf("expected fill at limit price, got %s", dispatched[0].Price)
	}
}

func TestPollerSkipsAlreadyHandled(t *testing.T) {
	r := New(nil, nil)
	r.ObserveTerminal("ord1", "push", Outcome{Kind: KindCancelled})
	querier := &fakeQuerier{open: nil}
	resting := &fakeResting{orders: []RestingOrder{{OrderID: "ord1", Price: decimal.NewFromFloat(0.61)}}}

	var dispatched int
	p := NewPoller(querier, resting, r, 0, func() []string { return []string{"cond1"} },
		func(orderID string, outcome Outcome, result Result) { dispatched++ }, nil)

	p.pollCondition(context.Background(), "cond1")
	if dispatched != 0 {
		t.Fatalf("expected no dispatch for already-handled order, got %d", dispatched)
	}
}

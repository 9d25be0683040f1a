package feed

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"shock-fade-engine/internal/reconcile"
	"shock-fade-engine/pkg/types"
)

type fakeIndex struct{ slug string }

func (f fakeIndex) MarketSlugForToken(tokenID string) (string, bool) {
	if f.slug == "" {
		return "", false
	}
	return f.slug, true
}

type fakeDetector struct {
	calls []struct {
		tokenID, marketSlug string
		bid, ask            decimal.Decimal
	}
	fire  bool
	shock types.Shock
}

func (f *fakeDetector) Observe(tokenID, marketSlug string, bid, ask decimal.Decimal, now time.Time) (types.Shock, bool) {
	f.calls = append(f.calls, struct {
		tokenID, marketSlug string
		bid, ask            decimal.Decimal
	}{tokenID, marketSlug, bid, ask})
	return f.shock, f.fire
}

type fakeMarketFeed struct {
	book chan types.WSBookEvent
	pc   chan types.WSPriceChangeEvent
}

func newFakeMarketFeed() *fakeMarketFeed {
	return &fakeMarketFeed{
		book: make(chan types.WSBookEvent, 4),
		pc:   make(chan types.WSPriceChangeEvent, 4),
	}
}

func (f *fakeMarketFeed) BookEvents() <-chan types.WSBookEvent              { return f.book }
func (f *fakeMarketFeed) PriceChangeEvents() <-chan types.WSPriceChangeEvent { return f.pc }

func TestMarketDispatcherBookEventFeedsDetector(t *testing.T) {
	det := &fakeDetector{fire: true, shock: types.Shock{ShockID: "s1"}}
	var got types.Shock
	disp := NewMarketDispatcher(fakeIndex{slug: "mkt1"}, det, func(s types.Shock) { got = s }, nil)

	feedConn := newFakeMarketFeed()
	ctx, cancel := context.WithCancel(context.Background())
	go disp.Run(ctx, feedConn)

	feedConn.book <- types.WSBookEvent{
		AssetID: "tok1",
		Buys:    []types.PriceLevel{{Price: "0.40", Size: "100"}},
		Sells:   []types.PriceLevel{{Price: "0.42", Size: "100"}},
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(det.calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if len(det.calls) != 1 {
		t.Fatalf("expected one detector call, got %d", len(det.calls))
	}
	if det.calls[0].tokenID != "tok1" || det.calls[0].marketSlug != "mkt1" {
		t.Fatalf("unexpected call: %+v", det.calls[0])
	}
	if !det.calls[0].bid.Equal(decimal.RequireFromString("0.40")) {
		t.Fatalf("expected bid 0.40, got %s", det.calls[0].bid)
	}
	if got.ShockID != "s1" {
		t.Fatalf("expected shock sink to receive fired shock")
	}
}

func TestMarketDispatcherIgnoresUnknownToken(t *testing.T) {
	det := &fakeDetector{}
	disp := NewMarketDispatcher(fakeIndex{}, det, nil, nil)

	feedConn := newFakeMarketFeed()
	ctx, cancel := context.WithCancel(context.Background())
	go disp.Run(ctx, feedConn)

	feedConn.book <- types.WSBookEvent{AssetID: "tok1"}
	time.Sleep(20 * time.Millisecond)
	cancel()

	if len(det.calls) != 0 {
		t.Fatalf("expected no detector calls for unmapped token, got %d", len(det.calls))
	}
}

func TestMarketDispatcherPriceChangeUpdatesMirror(t *testing.T) {
	det := &fakeDetector{}
	disp := NewMarketDispatcher(fakeIndex{slug: "mkt1"}, det, nil, nil)

	feedConn := newFakeMarketFeed()
	ctx, cancel := context.WithCancel(context.Background())
	go disp.Run(ctx, feedConn)

	feedConn.book <- types.WSBookEvent{
		AssetID: "tok1",
		Buys:    []types.PriceLevel{{Price: "0.40", Size: "100"}},
		Sells:   []types.PriceLevel{{Price: "0.42", Size: "100"}},
	}
	feedConn.pc <- types.WSPriceChangeEvent{
		PriceChanges: []types.WSPriceChange{{AssetID: "tok1", Side: "BUY", Price: "0.41", Size: "50"}},
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(det.calls) < 2 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if len(det.calls) != 2 {
		t.Fatalf("expected two detector calls, got %d", len(det.calls))
	}
	if !det.calls[1].bid.Equal(decimal.RequireFromString("0.41")) {
		t.Fatalf("expected updated best bid 0.41, got %s", det.calls[1].bid)
	}
}

type fakeUserFeed struct {
	trade chan types.WSTradeEvent
	order chan types.WSOrderEvent
}

func newFakeUserFeed() *fakeUserFeed {
	return &fakeUserFeed{
		trade: make(chan types.WSTradeEvent, 4),
		order: make(chan types.WSOrderEvent, 4),
	}
}

func (f *fakeUserFeed) TradeEvents() <-chan types.WSTradeEvent { return f.trade }
func (f *fakeUserFeed) OrderEvents() <-chan types.WSOrderEvent { return f.order }

func TestUserDispatcherTradeDispatchesFill(t *testing.T) {
	rec := reconcile.New(nil, nil)
	var gotOrderID string
	var gotOutcome reconcile.Outcome
	disp := NewUserDispatcher(rec, func(orderID string, outcome reconcile.Outcome, result reconcile.Result) {
		gotOrderID = orderID
		gotOutcome = outcome
	}, nil)

	feedConn := newFakeUserFeed()
	ctx, cancel := context.WithCancel(context.Background())
	go disp.Run(ctx, feedConn)

	feedConn.trade <- types.WSTradeEvent{ID: "order1", Price: "0.45", Size: "10"}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && gotOrderID == "" {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if gotOrderID != "order1" {
		t.Fatalf("expected fill dispatch for order1, got %q", gotOrderID)
	}
	if gotOutcome.Kind != reconcile.KindFilled {
		t.Fatalf("expected KindFilled outcome")
	}
	if !gotOutcome.Price.Equal(decimal.RequireFromString("0.45")) {
		t.Fatalf("expected price 0.45, got %s", gotOutcome.Price)
	}
}

func TestUserDispatcherOrderCancellationDispatches(t *testing.T) {
	rec := reconcile.New(nil, nil)
	var gotOrderID string
	disp := NewUserDispatcher(rec, func(orderID string, outcome reconcile.Outcome, result reconcile.Result) {
		gotOrderID = orderID
	}, nil)

	feedConn := newFakeUserFeed()
	ctx, cancel := context.WithCancel(context.Background())
	go disp.Run(ctx, feedConn)

	feedConn.order <- types.WSOrderEvent{ID: "order2", Type: "CANCELLATION", Price: "0.30"}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && gotOrderID == "" {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if gotOrderID != "order2" {
		t.Fatalf("expected cancellation dispatch for order2, got %q", gotOrderID)
	}
}

func TestUserDispatcherIgnoresNonCancellationOrderEvents(t *testing.T) {
	rec := reconcile.New(nil, nil)
	called := false
	disp := NewUserDispatcher(rec, func(orderID string, outcome reconcile.Outcome, result reconcile.Result) {
		called = true
	}, nil)

	feedConn := newFakeUserFeed()
	ctx, cancel := context.WithCancel(context.Background())
	go disp.Run(ctx, feedConn)

	feedConn.order <- types.WSOrderEvent{ID: "order3", Type: "PLACEMENT", Price: "0.30"}
	time.Sleep(20 * time.Millisecond)
	cancel()

	if called {
		t.Fatalf("expected PLACEMENT order event to be ignored")
	}
}

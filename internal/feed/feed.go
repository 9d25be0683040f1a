// Package feed dispatches the two WebSocket channels (market, user) into
// the engine's consumers: order book deltas feed the shock detector, and
// private trade/order events feed the reconciliation push path. It is the
// direct descendant of internal/engine.Engine's dispatchMarketEvents and
// dispatchUserEvents routing loops, generalized from a per-market Book
// mirror keyed by conditionID to a per-token Mirror keyed by tokenID (the
// shock detector operates per outcome token, not per market).
package feed

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"shock-fade-engine/internal/reconcile"
	"shock-fade-engine/pkg/types"
)

// ShockObserver is the consumed shock detector surface.
type ShockObserver interface {
	Observe(tokenID, marketSlug string, bid, ask decimal.Decimal, now time.Time) (types.Shock, bool)
}

// TokenIndex maps a token ID to the market slug it belongs to, so incoming WS events — which only carry the token/asset ID — can be
// routed to the right detector/reconciler context.
type TokenIndex interface {
	MarketSlugForToken(tokenID string) (marketSlug string, ok bool)
}

// MarketFeed is the subset of exchange.WSFeed the market dispatcher reads.
type MarketFeed interface {
	BookEvents() <-chan types.WSBookEvent
	PriceChangeEvents() <-chan types.WSPriceChangeEvent
}

// UserFeed is the subset of exchange.WSFeed the user dispatcher reads.
type UserFeed interface {
	TradeEvents() <-chan types.WSTradeEvent
	OrderEvents() <-chan types.WSOrderEvent
}

// ShockSink receives every shock candidate the market dispatcher detects.
type ShockSink func(types.Shock)

// mirror holds the best bid/ask for one token, rebuilt from full book
// snapshots and kept current by incremental price_change deltas.
type mirror struct {
	mu   sync.Mutex
	bids map[string]decimal.Decimal // price -> size, size 0 means removed
	asks map[string]decimal.Decimal
}

func newMirror() *mirror {
	return &mirror{bids: make(map[string]decimal.Decimal), asks: make(map[string]decimal.Decimal)}
}

func (m *mirror) applySnapshot(levels []types.PriceLevel, side map[string]decimal.Decimal) {
	for k := range side {
		delete(side, k)
	}
	for _, lvl := range levels {
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil || size.IsZero() {
			continue
		}
		side[lvl.Price] = size
	}
}

func (m *mirror) applyBook(evt types.WSBookEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applySnapshot(evt.Buys, m.bids)
	m.applySnapshot(evt.Sells, m.asks)
}

func (m *mirror) applyDelta(pc types.WSPriceChange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	side := m.asks
	if pc.Side == "BUY" {
		side = m.bids
	}
	size, err := decimal.NewFromString(pc.Size)
	if err != nil {
		return
	}
	if size.IsZero() {
		delete(side, pc.Price)
		return
	}
	side[pc.Price] = size
}

func (m *mirror) bestBidAsk() (bid, ask decimal.Decimal, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bid, okBid := bestPrice(m.bids, true)
	ask, okAsk := bestPrice(m.asks, false)
	return bid, ask, okBid && okAsk
}

func bestPrice(side map[string]decimal.Decimal, highest bool) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for priceStr := range side {
		f, err := strconv.ParseFloat(priceStr, 64)
		if err != nil {
			continue
		}
		price := decimal.NewFromFloat(f)
		if !found {
			best, found = price, true
			continue
		}
		if highest && price.GreaterThan(best) {
			best = price
		}
		if !highest && price.LessThan(best) {
			best = price
		}
	}
	return best, found
}

// MarketDispatcher routes book/price_change WS events to per-token
// mirrors and forwards every resulting mid-price tick to the shock
// detector, emitting any detected candidate to onShock.
type MarketDispatcher struct {
	index    TokenIndex
	detector ShockObserver
	onShock  ShockSink
	log      *slog.Logger

	mu      sync.Mutex
	mirrors map[string]*mirror
}

// NewMarketDispatcher wires a shock detector and token index into a market
// event router.
func NewMarketDispatcher(index TokenIndex, detector ShockObserver, onShock ShockSink, log *slog.Logger) *MarketDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &MarketDispatcher{
		index:    index,
		detector: detector,
		onShock:  onShock,
		log:      log,
		mirrors:  make(map[string]*mirror),
	}
}

// Run consumes feed's book/price_change channels until ctx is cancelled.
func (d *MarketDispatcher) Run(ctx context.Context, feedConn MarketFeed) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-feedConn.BookEvents():
			d.handleBook(evt)
		case evt := <-feedConn.PriceChangeEvents():
			d.handlePriceChange(evt)
		}
	}
}

func (d *MarketDispatcher) mirrorFor(tokenID string) *mirror {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.mirrors[tokenID]
	if !ok {
		m = newMirror()
		d.mirrors[tokenID] = m
	}
	return m
}

func (d *MarketDispatcher) handleBook(evt types.WSBookEvent) {
	marketSlug, ok := d.index.MarketSlugForToken(evt.AssetID)
	if !ok {
		return
	}
	m := d.mirrorFor(evt.AssetID)
	m.applyBook(evt)
	d.tick(evt.AssetID, marketSlug, m)
}

func (d *MarketDispatcher) handlePriceChange(evt types.WSPriceChangeEvent) {
	for _, pc := range evt.PriceChanges {
		marketSlug, ok := d.index.MarketSlugForToken(pc.AssetID)
		if !ok {
			continue
		}
		m := d.mirrorFor(pc.AssetID)
		m.applyDelta(pc)
		d.tick(pc.AssetID, marketSlug, m)
	}
}

func (d *MarketDispatcher) tick(tokenID, marketSlug string, m *mirror) {
	bid, ask, ok := m.bestBidAsk()
	if !ok {
		return
	}
	shock, fired := d.detector.Observe(tokenID, marketSlug, bid, ask, time.Now())
	if !fired {
		return
	}
	if d.onShock != nil {
		d.onShock(shock)
	}
}

// UserDispatcher routes trade/order WS events into the reconciliation
// push path (§4.6). A trade event is always a fill; an order event only
// matters here when its Type is CANCELLATION (the resting-order cancel
// path) since PLACEMENT/UPDATE carry no terminal information.
type UserDispatcher struct {
	reconciler *reconcile.Reconciler
	handler    reconcile.FillHandler
	log        *slog.Logger
}

// NewUserDispatcher wires the shared Reconciler into the user event router.
func NewUserDispatcher(reconciler *reconcile.Reconciler, handler reconcile.FillHandler, log *slog.Logger) *UserDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &UserDispatcher{reconciler: reconciler, handler: handler, log: log}
}

// Run consumes feed's trade/order channels until ctx is cancelled.
func (d *UserDispatcher) Run(ctx context.Context, feedConn UserFeed) {
	for {
		select {
		case <-ctx.Done():
			return
		case trade := <-feedConn.TradeEvents():
			d.handleTrade(trade)
		case order := <-feedConn.OrderEvents():
			d.handleOrder(order)
		}
	}
}

func (d *UserDispatcher) handleTrade(trade types.WSTradeEvent) {
	price, err := decimal.NewFromString(trade.Price)
	if err != nil {
		d.log.Warn("feed: unparsable trade price", "id", trade.ID, "price", trade.Price)
		return
	}
	size, err := decimal.NewFromString(trade.Size)
	if err != nil {
		d.log.Warn("feed: unparsable trade size", "id", trade.ID, "size", trade.Size)
		return
	}
	outcome := reconcile.Outcome{Kind: reconcile.KindFilled, Price: price, Size: size}
	result := d.reconciler.ObserveTerminal(trade.ID, "push", outcome)
	if result.Dispatch {
		d.handler(trade.ID, outcome, result)
	}
}

func (d *UserDispatcher) handleOrder(order types.WSOrderEvent) {
	if order.Type != "CANCELLATION" {
		return
	}
	price, err := decimal.NewFromString(order.Price)
	if err != nil {
		d.log.Warn("feed: unparsable order price", "id", order.ID, "price", order.Price)
		return
	}
	outcome := reconcile.Outcome{Kind: reconcile.KindCancelled, Price: price}
	result := d.reconciler.ObserveTerminal(order.ID, "push", outcome)
	if result.Dispatch {
		d.handler(order.ID, outcome, result)
	}
}

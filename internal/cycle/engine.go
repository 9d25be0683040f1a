// Package cycle implements the cycle state machine of §4.5 — the hard
// part: per-shock cycle lifecycle, ladder placement, cumulative-TP
// price/size maintenance, and per-cycle exit routing. It is the direct
// descendant of strategy.Maker's per-market locked quote-replace loop,
// generalized from two-sided market-making quotes to one-sided laddered
// entries and a cancel-and-replace take-profit.
package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"shock-fade-engine/internal/config"
	"shock-fade-engine/internal/metrics"
	"shock-fade-engine/internal/reconcile"
	"shock-fade-engine/pkg/types"
)

var (
	ErrHalted            = fmt.Errorf("cycle: supervisor halted")
	ErrDuplicateShock    = fmt.Errorf("cycle: duplicate shockId")
	ErrCycleCapExceeded  = fmt.Errorf("cycle: maxCyclesPerGame exceeded")
	ErrSellPriceTooHigh  = fmt.Errorf("cycle: sell-side price exceeds guard")
	ErrNoInventory       = fmt.Errorf("cycle: no inventory for market")
)

// ExchangeClient is the consumed exchange interface (§6), scoped to what
// the cycle engine itself issues: ladder and TP placements, and cancels.
type ExchangeClient interface {
	PlaceSellLimitGTC(ctx context.Context, tokenID string, shares, price decimal.Decimal, tierFlag bool) (types.PlaceResult, error)
	Cancel(ctx context.Context, orderID string) error
}

// InventoryLedger is the subset of ledger.Ledger the cycle engine drives.
type InventoryLedger interface {
	ConsumeSellSide(marketSlug, tokenID string, shares decimal.Decimal) error
	ReturnSellSide(marketSlug, tokenID string, shares decimal.Decimal) error
	MergeBalanced(ctx context.Context, marketSlug string) (merged, residualA, residualB decimal.Decimal, err error)
	AutoRefill(ctx context.Context, marketSlug string, threshold, amount decimal.Decimal) error
	Remove(marketSlug string)
}

// ExitExecutor is the consumed exit executor (§4.7), invoked to batch-close
// held-side shares across one or more cycles.
type ExitExecutor interface {
	CloseBatch(ctx context.Context, heldTokenID, marketSlug string, shares decimal.Decimal) (avgExitPrice decimal.Decimal, err error)
}

// SupervisorGate reports halted state and receives booked cycle PnL for the
// circuit-breaker accounting of §4.8.
type SupervisorGate interface {
	IsHalted() bool
	RecordCyclePnL(pnl decimal.Decimal)
}

// cycleState is the engine's internal per-shock bookkeeping: the
// authoritative CumulativeTP (nil until the first entry fill), the ladder
// orders placed for the shock, and the Position records derived from fills.
type cycleState struct {
	market    types.Market
	shock     types.Shock
	cfg       config.EngineConfig
	ladders   []*types.LadderOrder
	tp        *types.CumulativeTP
	positions []*types.Position
	lateGame  bool
}

func (c *cycleState) nonTerminalLadders() []*types.LadderOrder {
	var out []*types.LadderOrder
	for _, l := range c.ladders {
		if l.Status == types.StatusResting {
			out = append(out, l)
		}
	}
	return out
}

func (c *cycleState) openPositions() []*types.Position {
	var out []*types.Position
	for _, p := range c.positions {
		if !p.Closed {
			out = append(out, p)
		}
	}
	return out
}

// isTerminal reports whether the cycle has nothing left outstanding: no
// resting ladders, no open positions, and no live TP.
func (c *cycleState) isTerminal() bool {
	if len(c.nonTerminalLadders()) > 0 {
		return false
	}
	if len(c.openPositions()) > 0 {
		return false
	}
	if c.tp != nil && !c.tp.Status.IsTerminal() {
		return false
	}
	return true
}

// Engine is the per-market cycle state machine (§4.5, CORE).
type Engine struct {
	lock *MarketLock

	mu     sync.Mutex
	cycles map[string]*cycleState // shockId -> state
	marketDecided map[string]bool // marketSlug -> game-decided flag, set once

	exchange ExchangeClient
	ledger   InventoryLedger
	exit     ExitExecutor
	sup      SupervisorGate
	log      *slog.Logger
	metrics  *metrics.Recorder

	trades []types.TradeRecord
}

// New creates a cycle Engine. rec may be nil to disable metrics (e.g. in
// tests).
func New(exchange ExchangeClient, ledger InventoryLedger, exit ExitExecutor, sup SupervisorGate, log *slog.Logger, rec *metrics.Recorder) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		lock:          NewMarketLock(),
		cycles:        make(map[string]*cycleState),
		marketDecided: make(map[string]bool),
		exchange:      exchange,
		ledger:        ledger,
		exit:          exit,
		sup:           sup,
		log:           log,
		metrics:       rec,
	}
}

// cycleCountLocked returns the number of distinct shockIds with an entry in
// e.cycles for marketSlug. Must be called with e.mu held.
func (e *Engine) cycleCountLocked(marketSlug string) int {
	n := 0
	for _, c := range e.cycles {
		if c.market.MarketSlug == marketSlug {
			n++
		}
	}
	return n
}

// sellTokenPrice derives the price of the side being sold, per §4.5.2: for
// direction=Up it is the spiked token's own current price; for
// direction=Down it is the complement's price, derived as 1 - currentPrice
// under strict binary complementarity (§9 open question). Neither this
// function nor AcceptShock checks market.PriceTierFlag.
func sellTokenPrice(shock types.Shock) decimal.Decimal {
	if shock.Direction == types.DirectionUp {
		return shock.CurrentPrice
	}
	return decimal.NewFromInt(1).Sub(shock.CurrentPrice)
}

func sellTokenID(market types.Market, shock types.Shock) string {
	if shock.Direction == types.DirectionUp {
		return shock.TokenID
	}
	complement, _ := market.ComplementOf(shock.TokenID)
	return complement
}

// AcceptShock runs the rejection gauntlet of §4.5.2 under the market's
// lock and, if the shock survives, places its entry ladder (§4.5.3). shock
// must already carry a resolved ShockTeam (possibly empty/unknown) from the
// classifier's single_event confirmation.
func (e *Engine) AcceptShock(ctx context.Context, market types.Market, shock types.Shock, cfg config.EngineConfig, lateGame bool) error {
	unlock := e.lock.Lock(market.MarketSlug)
	defer unlock()

	e.mu.Lock()
	if _, dup := e.cycles[shock.ShockID]; dup {
		e.mu.Unlock()
		return ErrDuplicateShock
	}
	e.mu.Unlock()

	if e.sup.IsHalted() {
		return ErrHalted
	}

	e.mu.Lock()
	count := e.cycleCountLocked(market.MarketSlug)
	e.mu.Unlock()
	if count >= cfg.MaxCyclesPerGame {
		return ErrCycleCapExceeded
	}

	sellPrice := sellTokenPrice(shock)
	maxPrice := decimal.NewFromFloat(cfg.SellPriceMax)
	if lateGame {
		maxPrice = decimal.NewFromFloat(cfg.LateGameSellPriceMax)
	}
	if sellPrice.GreaterThan(maxPrice) {
		return ErrSellPriceTooHigh
	}

	state := &cycleState{market: market, shock: shock, cfg: cfg, lateGame: lateGame}
	e.mu.Lock()
	e.cycles[shock.ShockID] = state
	n := len(e.cycles)
	e.mu.Unlock()
	e.metrics.SetOpenCycles(n)

	if err := e.placeLadder(ctx, state); err != nil {
		// No inventory for any level: drop the cycle entirely so it does not
		// occupy a cap slot.
		if err == ErrNoInventory {
			e.mu.Lock()
			delete(e.cycles, shock.ShockID)
			n := len(e.cycles)
			e.mu.Unlock()
			e.metrics.SetOpenCycles(n)
		}
		return err
	}
	return nil
}

// placeLadder implements §4.5.3.
func (e *Engine) placeLadder(ctx context.Context, state *cycleState) error {
	shock := state.shock
	market := state.market
	cfg := state.cfg
	tokenID := sellTokenID(market, shock)
	basePrice := sellTokenPrice(shock)

	placedAny := false
	for k := 1; k <= cfg.LadderLevels; k++ {
		shares := decimal.NewFromInt(cfg.LadderSizes[k-1])
		price := clamp(basePrice.Add(decimal.NewFromFloat(cfg.LadderSpacing * float64(k))))

		if err := e.ledger.ConsumeSellSide(market.MarketSlug, tokenID, shares); err != nil {
			e.log.Info("cycle: skipping ladder level, insufficient inventory",
				"market", market.MarketSlug, "shockId", shock.ShockID, "level", k)
			continue
		}

		order := &types.LadderOrder{
			LocalID:    uuid.NewString(),
			TokenID:    tokenID,
			MarketSlug: market.MarketSlug,
			Price:      price,
			Shares:     shares,
			Level:      k,
			ShockID:    shock.ShockID,
			Status:     types.StatusPendingPlace,
			CreatedAt:  time.Now(),
		}
		state.ladders = append(state.ladders, order)
		placedAny = true

		result, err := e.exchange.PlaceSellLimitGTC(ctx, tokenID, shares, price, market.PriceTierFlag)
		if err != nil {
			order.Status = types.StatusFailed
			if rerr := e.ledger.ReturnSellSide(market.MarketSlug, tokenID, shares); rerr != nil {
				e.log.Error("cycle: failed to return shares after failed placement", "error", rerr)
			}
			e.log.Warn("cycle: ladder placement failed", "market", market.MarketSlug, "level", k, "error", err)
			continue
		}

		order.ExchangeOrderID = result.OrderID
		switch {
		case result.FilledShares.GreaterThanOrEqual(shares):
			now := time.Now()
			order.Status = types.StatusFilled
			order.FilledAt = &now
			order.FillPrice = &result.FilledPrice
			e.applyEntryFillLocked(ctx, state, shares, result.FilledPrice)
		case result.FilledShares.GreaterThan(decimal.Zero):
			now := time.Now()
			order.Status = types.StatusResting
			order.FilledAt = &now
			order.FillPrice = &result.FilledPrice
			remaining := shares.Sub(result.FilledShares)
			order.Shares = remaining
			e.applyEntryFillLocked(ctx, state, result.FilledShares, result.FilledPrice)
		default:
			order.Status = types.StatusResting
		}
	}

	if !placedAny {
		return ErrNoInventory
	}
	return nil
}

func clamp(p decimal.Decimal) decimal.Decimal {
	min := decimal.NewFromFloat(0.01)
	max := decimal.NewFromFloat(0.99)
	if p.LessThan(min) {
		return min
	}
	if p.GreaterThan(max) {
		return max
	}
	return p
}

// HandleLadderFill is called by the fill reconciliation layer when a ladder
// order for shockID fills, partially or fully, for shares at price.
func (e *Engine) HandleLadderFill(ctx context.Context, shockID string, shares, price decimal.Decimal) error {
	e.mu.Lock()
	state, ok := e.cycles[shockID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("cycle: no active cycle for shockId %s", shockID)
	}

	unlock := e.lock.Lock(state.market.MarketSlug)
	defer unlock()

	e.applyEntryFillLocked(ctx, state, shares, price)
	return nil
}

// applyEntryFillLocked runs the cancel-and-replace TP maintenance algorithm
// of §4.5.4. Caller must hold the market's lock.
func (e *Engine) applyEntryFillLocked(ctx context.Context, state *cycleState, deltaShares, deltaPrice decimal.Decimal) {
	market := state.market
	shock := state.shock
	cfg := state.cfg
	heldTokenID, _ := market.ComplementOf(sellTokenID(market, shock))

	tp := state.tp
	if tp != nil && tp.Status.IsTerminal() {
		tp = nil
	}

	fadeTarget := decimal.NewFromFloat(float64(cfg.FadeTargetCents)).Div(decimal.NewFromInt(100))

	if tp == nil {
		tp = &types.CumulativeTP{
			ShockID:           shock.ShockID,
			MarketSlug:        market.MarketSlug,
			ConditionID:       market.ConditionID,
			TierFlag:          market.PriceTierFlag,
			ShockTeam:         shock.ShockTeam,
			SoldTokenID:       sellTokenID(market, shock),
			HeldTokenID:       heldTokenID,
			TotalEntryShares:  deltaShares,
			FilledTPShares:    decimal.Zero,
			WeightedEntrySum:  deltaShares.Mul(deltaPrice),
			BlendedEntryPrice: deltaPrice,
			TPShares:          deltaShares,
			Status:            types.CycleWatching,
			CreatedAt:         time.Now(),
		}
		tp.TPPrice = clamp(decimal.NewFromInt(1).Sub(deltaPrice).Add(fadeTarget))
	} else {
		if tp.TPExchangeOrderID != "" {
			if err := e.exchange.Cancel(ctx, tp.TPExchangeOrderID); err != nil {
				e.log.Warn("cycle: cancel prior TP failed", "shockId", shock.ShockID, "error", err)
			}
			tp.TPExchangeOrderID = ""
		}
		tp.TotalEntryShares = tp.TotalEntryShares.Add(deltaShares)
		tp.WeightedEntrySum = tp.WeightedEntrySum.Add(deltaShares.Mul(deltaPrice))
		remaining := tp.TotalEntryShares.Sub(tp.FilledTPShares)
		newBlended := tp.WeightedEntrySum.Sub(tp.FilledTPShares.Mul(tp.BlendedEntryPrice)).Div(remaining)
		tp.BlendedEntryPrice = newBlended
		tp.TPPrice = clamp(decimal.NewFromInt(1).Sub(newBlended).Add(fadeTarget))
		tp.TPShares = remaining
		if tp.FilledTPShares.GreaterThan(decimal.Zero) {
			tp.Status = types.CyclePartial
		} else {
			tp.Status = types.CycleWatching
		}
	}
	state.tp = tp

	pos := &types.Position{
		ID:          uuid.NewString(),
		ShockID:     shock.ShockID,
		MarketSlug:  market.MarketSlug,
		HeldTokenID: heldTokenID,
		Shares:      deltaShares,
		EntryPrice:  deltaPrice,
		OpenedAt:    time.Now(),
	}
	state.positions = append(state.positions, pos)

	result, err := e.exchange.PlaceSellLimitGTC(ctx, heldTokenID, tp.TPShares, tp.TPPrice, market.PriceTierFlag)
	if err != nil {
		e.log.Error("cycle: TP placement failed", "shockId", shock.ShockID, "error", err)
		return
	}
	tp.TPExchangeOrderID = result.OrderID

	if result.FilledShares.GreaterThan(decimal.Zero) {
		e.applyTPFillLocked(ctx, state, result.FilledShares, result.FilledPrice)
	}

	e.scheduleRefillLocked(ctx, market.MarketSlug, cfg)
}

// HandleTPFill is called when the held side's resting TP order fills, for
// shockID, shares at price.
func (e *Engine) HandleTPFill(ctx context.Context, shockID string, shares, price decimal.Decimal) error {
	e.mu.Lock()
	state, ok := e.cycles[shockID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("cycle: no active cycle for shockId %s", shockID)
	}
	unlock := e.lock.Lock(state.market.MarketSlug)
	defer unlock()

	e.applyTPFillLocked(ctx, state, shares, price)
	e.cleanupIfTerminalLocked(state)
	return nil
}

// applyTPFillLocked implements §4.5.5. Caller must hold the market's lock.
func (e *Engine) applyTPFillLocked(ctx context.Context, state *cycleState, deltaShares, deltaPrice decimal.Decimal) {
	tp := state.tp
	if tp == nil {
		return
	}

	if deltaShares.GreaterThanOrEqual(tp.TPShares) {
		pnl := deltaPrice.Add(tp.BlendedEntryPrice).Sub(decimal.NewFromInt(1)).Mul(deltaShares)
		tp.Status = types.CycleHit
		tp.PartialPnL = tp.PartialPnL.Add(pnl)
		e.sup.RecordCyclePnL(pnl)

		e.cancelRestingLaddersLocked(ctx, state)
		e.closeAllPositionsLocked(state, tp.TPPrice, types.CycleHit)
		e.recordTradesLocked(state, types.CycleHit)
		e.scheduleRefillLocked(ctx, state.market.MarketSlug, state.cfg)
		return
	}

	pnl := deltaPrice.Add(tp.BlendedEntryPrice).Sub(decimal.NewFromInt(1)).Mul(deltaShares)
	tp.FilledTPShares = tp.FilledTPShares.Add(deltaShares)
	tp.TPShares = tp.TPShares.Sub(deltaShares)
	tp.PartialPnL = tp.PartialPnL.Add(pnl)
	tp.Status = types.CyclePartial
	e.sup.RecordCyclePnL(pnl)

	remaining := deltaShares
	for _, p := range state.positions {
		if p.Closed || remaining.IsZero() {
			continue
		}
		take := decimal.Min(p.Shares, remaining)
		p.Shares = p.Shares.Sub(take)
		remaining = remaining.Sub(take)
		if p.Shares.IsZero() {
			p.Closed = true
			p.ExitPrice = deltaPrice
			p.ClosedAt = time.Now()
			p.PnL = deltaPrice.Add(p.EntryPrice).Sub(decimal.NewFromInt(1)).Mul(take)
		}
	}
}

func (e *Engine) cancelRestingLaddersLocked(ctx context.Context, state *cycleState) {
	for _, l := range state.ladders {
		if l.Status != types.StatusResting {
			continue
		}
		if err := e.exchange.Cancel(ctx, l.ExchangeOrderID); err != nil {
			e.log.Warn("cycle: cancel resting ladder failed", "shockId", l.ShockID, "error", err)
			continue
		}
		l.Status = types.StatusCancelled
		if err := e.ledger.ReturnSellSide(state.market.MarketSlug, l.TokenID, l.Shares); err != nil {
			e.log.Error("cycle: return shares after ladder cancel failed", "error", err)
		}
	}
}

func (e *Engine) closeAllPositionsLocked(state *cycleState, exitPrice decimal.Decimal, reason types.CycleStatus) {
	now := time.Now()
	for _, p := range state.positions {
		if p.Closed {
			continue
		}
		p.Closed = true
		p.ExitPrice = exitPrice
		p.ClosedAt = now
		p.PnL = exitPrice.Add(p.EntryPrice).Sub(decimal.NewFromInt(1)).Mul(p.Shares)
	}
	if state.tp != nil {
		state.tp.Status = reason
	}
}

func (e *Engine) recordTradesLocked(state *cycleState, reason types.CycleStatus) {
	e.metrics.CycleTerminated(string(reason))
	for _, p := range state.positions {
		e.trades = append(e.trades, types.TradeRecord{
			PositionID: p.ID,
			ShockID:    p.ShockID,
			MarketSlug: p.MarketSlug,
			TokenID:    p.HeldTokenID,
			Shares:     p.Shares,
			EntryPrice: p.EntryPrice,
			ExitPrice:  p.ExitPrice,
			PnL:        p.PnL,
			OpenedAt:   p.OpenedAt,
			ClosedAt:   p.ClosedAt,
			Reason:     reason,
		})
	}
}

// cleanupIfTerminalLocked removes a cycle from the active index once it has
// nothing outstanding, freeing its cap slot.
func (e *Engine) cleanupIfTerminalLocked(state *cycleState) {
	if !state.isTerminal() {
		return
	}
	e.mu.Lock()
	delete(e.cycles, state.shock.ShockID)
	n := len(e.cycles)
	e.mu.Unlock()
	e.metrics.SetOpenCycles(n)
}

func (e *Engine) scheduleRefillLocked(ctx context.Context, marketSlug string, cfg config.EngineConfig) {
	threshold := decimal.NewFromInt(cfg.RefillThreshold())
	amount := decimal.NewFromInt(cfg.RefillAmount())
	go func() {
		if err := e.ledger.AutoRefill(ctx, marketSlug, threshold, amount); err != nil {
			e.log.Debug("cycle: auto-refill skipped", "market", marketSlug, "error", err)
		}
	}()
}

// OnScoringEvent implements per-cycle event exit (§4.5.6). eventTeam may be
// empty if the classifier could not attribute the event to a team.
// sameTeamRun is the market-wide trailing same-team run length reported by
// the classifier's window.
func (e *Engine) OnScoringEvent(ctx context.Context, marketSlug, eventTeam string, sameTeamRun int) {
	if sameTeamRun >= 2 {
		e.bailMarket(ctx, marketSlug)
		return
	}

	unlock := e.lock.Lock(marketSlug)
	defer unlock()

	e.mu.Lock()
	var targets []*cycleState
	for _, c := range e.cycles {
		if c.market.MarketSlug == marketSlug && c.tp != nil && !c.tp.Status.IsTerminal() {
			targets = append(targets, c)
		}
	}
	e.mu.Unlock()

	for _, state := range targets {
		adverse := false
		switch {
		case state.tp.ShockTeam == "" || eventTeam == "":
			adverse = true // conservative exit
		case state.tp.ShockTeam == eventTeam:
			adverse = true
		default:
			adverse = false // favorable — hold
		}
		if adverse {
			e.exitCycleLocked(ctx, state, types.CycleEventExit)
		}
	}
}

// bailMarket exits every cycle on marketSlug (scoring-run bail, §4.5.6).
func (e *Engine) bailMarket(ctx context.Context, marketSlug string) {
	unlock := e.lock.Lock(marketSlug)
	defer unlock()

	e.mu.Lock()
	var targets []*cycleState
	for _, c := range e.cycles {
		if c.market.MarketSlug == marketSlug && c.tp != nil && !c.tp.Status.IsTerminal() {
			targets = append(targets, c)
		}
	}
	e.mu.Unlock()

	e.exitCyclesBatchLocked(ctx, targets, types.CycleScoringRunBail)
}

// exitCycleLocked runs the single-cycle exit procedure of §4.5.6: cancel
// TP, cancel resting ladders, batch-sell held shares, delete the TP.
func (e *Engine) exitCycleLocked(ctx context.Context, state *cycleState, reason types.CycleStatus) {
	e.exitCyclesBatchLocked(ctx, []*cycleState{state}, reason)
}

// exitCyclesBatchLocked aggregates held-side shares across all given cycles
// that share a held token into a single batch-sell invocation, per §4.7's
// batch-close and §4.5.6's "if multiple cycles exit together" rule.
func (e *Engine) exitCyclesBatchLocked(ctx context.Context, states []*cycleState, reason types.CycleStatus) {
	byToken := make(map[string][]*cycleState)
	for _, state := range states {
		if state.tp == nil || state.tp.Status.IsTerminal() {
			continue
		}
		if state.tp.TPExchangeOrderID != "" {
			if err := e.exchange.Cancel(ctx, state.tp.TPExchangeOrderID); err != nil {
				e.log.Warn("cycle: cancel TP during exit failed", "shockId", state.shock.ShockID, "error", err)
			}
			state.tp.TPExchangeOrderID = ""
		}
		e.cancelRestingLaddersLocked(ctx, state)
		byToken[state.tp.HeldTokenID] = append(byToken[state.tp.HeldTokenID], state)
	}

	for heldTokenID, group := range byToken {
		total := decimal.Zero
		for _, state := range group {
			for _, p := range state.openPositions() {
				total = total.Add(p.Shares)
			}
		}
		if total.IsZero() {
			for _, state := range group {
				e.closeAllPositionsLocked(state, decimal.Zero, reason)
				e.recordTradesLocked(state, reason)
				e.cleanupIfTerminalLocked(state)
			}
			continue
		}

		avgExit, err := e.exit.CloseBatch(ctx, heldTokenID, group[0].market.MarketSlug, total)
		if err != nil {
			e.log.Error("cycle: batch-close failed", "heldToken", heldTokenID, "error", err)
			avgExit = decimal.Zero
		}
		for _, state := range group {
			e.closeAllPositionsLocked(state, avgExit, reason)
			e.recordTradesLocked(state, reason)
			e.cleanupIfTerminalLocked(state)
		}
	}
}

// OnGameDecided implements §4.5.7: once any monitored token on marketSlug
// crosses the extreme threshold, close every cycle on the market without
// submitting sell orders, then merge the balanced portion. winningTokenID
// is the token whose mid reached the extreme; decided is idempotent per
// market via the marketDecided flag.
func (e *Engine) OnGameDecided(ctx context.Context, marketSlug, winningTokenID string) {
	unlock := e.lock.Lock(marketSlug)
	defer unlock()

	e.mu.Lock()
	if e.marketDecided[marketSlug] {
		e.mu.Unlock()
		return
	}
	e.marketDecided[marketSlug] = true
	var targets []*cycleState
	for _, c := range e.cycles {
		if c.market.MarketSlug == marketSlug {
			targets = append(targets, c)
		}
	}
	e.mu.Unlock()

	for _, state := range targets {
		e.cancelRestingLaddersLocked(ctx, state)
		if state.tp != nil && state.tp.TPExchangeOrderID != "" {
			if err := e.exchange.Cancel(ctx, state.tp.TPExchangeOrderID); err != nil {
				e.log.Warn("cycle: cancel TP on game-decided failed", "shockId", state.shock.ShockID, "error", err)
			}
			state.tp.TPExchangeOrderID = ""
		}
		for _, p := range state.positions {
			if p.Closed {
				continue
			}
			p.Closed = true
			p.ClosedAt = time.Now()
			if p.HeldTokenID == winningTokenID {
				p.ExitPrice = decimal.NewFromInt(1)
			} else {
				p.ExitPrice = decimal.Zero
			}
			p.PnL = p.ExitPrice.Add(p.EntryPrice).Sub(decimal.NewFromInt(1)).Mul(p.Shares)
		}
		if state.tp != nil {
			state.tp.Status = types.CycleClosed
		}
		e.recordTradesLocked(state, types.CycleClosed)
		e.mu.Lock()
		delete(e.cycles, state.shock.ShockID)
		e.mu.Unlock()
	}

	merged, residualA, residualB, err := e.ledger.MergeBalanced(ctx, marketSlug)
	if err != nil {
		e.log.Error("cycle: merge on game-decided failed", "market", marketSlug, "error", err)
	} else if !residualA.IsZero() || !residualB.IsZero() {
		e.log.Info("cycle: unbalanced residual after game-decided merge",
			"market", marketSlug, "merged", merged, "residualA", residualA, "residualB", residualB)
	}
	e.ledger.Remove(marketSlug)
}

// StaleLadderReaper cancels any Resting entry ladder older than
// cfg.StaleLadderAge (§4.5.3 supplementary reaper), returning shares to
// inventory.
func (e *Engine) StaleLadderReaper(ctx context.Context, now time.Time, staleAge time.Duration) {
	e.mu.Lock()
	var all []*cycleState
	for _, c := range e.cycles {
		all = append(all, c)
	}
	e.mu.Unlock()

	for _, state := range all {
		unlock := e.lock.Lock(state.market.MarketSlug)
		for _, l := range state.ladders {
			if l.Status != types.StatusResting {
				continue
			}
			if now.Sub(l.CreatedAt) < staleAge {
				continue
			}
			if err := e.exchange.Cancel(ctx, l.ExchangeOrderID); err != nil {
				e.log.Warn("cycle: reaper cancel failed", "orderId", l.ExchangeOrderID, "error", err)
				continue
			}
			l.Status = types.StatusCancelled
			if err := e.ledger.ReturnSellSide(state.market.MarketSlug, l.TokenID, l.Shares); err != nil {
				e.log.Error("cycle: reaper return shares failed", "error", err)
			}
		}
		e.cleanupIfTerminalLocked(state)
		unlock()
	}
}

// EmergencyTimeoutSweep implements §4.5.8: a safety net that best-effort
// closes any cycle whose oldest position has been open longer than
// emergencyTimeout.
func (e *Engine) EmergencyTimeoutSweep(ctx context.Context, now time.Time, emergencyTimeout time.Duration) {
	e.mu.Lock()
	var expired []*cycleState
	for _, c := range e.cycles {
		oldest := oldestPositionAge(c, now)
		if oldest >= emergencyTimeout {
			expired = append(expired, c)
		}
	}
	e.mu.Unlock()

	byMarket := make(map[string][]*cycleState)
	for _, c := range expired {
		byMarket[c.market.MarketSlug] = append(byMarket[c.market.MarketSlug], c)
	}
	for marketSlug, states := range byMarket {
		unlock := e.lock.Lock(marketSlug)
		e.exitCyclesBatchLocked(ctx, states, types.CycleTimeout)
		unlock()
	}
}

func oldestPositionAge(c *cycleState, now time.Time) time.Duration {
	var oldest time.Time
	for _, p := range c.openPositions() {
		if oldest.IsZero() || p.OpenedAt.Before(oldest) {
			oldest = p.OpenedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}

// Trades returns the immutable audit rows recorded so far (for persistence).
func (e *Engine) Trades() []types.TradeRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.TradeRecord, len(e.trades))
	copy(out, e.trades)
	return out
}

// Snapshot returns a defensive copy of one cycle's CumulativeTP, or
// ok=false if no active cycle exists for shockID.
func (e *Engine) Snapshot(shockID string) (types.CumulativeTP, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cycles[shockID]
	if !ok || c.tp == nil {
		return types.CumulativeTP{}, false
	}
	return *c.tp, true
}

// ActiveShockIDs returns every shockId currently counted against
// marketSlug's cycle cap.
func (e *Engine) ActiveShockIDs(marketSlug string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for id, c := range e.cycles {
		if c.market.MarketSlug == marketSlug {
			out = append(out, id)
		}
	}
	return out
}

// ResolveOrder maps an exchange order id back to the shockId and order kind
// (ladder rung vs take-profit) it belongs to, so the reconciliation
// FillHandler knows whether to call HandleLadderFill or HandleTPFill.
func (e *Engine) ResolveOrder(exchangeOrderID string) (shockID string, isTP bool, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, c := range e.cycles {
		for _, l := range c.ladders {
			if l.ExchangeOrderID == exchangeOrderID {
				return id, false, true
			}
		}
		if c.tp != nil && c.tp.TPExchangeOrderID == exchangeOrderID {
			return id, true, true
		}
	}
	return "", false, false
}

// ReverseCancelReturn reverses cancelRestingLaddersLocked's inventory
// return for a single ladder rung. Per §4.6's cancel-fill race (§8
// scenario 6): a local cancel already credited the rung's shares back to
// sell-side inventory before the venue's push stream reported the same
// order filled. The caller must invoke this before applying that fill —
// otherwise the returned shares stay credited to inventory while a new
// position is also opened for them, breaking the share-conservation
// invariant. Only ladder rungs return inventory on cancel; cancelling a
// take-profit order (on cancel-and-replace, cycle exit or game-decided)
// never releases its shares, so there is nothing to reverse for a TP orderId.
func (e *Engine) ReverseCancelReturn(exchangeOrderID string) error {
	e.mu.Lock()
	var marketSlug, tokenID string
	var shares decimal.Decimal
	found := false
	for _, c := range e.cycles {
		for _, l := range c.ladders {
			if l.ExchangeOrderID == exchangeOrderID {
				marketSlug, tokenID, shares = c.market.MarketSlug, l.TokenID, l.Shares
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	e.mu.Unlock()
	if !found {
		return fmt.Errorf("cycle: reverse-cancel lookup failed for order %s", exchangeOrderID)
	}
	return e.ledger.ConsumeSellSide(marketSlug, tokenID, shares)
}

// RestingOrders implements reconcile.RestingSet: every ladder rung and
// take-profit order this engine currently believes is resting on conditionID,
// for the fill poller to diff against the exchange's open-orders snapshot.
func (e *Engine) RestingOrders(conditionID string) []reconcile.RestingOrder {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []reconcile.RestingOrder
	for _, c := range e.cycles {
		if c.market.ConditionID != conditionID {
			continue
		}
		for _, l := range c.nonTerminalLadders() {
			if l.ExchangeOrderID != "" {
				out = append(out, reconcile.RestingOrder{OrderID: l.ExchangeOrderID, Price: l.Price, Shares: l.Shares})
			}
		}
		if c.tp != nil && c.tp.TPExchangeOrderID != "" {
			out = append(out, reconcile.RestingOrder{OrderID: c.tp.TPExchangeOrderID, Price: c.tp.TPPrice, Shares: c.tp.TPShares})
		}
	}
	return out
}

// Rehydrate reconstructs a cycle's take-profit state from a persisted
// CumulativeTP (§4.8 reload). Resting ladder orders are never rehydrated —
// the persisted document does not carry them — so the restored cycle
// carries only its cumulative TP, with no ladders and no open positions. A
// ladder still resting on the exchange is not tracked by the restored
// cycle: neither StaleLadderReaper nor RestingOrders reports it. markets
// resolves the Market a persisted
// shock belongs to; a shockID whose market can no longer be resolved is
// skipped and logged.
func (e *Engine) Rehydrate(tp types.CumulativeTP, cfg config.EngineConfig, markets func(marketSlug string) (types.Market, bool)) {
	market, ok := markets(tp.MarketSlug)
	if !ok {
		e.log.Warn("cycle: rehydrate skipped unknown market", "shockId", tp.ShockID, "market", tp.MarketSlug)
		return
	}

	e.mu.Lock()
	tpCopy := tp
	e.cycles[tp.ShockID] = &cycleState{
		market: market,
		shock:  types.Shock{ShockID: tp.ShockID, MarketSlug: tp.MarketSlug, TokenID: tp.SoldTokenID},
		cfg:    cfg,
		tp:     &tpCopy,
	}
	n := len(e.cycles)
	e.mu.Unlock()
	e.metrics.SetOpenCycles(n)
	e.log.Info("cycle: rehydrated cumulative tp", "shockId", tp.ShockID, "market", tp.MarketSlug)
}

// Package ledger implements the inventory ledger of §4.4: per-market counts
// of two complementary share types, with split/refill/consume/return/merge
// operations and the share-conservation invariant. The mutex-per-entity
// idiom is adapted from strategy.Inventory.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"shock-fade-engine/internal/metrics"
	"shock-fade-engine/pkg/types"
)

// SplitMergeClient is the consumed on-chain client (§6). Neither operation
// is atomic with order placement or with each other.
type SplitMergeClient interface {
	Split(ctx context.Context, conditionID string, amount decimal.Decimal, tierFlag bool) (txHash string, err error)
	Merge(ctx context.Context, conditionID string, shares decimal.Decimal, tierFlag bool) (txHash string, err error)
}

var (
	ErrInsufficientInventory = fmt.Errorf("ledger: insufficient inventory")
	ErrNoInventory           = fmt.Errorf("ledger: no inventory for market")
	ErrConcurrentGameCap     = fmt.Errorf("ledger: max concurrent games reached")
	ErrRefillInFlight        = fmt.Errorf("ledger: refill already in flight for market")
	ErrUnknownToken          = fmt.Errorf("ledger: token does not belong to market")
)

type entry struct {
	mu           sync.Mutex
	inv          types.Inventory
	tokenA       string
	tokenB       string
	refillActive bool
}

// Ledger owns one entry per market with a non-empty inventory, bounded by
// maxConcurrentGames.
type Ledger struct {
	mu                 sync.Mutex
	entries            map[string]*entry
	client             SplitMergeClient
	maxConcurrentGames int
	metrics            *metrics.Recorder
}

// New creates a Ledger against the given on-chain split/merge client. rec
// may be nil to disable metrics (e.g. in tests).
func New(client SplitMergeClient, maxConcurrentGames int, rec *metrics.Recorder) *Ledger {
	return &Ledger{
		entries:            make(map[string]*entry),
		client:             client,
		maxConcurrentGames: maxConcurrentGames,
		metrics:            rec,
	}
}

// SetMaxConcurrentGames applies a hot-reloaded cap. Existing entries beyond
// the new cap are not evicted; the cap is enforced only on creation of new
// ledger entries.
func (l *Ledger) SetMaxConcurrentGames(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxConcurrentGames = n
}

func (l *Ledger) getOrCreate(marketSlug, conditionID, tokenA, tokenB string, tierFlag bool) (*entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[marketSlug]; ok {
		return e, nil
	}
	if len(l.entries) >= l.maxConcurrentGames {
		return nil, ErrConcurrentGameCap
	}
	e := &entry{
		inv: types.Inventory{
			MarketSlug:     marketSlug,
			ConditionID:    conditionID,
			SharesA:        decimal.Zero,
			SharesB:        decimal.Zero,
			TotalSplitCost: decimal.Zero,
			TierFlag:       tierFlag,
		},
		tokenA: tokenA,
		tokenB: tokenB,
	}
	l.entries[marketSlug] = e
	return e, nil
}

func (l *Ledger) lookup(marketSlug string) (*entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[marketSlug]
	return e, ok
}

// Markets returns every market slug currently tracked, for shutdown merge
// sweeps and state persistence snapshots.
func (l *Ledger) Markets() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.entries))
	for slug := range l.entries {
		out = append(out, slug)
	}
	return out
}

// CreateOrTopUp submits a split transaction for amount and, on success,
// credits both sides of the market's inventory. Failure of the split
// transaction leaves the ledger unchanged. Creating a brand-new ledger
// entry is rejected once maxConcurrentGames is reached; topping up an
// existing entry is always permitted regardless of the cap.
func (l *Ledger) CreateOrTopUp(ctx context.Context, marketSlug, conditionID, tokenA, tokenB string, tierFlag bool, amount decimal.Decimal) error {
	_, existed := l.lookup(marketSlug)
	e, err := l.getOrCreate(marketSlug, conditionID, tokenA, tokenB, tierFlag)
	if err != nil {
		return err
	}

	_, err = l.client.Split(ctx, conditionID, amount, tierFlag)
	if err != nil {
		if !existed {
			// Drop the entry this call created, so a failed first split
			// leaves no entry and holds no concurrent-game slot.
			e.mu.Lock()
			empty := e.inv.TotalSplitCost.IsZero()
			e.mu.Unlock()
			if empty {
				l.Remove(marketSlug)
			}
		}
		return fmt.Errorf("split %s: %w", marketSlug, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.inv.SharesA = e.inv.SharesA.Add(amount)
	e.inv.SharesB = e.inv.SharesB.Add(amount)
	e.inv.TotalSplitCost = e.inv.TotalSplitCost.Add(amount)
	return nil
}

// ConsumeSellSide decrements the side holding tokenID, succeeding only if
// the side's count is at least shares. The paired complement stays in
// inventory untouched.
func (l *Ledger) ConsumeSellSide(marketSlug, tokenID string, shares decimal.Decimal) error {
	e, ok := l.lookup(marketSlug)
	if !ok {
		return ErrNoInventory
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	side, err := e.sideForLocked(tokenID)
	if err != nil {
		return err
	}
	current := e.get(side)
	if current.LessThan(shares) {
		return ErrInsufficientInventory
	}
	e.set(side, current.Sub(shares))
	return nil
}

// ReturnSellSide increments the side holding tokenID. Callers (the
// reconciliation layer) are responsible for ensuring this runs at most once
// per local order id.
func (l *Ledger) ReturnSellSide(marketSlug, tokenID string, shares decimal.Decimal) error {
	e, ok := l.lookup(marketSlug)
	if !ok {
		return ErrNoInventory
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	side, err := e.sideForLocked(tokenID)
	if err != nil {
		return err
	}
	e.set(side, e.get(side).Add(shares))
	return nil
}

// MergeBalanced submits a merge transaction for min(sharesA, sharesB) and,
// on success, decrements both sides by that amount. Leftover unbalanced
// shares are left as redeemable residuals and returned for logging.
func (l *Ledger) MergeBalanced(ctx context.Context, marketSlug string) (merged decimal.Decimal, residualA, residualB decimal.Decimal, err error) {
	e, ok := l.lookup(marketSlug)
	if !ok {
		return decimal.Zero, decimal.Zero, decimal.Zero, ErrNoInventory
	}

	e.mu.Lock()
	m := decimal.Min(e.inv.SharesA, e.inv.SharesB)
	conditionID := e.inv.ConditionID
	tierFlag := e.inv.TierFlag
	e.mu.Unlock()

	if m.IsZero() {
		e.mu.Lock()
		resA, resB := e.inv.SharesA, e.inv.SharesB
		e.mu.Unlock()
		return decimal.Zero, resA, resB, nil
	}

	if _, err := l.client.Merge(ctx, conditionID, m, tierFlag); err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("merge %s: %w", marketSlug, err)
	}

	e.mu.Lock()
	e.inv.SharesA = e.inv.SharesA.Sub(m)
	e.inv.SharesB = e.inv.SharesB.Sub(m)
	resA, resB := e.inv.SharesA, e.inv.SharesB
	e.mu.Unlock()

	return m, resA, resB, nil
}

// NeedsRefill reports whether min(sharesA, sharesB) has fallen to or below
// threshold.
func (l *Ledger) NeedsRefill(marketSlug string, threshold decimal.Decimal) bool {
	e, ok := l.lookup(marketSlug)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return decimal.Min(e.inv.SharesA, e.inv.SharesB).LessThanOrEqual(threshold)
}

// AutoRefill submits a background split of refillAmount if min(sharesA,
// sharesB) is at or below threshold, collapsing concurrent requests for the
// same market via a per-entry guard.
func (l *Ledger) AutoRefill(ctx context.Context, marketSlug string, threshold, refillAmount decimal.Decimal) error {
	e, ok := l.lookup(marketSlug)
	if !ok {
		return ErrNoInventory
	}

	e.mu.Lock()
	if e.refillActive {
		e.mu.Unlock()
		return ErrRefillInFlight
	}
	if decimal.Min(e.inv.SharesA, e.inv.SharesB).GreaterThan(threshold) {
		e.mu.Unlock()
		return nil
	}
	e.refillActive = true
	conditionID := e.inv.ConditionID
	tierFlag := e.inv.TierFlag
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.refillActive = false
		e.mu.Unlock()
	}()

	if _, err := l.client.Split(ctx, conditionID, refillAmount, tierFlag); err != nil {
		return fmt.Errorf("refill split %s: %w", marketSlug, err)
	}

	e.mu.Lock()
	e.inv.SharesA = e.inv.SharesA.Add(refillAmount)
	e.inv.SharesB = e.inv.SharesB.Add(refillAmount)
	e.inv.TotalSplitCost = e.inv.TotalSplitCost.Add(refillAmount)
	e.mu.Unlock()
	l.metrics.RefillSubmitted()
	return nil
}

// Snapshot returns a copy of the current inventory for marketSlug.
func (l *Ledger) Snapshot(marketSlug string) (types.Inventory, bool) {
	e, ok := l.lookup(marketSlug)
	if !ok {
		return types.Inventory{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inv, true
}

// Remove frees the market's inventory slot, releasing its concurrent-game
// slot (called on game-decided termination, §4.5.7).
func (l *Ledger) Remove(marketSlug string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, marketSlug)
}

func (e *entry) sideForLocked(tokenID string) (string, error) {
	switch tokenID {
	case e.tokenA:
		return "A", nil
	case e.tokenB:
		return "B", nil
	default:
		return "", ErrUnknownToken
	}
}

func (e *entry) get(side string) decimal.Decimal {
	if side == "A" {
		return e.inv.SharesA
	}
	return e.inv.SharesB
}

func (e *entry) set(side string, v decimal.Decimal) {
	if side == "A" {
		e.inv.SharesA = v
	} else {
		e.inv.SharesB = v
	}
}

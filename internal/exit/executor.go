// Package exit implements the exit executor of §4.7: a laddered retry loop,
// resting one tick above the best bid as a maker order on each attempt, used
// whenever a cycle needs to liquidate held-side shares outside the normal
// cumulative-TP path (event exit, scoring-run bail, emergency timeout). It is the direct descendant of the teacher's rate-limited order
// placement in internal/exchange/client.go, generalized from a single POST
// /orders call into a retry-until-filled loop with a hard floor-price
// fallback.
package exit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"shock-fade-engine/internal/metrics"
	"shock-fade-engine/pkg/types"
)

// ExchangeClient is the consumed exchange interface, scoped to what the
// exit executor needs: current best bid, GTC placement, and cancel.
type ExchangeClient interface {
	BestBid(ctx context.Context, tokenID string) (decimal.Decimal, error)
	PlaceSellLimitGTC(ctx context.Context, tokenID string, shares, price decimal.Decimal, tierFlag bool) (types.PlaceResult, error)
	Cancel(ctx context.Context, orderID string) error
}

// FloorPrice is the minimum price the executor will accept once every
// retry at the resting bid has failed to fill — guarantees the position
// closes rather than sitting resting indefinitely.
const FloorPrice = 0.01

// Config tunes the retry loop.
type Config struct {
	MaxAttempts   int
	AttemptBudget time.Duration
}

// Executor runs the GTC-at-bid retry loop.
type Executor struct {
	exchange ExchangeClient
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Recorder
}

// New creates an Executor. rec may be nil to disable metrics (e.g. in tests).
func New(exchange ExchangeClient, cfg Config, log *slog.Logger, rec *metrics.Recorder) *Executor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptBudget <= 0 {
		cfg.AttemptBudget = 4 * time.Second
	}
	return &Executor{exchange: exchange, cfg: cfg, log: log, metrics: rec}
}

var (
	tickBandLow  = decimal.NewFromFloat(0.04)
	tickBandHigh = decimal.NewFromFloat(0.96)
	tickStandard = decimal.NewFromFloat(0.01)
	tickFine     = decimal.NewFromFloat(0.001)
	decayStep    = decimal.NewFromFloat(0.02)
)

// tickForBid derives the price granularity for the current best bid per
// §4.7 step 2: 0.01 in the interior of the book, 0.001 near either edge
// where Polymarket requires finer-grained quoting.
func tickForBid(bid decimal.Decimal) decimal.Decimal {
	if bid.GreaterThan(tickBandLow) && bid.LessThan(tickBandHigh) {
		return tickStandard
	}
	return tickFine
}

// CloseBatch implements the consumed cycle.ExitExecutor interface: sells
// shares of heldTokenID, resting one tick above the current best bid as a
// maker order on the first attempt and decaying by a fixed 0.02 on each
// subsequent attempt up to cfg.MaxAttempts, then placing at FloorPrice if
// every retry still rests unfilled. Returns the share-weighted average fill
// price; a floor-price order that reports no fill is counted as filled in
// full at FloorPrice.
func (e *Executor) CloseBatch(ctx context.Context, heldTokenID, marketSlug string, shares decimal.Decimal) (decimal.Decimal, error) {
	if shares.IsZero() {
		return decimal.Zero, nil
	}

	remaining := shares
	weightedSum := decimal.Zero
	tierFlag := false // CloseBatch has no market record to read the tier flag from; the exchange client's PostOrders does not use it

	for attempt := 0; attempt < e.cfg.MaxAttempts && remaining.GreaterThan(decimal.Zero); attempt++ {
		bid, err := e.exchange.BestBid(ctx, heldTokenID)
		if err != nil {
			e.log.Warn("exit: best bid lookup failed, retrying", "token", heldTokenID, "attempt", attempt, "error", err)
			continue
		}

		tick := tickForBid(bid)
		// One tick above the bid rests as a maker order, avoiding the venue's
		// marketable-order delay; each retry decays by a fixed 0.02 rather than
		// chasing the bid down, since a crossing price defeats the maker post.
		price := bid.Add(tick).Sub(decayStep.Mul(decimal.NewFromInt(int64(attempt))))
		if price.LessThan(decimal.NewFromFloat(FloorPrice)) {
			price = decimal.NewFromFloat(FloorPrice)
		}

		result, err := e.exchange.PlaceSellLimitGTC(ctx, heldTokenID, remaining, price, tierFlag)
		if err != nil {
			e.log.Warn("exit: placement failed, retrying", "token", heldTokenID, "attempt", attempt, "error", err)
			continue
		}

		if result.FilledShares.GreaterThan(decimal.Zero) {
			weightedSum = weightedSum.Add(result.FilledShares.Mul(result.FilledPrice))
			remaining = remaining.Sub(result.FilledShares)
			e.metrics.ExitAttempt("placed")
		} else {
			e.metrics.ExitAttempt("retried")
		}

		if remaining.IsZero() {
			break
		}

		if result.OrderID != "" {
			e.waitAttemptBudget(ctx)
			if err := e.exchange.Cancel(ctx, result.OrderID); err != nil {
				e.log.Warn("exit: cancel unfilled retry failed", "orderId", result.OrderID, "error", err)
			}
		}
	}

	if remaining.GreaterThan(decimal.Zero) {
		e.metrics.ExitAttempt("floor_fallback")
		result, err := e.exchange.PlaceSellLimitGTC(ctx, heldTokenID, remaining, decimal.NewFromFloat(FloorPrice), tierFlag)
		if err != nil {
			e.metrics.ExitAttempt("failed")
			return decimal.Zero, fmt.Errorf("exit: floor-price placement failed: %w", err)
		}
		filled := result.FilledShares
		if filled.IsZero() {
			filled = remaining // no inline fill reported: the floor order is counted as filled in full
		}
		weightedSum = weightedSum.Add(filled.Mul(decimal.NewFromFloat(FloorPrice)))
		remaining = remaining.Sub(filled)
	}

	filledTotal := shares.Sub(remaining)
	if filledTotal.IsZero() {
		return decimal.Zero, fmt.Errorf("exit: no shares filled for %s on %s", heldTokenID, marketSlug)
	}
	return weightedSum.Div(filledTotal), nil
}

func (e *Executor) waitAttemptBudget(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(e.cfg.AttemptBudget):
	}
}

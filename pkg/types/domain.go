// domain.go defines the shock-fade engine's core domain vocabulary: markets,
// inventory, ladder orders, cumulative take-profits, positions, trade records
// and scoring events. These types are shared across every internal package
// and have no dependency on internal packages, matching the rest of this file.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// LifecycleState is the external lifecycle of a market as reported by market
// discovery (out of scope for this module; consumed as read-only data).
type LifecycleState string

const (
	LifecycleActive LifecycleState = "active"
	LifecycleClosed LifecycleState = "closed"
	LifecyclePaused LifecycleState = "paused"
)

// Market is the read-only external description of one binary market.
// TokenA and TokenB are complementary: one share of each redeems for exactly
// one unit of collateral.
type Market struct {
	MarketSlug     string
	ConditionID    string
	TokenA         string
	TokenB         string
	OutcomeNameA   string
	OutcomeNameB   string
	PriceTierFlag  bool
	LifecycleState LifecycleState
}

// ComplementOf returns the token id paired with tokenID in this market, and
// whether tokenID belongs to this market at all.
func (m Market) ComplementOf(tokenID string) (string, bool) {
	switch tokenID {
	case m.TokenA:
		return m.TokenB, true
	case m.TokenB:
		return m.TokenA, true
	default:
		return "", false
	}
}

// ShockDirection is the direction of the mid-price move that produced a Shock.
type ShockDirection string

const (
	DirectionUp   ShockDirection = "up"
	DirectionDown ShockDirection = "down"
)

// Shock is a candidate price dislocation emitted by the shock detector,
// pending classification.
type Shock struct {
	TokenID       string
	MarketSlug    string
	Direction     ShockDirection
	Magnitude     decimal.Decimal
	ZScore        float64
	PreShockPrice decimal.Decimal
	CurrentPrice  decimal.Decimal
	Timestamp     time.Time

	// ShockID is tokenID + ":" + timestamp (RFC 3339 with nanoseconds), assigned once the
	// detector accepts the candidate and hands it to the classifier.
	ShockID string

	// ShockTeam is resolved by the classifier for accepted single_event
	// shocks; empty means unknown.
	ShockTeam string
}

// Classification is the classifier's verdict on a pending shock.
type Classification string

const (
	ClassSingleEvent Classification = "single_event"
	ClassScoringRun  Classification = "scoring_run"
	ClassUnclassified Classification = "unclassified"
	ClassPending      Classification = "pending"
)

// ScoringEvent is one event yielded by the external sport-event feed.
type ScoringEvent struct {
	GameID    string
	Type      string
	Team      string
	Period    int
	Clock     string
	Timestamp time.Time
}

// DedupeKey identifies a scoring event for window deduplication.
func (e ScoringEvent) DedupeKey() string {
	return e.GameID + "|" + e.Type + "|" + e.Team + "|" + e.Clock + "|" + itoa(e.Period)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// Inventory tracks the uncommitted split-share balances for one market.
// SharesA and SharesB never go negative; shares currently resting in sell
// orders are tracked separately on the LadderOrder/CumulativeTP records.
type Inventory struct {
	MarketSlug     string
	ConditionID    string
	SharesA        decimal.Decimal
	SharesB        decimal.Decimal
	TotalSplitCost decimal.Decimal
	TierFlag       bool
}

// OrderStatus is the lifecycle state of a LadderOrder or TP order.
type OrderStatus string

const (
	StatusPendingPlace OrderStatus = "pending_place"
	StatusResting      OrderStatus = "resting"
	StatusFilled       OrderStatus = "filled"
	StatusCancelled    OrderStatus = "cancelled"
	StatusFailed       OrderStatus = "failed"
)

// LadderOrder is one rung of a cycle's entry ladder.
type LadderOrder struct {
	LocalID         string
	ExchangeOrderID string // empty until placed and acknowledged resting
	TokenID         string
	MarketSlug      string
	Price           decimal.Decimal
	Shares          decimal.Decimal
	Level           int
	ShockID         string
	Status          OrderStatus
	CreatedAt       time.Time
	FilledAt        *time.Time
	FillPrice       *decimal.Decimal
}

// CycleStatus is the lifecycle state of a CumulativeTP / cycle.
type CycleStatus string

const (
	CycleWatching      CycleStatus = "watching"
	CyclePartial       CycleStatus = "partial"
	CycleHit           CycleStatus = "hit"
	CycleEventExit     CycleStatus = "event_exit"
	CycleScoringRunBail CycleStatus = "scoring_run_bail"
	CycleTimeout       CycleStatus = "timeout"
	CycleClosed        CycleStatus = "closed"
)

// IsTerminal reports whether status is a terminal cycle outcome.
func (s CycleStatus) IsTerminal() bool {
	switch s {
	case CycleHit, CycleEventExit, CycleScoringRunBail, CycleTimeout, CycleClosed:
		return true
	default:
		return false
	}
}

// CumulativeTP is the single outstanding take-profit order for one cycle,
// maintained by cancel-and-replace over the cycle's life.
type CumulativeTP struct {
	ShockID     string
	MarketSlug  string
	ConditionID string
	TierFlag    bool
	ShockTeam   string // empty = unknown

	SoldTokenID string // the spiked side, sold on entry
	HeldTokenID string // the complement, sold on take-profit

	TotalEntryShares decimal.Decimal
	FilledTPShares   decimal.Decimal
	WeightedEntrySum decimal.Decimal
	BlendedEntryPrice decimal.Decimal

	TPPrice         decimal.Decimal
	TPShares        decimal.Decimal
	TPExchangeOrderID string // empty while being replaced

	PartialPnL decimal.Decimal
	Status     CycleStatus
	CreatedAt  time.Time
}

// Position mirrors one entry fill and receives an exit outcome on cycle
// termination. Positions are accounting records only; they never drive exit
// decisions — the CumulativeTP does.
type Position struct {
	ID          string
	ShockID     string
	MarketSlug  string
	HeldTokenID string
	Shares      decimal.Decimal
	EntryPrice  decimal.Decimal
	OpenedAt    time.Time

	Closed    bool
	ExitPrice decimal.Decimal
	ClosedAt  time.Time
	PnL       decimal.Decimal
}

// TradeRecord is an immutable audit row written when a Position terminates.
type TradeRecord struct {
	PositionID string
	ShockID    string
	MarketSlug string
	TokenID    string
	Shares     decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	PnL        decimal.Decimal
	OpenedAt   time.Time
	ClosedAt   time.Time
	Reason     CycleStatus
}

// PlaceResult is the exchange's synchronous response to an order placement,
// shared by every caller of the exchange client (cycle ladder/TP placement,
// exit executor retries) so they compose against one wire shape.
type PlaceResult struct {
	OrderID      string
	Resting      bool
	FilledShares decimal.Decimal
	FilledPrice  decimal.Decimal
}

// SupervisorState is the engine-wide circuit-breaker and session state.
type SupervisorState struct {
	SessionPnL        decimal.Decimal
	ConsecutiveLosses int
	Halted            bool
	HaltReason        string
	StartedAt         time.Time
}

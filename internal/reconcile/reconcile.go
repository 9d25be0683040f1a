// Package reconcile implements the fill reconciliation layer of §4.6: it
// merges two independent fill signal sources (private push stream, polled
// open-orders snapshot) into a single at-most-once terminal dispatch per
// exchange order id. Per the design note in §9, reconciliation is a single
// module whose sole API is ObserveTerminal, which owns the handled-set.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"shock-fade-engine/internal/metrics"
)

// OutcomeKind is the terminal transition observed for an exchange order.
type OutcomeKind int

const (
	KindFilled OutcomeKind = iota
	KindCancelled
)

// Outcome is a terminal observation for one exchange order id.
type Outcome struct {
	Kind  OutcomeKind
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Reconciler owns the HandledOrderIds set. The first observation of a
// terminal outcome for an exchange order id wins; the cancel-fill race
// (Cancelled then Filled) is the sole permitted exception — it dispatches
// again so the caller can reverse the cancel's inventory return.
type Reconciler struct {
	mu      sync.Mutex
	handled map[string]OutcomeKind
	log     *slog.Logger
	metrics *metrics.Recorder
}

// New creates an empty Reconciler. rec may be nil to disable metrics (e.g.
// in tests).
func New(log *slog.Logger, rec *metrics.Recorder) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{handled: make(map[string]OutcomeKind), log: log, metrics: rec}
}

// Result describes what the caller should do with an observation.
type Result struct {
	Dispatch     bool // false: second observation, no-op
	CancelFillRace bool // true: a Cancelled was already dispatched; caller must reverse its inventory return before applying this fill
}

// ObserveTerminal is the reconciliation layer's sole API. Both the push
// path and the poll path call it for every terminal observation, identifying
// themselves via source ("push" or "poll") for metrics only; any two events
// for the same exchange order id are serialized by the mutex.
func (r *Reconciler) ObserveTerminal(orderID, source string, outcome Outcome) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, seen := r.handled[orderID]
	if !seen {
		r.handled[orderID] = outcome.Kind
		r.metrics.FillDispatched(source, kindLabel(outcome.Kind))
		return Result{Dispatch: true}
	}

	if prior == KindCancelled && outcome.Kind == KindFilled {
		// Cancel-fill race: the cancel lost the race. Resting -> Cancelled ->
		// Filled is the one permitted non-monotonic transition.
		r.handled[orderID] = KindFilled
		r.metrics.FillDispatched(source, kindLabel(outcome.Kind))
		return Result{Dispatch: true, CancelFillRace: true}
	}

	r.log.Debug("reconcile: duplicate terminal observation ignored", "orderId", orderID,
		"prior", prior, "new", outcome.Kind)
	return Result{Dispatch: false}
}

func kindLabel(k OutcomeKind) string {
	if k == KindFilled {
		return "filled"
	}
	return "cancelled"
}

// IsHandled reports whether orderID has already been dispatched.
func (r *Reconciler) IsHandled(orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, seen := r.handled[orderID]
	return seen
}

// OpenOrderSummary is the subset of an exchange open-order record the poll
// path needs to detect disappearance.
type OpenOrderSummary struct {
	OrderID string
	Price   decimal.Decimal
}

// OpenOrdersQuerier is the consumed exchange interface's open_orders call,
// scoped to one conditionId.
type OpenOrdersQuerier interface {
	OpenOrders(ctx context.Context, conditionID string) ([]OpenOrderSummary, error)
}

// RestingOrder is one locally-tracked resting order, carrying its limit
// price and remaining size so the poll path can report a phantom fill "at
// the limit price, for the remaining size" per §4.6 without needing either
// from the (now-missing) snapshot entry.
type RestingOrder struct {
	OrderID string
	Price   decimal.Decimal
	Shares  decimal.Decimal
}

// RestingSet is supplied by the ladder/cycle layer: the set of exchange
// orders it currently believes are Resting, grouped by conditionId.
type RestingSet interface {
	RestingOrders(conditionID string) []RestingOrder
}

// FillHandler is invoked once per dispatched terminal outcome.
type FillHandler func(orderID string, outcome Outcome, result Result)

// Poller runs the 5-second polling loop of §4.6: any previously-resting
// order missing from the open-orders snapshot and not already handled is
// assumed filled at its limit price.
type Poller struct {
	querier      OpenOrdersQuerier
	resting      RestingSet
	reconciler   *Reconciler
	interval     time.Duration
	conditionIDs func() []string
	handler      FillHandler
	log          *slog.Logger
}

// NewPoller creates a Poller. conditionIDs returns the set of markets with
// currently active cycles to poll each tick.
func NewPoller(querier OpenOrdersQuerier, resting RestingSet, reconciler *Reconciler, interval time.Duration, conditionIDs func() []string, handler FillHandler, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		querier:      querier,
		resting:      resting,
		reconciler:   reconciler,
		interval:     interval,
		conditionIDs: conditionIDs,
		handler:      handler,
		log:          log,
	}
}

// Run drives the poll loop until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, conditionID := range p.conditionIDs() {
		p.pollCondition(ctx, conditionID)
	}
}

func (p *Poller) pollCondition(ctx context.Context, conditionID string) {
	localResting := p.resting.RestingOrders(conditionID)
	if len(localResting) == 0 {
		return
	}

	snapshot, err := p.querier.OpenOrders(ctx, conditionID)
	if err != nil {
		p.log.Warn("reconcile: poll open orders failed", "conditionId", conditionID, "error", err)
		return
	}

	stillOpen := make(map[string]struct{}, len(snapshot))
	for _, o := range snapshot {
		stillOpen[o.OrderID] = struct{}{}
	}

	for _, local := range localResting {
		if _, ok := stillOpen[local.OrderID]; ok {
			continue
		}
		if p.reconciler.IsHandled(local.OrderID) {
			continue
		}
		outcome := Outcome{Kind: KindFilled, Price: local.Price, Size: local.Shares}
		result := p.reconciler.ObserveTerminal(local.OrderID, "poll", outcome)
		if result.Dispatch {
			p.handler(local.OrderID, outcome, result)
		}
	}
}

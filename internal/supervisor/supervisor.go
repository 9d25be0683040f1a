// Package supervisor implements the engine-wide circuit breakers and
// graceful shutdown sequence of §4.8. It is the direct descendant of
// internal/risk/manager.go's kill-switch: consecutive-loss and
// session-loss counters replace per-market/global USD exposure limits, and
// halting stops new cycles rather than cancelling existing ones outright.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"shock-fade-engine/internal/config"
	"shock-fade-engine/internal/metrics"
	"shock-fade-engine/pkg/types"
)

// MergeBalancer is called once per known market during graceful shutdown to
// merge down any residual balanced inventory before the process exits.
type MergeBalancer interface {
	MergeBalanced(ctx context.Context, marketSlug string) (merged, residualA, residualB decimal.Decimal, err error)
}

// StatePersister writes the final SupervisorState + trade history to disk
// during graceful shutdown.
type StatePersister interface {
	Persist(ctx context.Context, state types.SupervisorState, trades []types.TradeRecord) error
}

// Supervisor tracks session PnL and consecutive losses, trips the halt flag
// when either circuit breaker's threshold is crossed, and consumes
// config.Reloader updates to hot-swap the live EngineConfig. It implements
// cycle.SupervisorGate.
type Supervisor struct {
	mu    sync.RWMutex
	state types.SupervisorState
	live  config.EngineConfig

	log     *slog.Logger
	metrics *metrics.Recorder
}

// New creates a Supervisor seeded with the given initial EngineConfig. rec
// may be nil to disable metrics (e.g. in tests).
func New(initial config.EngineConfig, log *slog.Logger, rec *metrics.Recorder) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		live: initial,
		state: types.SupervisorState{
			StartedAt: time.Now(),
		},
		log:     log,
		metrics: rec,
	}
}

// IsHalted reports whether the supervisor has tripped a circuit breaker.
func (s *Supervisor) IsHalted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Halted
}

// LiveConfig returns the currently-installed EngineConfig snapshot.
func (s *Supervisor) LiveConfig() config.EngineConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// RecordCyclePnL updates session PnL and the consecutive-loss counter, and
// trips the halt flag if either breaches its configured threshold. A
// non-negative PnL resets the consecutive-loss streak, matching the
// teacher's kill-switch philosophy of reacting to sustained adverse runs
// rather than any single loss.
func (s *Supervisor) RecordCyclePnL(pnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.SessionPnL = s.state.SessionPnL.Add(pnl)
	if pnl.IsNegative() {
		s.state.ConsecutiveLosses++
	} else {
		s.state.ConsecutiveLosses = 0
	}
	s.metrics.SetSessionPnL(toFloat(s.state.SessionPnL))

	if s.state.Halted {
		return
	}

	if s.state.ConsecutiveLosses >= s.live.MaxConsecutiveLosses {
		s.haltLocked("max consecutive losses reached")
		return
	}
	if s.state.SessionPnL.LessThan(decimal.NewFromFloat(-s.live.MaxSessionLoss)) {
		s.haltLocked("max session loss reached")
	}
}

func (s *Supervisor) haltLocked(reason string) {
	s.state.Halted = true
	s.state.HaltReason = reason
	s.log.Error("supervisor: circuit breaker tripped", "reason", reason,
		"sessionPnL", s.state.SessionPnL, "consecutiveLosses", s.state.ConsecutiveLosses)
	s.metrics.CircuitBreakerTripped(reason)
}

func toFloat(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}

// Halt manually trips the halt flag (e.g. on an unrecoverable exchange
// error), independent of the PnL-driven breakers.
func (s *Supervisor) Halt(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Halted {
		return
	}
	s.haltLocked(reason)
}

// Snapshot returns a copy of the current SupervisorState.
func (s *Supervisor) Snapshot() types.SupervisorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// WatchReloads installs validated config.Reloader updates as the live
// EngineConfig until ctx is cancelled. Only markets/cycles created after an
// update observe the new tuning surface, per the Reloader's own contract.
func (s *Supervisor) WatchReloads(ctx context.Context, updates <-chan config.EngineConfig) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			s.mu.Lock()
			s.live = next
			s.mu.Unlock()
			s.log.Info("supervisor: engine config hot-reloaded")
		}
	}
}

// MarketLister reports every market slug the ledger currently tracks, so
// shutdown can merge down residual inventory market-by-market.
type MarketLister interface {
	Markets() []string
}

// Shutdown runs the graceful shutdown sequence of §4.8: stop accepting new
// shocks (the caller is responsible for this — Shutdown assumes it has
// already happened), merge every known market's balanced inventory, persist
// final state, and return. Errors merging or persisting are logged, not
// returned, since shutdown must run to completion regardless.
func (s *Supervisor) Shutdown(ctx context.Context, markets MarketLister, ledger MergeBalancer, persister StatePersister, trades []types.TradeRecord) {
	s.mu.Lock()
	s.state.Halted = true
	if s.state.HaltReason == "" {
		s.state.HaltReason = "graceful shutdown"
	}
	snapshot := s.state
	s.mu.Unlock()

	for _, marketSlug := range markets.Markets() {
		merged, residualA, residualB, err := ledger.MergeBalanced(ctx, marketSlug)
		if err != nil {
			s.log.Error("supervisor: shutdown merge failed", "market", marketSlug, "error", err)
			continue
		}
		if !residualA.IsZero() || !residualB.IsZero() {
			s.log.Info("supervisor: shutdown merge left residual", "market", marketSlug,
				"merged", merged, "residualA", residualA, "residualB", residualB)
		}
	}

	if persister != nil {
		if err := persister.Persist(ctx, snapshot, trades); err != nil {
			s.log.Error("supervisor: final persist failed", "error", err)
		}
	}
}

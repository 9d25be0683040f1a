// Shock-fade-live — a mean-reversion engine for binary sports prediction
// markets: it watches live order books for statistically abnormal moves,
// waits for the external scoring feed to confirm a single triggering event,
// and fades the move with a laddered entry plus a cumulative take-profit.
//
// Architecture:
//
//	cmd/engine/main.go       — entry point: loads config, wires every component, waits for SIGINT/SIGTERM
//	internal/catalog         — static market-slug/token-id index (market discovery is a consumed external collaborator, not part of this binary)
//	internal/stats           — rolling per-token price-window statistics
//	internal/shock           — §4.2 shock detector
//	internal/eventfeed       — §4.3 event classifier (adaptive-rate polling + window classification)
//	internal/ledger          — §4.4 inventory ledger (split/refill/consume/return/merge)
//	internal/cycle           — §4.5 cycle state machine (CORE): ladder placement, cumulative TP, exit routing
//	internal/exit            — §4.7 GTC-at-bid laddered exit executor
//	internal/reconcile       — §4.6 fill reconciliation (push + poll, at-most-once dispatch)
//	internal/supervisor      — §4.8 circuit breakers + graceful shutdown
//	internal/exchange        — Polymarket CLOB REST + WebSocket clients
//	internal/onchain         — CTF split/merge against Polygon
//	internal/persistence     — versioned JSON state document + sqlite trade audit log
//	internal/metrics         — Prometheus counters/gauges
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"shock-fade-engine/internal/catalog"
	"shock-fade-engine/internal/config"
	"shock-fade-engine/internal/cycle"
	"shock-fade-engine/internal/eventfeed"
	"shock-fade-engine/internal/exchange"
	"shock-fade-engine/internal/exit"
	"shock-fade-engine/internal/feed"
	"shock-fade-engine/internal/ledger"
	"shock-fade-engine/internal/metrics"
	"shock-fade-engine/internal/onchain"
	"shock-fade-engine/internal/persistence"
	"shock-fade-engine/internal/reconcile"
	"shock-fade-engine/internal/shock"
	"shock-fade-engine/internal/supervisor"
	"shock-fade-engine/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SHOCK_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics server started", "addr", cfg.Metrics.Addr)
	}

	cat := catalog.New(marketEntries(cfg.Markets))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	onchainClient, err := onchain.New(cfg.API.RPCURL, cfg.Wallet.PrivateKey)
	if err != nil {
		logger.Error("failed to create onchain client", "error", err)
		os.Exit(1)
	}

	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		logger.Error("failed to create exchange auth", "error", err)
		os.Exit(1)
	}
	restClient := exchange.NewClient(*cfg, auth, logger)
	if !auth.HasL2Credentials() {
		if _, err := restClient.DeriveAPIKey(ctx); err != nil {
			logger.Error("failed to derive L2 api key", "error", err)
			os.Exit(1)
		}
	}
	clob := restClient

	ledgerInstance := ledger.New(onchainClient, cfg.Engine.MaxConcurrentGames, rec)
	preSplitMarkets(ctx, ledgerInstance, cat, cfg.Engine, logger)

	detector := shock.New(shockConfig(cfg.Engine))

	classifier := eventfeed.New(eventfeedConfig(cfg.Engine), noopPoller{}, logger, rec)
	for _, e := range cat.All() {
		classifier.RegisterMarket(e.Market.MarketSlug, e.GameID)
	}

	reconciler := reconcile.New(logger, rec)

	exitExecutor := exit.New(clob, exit.Config{
		MaxAttempts:   cfg.Engine.ExitMaxAttempts,
		AttemptBudget: cfg.Engine.ExitAttemptBudget,
	}, logger, rec)

	sup := supervisor.New(cfg.Engine, logger, rec)

	cycleEngine := cycle.New(clob, ledgerInstance, exitExecutor, sup, logger, rec)

	classifier.Subscribe(func(marketSlug string, event types.ScoringEvent, sameTeamRun int) {
		cycleEngine.OnScoringEvent(ctx, marketSlug, event.Team, sameTeamRun)
	})

	store, err := persistence.OpenStore(cfg.Store.DataDir + "/state.json")
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	tradeLog, err := persistence.OpenTradeLog(cfg.Store.SQLitePath)
	if err != nil {
		logger.Error("failed to open trade log", "error", err)
		os.Exit(1)
	}
	defer tradeLog.Close()
	persister := persistence.NewPersister(store, tradeLog)

	if doc, existed, err := persister.Load(); err != nil {
		logger.Error("failed to load persisted state", "error", err)
	} else if existed {
		rehydrate(cycleEngine, doc, cfg.Engine, cat)
	}

	fillHandler := func(orderID string, outcome reconcile.Outcome, result reconcile.Result) {
		shockID, isTP, ok := cycleEngine.ResolveOrder(orderID)
		if !ok {
			logger.Debug("main: fill for order with no active cycle", "orderId", orderID)
			return
		}
		if outcome.Kind != reconcile.KindFilled {
			return
		}
		if result.CancelFillRace && !isTP {
			if err := cycleEngine.ReverseCancelReturn(orderID); err != nil {
				logger.Warn("main: cancel-fill race inventory reversal failed", "orderId", orderID, "error", err)
			}
		}
		var err error
		if isTP {
			err = cycleEngine.HandleTPFill(ctx, shockID, outcome.Size, outcome.Price)
		} else {
			err = cycleEngine.HandleLadderFill(ctx, shockID, outcome.Size, outcome.Price)
		}
		if err != nil {
			logger.Warn("main: fill dispatch failed", "shockId", shockID, "error", err)
		}
	}

	marketFeed := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
	userFeed := exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger)

	marketDispatcher := feed.NewMarketDispatcher(cat, detector, func(s types.Shock) {
		onShock(ctx, classifier, detector, cycleEngine, sup, cat, cfg, rec, logger, s)
	}, logger)
	userDispatcher := feed.NewUserDispatcher(reconciler, fillHandler, logger)

	fillPoller := reconcile.NewPoller(clob, cycleEngine, reconciler, cfg.Engine.PollFillInterval, cat.ConditionIDs, fillHandler, logger)

	var wg sync.WaitGroup
	runBackground(ctx, &wg, "market-feed", func() { marketFeed.Run(ctx) })
	runBackground(ctx, &wg, "user-feed", func() { userFeed.Run(ctx) })
	runBackground(ctx, &wg, "market-dispatcher", func() { marketDispatcher.Run(ctx, marketFeed) })
	runBackground(ctx, &wg, "user-dispatcher", func() { userDispatcher.Run(ctx, userFeed) })
	runBackground(ctx, &wg, "event-classifier", func() { classifier.Run(ctx) })
	runBackground(ctx, &wg, "fill-poller", func() { fillPoller.Run(ctx) })
	runBackground(ctx, &wg, "stale-ladder-reaper", func() { reaperLoop(ctx, cycleEngine, cfg.Engine) })
	runBackground(ctx, &wg, "emergency-timeout-sweep", func() { emergencySweepLoop(ctx, cycleEngine, cfg.Engine) })
	runBackground(ctx, &wg, "periodic-persist", func() { persistLoop(ctx, sup, cycleEngine, ledgerInstance, persister, cat, logger) })

	if err := marketFeed.Subscribe(ctx, cat.AssetIDs()); err != nil {
		logger.Warn("main: initial market feed subscribe failed", "error", err)
	}
	if err := userFeed.Subscribe(ctx, cat.ConditionIDs()); err != nil {
		logger.Warn("main: initial user feed subscribe failed", "error", err)
	}

	logger.Info("shock-fade-live started",
		"markets", len(cat.All()),
		"dry_run", cfg.DryRun,
		"sigma_threshold", cfg.Engine.SigmaThreshold,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	sup.Shutdown(context.Background(), ledgerInstance, ledgerInstance, persister, cycleEngine.Trades())
	wg.Wait()
	logger.Info("shock-fade-live stopped")
}

// onShock is the market dispatcher's ShockSink: it hands a detected
// candidate to the classifier and, once classified, either enters a cycle
// (single_event) or resets the market's cooldown and drops it
// (scoring_run/unclassified) per §4.3.
func onShock(ctx context.Context, classifier *eventfeed.Classifier, detector *shock.Detector, cycleEngine *cycle.Engine, sup *supervisor.Supervisor, cat *catalog.Catalog, cfg *config.Config, rec *metrics.Recorder, logger *slog.Logger, s types.Shock) {
	market, ok := cat.MarketBySlug(s.MarketSlug)
	if !ok {
		return
	}
	rec.ShockDetected(string(s.Direction))

	classifier.Submit(s, market.OutcomeNameA, market.OutcomeNameB, market.TokenA, time.Now())
	classifier.Activate(s.MarketSlug)

	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(cfg.Engine.ClassifyDeadline + time.Second)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				class, team, ok := classifier.Poll(s.ShockID, now)
				if !ok {
					if now.After(deadline) {
						return
					}
					continue
				}
				if class != types.ClassSingleEvent {
					detector.ResetCooldown(s.MarketSlug)
					classifier.Idle(s.MarketSlug)
					return
				}
				s.ShockTeam = team
				if err := cycleEngine.AcceptShock(ctx, market, s, sup.LiveConfig(), false); err != nil {
					logger.Info("main: shock rejected", "shockId", s.ShockID, "error", err)
				}
				return
			}
		}
	}()
}

// noopPoller satisfies eventfeed.Poller with no upstream events. The
// sport-specific scoring feed adapter is a consumed external collaborator
// (§6) left for the operator to supply; wiring a live one here would mean
// inventing a sport/provider this module has no grounds to choose.
type noopPoller struct{}

func (noopPoller) Poll(_ context.Context, _ string) ([]types.ScoringEvent, error) {
	return nil, nil
}

func marketEntries(cfgMarkets []config.MarketConfig) []catalog.Entry {
	out := make([]catalog.Entry, 0, len(cfgMarkets))
	for _, m := range cfgMarkets {
		out = append(out, catalog.Entry{
			Market: types.Market{
				MarketSlug:     m.MarketSlug,
				ConditionID:    m.ConditionID,
				TokenA:         m.TokenA,
				TokenB:         m.TokenB,
				OutcomeNameA:   m.OutcomeNameA,
				OutcomeNameB:   m.OutcomeNameB,
				PriceTierFlag:  m.PriceTierFlag,
				LifecycleState: types.LifecycleActive,
			},
			GameID: m.GameID,
		})
	}
	return out
}

func preSplitMarkets(ctx context.Context, l *ledger.Ledger, cat *catalog.Catalog, cfg config.EngineConfig, logger *slog.Logger) {
	amount := decimal.NewFromInt(cfg.PreSplitSize())
	for _, e := range cat.All() {
		m := e.Market
		if err := l.CreateOrTopUp(ctx, m.MarketSlug, m.ConditionID, m.TokenA, m.TokenB, m.PriceTierFlag, amount); err != nil {
			logger.Error("main: pre-split failed", "market", m.MarketSlug, "error", err)
		}
	}
}

func rehydrate(cycleEngine *cycle.Engine, doc persistence.Document, cfg config.EngineConfig, cat *catalog.Catalog) {
	for _, tp := range doc.CumulativeTPs {
		cycleEngine.Rehydrate(tp, cfg, cat.MarketBySlug)
	}
}

func shockConfig(e config.EngineConfig) shock.Config {
	return shock.Config{
		SigmaThreshold:  e.SigmaThreshold,
		MinAbsoluteMove: e.MinAbsoluteMove,
		RollingWindow:   time.Duration(e.RollingWindowMs) * time.Millisecond,
		CooldownMs:      e.CooldownMs,
		TargetPriceMin:  e.TargetPriceMin,
		TargetPriceMax:  e.TargetPriceMax,
	}
}

func eventfeedConfig(e config.EngineConfig) eventfeed.Config {
	return eventfeed.Config{
		Deadline:           e.ClassifyDeadline,
		EventWindow:        e.EventWindow,
		IdlePollInterval:   e.IdlePollInterval,
		ActivePollInterval: e.ActivePollInterval,
	}
}

func reaperLoop(ctx context.Context, cycleEngine *cycle.Engine, cfg config.EngineConfig) {
	ticker := time.NewTicker(cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cycleEngine.StaleLadderReaper(ctx, now, cfg.StaleLadderAge)
		}
	}
}

func emergencySweepLoop(ctx context.Context, cycleEngine *cycle.Engine, cfg config.EngineConfig) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cycleEngine.EmergencyTimeoutSweep(ctx, now, cfg.EmergencyTimeout)
		}
	}
}

func persistLoop(ctx context.Context, sup *supervisor.Supervisor, cycleEngine *cycle.Engine, l *ledger.Ledger, persister *persistence.Persister, cat *catalog.Catalog, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range cat.All() {
				if inv, ok := l.Snapshot(e.Market.MarketSlug); ok {
					persister.UpdateInventory(e.Market.MarketSlug, inv)
				}
			}
			if err := persister.Persist(ctx, sup.Snapshot(), cycleEngine.Trades()); err != nil {
				logger.Error("main: periodic persist failed", "error", err)
			}
		}
	}
}

// runBackground launches fn in a goroutine tracked by wg. name only labels
// the call site for readability; ctx is not used directly here since each fn
// closes over its own context-aware loop.
func runBackground(_ context.Context, wg *sync.WaitGroup, _ string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"shock-fade-engine/pkg/types"
)

func d(s string) decimal.Decimal { v, _ := decimal.NewFromString(s); return v }

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	doc := newDocument()
	doc.Supervisor = types.SupervisorState{SessionPnL: d("12.5"), ConsecutiveLosses: 1}
	doc.Inventories["mkt1"] = types.Inventory{MarketSlug: "mkt1", SharesA: d("100"), SharesB: d("100")}
	doc.CumulativeTPs["shock1"] = types.CumulativeTP{ShockID: "shock1", MarketSlug: "mkt1", BlendedEntryPrice: d("0.4")}

	if err := store.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, existed, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !existed {
		t.Fatalf("expected existed=true after a prior save")
	}
	if loaded.Model != Model {
		t.Fatalf("expected model %q, got %q", Model, loaded.Model)
	}
	if !loaded.Supervisor.SessionPnL.Equal(d("12.5")) {
		t.Fatalf("expected session pnl 12.5, got %s", loaded.Supervisor.SessionPnL)
	}
	if loaded.Inventories["mkt1"].SharesA.String() != "100" {
		t.Fatalf("expected inventory round-trip, got %+v", loaded.Inventories["mkt1"])
	}
	if loaded.CumulativeTPs["shock1"].BlendedEntryPrice.String() != "0.4" {
		t.Fatalf("expected cumulative tp round-trip, got %+v", loaded.CumulativeTPs["shock1"])
	}
}

func TestStoreLoadMissingFileReturnsEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	doc, existed, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if existed {
		t.Fatalf("expected existed=false for a missing file")
	}
	if doc.Model != Model || len(doc.Inventories) != 0 {
		t.Fatalf("expected fresh empty document, got %+v", doc)
	}
}

func TestMigrateReindexesLegacyMarketKeyedCumulativeTPs(t *testing.T) {
	legacy := Document{
		Version: 1,
		CumulativeTPs: map[string]types.CumulativeTP{
			"mkt1": {ShockID: "shock1", MarketSlug: "mkt1"},
		},
	}

	migrated := migrate(legacy)

	if migrated.Version != CurrentVersion {
		t.Fatalf("expected version bumped to %d, got %d", CurrentVersion, migrated.Version)
	}
	if _, ok := migrated.CumulativeTPs["shock1"]; !ok {
		t.Fatalf("expected cumulative tp reindexed under shockId, got keys %v", keysOf(migrated.CumulativeTPs))
	}
	if _, ok := migrated.CumulativeTPs["mkt1"]; ok {
		t.Fatalf("expected legacy marketSlug key removed after migration")
	}
}

func keysOf(m map[string]types.CumulativeTP) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestTradeLogAppendAndRecentByMarket(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenTradeLog(filepath.Join(dir, "trades.db"))
	if err != nil {
		t.Fatalf("OpenTradeLog: %v", err)
	}
	defer log.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	trade1 := types.TradeRecord{
		PositionID: "p1", ShockID: "s1", MarketSlug: "mkt1", TokenID: "tokA",
		Shares: d("10"), EntryPrice: d("0.4"), ExitPrice: d("0.38"), PnL: d("-0.2"),
		OpenedAt: base, ClosedAt: base.Add(time.Minute), Reason: types.CycleHit,
	}
	trade2 := trade1
	trade2.PositionID = "p2"
	trade2.ClosedAt = base.Add(2 * time.Minute)

	if err := log.Append(ctx, trade1); err != nil {
		t.Fatalf("append trade1: %v", err)
	}
	if err := log.Append(ctx, trade2); err != nil {
		t.Fatalf("append trade2: %v", err)
	}

	recent, err := log.RecentByMarket(ctx, "mkt1", 10)
	if err != nil {
		t.Fatalf("RecentByMarket: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(recent))
	}
	if recent[0].PositionID != "p2" {
		t.Fatalf("expected most recent trade first, got %s", recent[0].PositionID)
	}
	if !recent[0].EntryPrice.Equal(d("0.4")) {
		t.Fatalf("expected entry price round-trip, got %s", recent[0].EntryPrice)
	}
}

func TestTradeLogAppendUpsertsOnConflict(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenTradeLog(filepath.Join(dir, "trades.db"))
	if err != nil {
		t.Fatalf("OpenTradeLog: %v", err)
	}
	defer log.Close()

	ctx := context.Background()
	trade := types.TradeRecord{PositionID: "p1", MarketSlug: "mkt1", ExitPrice: d("0.3"), PnL: d("-0.1")}
	if err := log.Append(ctx, trade); err != nil {
		t.Fatalf("append: %v", err)
	}
	trade.ExitPrice = d("0.5")
	trade.PnL = d("0.1")
	if err := log.Append(ctx, trade); err != nil {
		t.Fatalf("append update: %v", err)
	}

	recent, err := log.RecentByMarket(ctx, "mkt1", 10)
	if err != nil {
		t.Fatalf("RecentByMarket: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected upsert to keep a single row, got %d", len(recent))
	}
	if !recent[0].ExitPrice.Equal(d("0.5")) {
		t.Fatalf("expected updated exit price 0.5, got %s", recent[0].ExitPrice)
	}
}

func TestPersisterPersistWritesDocumentAndTrades(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	tradeLog, err := OpenTradeLog(filepath.Join(dir, "trades.db"))
	if err != nil {
		t.Fatalf("OpenTradeLog: %v", err)
	}
	defer tradeLog.Close()

	p := NewPersister(store, tradeLog)
	p.UpdateInventory("mkt1", types.Inventory{MarketSlug: "mkt1", SharesA: d("50")})
	p.UpdateCumulativeTP("shock1", types.CumulativeTP{ShockID: "shock1", MarketSlug: "mkt1"})

	trade := types.TradeRecord{PositionID: "p1", MarketSlug: "mkt1", EntryPrice: d("0.4"), ExitPrice: d("0.5"), PnL: d("0.1")}
	state := types.SupervisorState{SessionPnL: d("0.1")}

	if err := p.Persist(context.Background(), state, []types.TradeRecord{trade}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	doc, existed, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !existed {
		t.Fatalf("expected persisted document to exist")
	}
	if doc.Inventories["mkt1"].SharesA.String() != "50" {
		t.Fatalf("expected inventory snapshot persisted, got %+v", doc.Inventories)
	}
	if _, ok := doc.CumulativeTPs["shock1"]; !ok {
		t.Fatalf("expected cumulative tp snapshot persisted, got %+v", doc.CumulativeTPs)
	}

	recent, err := tradeLog.RecentByMarket(context.Background(), "mkt1", 10)
	if err != nil {
		t.Fatalf("RecentByMarket: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected trade appended to audit log, got %d", len(recent))
	}
}

func TestPersisterForgetCumulativeTPExcludesFromNextPersist(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	p := NewPersister(store, nil)
	p.UpdateCumulativeTP("shock1", types.CumulativeTP{ShockID: "shock1"})
	p.ForgetCumulativeTP("shock1")

	if err := p.Persist(context.Background(), types.SupervisorState{}, nil); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	doc, _, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := doc.CumulativeTPs["shock1"]; ok {
		t.Fatalf("expected forgotten cumulative tp to be excluded from persisted document")
	}
}

package catalog

import (
	"sort"
	"testing"

	"shock-fade-engine/pkg/types"
)

func sampleEntries() []Entry {
	return []Entry{
		{
			Market: types.Market{
				MarketSlug:   "lakers-celtics-2026-02-01",
				ConditionID:  "0xcond1",
				TokenA:       "tokenA1",
				TokenB:       "tokenB1",
				OutcomeNameA: "Lakers",
				OutcomeNameB: "Celtics",
			},
			GameID: "nba-game-1",
		},
		{
			Market: types.Market{
				MarketSlug:   "heat-bucks-2026-02-01",
				ConditionID:  "0xcond2",
				TokenA:       "tokenA2",
				TokenB:       "tokenB2",
				OutcomeNameA: "Heat",
				OutcomeNameB: "Bucks",
			},
			GameID: "nba-game-2",
		},
	}
}

func TestMarketSlugForToken(t *testing.T) {
	c := New(sampleEntries())

	slug, ok := c.MarketSlugForToken("tokenA1")
	if !ok || slug != "lakers-celtics-2026-02-01" {
		t.Fatalf("expected tokenA1 to resolve to lakers-celtics market, got %q ok=%v", slug, ok)
	}

	slug, ok = c.MarketSlugForToken("tokenB2")
	if !ok || slug != "heat-bucks-2026-02-01" {
		t.Fatalf("expected tokenB2 to resolve to heat-bucks market, got %q ok=%v", slug, ok)
	}

	if _, ok := c.MarketSlugForToken("unknown-token"); ok {
		t.Fatalf("expected unknown token to miss")
	}
}

func TestMarketBySlugAndGameID(t *testing.T) {
	c := New(sampleEntries())

	m, ok := c.MarketBySlug("heat-bucks-2026-02-01")
	if !ok {
		t.Fatalf("expected heat-bucks market to resolve")
	}
	if m.ConditionID != "0xcond2" {
		t.Fatalf("expected conditionId 0xcond2, got %q", m.ConditionID)
	}

	gameID, ok := c.GameID("heat-bucks-2026-02-01")
	if !ok || gameID != "nba-game-2" {
		t.Fatalf("expected gameId nba-game-2, got %q ok=%v", gameID, ok)
	}

	if _, ok := c.MarketBySlug("no-such-market"); ok {
		t.Fatalf("expected unknown slug to miss")
	}
}

func TestConditionIDsAndAssetIDs(t *testing.T) {
	c := New(sampleEntries())

	conds := c.ConditionIDs()
	sort.Strings(conds)
	want := []string{"0xcond1", "0xcond2"}
	if len(conds) != len(want) {
		t.Fatalf("expected %d condition ids, got %d: %v", len(want), len(conds), conds)
	}
	for i := range want {
		if conds[i] != want[i] {
			t.Fatalf("expected condition ids %v, got %v", want, conds)
		}
	}

	assets := c.AssetIDs()
	if len(assets) != 4 {
		t.Fatalf("expected 4 asset ids (2 markets x 2 tokens), got %d: %v", len(assets), assets)
	}
}

func TestAllReturnsEveryEntry(t *testing.T) {
	c := New(sampleEntries())
	all := c.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
}

func TestEmptyCatalog(t *testing.T) {
	c := New(nil)
	if _, ok := c.MarketSlugForToken("anything"); ok {
		t.Fatalf("expected empty catalog to miss every lookup")
	}
	if len(c.All()) != 0 {
		t.Fatalf("expected empty catalog All() to be empty")
	}
	if len(c.ConditionIDs()) != 0 {
		t.Fatalf("expected empty catalog ConditionIDs() to be empty")
	}
}

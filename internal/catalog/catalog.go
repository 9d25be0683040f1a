// Package catalog resolves the statically-configured markets (§6's
// market-discovery collaborator is read-only external data, not part of
// this module) into the lookups the feed dispatcher and cycle engine need:
// token id -> market slug, market slug -> Market, and the condition id list
// the fill poller sweeps every tick.
package catalog

import "shock-fade-engine/pkg/types"

// Entry is one statically-configured market plus the upstream game id its
// scoring events are classified under.
type Entry struct {
	Market types.Market
	GameID string
}

// Catalog is an in-memory, immutable index over a fixed set of markets
// supplied at startup. It satisfies feed.TokenIndex.
type Catalog struct {
	byToken map[string]string
	bySlug  map[string]Entry
}

// New builds a Catalog from the given entries.
func New(entries []Entry) *Catalog {
	c := &Catalog{
		byToken: make(map[string]string, len(entries)*2),
		bySlug:  make(map[string]Entry, len(entries)),
	}
	for _, e := range entries {
		c.bySlug[e.Market.MarketSlug] = e
		c.byToken[e.Market.TokenA] = e.Market.MarketSlug
		c.byToken[e.Market.TokenB] = e.Market.MarketSlug
	}
	return c
}

// MarketSlugForToken implements feed.TokenIndex.
func (c *Catalog) MarketSlugForToken(tokenID string) (string, bool) {
	slug, ok := c.byToken[tokenID]
	return slug, ok
}

// MarketBySlug returns the full Market record for a market slug.
func (c *Catalog) MarketBySlug(marketSlug string) (types.Market, bool) {
	e, ok := c.bySlug[marketSlug]
	return e.Market, ok
}

// GameID returns the upstream scoring-feed game id a market was registered
// under.
func (c *Catalog) GameID(marketSlug string) (string, bool) {
	e, ok := c.bySlug[marketSlug]
	return e.GameID, ok
}

// All returns every configured entry, for startup wiring loops (pre-split,
// classifier registration, WS subscription).
func (c *Catalog) All() []Entry {
	out := make([]Entry, 0, len(c.bySlug))
	for _, e := range c.bySlug {
		out = append(out, e)
	}
	return out
}

// ConditionIDs returns the distinct condition ids across every configured
// market, for the fill poller's per-tick sweep.
func (c *Catalog) ConditionIDs() []string {
	out := make([]string, 0, len(c.bySlug))
	seen := make(map[string]struct{}, len(c.bySlug))
	for _, e := range c.bySlug {
		if _, dup := seen[e.Market.ConditionID]; dup {
			continue
		}
		seen[e.Market.ConditionID] = struct{}{}
		out = append(out, e.Market.ConditionID)
	}
	return out
}

// AssetIDs returns every token id across every configured market, for the
// market WebSocket feed's initial subscription.
func (c *Catalog) AssetIDs() []string {
	out := make([]string, 0, len(c.byToken))
	for tokenID := range c.byToken {
		out = append(out, tokenID)
	}
	return out
}

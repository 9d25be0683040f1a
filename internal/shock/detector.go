// Package shock implements the statistical shock detector of §4.2: it
// consumes orderbook ticks, rejects noise outside the target price band,
// and emits classified Shock candidates subject to per-token/per-market
// cooldowns.
package shock

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"shock-fade-engine/internal/stats"
	"shock-fade-engine/pkg/types"
)

// Config is the detector's slice of the hot-reloadable engine configuration.
type Config struct {
	SigmaThreshold  float64
	MinAbsoluteMove float64
	RollingWindow   time.Duration
	CooldownMs      int64
	TargetPriceMin  float64
	TargetPriceMax  float64
}

// Detector maintains per-token price windows and per-token/per-market
// cooldown state. Configuration is hot-reloadable: SetConfig takes effect
// on the next tick.
type Detector struct {
	mu     sync.Mutex
	cfg    Config
	stats  *stats.Registry
	lastFired map[string]time.Time // tokenID -> last shock time (per-token cooldown)
	lastMarketFired map[string]time.Time // marketSlug -> last shock time (per-market cooldown)
}

// New creates a Detector with the given initial configuration.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:             cfg,
		stats:           stats.NewRegistry(cfg.RollingWindow),
		lastFired:       make(map[string]time.Time),
		lastMarketFired: make(map[string]time.Time),
	}
}

// SetConfig hot-swaps the detector's tuning parameters. Existing price
// windows are kept, and RollingWindow is not re-applied: every window, old
// or new, uses the duration the detector was created with.
func (d *Detector) SetConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

// ResetCooldown clears the per-market cooldown so the very next tick on
// marketSlug can fire again. Called by the classifier when a shock was
// rejected (deadline expired / unclassified) without trading (§4.2, §4.3).
func (d *Detector) ResetCooldown(marketSlug string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastMarketFired, marketSlug)
}

// Observe processes one orderbook tick for tokenID in marketSlug and
// returns a candidate Shock if the tick trips the detector, or ok=false.
func (d *Detector) Observe(tokenID, marketSlug string, bid, ask decimal.Decimal, now time.Time) (types.Shock, bool) {
	mid, _ := bid.Add(ask).Div(decimal.NewFromInt(2)).Float64()

	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	if mid < cfg.TargetPriceMin || mid > cfg.TargetPriceMax {
		return types.Shock{}, false
	}

	obs := d.stats.Observe(tokenID, now, mid)
	if !obs.Ready {
		return types.Shock{}, false
	}

	candidate := absF(obs.ZScore) >= cfg.SigmaThreshold || absF(obs.LastReturn) >= cfg.MinAbsoluteMove
	if !candidate {
		return types.Shock{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cooldown := time.Duration(d.cfg.CooldownMs) * time.Millisecond
	if last, ok := d.lastFired[tokenID]; ok && now.Sub(last) < cooldown {
		return types.Shock{}, false
	}
	if last, ok := d.lastMarketFired[marketSlug]; ok && now.Sub(last) < cooldown {
		return types.Shock{}, false
	}

	d.lastFired[tokenID] = now
	d.lastMarketFired[marketSlug] = now

	direction := types.DirectionUp
	if obs.LastReturn < 0 {
		direction = types.DirectionDown
	}

	preShock := mid - obs.LastReturn
	shockID := tokenID + ":" + now.Format(time.RFC3339Nano)

	return types.Shock{
		TokenID:       tokenID,
		MarketSlug:    marketSlug,
		Direction:     direction,
		Magnitude:     decimal.NewFromFloat(absF(obs.LastReturn)),
		ZScore:        obs.ZScore,
		PreShockPrice: decimal.NewFromFloat(preShock),
		CurrentPrice:  decimal.NewFromFloat(mid),
		Timestamp:     now,
		ShockID:       shockID,
	}, true
}

func absF(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

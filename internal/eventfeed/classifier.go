// Package eventfeed implements the event classifier of §4.3: adaptive-rate
// polling of an external scoring-event feed, a per-market 2-minute sliding
// window of deduplicated events, and classification of pending shocks into
// single_event / scoring_run / unclassified.
package eventfeed

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"shock-fade-engine/internal/metrics"
	"shock-fade-engine/pkg/types"
)

// Poller is the consumed external sport-event feed adapter (§6): polled per
// game id, yielding scoring events tagged with a team code. Implementations
// for specific sports live upstream and are not part of this module.
type Poller interface {
	Poll(ctx context.Context, gameID string) ([]types.ScoringEvent, error)
}

// Config is the classifier's slice of the hot-reloadable engine configuration.
type Config struct {
	Deadline           time.Duration
	EventWindow        time.Duration
	IdlePollInterval   time.Duration
	ActivePollInterval time.Duration
}

type pendingShock struct {
	marketSlug string
	spikedToken string
	outcomeA, outcomeB string
	tokenA string
	deadline   time.Time
	events     []types.ScoringEvent
}

// EventCallback is invoked once per new, deduplicated scoring event for any
// registered market, reporting the
// market-wide same-team run length observed in the 2-minute window.
type EventCallback func(marketSlug string, event types.ScoringEvent, sameTeamRun int)

// Classifier polls the external event feed at idle/active cadence per
// market and classifies pending shocks.
type Classifier struct {
	mu sync.Mutex

	cfg Config

	poller Poller
	log    *slog.Logger

	marketGame map[string]string // marketSlug -> gameID
	active     map[string]bool   // marketSlug -> currently active (pending shock or open position)

	limiters map[string]*rate.Limiter // marketSlug -> current poll limiter
	seen     map[string]map[string]struct{} // marketSlug -> dedupe keys seen (not pruned by window eviction)
	window   map[string][]types.ScoringEvent // marketSlug -> 2-minute window

	pending map[string]*pendingShock // shockID -> pending classification state

	callbacks []EventCallback

	metrics *metrics.Recorder
}

// New creates a Classifier against the given poller. rec may be nil to
// disable metrics (e.g. in tests).
func New(cfg Config, poller Poller, log *slog.Logger, rec *metrics.Recorder) *Classifier {
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{
		cfg:        cfg,
		poller:     poller,
		log:        log,
		marketGame: make(map[string]string),
		active:     make(map[string]bool),
		limiters:   make(map[string]*rate.Limiter),
		seen:       make(map[string]map[string]struct{}),
		window:     make(map[string][]types.ScoringEvent),
		pending:    make(map[string]*pendingShock),
		metrics:    rec,
	}
}

// SetConfig hot-swaps polling cadence and classification deadline.
func (c *Classifier) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	for slug := range c.marketGame {
		c.limiters[slug] = c.limiterForLocked(slug)
	}
}

// Subscribe registers a callback invoked on every new scoring event.
func (c *Classifier) Subscribe(cb EventCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// RegisterMarket maps a market to the upstream game id it should be polled
// under. Markets are idle-polled by default.
func (c *Classifier) RegisterMarket(marketSlug, gameID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marketGame[marketSlug] = gameID
	c.limiters[marketSlug] = c.limiterForLocked(marketSlug)
}

// Activate switches marketSlug to 1s polling; called by the cycle engine
// and shock intake while a shock is pending or a position is open.
func (c *Classifier) Activate(marketSlug string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[marketSlug] = true
	c.limiters[marketSlug] = c.limiterForLocked(marketSlug)
}

// Idle reverts marketSlug to the 10s idle polling cadence.
func (c *Classifier) Idle(marketSlug string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, marketSlug)
	c.limiters[marketSlug] = c.limiterForLocked(marketSlug)
}

func (c *Classifier) limiterForLocked(marketSlug string) *rate.Limiter {
	if c.active[marketSlug] {
		interval := c.cfg.ActivePollInterval
		if interval <= 0 {
			interval = time.Second
		}
		return rate.NewLimiter(rate.Every(interval), 1)
	}
	interval := c.cfg.IdlePollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Run drives the poll loop until ctx is cancelled. It checks each mapped
// market's limiter every tick and polls those that are due.
func (c *Classifier) Run(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.pollDue(ctx, now)
		}
	}
}

func (c *Classifier) pollDue(ctx context.Context, now time.Time) {
	c.mu.Lock()
	due := make(map[string]string, len(c.marketGame))
	for slug, gameID := range c.marketGame {
		if lim, ok := c.limiters[slug]; ok && lim.AllowN(now, 1) {
			due[slug] = gameID
		}
	}
	c.mu.Unlock()

	for slug, gameID := range due {
		events, err := c.poller.Poll(ctx, gameID)
		if err != nil {
			c.log.Warn("event feed poll failed", "market", slug, "game", gameID, "error", err)
			continue
		}
		for _, ev := range events {
			c.ingest(slug, ev, now)
		}
	}
}

// ingest dedupes, appends to the market window, attributes the event to any
// pending shocks on the market, and fires subscriber callbacks.
func (c *Classifier) ingest(marketSlug string, ev types.ScoringEvent, now time.Time) {
	c.mu.Lock()
	seen, ok := c.seen[marketSlug]
	if !ok {
		seen = make(map[string]struct{})
		c.seen[marketSlug] = seen
	}
	key := ev.DedupeKey()
	if _, dup := seen[key]; dup {
		c.mu.Unlock()
		return
	}
	seen[key] = struct{}{}

	c.window[marketSlug] = append(c.window[marketSlug], ev)
	c.evictWindowLocked(marketSlug, now)

	for _, p := range c.pending {
		if p.marketSlug == marketSlug {
			p.events = append(p.events, ev)
		}
	}

	run := c.sameTeamRunLocked(marketSlug, ev.Team)
	cbs := append([]EventCallback(nil), c.callbacks...)
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(marketSlug, ev, run)
	}
}

func (c *Classifier) evictWindowLocked(marketSlug string, now time.Time) {
	cutoff := now.Add(-c.cfg.EventWindow)
	events := c.window[marketSlug]
	keep := 0
	for keep < len(events) && events[keep].Timestamp.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		c.window[marketSlug] = events[keep:]
	}
}

// sameTeamRunLocked returns the length of the trailing same-team run in the
// market's 2-minute window, ending at the most recent event.
func (c *Classifier) sameTeamRunLocked(marketSlug, lastTeam string) int {
	events := c.window[marketSlug]
	run := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Team != lastTeam {
			break
		}
		run++
	}
	return run
}

// Submit begins tracking a pending shock for classification. outcomeA and
// outcomeB are the market's outcome names, used for slug->team fuzzy
// matching; tokenA identifies which outcome name corresponds to TokenA.
func (c *Classifier) Submit(shock types.Shock, outcomeA, outcomeB, tokenA string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[shock.ShockID] = &pendingShock{
		marketSlug:  shock.MarketSlug,
		spikedToken: shock.TokenID,
		outcomeA:    outcomeA,
		outcomeB:    outcomeB,
		tokenA:      tokenA,
		deadline:    now.Add(c.cfg.Deadline),
	}
	c.active[shock.MarketSlug] = true
	c.limiters[shock.MarketSlug] = c.limiterForLocked(shock.MarketSlug)
}

// Poll evaluates the current classification for a pending shock without
// waiting for the background loop's next tick; returns ok=false while the
// shock should remain pending.
func (c *Classifier) Poll(shockID string, now time.Time) (class types.Classification, team string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, exists := c.pending[shockID]
	if !exists {
		return types.ClassUnclassified, "", true
	}

	n := len(p.events)
	switch {
	case n == 1:
		team := c.resolveTeamLocked(p)
		delete(c.pending, shockID)
		c.metrics.Classified(string(types.ClassSingleEvent))
		return types.ClassSingleEvent, team, true
	case n >= 2 && sameTeam(p.events):
		delete(c.pending, shockID)
		c.metrics.Classified(string(types.ClassScoringRun))
		return types.ClassScoringRun, "", true
	case !now.Before(p.deadline):
		// Hard 10s deadline applies regardless of n once the specific
		// n=1 / same-team-run shapes above don't match (§4.3).
		delete(c.pending, shockID)
		c.metrics.Classified(string(types.ClassUnclassified))
		return types.ClassUnclassified, "", true
	default:
		return types.ClassPending, "", false
	}
}

func sameTeam(events []types.ScoringEvent) bool {
	if len(events) == 0 {
		return false
	}
	team := events[len(events)-1].Team
	for _, e := range events {
		if e.Team != team {
			return false
		}
	}
	return true
}

// resolveTeamLocked implements the slug->team fuzzy match with fallback to
// the most recent scoring event's team (§4.3).
func (c *Classifier) resolveTeamLocked(p *pendingShock) string {
	spikedIsA := p.spikedToken == p.tokenA
	outcome := p.outcomeB
	if spikedIsA {
		outcome = p.outcomeA
	}
	for _, e := range p.events {
		if fuzzyTeamMatch(outcome, e.Team) {
			return e.Team
		}
	}
	if len(p.events) > 0 {
		return p.events[len(p.events)-1].Team
	}
	events := c.window[p.marketSlug]
	if len(events) > 0 {
		return events[len(events)-1].Team
	}
	return ""
}

// fuzzyTeamMatch reports whether the team string appears within the outcome
// name or the outcome name within the team string, case-insensitively, by
// whole-string containment (e.g. "warriors" matches "Golden State
// Warriors"; an abbreviation such as "GSW" does not).
func fuzzyTeamMatch(outcome, team string) bool {
	if outcome == "" || team == "" {
		return false
	}
	o := strings.ToLower(outcome)
	t := strings.ToLower(team)
	return strings.Contains(o, t) || strings.Contains(t, o)
}

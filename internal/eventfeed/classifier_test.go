package eventfeed

import (
	"context"
	"testing"
	"time"

	"shock-fade-engine/pkg/types"
)

type fakePoller struct {
	events map[string][]types.ScoringEvent
}

func (f *fakePoller) Poll(_ context.Context, gameID string) ([]types.ScoringEvent, error) {
	evs := f.events[gameID]
	f.events[gameID] = nil
	return evs, nil
}

func testCfg() Config {
	return Config{
		Deadline:           10 * time.Second,
		EventWindow:        2 * time.Minute,
		IdlePollInterval:   10 * time.Second,
		ActivePollInterval: 1 * time.Second,
	}
}

func TestClassifySingleEvent(t *testing.T) {
	poller := &fakePoller{events: map[string][]types.ScoringEvent{}}
	c := New(testCfg(), poller, nil, nil)
	c.RegisterMarket("mkt", "game1")

	now := time.Now()
	shock := types.Shock{ShockID: "tokA:1", MarketSlug: "mkt", TokenID: "tokA"}
	c.Submit(shock, "Lakers", "Warriors", "tokA", now)

	ev := types.ScoringEvent{GameID: "game1", Type: "3PT", Team: "LAL", Period: 2, Clock: "5:00", Timestamp: now}
	c.ingest("mkt", ev, now)

	class, team, ok := c.Poll(shock.ShockID, now)
	if !ok {
		t.Fatalf("expected classification decided")
	}
	if class != types.ClassSingleEvent {
		t.Fatalf("expected single_event, got %s", class)
	}
	if team != "LAL" {
		t.Fatalf("expected team LAL, got %q", team)
	}
}

func TestClassifyScoringRun(t *testing.T) {
	poller := &fakePoller{events: map[string][]types.ScoringEvent{}}
	c := New(testCfg(), poller, nil, nil)
	c.RegisterMarket("mkt", "game1")

	now := time.Now()
	shock := types.Shock{ShockID: "tokA:1", MarketSlug: "mkt", TokenID: "tokA"}
	c.Submit(shock, "Lakers", "Warriors", "tokA", now)

	c.ingest("mkt", types.ScoringEvent{GameID: "game1", Type: "2PT", Team: "LAL", Clock: "5:00", Timestamp: now}, now)
	c.ingest("mkt", types.ScoringEvent{GameID: "game1", Type: "2PT", Team: "LAL", Clock: "4:50", Timestamp: now.Add(time.Second)}, now.Add(time.Second))

	class, _, ok := c.Poll(shock.ShockID, now.Add(time.Second))
	if !ok {
		t.Fatalf("expected classification decided")
	}
	if class != types.ClassScoringRun {
		t.Fatalf("expected scoring_run, got %s", class)
	}
}

func TestClassifyDeadlineExpiryUnclassified(t *testing.T) {
	poller := &fakePoller{events: map[string][]types.ScoringEvent{}}
	c := New(testCfg(), poller, nil, nil)
	c.RegisterMarket("mkt", "game1")

	now := time.Now()
	shock := types.Shock{ShockID: "tokA:1", MarketSlug: "mkt", TokenID: "tokA"}
	c.Submit(shock, "Lakers", "Warriors", "tokA", now)

	class, _, ok := c.Poll(shock.ShockID, now.Add(5*time.Second))
	if ok {
		t.Fatalf("expected still pending before deadline")
	}

	class, _, ok = c.Poll(shock.ShockID, now.Add(11*time.Second))
	if !ok {
		t.Fatalf("expected classification decided after deadline")
	}
	if class != types.ClassUnclassified {
		t.Fatalf("expected unclassified, got %s", class)
	}
}

func TestClassifyIdempotent(t *testing.T) {
	poller := &fakePoller{events: map[string][]types.ScoringEvent{}}
	c := New(testCfg(), poller, nil, nil)
	c.RegisterMarket("mkt", "game1")

	now := time.Now()
	shock := types.Shock{ShockID: "tokA:1", MarketSlug: "mkt", TokenID: "tokA"}
	c.Submit(shock, "Lakers", "Warriors", "tokA", now)
	c.ingest("mkt", types.ScoringEvent{GameID: "game1", Type: "2PT", Team: "LAL", Clock: "5:00", Timestamp: now}, now)

	class1, team1, ok1 := c.Poll(shock.ShockID, now)
	// Second poll after the pending entry was consumed should be treated as
	// a no-op absent entry: same inputs yield the same "no pending" answer.
	class2, team2, ok2 := c.Poll(shock.ShockID, now)
	if class1 != types.ClassSingleEvent || !ok1 {
		t.Fatalf("unexpected first classification: %s %v", class1, ok1)
	}
	_ = team1
	if !ok2 || class2 != types.ClassUnclassified || team2 != "" {
		t.Fatalf("expected idempotent no-op classification for consumed shockID, got %s %v", class2, ok2)
	}
}

func TestSameTeamRunWindow(t *testing.T) {
	poller := &fakePoller{events: map[string][]types.ScoringEvent{}}
	c := New(testCfg(), poller, nil, nil)
	c.RegisterMarket("mkt", "game1")
	now := time.Now()

	var runs []int
	c.Subscribe(func(marketSlug string, event types.ScoringEvent, sameTeamRun int) {
		runs = append(runs, sameTeamRun)
	})

	c.ingest("mkt", types.ScoringEvent{GameID: "game1", Team: "LAL", Clock: "5:00", Timestamp: now}, now)
	c.ingest("mkt", types.ScoringEvent{GameID: "game1", Team: "LAL", Clock: "4:50", Timestamp: now.Add(time.Second)}, now.Add(time.Second))
	c.ingest("mkt", types.ScoringEvent{GameID: "game1", Team: "GSW", Clock: "4:40", Timestamp: now.Add(2 * time.Second)}, now.Add(2*time.Second))

	if len(runs) != 3 || runs[0] != 1 || runs[1] != 2 || runs[2] != 1 {
		t.Fatalf("unexpected run sequence: %v", runs)
	}
}

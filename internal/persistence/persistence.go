// Package persistence implements the §6 persistence surface: a single
// versioned JSON document (model "shock-fade-live") carrying supervisor
// state, per-market inventory, and the cumulative-TP index keyed by
// shockId, plus a modernc.org/sqlite append-only trade audit log. The JSON
// document is written with the teacher's internal/store atomic
// tmp-then-rename idiom generalized from one file per market to one
// document for the whole engine; the trade log is grounded on
// AlejandroRuiz99-polybot's sqlite.go single-writer/UPSERT pattern.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"shock-fade-engine/pkg/types"
)

// Model is the document's model tag, identifying the schema family.
const Model = "shock-fade-live"

// CurrentVersion is the document schema version this package writes.
const CurrentVersion = 2

// Document is the full engine-state snapshot persisted on graceful
// shutdown (and, optionally, periodically during normal operation).
// Fields are identified by name (json tags), not position, so the schema
// can gain fields without breaking old documents.
type Document struct {
	Model      string                `json:"model"`
	Version    int                   `json:"version"`
	SavedAt    time.Time             `json:"savedAt"`
	Supervisor types.SupervisorState `json:"supervisor"`

	// Inventories is keyed by marketSlug.
	Inventories map[string]types.Inventory `json:"inventories"`
	// CumulativeTPs is keyed by shockId (current schema). Version 1
	// documents keyed this map by marketSlug instead; migrate() reindexes
	// on load when it detects that shape.
	CumulativeTPs map[string]types.CumulativeTP `json:"cumulativeTps"`
}

func newDocument() Document {
	return Document{
		Model:         Model,
		Version:       CurrentVersion,
		Inventories:   make(map[string]types.Inventory),
		CumulativeTPs: make(map[string]types.CumulativeTP),
	}
}

// migrate reindexes CumulativeTPs by ShockID if the document predates
// version 2, when the map was keyed by marketSlug. A marketSlug can host
// more than one concurrent cycle, so the old shape could only ever carry
// one cycle's TP per market — the migration is lossy for any market that
// genuinely had concurrent cycles at save time, which is the documented
// tradeoff of the old schema rather than a bug in this migration.
func migrate(doc Document) Document {
	if doc.Version >= 2 {
		return doc
	}
	reindexed := make(map[string]types.CumulativeTP, len(doc.CumulativeTPs))
	for key, tp := range doc.CumulativeTPs {
		if tp.ShockID != "" {
			reindexed[tp.ShockID] = tp
			continue
		}
		reindexed[key] = tp
	}
	doc.CumulativeTPs = reindexed
	doc.Version = CurrentVersion
	return doc
}

// Store persists the Document as a single JSON file, using write-to-tmp
// then rename so a crash mid-write never corrupts the prior save.
type Store struct {
	path string
	mu   sync.Mutex
}

// OpenStore prepares a Store backed by path's parent directory.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create store dir: %w", err)
	}
	return &Store{path: path}, nil
}

// Save atomically writes doc to disk.
func (s *Store) Save(doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.Model = Model
	doc.Version = CurrentVersion
	doc.SavedAt = time.Now()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal document: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("persistence: write document: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load restores the Document from disk, returning a fresh empty document
// (ok=false) if none exists yet.
func (s *Store) Load() (Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newDocument(), false, nil
		}
		return Document{}, false, fmt.Errorf("persistence: read document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, false, fmt.Errorf("persistence: unmarshal document: %w", err)
	}
	if doc.Inventories == nil {
		doc.Inventories = make(map[string]types.Inventory)
	}
	if doc.CumulativeTPs == nil {
		doc.CumulativeTPs = make(map[string]types.CumulativeTP)
	}
	return migrate(doc), true, nil
}

const tradeSchema = `
CREATE TABLE IF NOT EXISTS trades (
	position_id TEXT PRIMARY KEY,
	shock_id    TEXT NOT NULL,
	market_slug TEXT NOT NULL,
	token_id    TEXT NOT NULL,
	shares      TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	exit_price  TEXT NOT NULL,
	pnl         TEXT NOT NULL,
	opened_at   DATETIME NOT NULL,
	closed_at   DATETIME NOT NULL,
	reason      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market_slug);
CREATE INDEX IF NOT EXISTS idx_trades_closed ON trades(closed_at DESC);
`

// TradeLog is an append-only audit trail of closed trades, queryable by
// market or time range independent of the JSON snapshot. It is pure-Go
// sqlite (modernc.org/sqlite, no cgo), single-writer per the driver's own
// constraint.
type TradeLog struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenTradeLog opens (creating if needed) the sqlite-backed trade log at path.
func OpenTradeLog(path string) (*TradeLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open trade log %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(tradeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: apply trade log schema: %w", err)
	}
	return &TradeLog{db: db}, nil
}

// Close releases the underlying database handle.
func (l *TradeLog) Close() error {
	return l.db.Close()
}

// Append upserts a closed trade record, keyed by PositionID.
func (l *TradeLog) Append(ctx context.Context, trade types.TradeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO trades
			(position_id, shock_id, market_slug, token_id, shares, entry_price,
			 exit_price, pnl, opened_at, closed_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(position_id) DO UPDATE SET
			exit_price = excluded.exit_price,
			pnl        = excluded.pnl,
			closed_at  = excluded.closed_at,
			reason     = excluded.reason`,
		trade.PositionID, trade.ShockID, trade.MarketSlug, trade.TokenID,
		trade.Shares.String(), trade.EntryPrice.String(), trade.ExitPrice.String(),
		trade.PnL.String(), trade.OpenedAt, trade.ClosedAt, string(trade.Reason),
	)
	if err != nil {
		return fmt.Errorf("persistence: append trade: %w", err)
	}
	return nil
}

// RecentByMarket returns the most recently closed trades for marketSlug,
// newest first, up to limit rows.
func (l *TradeLog) RecentByMarket(ctx context.Context, marketSlug string, limit int) ([]types.TradeRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT position_id, shock_id, market_slug, token_id, shares, entry_price,
		       exit_price, pnl, opened_at, closed_at, reason
		FROM trades WHERE market_slug = ? ORDER BY closed_at DESC LIMIT ?`,
		marketSlug, limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: query trades: %w", err)
	}
	defer rows.Close()

	var out []types.TradeRecord
	for rows.Next() {
		var t types.TradeRecord
		var shares, entry, exit, pnl, reason string
		if err := rows.Scan(&t.PositionID, &t.ShockID, &t.MarketSlug, &t.TokenID,
			&shares, &entry, &exit, &pnl, &t.OpenedAt, &t.ClosedAt, &reason); err != nil {
			return nil, fmt.Errorf("persistence: scan trade: %w", err)
		}
		t.Shares = mustDecimal(shares)
		t.EntryPrice = mustDecimal(entry)
		t.ExitPrice = mustDecimal(exit)
		t.PnL = mustDecimal(pnl)

		t.Reason = types.CycleStatus(reason)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Persister satisfies supervisor.StatePersister: it writes the versioned
// JSON document (merging in whatever ledger/cycle snapshots were last
// handed to it via UpdateInventory/UpdateCumulativeTP) and appends every
// closed trade to the sqlite audit log.
type Persister struct {
	store *Store
	log   *TradeLog

	mu            sync.Mutex
	inventories   map[string]types.Inventory
	cumulativeTPs map[string]types.CumulativeTP
}

// NewPersister wires a Store and an optional TradeLog (nil disables the
// audit trail, e.g. in tests) into a Persister.
func NewPersister(store *Store, log *TradeLog) *Persister {
	return &Persister{
		store:         store,
		log:           log,
		inventories:   make(map[string]types.Inventory),
		cumulativeTPs: make(map[string]types.CumulativeTP),
	}
}

// UpdateInventory records the current inventory snapshot for marketSlug,
// to be included in the next Persist call.
func (p *Persister) UpdateInventory(marketSlug string, inv types.Inventory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inventories[marketSlug] = inv
}

// UpdateCumulativeTP records the current TP snapshot for shockID.
func (p *Persister) UpdateCumulativeTP(shockID string, tp types.CumulativeTP) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cumulativeTPs[shockID] = tp
}

// ForgetCumulativeTP drops a terminated cycle's TP from the next snapshot.
func (p *Persister) ForgetCumulativeTP(shockID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cumulativeTPs, shockID)
}

// Persist writes the JSON document and appends every trade to the audit
// log. Satisfies supervisor.StatePersister.
func (p *Persister) Persist(ctx context.Context, state types.SupervisorState, trades []types.TradeRecord) error {
	p.mu.Lock()
	doc := newDocument()
	doc.Supervisor = state
	for k, v := range p.inventories {
		doc.Inventories[k] = v
	}
	for k, v := range p.cumulativeTPs {
		doc.CumulativeTPs[k] = v
	}
	p.mu.Unlock()

	if err := p.store.Save(doc); err != nil {
		return err
	}

	if p.log == nil {
		return nil
	}
	for _, trade := range trades {
		if err := p.log.Append(ctx, trade); err != nil {
			return err
		}
	}
	return nil
}

// Load restores the last-saved Document, priming UpdateInventory/
// UpdateCumulativeTP's in-memory snapshot so the next Persist call doesn't
// regress state that hasn't changed yet this session.
func (p *Persister) Load() (Document, bool, error) {
	doc, existed, err := p.store.Load()
	if err != nil {
		return Document{}, false, err
	}
	p.mu.Lock()
	for k, v := range doc.Inventories {
		p.inventories[k] = v
	}
	for k, v := range doc.CumulativeTPs {
		p.cumulativeTPs[k] = v
	}
	p.mu.Unlock()
	return doc, existed, nil
}

func mustDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

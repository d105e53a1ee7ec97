// Package ledger persists every attempted paid call as an append-only
// CostRecord row. Writes are queued and flushed by a background consumer so
// accounting never adds latency to the request path; a full queue drops the
// write and increments an observable counter instead of blocking.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/ScientiaCapital/llmgateway/internal/domain"
)

// tsFormat is fixed-width (always nine fractional digits) so the
// lexicographic comparison SQLite applies to TEXT timestamps matches
// chronological order. RFC3339Nano trims trailing zeros, which would sort
// "…00.5Z" before the bare-second boundary "…00Z".
const tsFormat = "2006-01-02T15:04:05.000000000Z"

// Store is the SQLite-backed cost ledger.
type Store struct {
	db      *sql.DB
	queue   chan domain.CostRecord
	dropped atomic.Int64
	wg      sync.WaitGroup
	logger  *slog.Logger

	closeOnce sync.Once
}

// NewStore opens (or creates) the ledger database at dbPath, runs the
// schema migration, and starts the background write consumer.
func NewStore(dbPath string, queueSize int, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}

	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &Store{
		db:     db,
		queue:  make(chan domain.CostRecord, queueSize),
		logger: logger,
	}
	s.wg.Add(1)
	go s.consume()
	return s, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cost_records (
			id         TEXT PRIMARY KEY,
			ts         TEXT NOT NULL,
			component  TEXT NOT NULL,
			entity_id  TEXT,
			session_id TEXT,
			user_id    TEXT,
			provider   TEXT NOT NULL DEFAULT '',
			model      TEXT NOT NULL DEFAULT '',
			tokens_in  INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_usd   TEXT NOT NULL DEFAULT '0',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			outcome    TEXT NOT NULL,
			cache_hit  INTEGER NOT NULL DEFAULT 0,
			complexity TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_cost_records_ts ON cost_records(ts);
		CREATE INDEX IF NOT EXISTS idx_cost_records_component ON cost_records(component);
	`)
	return err
}

// Append queues a record for durable write. It never blocks: when the
// queue is full the record is dropped and the drop counter incremented.
// Durability is best-effort by design; the request path must not wait.
func (s *Store) Append(rec domain.CostRecord) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	select {
	case s.queue <- rec:
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("ledger queue full, record dropped", "dropped_total", n)
	}
}

// DroppedWrites returns the number of records dropped on queue overflow.
func (s *Store) DroppedWrites() int64 {
	return s.dropped.Load()
}

func (s *Store) consume() {
	defer s.wg.Done()
	for rec := range s.queue {
		if err := s.insert(rec); err != nil {
			s.logger.Error("ledger write failed", "error", err, "record", rec.ID)
		}
	}
}

func (s *Store) insert(rec domain.CostRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO cost_records
			(id, ts, component, entity_id, session_id, user_id, provider, model,
			 tokens_in, tokens_out, cost_usd, latency_ms, outcome, cache_hit, complexity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(tsFormat),
		rec.Tags.Component,
		nullable(rec.Tags.EntityID),
		nullable(rec.Tags.SessionID),
		nullable(rec.Tags.UserID),
		rec.Provider,
		rec.Model,
		rec.TokensIn,
		rec.TokensOut,
		rec.CostUSD.String(),
		rec.LatencyMS,
		string(rec.Outcome),
		boolToInt(rec.CacheHit),
		string(rec.Complexity),
	)
	return err
}

// Close drains the write queue, stops the consumer, and closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
	return s.db.Close()
}

// --- Read side ---

// QueryFilter narrows cost queries. Zero fields are ignored.
type QueryFilter struct {
	Component string
	EntityID  string
	Start     time.Time
	End       time.Time
}

// GroupTotal is one grouped aggregate row.
type GroupTotal struct {
	Key       string          `json:"key"`
	CostUSD   decimal.Decimal `json:"cost_usd"`
	Requests  int             `json:"requests"`
	CacheHits int             `json:"cache_hits"`
}

// CostSummary is the answer to a cost query.
type CostSummary struct {
	TotalCostUSD  decimal.Decimal `json:"total_cost_usd"`
	TotalRequests int             `json:"total_requests"`
	ByComponent   []GroupTotal    `json:"by_component"`
	ByEntity      []GroupTotal    `json:"by_entity"`
	CacheHitRate  float64         `json:"cache_hit_rate"`
}

// Query aggregates ledger rows matching the filter. Cost strings are
// summed in decimal so totals are exact regardless of row count.
func (s *Store) Query(ctx context.Context, f QueryFilter) (*CostSummary, error) {
	query := `SELECT component, COALESCE(entity_id, ''), cost_usd, cache_hit FROM cost_records WHERE 1=1`
	var args []any
	if f.Component != "" {
		query += " AND component = ?"
		args = append(args, f.Component)
	}
	if f.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, f.EntityID)
	}
	if !f.Start.IsZero() {
		query += " AND ts >= ?"
		args = append(args, f.Start.UTC().Format(tsFormat))
	}
	if !f.End.IsZero() {
		query += " AND ts < ?"
		args = append(args, f.End.UTC().Format(tsFormat))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query costs: %w", err)
	}
	defer rows.Close()

	summary := &CostSummary{TotalCostUSD: decimal.Zero}
	byComponent := make(map[string]*GroupTotal)
	byEntity := make(map[string]*GroupTotal)
	cacheHits := 0

	for rows.Next() {
		var component, entity, costStr string
		var cacheHit int
		if err := rows.Scan(&component, &entity, &costStr, &cacheHit); err != nil {
			return nil, err
		}
		cost, err := decimal.NewFromString(costStr)
		if err != nil {
			return nil, fmt.Errorf("parse stored cost %q: %w", costStr, err)
		}

		summary.TotalRequests++
		summary.TotalCostUSD = summary.TotalCostUSD.Add(cost)
		if cacheHit == 1 {
			cacheHits++
		}

		addGroup(byComponent, component, cost, cacheHit == 1)
		if entity != "" {
			addGroup(byEntity, entity, cost, cacheHit == 1)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summary.ByComponent = sortedGroups(byComponent)
	summary.ByEntity = sortedGroups(byEntity)
	if summary.TotalRequests > 0 {
		summary.CacheHitRate = float64(cacheHits) / float64(summary.TotalRequests)
	}
	return summary, nil
}

// SpendBetween returns the exact paid spend in [start, end): the decimal
// sum of cost over successful calls, including audited budget overrides.
func (s *Store) SpendBetween(ctx context.Context, start, end time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cost_usd FROM cost_records
		WHERE ts >= ? AND ts < ? AND outcome IN (?, ?)`,
		start.UTC().Format(tsFormat),
		end.UTC().Format(tsFormat),
		string(domain.OutcomeSuccess),
		string(domain.OutcomeBudgetOverride),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query spend: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var costStr string
		if err := rows.Scan(&costStr); err != nil {
			return decimal.Zero, err
		}
		cost, err := decimal.NewFromString(costStr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse stored cost %q: %w", costStr, err)
		}
		total = total.Add(cost)
	}
	return total, rows.Err()
}

// PurgeBefore deletes records older than t. Retention policy belongs to
// the caller; the hot path never touches this.
func (s *Store) PurgeBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cost_records WHERE ts < ?", t.UTC().Format(tsFormat))
	if err != nil {
		return 0, fmt.Errorf("purge ledger: %w", err)
	}
	return res.RowsAffected()
}

func addGroup(groups map[string]*GroupTotal, key string, cost decimal.Decimal, cacheHit bool) {
	g, ok := groups[key]
	if !ok {
		g = &GroupTotal{Key: key, CostUSD: decimal.Zero}
		groups[key] = g
	}
	g.Requests++
	g.CostUSD = g.CostUSD.Add(cost)
	if cacheHit {
		g.CacheHits++
	}
}

func sortedGroups(groups map[string]*GroupTotal) []GroupTotal {
	out := make([]GroupTotal, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].CostUSD.Cmp(out[j].CostUSD); c != 0 {
			return c > 0
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

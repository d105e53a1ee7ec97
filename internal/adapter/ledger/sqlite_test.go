package ledger

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ScientiaCapital/llmgateway/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "ledger.db"), 64, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(component string, cost string, outcome domain.Outcome) domain.CostRecord {
	c, _ := decimal.NewFromString(cost)
	return domain.CostRecord{
		Tags:     domain.ContextTags{Component: component},
		Provider: "p",
		Model:    "m",
		CostUSD:  c,
		Outcome:  outcome,
	}
}

// waitForRows blocks until the async consumer has flushed n rows.
func waitForRows(t *testing.T, s *Store, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		summary, err := s.Query(context.Background(), QueryFilter{})
		return err == nil && summary.TotalRequests == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAppendAndQuery(t *testing.T) {
	s := testStore(t)

	s.Append(record("scheduler", "0.010", domain.OutcomeSuccess))
	s.Append(record("scheduler", "0.020", domain.OutcomeSuccess))
	s.Append(record("chat", "0.005", domain.OutcomeSuccess))
	waitForRows(t, s, 3)

	summary, err := s.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalRequests)
	assert.Equal(t, "0.035", summary.TotalCostUSD.String())

	// Groups are sorted by cost descending.
	require.Len(t, summary.ByComponent, 2)
	assert.Equal(t, "scheduler", summary.ByComponent[0].Key)
	assert.Equal(t, "0.03", summary.ByComponent[0].CostUSD.String())
	assert.Equal(t, 2, summary.ByComponent[0].Requests)

	// Component filter.
	summary, err = s.Query(context.Background(), QueryFilter{Component: "chat"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalRequests)
	assert.Equal(t, "0.005", summary.TotalCostUSD.String())
}

func TestAppendFillsIDAndTimestamp(t *testing.T) {
	s := testStore(t)

	rec := record("x", "0", domain.OutcomeSuccess)
	require.Empty(t, rec.ID)
	s.Append(rec)
	waitForRows(t, s, 1)

	var id, ts string
	err := s.db.QueryRow("SELECT id, ts FROM cost_records").Scan(&id, &ts)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), parsed, time.Minute)
}

func TestQueryTimeWindowAndEntityGroups(t *testing.T) {
	s := testStore(t)

	old := record("sync", "0.100", domain.OutcomeSuccess)
	old.Timestamp = time.Now().UTC().Add(-48 * time.Hour)
	old.Tags.EntityID = "device-1"
	s.Append(old)

	fresh := record("sync", "0.200", domain.OutcomeSuccess)
	fresh.Tags.EntityID = "device-2"
	s.Append(fresh)
	waitForRows(t, s, 2)

	summary, err := s.Query(context.Background(), QueryFilter{
		Start: time.Now().UTC().Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalRequests)
	require.Len(t, summary.ByEntity, 1)
	assert.Equal(t, "device-2", summary.ByEntity[0].Key)

	summary, err = s.Query(context.Background(), QueryFilter{EntityID: "device-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalRequests)
	assert.Equal(t, "0.1", summary.TotalCostUSD.String())
}

func TestCacheHitRate(t *testing.T) {
	s := testStore(t)

	hit := record("chat", "0", domain.OutcomeSuccess)
	hit.CacheHit = true
	s.Append(hit)
	s.Append(record("chat", "0.010", domain.OutcomeSuccess))
	s.Append(record("chat", "0.010", domain.OutcomeSuccess))
	s.Append(record("chat", "0.010", domain.OutcomeSuccess))
	waitForRows(t, s, 4)

	summary, err := s.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.InDelta(t, 0.25, summary.CacheHitRate, 1e-9)
}

func TestSpendBetweenCountsOnlyPaidOutcomes(t *testing.T) {
	s := testStore(t)

	s.Append(record("a", "0.100", domain.OutcomeSuccess))
	s.Append(record("a", "0.050", domain.OutcomeBudgetOverride))
	// Failures and blocks carry zero cost but must also not count even if
	// a nonzero value slipped in.
	s.Append(record("a", "0.999", domain.OutcomeProviderError))
	s.Append(record("a", "0.999", domain.OutcomeBudgetBlocked))
	waitForRows(t, s, 4)

	spend, err := s.SpendBetween(context.Background(),
		time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "0.15", spend.String())
}

func TestTimestampsSortChronologicallyAtPeriodBoundaries(t *testing.T) {
	s := testStore(t)

	// A paid call in the first second of the day: its stored timestamp has
	// a fractional part while the window boundary has none. Fixed-width
	// formatting keeps the SQL text comparison chronological.
	dayStart := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	rec := record("a", "0.100", domain.OutcomeSuccess)
	rec.Timestamp = dayStart.Add(500 * time.Millisecond)
	s.Append(rec)
	waitForRows(t, s, 1)

	spend, err := s.SpendBetween(context.Background(), dayStart, dayStart.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "0.1", spend.String())

	summary, err := s.Query(context.Background(), QueryFilter{Start: dayStart})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalRequests)
}

func TestPurgeBefore(t *testing.T) {
	s := testStore(t)

	old := record("a", "0.1", domain.OutcomeSuccess)
	old.Timestamp = time.Now().UTC().Add(-30 * 24 * time.Hour)
	s.Append(old)
	s.Append(record("a", "0.2", domain.OutcomeSuccess))
	waitForRows(t, s, 2)

	n, err := s.PurgeBefore(context.Background(), time.Now().UTC().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	summary, err := s.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalRequests)
	assert.Equal(t, "0.2", summary.TotalCostUSD.String())
}

func TestDroppedWritesStartsAtZero(t *testing.T) {
	s := testStore(t)
	assert.Equal(t, int64(0), s.DroppedWrites())
}

func TestCloseDrainsQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := NewStore(path, 64, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		s.Append(record("burst", "0.001", domain.OutcomeSuccess))
	}
	require.NoError(t, s.Close())

	// Close drains the queue before shutting down, so reopening the file
	// must show every queued record.
	s2, err := NewStore(path, 64, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer s2.Close()

	summary, err := s2.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 20, summary.TotalRequests)
	assert.Equal(t, "0.02", summary.TotalCostUSD.String())
}

// Package cache is the tiered result cache: a bounded in-memory hot tier
// over a durable SQLite cold tier. Keys are derived deterministically from
// (scope, normalized prompt, params) so trivially-different but
// semantically-identical requests still hit.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ScientiaCapital/llmgateway/internal/domain"
)

// Stats are the cache's observability counters.
type Stats struct {
	HotHits    int64 `json:"hot_hits"`
	ColdHits   int64 `json:"cold_hits"`
	Misses     int64 `json:"misses"`
	Promotions int64 `json:"promotions"`
}

type hotEntry struct {
	result    domain.CompletionResult
	expiresAt time.Time
}

// TieredCache looks up the hot tier first, then the cold tier, promoting
// cold hits into the hot tier. Eviction is TTL-based; the hot tier also
// enforces a maximum entry count, evicting oldest-by-insertion.
type TieredCache struct {
	mu      sync.Mutex
	hot     map[string]hotEntry
	order   []string // insertion order for capacity eviction
	hotTTL  time.Duration
	coldTTL time.Duration
	maxHot  int
	stats   Stats

	db     *sql.DB // nil when the cold tier is disabled
	logger *slog.Logger
}

// New creates a tiered cache. An empty dbPath disables the cold tier
// (hot-only operation; the cache degrades, never fails the request path).
func New(dbPath string, hotTTL, coldTTL time.Duration, maxHot int, logger *slog.Logger) (*TieredCache, error) {
	if maxHot <= 0 {
		maxHot = 1024
	}
	c := &TieredCache{
		hot:     make(map[string]hotEntry),
		hotTTL:  hotTTL,
		coldTTL: coldTTL,
		maxHot:  maxHot,
		logger:  logger,
	}

	if dbPath != "" {
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return nil, fmt.Errorf("open cache db: %w", err)
		}
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS cache_entries (
				key        TEXT PRIMARY KEY,
				value      TEXT NOT NULL,
				expires_at TEXT NOT NULL
			)`); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate cache db: %w", err)
		}
		c.db = db
	}
	return c, nil
}

// Key derives a deterministic, collision-resistant cache key from the
// request scope and its normalized content. The scope isolates sessions
// from each other; in passthrough mode the provider/model pair is part of
// the key because those callers depend on a specific backend's behavior.
func Key(scope string, req domain.CompletionRequest) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write([]byte(normalizePrompt(req.Prompt)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(req.MaxOutputTokens)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(req.Temperature, 'g', -1, 64)))
	if req.Mode == domain.ModePassthrough {
		h.Write([]byte{0})
		h.Write([]byte(req.Provider))
		h.Write([]byte{0})
		h.Write([]byte(req.Model))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalizePrompt trims, lowercases, and collapses whitespace so that
// trivially-different but semantically-identical prompts share a key.
func normalizePrompt(prompt string) string {
	return strings.ToLower(strings.Join(strings.Fields(prompt), " "))
}

// Get returns the cached result for key, if present and unexpired.
// Cold-tier failures degrade to a miss.
func (c *TieredCache) Get(ctx context.Context, key string) (*domain.CompletionResult, bool) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.hot[key]; ok {
		if now.Before(e.expiresAt) {
			c.stats.HotHits++
			result := e.result
			c.mu.Unlock()
			return &result, true
		}
		c.deleteHotLocked(key)
	}
	c.mu.Unlock()

	if c.db == nil {
		c.missed()
		return nil, false
	}

	var valueJSON, expiresStr string
	err := c.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM cache_entries WHERE key = ?", key,
	).Scan(&valueJSON, &expiresStr)
	if err != nil {
		if err != sql.ErrNoRows {
			c.logger.Warn("cache cold lookup failed", "error", err)
		}
		c.missed()
		return nil, false
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, expiresStr)
	if err != nil || now.After(expiresAt) {
		// Expired rows are reaped on read so the cold tier cannot grow
		// without bound across restarts.
		c.deleteCold(ctx, key)
		c.missed()
		return nil, false
	}

	var result domain.CompletionResult
	if err := json.Unmarshal([]byte(valueJSON), &result); err != nil {
		c.logger.Warn("cache entry unmarshal failed", "error", err)
		c.missed()
		return nil, false
	}

	// Promote the cold hit into the hot tier.
	c.mu.Lock()
	c.stats.ColdHits++
	c.stats.Promotions++
	c.putHotLocked(key, result, now)
	c.mu.Unlock()

	return &result, true
}

// Put stores a result in both tiers. Cold-tier failures are logged and
// swallowed; caching is never fatal to the request path.
func (c *TieredCache) Put(ctx context.Context, key string, result domain.CompletionResult) {
	now := time.Now()

	c.mu.Lock()
	c.putHotLocked(key, result, now)
	c.mu.Unlock()

	if c.db == nil {
		return
	}
	valueJSON, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("cache entry marshal failed", "error", err)
		return
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, string(valueJSON), now.Add(c.coldTTL).UTC().Format(time.RFC3339Nano))
	if err != nil {
		c.logger.Warn("cache cold write failed", "error", err)
	}
}

// putHotLocked inserts into the hot tier, evicting oldest-by-insertion
// entries when the capacity bound is exceeded. Caller holds c.mu.
func (c *TieredCache) putHotLocked(key string, result domain.CompletionResult, now time.Time) {
	if _, exists := c.hot[key]; !exists {
		c.order = append(c.order, key)
	}
	c.hot[key] = hotEntry{result: result, expiresAt: now.Add(c.hotTTL)}

	for len(c.hot) > c.maxHot && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.hot, oldest)
	}
}

// deleteCold removes one cold-tier row. Best-effort, like every other
// cold-tier write.
func (c *TieredCache) deleteCold(ctx context.Context, key string) {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		c.logger.Warn("cache cold delete failed", "error", err)
	}
}

func (c *TieredCache) deleteHotLocked(key string) {
	delete(c.hot, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *TieredCache) missed() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *TieredCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close closes the cold tier, if open.
func (c *TieredCache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

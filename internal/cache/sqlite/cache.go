// Package sqlite persists busyness records in a SQLite file so repeated
// command-line runs share one cache.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/crowdpulse/internal/crowd"
	"github.com/JakeFAU/crowdpulse/internal/persistence/migrations"
)

// Cache stores one row per (place_key, day). Expired rows read as absent.
type Cache struct {
	db    *sql.DB
	clock crowd.Clock
	owned bool
}

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string, clock crowd.Clock, logger *zap.Logger) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	// SQLite serializes writers; one connection also keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite cache: %w", err)
	}
	if err := migrations.Up(ctx, db, migrations.SQLite, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	c := New(db, clock)
	c.owned = true
	return c, nil
}

// New wraps an already migrated database.
func New(db *sql.DB, clock crowd.Clock) *Cache {
	return &Cache{db: db, clock: clock}
}

// Get returns the record when present and unexpired.
func (c *Cache) Get(ctx context.Context, key crowd.PlaceKey, day time.Weekday) (crowd.BusynessRecord, bool, error) {
	const q = `SELECT record FROM busyness_cache WHERE place_key = ? AND day = ? AND expires_at > ?`

	var payload string
	err := c.db.QueryRowContext(ctx, q, key.Normalized().String(), int(day), c.clock.Now().UnixMilli()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return crowd.BusynessRecord{}, false, nil
	}
	if err != nil {
		return crowd.BusynessRecord{}, false, fmt.Errorf("query cache: %w", err)
	}
	var record crowd.BusynessRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return crowd.BusynessRecord{}, false, fmt.Errorf("decode cached record: %w", err)
	}
	return record, true, nil
}

// Put replaces whatever is stored for (key, day).
func (c *Cache) Put(ctx context.Context, key crowd.PlaceKey, day time.Weekday, record crowd.BusynessRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be > 0, got %s", ttl)
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	const q = `
INSERT INTO busyness_cache (place_key, day, record, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (place_key, day) DO UPDATE SET
    record = excluded.record,
    expires_at = excluded.expires_at`

	expiresAt := c.clock.Now().Add(ttl).UnixMilli()
	if _, err := c.db.ExecContext(ctx, q, key.Normalized().String(), int(day), string(payload), expiresAt); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Purge deletes expired rows.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM busyness_cache WHERE expires_at <= ?`, c.clock.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count purged rows: %w", err)
	}
	return n, nil
}

// Close closes the database when Open created it.
func (c *Cache) Close() error {
	if !c.owned {
		return nil
	}
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close sqlite cache: %w", err)
	}
	return nil
}

// Package sqlite persists merged city results in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/crowdpulse/internal/catalog/snapshot"
	"github.com/JakeFAU/crowdpulse/internal/crowd"
	"github.com/JakeFAU/crowdpulse/internal/persistence"
	"github.com/JakeFAU/crowdpulse/internal/persistence/migrations"
)

// Gateway implements crowd.Gateway on database/sql.
type Gateway struct {
	db     *sql.DB
	logger *zap.Logger
	owned  bool
}

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Gateway, error) {
	if path == "" {
		return nil, fmt.Errorf("persistence.sqlite_path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if err := migrations.Up(ctx, db, migrations.SQLite, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	g := New(db, logger)
	g.owned = true
	return g, nil
}

// New wraps an already migrated database.
func New(db *sql.DB, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{db: db, logger: logger}
}

// DB exposes the handle so other SQLite components can share the file.
func (g *Gateway) DB() *sql.DB {
	return g.db
}

// Close closes the database when Open created it.
func (g *Gateway) Close() error {
	if !g.owned {
		return nil
	}
	if err := g.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

const upsertRunSQL = `
INSERT INTO city_runs (city_key, city, run_id, generated_at, item_count, absent_count)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (city_key) DO UPDATE SET
    city = excluded.city,
    run_id = excluded.run_id,
    generated_at = excluded.generated_at,
    item_count = excluded.item_count,
    absent_count = excluded.absent_count`

const upsertItemSQL = `
INSERT INTO city_items (
    city_key, place_key, position, item_id, name, address, rating, category,
    source, item_type, outcome, from_cache, busyness, run_id, updated_at, lat, lng
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (city_key, place_key) DO UPDATE SET
    position = excluded.position,
    item_id = excluded.item_id,
    name = excluded.name,
    address = excluded.address,
    rating = excluded.rating,
    category = excluded.category,
    source = excluded.source,
    item_type = excluded.item_type,
    outcome = excluded.outcome,
    from_cache = excluded.from_cache,
    busyness = excluded.busyness,
    run_id = excluded.run_id,
    updated_at = excluded.updated_at,
    lat = excluded.lat,
    lng = excluded.lng`

// UpsertCityResult writes the run and its items in one transaction.
func (g *Gateway) UpsertCityResult(ctx context.Context, result crowd.MergedCityResult) (err error) {
	cityKey := result.CityKey()
	if cityKey == "" {
		return fmt.Errorf("city is required")
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				g.logger.Warn("rollback failed", zap.String("city", result.City), zap.Error(rbErr))
			}
		}
	}()

	generatedAt := result.GeneratedAt.UTC().Format(time.RFC3339Nano)
	if _, err = tx.ExecContext(ctx, upsertRunSQL,
		cityKey, result.City, result.RunID, generatedAt, len(result.Items), result.CountAbsent()); err != nil {
		return fmt.Errorf("upsert city run: %w", err)
	}
	for i, item := range result.Items {
		var busyness sql.NullString
		data, encErr := persistence.EncodeBusyness(item.Busyness)
		if encErr != nil {
			return encErr
		}
		if data != nil {
			busyness = sql.NullString{String: string(data), Valid: true}
		}
		lat, lng := persistence.SplitLocation(item.Entry.Location)
		if _, err = tx.ExecContext(ctx, upsertItemSQL,
			cityKey, item.PlaceKey.String(), i,
			item.Entry.ID, item.Entry.Name, item.Entry.Address, item.Entry.Rating, item.Entry.Category,
			item.Entry.Source, item.Entry.ItemType, item.Outcome.String(), item.FromCache,
			busyness, result.RunID, generatedAt, nullFloat(lat), nullFloat(lng),
		); err != nil {
			return fmt.Errorf("upsert item %q: %w", item.PlaceKey, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM city_items WHERE city_key = ? AND run_id <> ?`, cityKey, result.RunID); err != nil {
		return fmt.Errorf("delete stale items: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// CityResult reads back the latest result for city or crowd.ErrNotFound.
func (g *Gateway) CityResult(ctx context.Context, city string) (crowd.MergedCityResult, error) {
	cityKey := crowd.NormalizeCity(city)
	var (
		out         crowd.MergedCityResult
		generatedAt string
	)
	err := g.db.QueryRowContext(ctx,
		`SELECT city, run_id, generated_at FROM city_runs WHERE city_key = ?`, cityKey).
		Scan(&out.City, &out.RunID, &generatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return crowd.MergedCityResult{}, fmt.Errorf("city %q: %w", city, crowd.ErrNotFound)
	}
	if err != nil {
		return crowd.MergedCityResult{}, fmt.Errorf("query city run: %w", err)
	}
	if out.GeneratedAt, err = time.Parse(time.RFC3339Nano, generatedAt); err != nil {
		return crowd.MergedCityResult{}, fmt.Errorf("parse generated_at: %w", err)
	}

	rows, err := g.db.QueryContext(ctx, `
SELECT place_key, item_id, name, address, rating, category, source, item_type, outcome, from_cache, busyness, lat, lng
FROM city_items
WHERE city_key = ?
ORDER BY position`, cityKey)
	if err != nil {
		return crowd.MergedCityResult{}, fmt.Errorf("query city items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item     crowd.MergedItem
			placeKey string
			outcome  string
			busyness sql.NullString
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&placeKey, &item.Entry.ID, &item.Entry.Name, &item.Entry.Address,
			&item.Entry.Rating, &item.Entry.Category, &item.Entry.Source, &item.Entry.ItemType,
			&outcome, &item.FromCache, &busyness, &lat, &lng); err != nil {
			return crowd.MergedCityResult{}, fmt.Errorf("scan city item: %w", err)
		}
		item.PlaceKey = crowd.PlaceKey(placeKey)
		item.Entry.Location = persistence.JoinLocation(floatPtr(lat), floatPtr(lng))
		if item.Outcome, err = crowd.ParseOutcomeKind(outcome); err != nil {
			return crowd.MergedCityResult{}, err
		}
		if busyness.Valid {
			if item.Busyness, err = persistence.DecodeBusyness([]byte(busyness.String)); err != nil {
				return crowd.MergedCityResult{}, err
			}
		}
		out.Items = append(out.Items, item)
	}
	if err := rows.Err(); err != nil {
		return crowd.MergedCityResult{}, fmt.Errorf("iterate city items: %w", err)
	}
	return out, nil
}

const upsertSnapshotSQL = `
INSERT INTO catalog_snapshots (city_key, city, source, item_type, entries, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (city_key, source, item_type) DO UPDATE SET
    city = excluded.city,
    entries = excluded.entries,
    created_at = excluded.created_at`

// LoadTopTen returns the catalog list saved under key.
func (g *Gateway) LoadTopTen(ctx context.Context, key snapshot.Key) ([]crowd.TopTenEntry, bool, error) {
	var data string
	err := g.db.QueryRowContext(ctx,
		`SELECT entries FROM catalog_snapshots WHERE city_key = ? AND source = ? AND item_type = ?`,
		key.CityKey, key.Source, key.ItemType).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query catalog snapshot: %w", err)
	}
	entries, err := persistence.DecodeEntries([]byte(data))
	if err != nil {
		return nil, false, err
	}
	return entries, true, nil
}

// SaveTopTen replaces the catalog list saved under key.
func (g *Gateway) SaveTopTen(ctx context.Context, key snapshot.Key, city string, entries []crowd.TopTenEntry) error {
	if key.CityKey == "" {
		return fmt.Errorf("city is required")
	}
	data, err := persistence.EncodeEntries(entries)
	if err != nil {
		return err
	}
	if _, err := g.db.ExecContext(ctx, upsertSnapshotSQL,
		key.CityKey, city, key.Source, key.ItemType, string(data), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("save catalog snapshot: %w", err)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

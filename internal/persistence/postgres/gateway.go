// Package postgres persists merged city results in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/JakeFAU/crowdpulse/internal/catalog/snapshot"
	"github.com/JakeFAU/crowdpulse/internal/crowd"
	"github.com/JakeFAU/crowdpulse/internal/persistence"
	"github.com/JakeFAU/crowdpulse/internal/persistence/migrations"
)

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate applies embedded migrations after connecting.
	Migrate bool
}

type pgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Gateway implements crowd.Gateway on a pgx pool.
type Gateway struct {
	pool   pgxIface
	logger *zap.Logger
}

// New connects to Postgres and optionally migrates the schema.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Gateway, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("persistence.dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &Gateway{pool: pool, logger: logger}, nil
}

// Connect opens a pool using cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded Postgres migrations through a database/sql
// view of the pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return migrations.Up(ctx, db, migrations.Postgres, logger)
}

// NewWithPool constructs a gateway from an existing pool (primarily for testing).
func NewWithPool(pool pgxIface, logger *zap.Logger) (*Gateway, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (g *Gateway) Close() error {
	if g == nil || g.pool == nil {
		return nil
	}
	g.pool.Close()
	return nil
}

const upsertRunSQL = `
INSERT INTO city_runs (city_key, city, run_id, generated_at, item_count, absent_count)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (city_key) DO UPDATE SET
	city = EXCLUDED.city,
	run_id = EXCLUDED.run_id,
	generated_at = EXCLUDED.generated_at,
	item_count = EXCLUDED.item_count,
	absent_count = EXCLUDED.absent_count`

const upsertItemSQL = `
INSERT INTO city_items (
	city_key, place_key, position, item_id, name, address, rating, category,
	source, item_type, outcome, from_cache, busyness, run_id, updated_at, lat, lng
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (city_key, place_key) DO UPDATE SET
	position = EXCLUDED.position,
	item_id = EXCLUDED.item_id,
	name = EXCLUDED.name,
	address = EXCLUDED.address,
	rating = EXCLUDED.rating,
	category = EXCLUDED.category,
	source = EXCLUDED.source,
	item_type = EXCLUDED.item_type,
	outcome = EXCLUDED.outcome,
	from_cache = EXCLUDED.from_cache,
	busyness = EXCLUDED.busyness,
	run_id = EXCLUDED.run_id,
	updated_at = EXCLUDED.updated_at,
	lat = EXCLUDED.lat,
	lng = EXCLUDED.lng`

const deleteStaleSQL = `DELETE FROM city_items WHERE city_key = $1 AND run_id <> $2`

// UpsertCityResult writes the run and its items in one transaction. Rows are
// keyed (city_key, place_key); items absent from this run are removed.
func (g *Gateway) UpsertCityResult(ctx context.Context, result crowd.MergedCityResult) (err error) {
	cityKey := result.CityKey()
	if cityKey == "" {
		return fmt.Errorf("city is required")
	}
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				g.logger.Warn("rollback failed", zap.String("city", result.City), zap.Error(rbErr))
			}
		}
	}()

	_, err = tx.Exec(ctx, upsertRunSQL,
		cityKey, result.City, result.RunID, result.GeneratedAt, len(result.Items), result.CountAbsent())
	if err != nil {
		return fmt.Errorf("upsert city run: %w", err)
	}
	for i, item := range result.Items {
		busyness, encErr := persistence.EncodeBusyness(item.Busyness)
		if encErr != nil {
			return encErr
		}
		lat, lng := persistence.SplitLocation(item.Entry.Location)
		_, err = tx.Exec(ctx, upsertItemSQL,
			cityKey,
			item.PlaceKey.String(),
			i,
			item.Entry.ID,
			item.Entry.Name,
			item.Entry.Address,
			item.Entry.Rating,
			item.Entry.Category,
			item.Entry.Source,
			item.Entry.ItemType,
			item.Outcome.String(),
			item.FromCache,
			busyness,
			result.RunID,
			result.GeneratedAt,
			float8(lat),
			float8(lng),
		)
		if err != nil {
			return fmt.Errorf("upsert item %q: %w", item.PlaceKey, err)
		}
	}
	if _, err = tx.Exec(ctx, deleteStaleSQL, cityKey, result.RunID); err != nil {
		return fmt.Errorf("delete stale items: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

const selectRunSQL = `SELECT city, run_id, generated_at FROM city_runs WHERE city_key = $1`

const selectItemsSQL = `
SELECT place_key, item_id, name, address, rating, category, source, item_type, outcome, from_cache, busyness, lat, lng
FROM city_items
WHERE city_key = $1
ORDER BY position`

// CityResult reads back the latest result for city or crowd.ErrNotFound.
func (g *Gateway) CityResult(ctx context.Context, city string) (crowd.MergedCityResult, error) {
	cityKey := crowd.NormalizeCity(city)
	var out crowd.MergedCityResult
	err := g.pool.QueryRow(ctx, selectRunSQL, cityKey).Scan(&out.City, &out.RunID, &out.GeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crowd.MergedCityResult{}, fmt.Errorf("city %q: %w", city, crowd.ErrNotFound)
	}
	if err != nil {
		return crowd.MergedCityResult{}, fmt.Errorf("query city run: %w", err)
	}

	rows, err := g.pool.Query(ctx, selectItemsSQL, cityKey)
	if err != nil {
		return crowd.MergedCityResult{}, fmt.Errorf("query city items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item     crowd.MergedItem
			placeKey string
			outcome  string
			busyness []byte
			lat, lng pgtype.Float8
		)
		if err := rows.Scan(
			&placeKey,
			&item.Entry.ID,
			&item.Entry.Name,
			&item.Entry.Address,
			&item.Entry.Rating,
			&item.Entry.Category,
			&item.Entry.Source,
			&item.Entry.ItemType,
			&outcome,
			&item.FromCache,
			&busyness,
			&lat,
			&lng,
		); err != nil {
			return crowd.MergedCityResult{}, fmt.Errorf("scan city item: %w", err)
		}
		item.PlaceKey = crowd.PlaceKey(placeKey)
		item.Entry.Location = persistence.JoinLocation(floatPtr(lat), floatPtr(lng))
		if item.Outcome, err = crowd.ParseOutcomeKind(outcome); err != nil {
			return crowd.MergedCityResult{}, err
		}
		if item.Busyness, err = persistence.DecodeBusyness(busyness); err != nil {
			return crowd.MergedCityResult{}, err
		}
		out.Items = append(out.Items, item)
	}
	if err := rows.Err(); err != nil {
		return crowd.MergedCityResult{}, fmt.Errorf("iterate city items: %w", err)
	}
	return out, nil
}

const selectSnapshotSQL = `
SELECT entries FROM catalog_snapshots
WHERE city_key = $1 AND source = $2 AND item_type = $3`

const upsertSnapshotSQL = `
INSERT INTO catalog_snapshots (city_key, city, source, item_type, entries, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (city_key, source, item_type) DO UPDATE SET
	city = EXCLUDED.city,
	entries = EXCLUDED.entries,
	created_at = EXCLUDED.created_at`

// LoadTopTen returns the catalog list saved under key.
func (g *Gateway) LoadTopTen(ctx context.Context, key snapshot.Key) ([]crowd.TopTenEntry, bool, error) {
	var data []byte
	err := g.pool.QueryRow(ctx, selectSnapshotSQL, key.CityKey, key.Source, key.ItemType).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query catalog snapshot: %w", err)
	}
	entries, err := persistence.DecodeEntries(data)
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
	if _, err := g.pool.Exec(ctx, upsertSnapshotSQL,
		key.CityKey, city, key.Source, key.ItemType, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("save catalog snapshot: %w", err)
	}
	return nil
}

func float8(v *float64) pgtype.Float8 {
	if v == nil {
		return pgtype.Float8{}
	}
	return pgtype.Float8{Float64: *v, Valid: true}
}

func floatPtr(v pgtype.Float8) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

// Package snapshot keeps the first Top-N list an upstream catalog returns for
// a city and serves it on later runs without calling the upstream again.
package snapshot

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crowdpulse/internal/crowd"
	"github.com/JakeFAU/crowdpulse/internal/metrics"
)

// Key identifies one stored list.
type Key struct {
	CityKey  string
	Source   string
	ItemType string
}

// Store persists lists by Key. The persistence gateways implement it.
type Store interface {
	LoadTopTen(ctx context.Context, key Key) ([]crowd.TopTenEntry, bool, error)
	SaveTopTen(ctx context.Context, key Key, city string, entries []crowd.TopTenEntry) error
}

// Catalog decorates an upstream crowd.Catalog with a Store.
type Catalog struct {
	next     crowd.Catalog
	store    Store
	source   string
	itemType string
	logger   *zap.Logger
}

// New wraps next. source and itemType complete the store key.
func New(next crowd.Catalog, store Store, source, itemType string, logger *zap.Logger) (*Catalog, error) {
	if next == nil {
		return nil, fmt.Errorf("upstream catalog is required")
	}
	if store == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if source == "" || itemType == "" {
		return nil, fmt.Errorf("source and item type are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{next: next, store: store, source: source, itemType: itemType, logger: logger}, nil
}

// TopTen serves the stored list when one exists. Otherwise it asks the
// upstream and stores a non-empty answer. Store failures degrade to an
// upstream call; upstream errors are returned unchanged.
func (c *Catalog) TopTen(ctx context.Context, city string) ([]crowd.TopTenEntry, error) {
	key := Key{CityKey: crowd.NormalizeCity(city), Source: c.source, ItemType: c.itemType}
	logger := c.logger.With(zap.String("city", city), zap.String("source", c.source), zap.String("item_type", c.itemType))

	entries, ok, err := c.store.LoadTopTen(ctx, key)
	if err != nil {
		logger.Warn("catalog snapshot lookup failed", zap.Error(err))
	}
	hit := err == nil && ok && len(entries) > 0
	metrics.ObserveCatalogLookup(c.source, hit)
	if hit {
		logger.Debug("catalog served from snapshot", zap.Int("items", len(entries)))
		return entries, nil
	}

	entries, err = c.next.TopTen(ctx, city)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}
	if err := c.store.SaveTopTen(ctx, key, city, entries); err != nil {
		logger.Warn("catalog snapshot write failed", zap.Error(err))
	}
	return entries, nil
}

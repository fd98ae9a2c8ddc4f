// Package memory keeps merged city results in process memory for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/crowdpulse/internal/catalog/snapshot"
	"github.com/JakeFAU/crowdpulse/internal/crowd"
)

type cityRow struct {
	result crowd.MergedCityResult
	items  map[crowd.PlaceKey]positioned
}

type positioned struct {
	pos  int
	item crowd.MergedItem
}

// Gateway implements crowd.Gateway with the same upsert semantics as the SQL
// backends: one row per (city, place), rows missing from the latest run dropped.
type Gateway struct {
	mu       sync.RWMutex
	cities   map[string]*cityRow
	catalogs map[snapshot.Key][]crowd.TopTenEntry
	upserts  int
}

// New creates an empty gateway.
func New() *Gateway {
	return &Gateway{
		cities:   make(map[string]*cityRow),
		catalogs: make(map[snapshot.Key][]crowd.TopTenEntry),
	}
}

// UpsertCityResult replaces the stored rows for the result's city.
func (g *Gateway) UpsertCityResult(_ context.Context, result crowd.MergedCityResult) error {
	key := result.CityKey()
	if key == "" {
		return fmt.Errorf("city is required")
	}
	row := &cityRow{result: result, items: make(map[crowd.PlaceKey]positioned, len(result.Items))}
	for i, item := range result.Items {
		row.items[item.PlaceKey] = positioned{pos: i, item: cloneItem(item)}
	}
	row.result.Items = nil

	g.mu.Lock()
	defer g.mu.Unlock()
	g.cities[key] = row
	g.upserts++
	return nil
}

// CityResult returns the stored result or crowd.ErrNotFound.
func (g *Gateway) CityResult(_ context.Context, city string) (crowd.MergedCityResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	row, ok := g.cities[crowd.NormalizeCity(city)]
	if !ok {
		return crowd.MergedCityResult{}, fmt.Errorf("city %q: %w", city, crowd.ErrNotFound)
	}
	ordered := make([]positioned, 0, len(row.items))
	for _, p := range row.items {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].pos < ordered[j].pos })

	out := row.result
	out.Items = make([]crowd.MergedItem, 0, len(ordered))
	for _, p := range ordered {
		out.Items = append(out.Items, cloneItem(p.item))
	}
	return out, nil
}

// LoadTopTen returns the catalog list saved under key.
func (g *Gateway) LoadTopTen(_ context.Context, key snapshot.Key) ([]crowd.TopTenEntry, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entries, ok := g.catalogs[key]
	if !ok {
		return nil, false, nil
	}
	return cloneEntries(entries), true, nil
}

// SaveTopTen replaces the catalog list saved under key.
func (g *Gateway) SaveTopTen(_ context.Context, key snapshot.Key, _ string, entries []crowd.TopTenEntry) error {
	if key.CityKey == "" {
		return fmt.Errorf("city is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.catalogs[key] = cloneEntries(entries)
	return nil
}

// Upserts returns how many writes were accepted.
func (g *Gateway) Upserts() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.upserts
}

// Close is a no-op.
func (g *Gateway) Close() error {
	return nil
}

func cloneItem(item crowd.MergedItem) crowd.MergedItem {
	if item.Busyness != nil {
		b := *item.Busyness
		item.Busyness = &b
	}
	item.Entry = cloneEntry(item.Entry)
	return item
}

func cloneEntry(e crowd.TopTenEntry) crowd.TopTenEntry {
	if e.Location != nil {
		loc := *e.Location
		e.Location = &loc
	}
	return e
}

func cloneEntries(entries []crowd.TopTenEntry) []crowd.TopTenEntry {
	out := make([]crowd.TopTenEntry, len(entries))
	for i, e := range entries {
		out[i] = cloneEntry(e)
	}
	return out
}

// Package static serves Top-10 lists from a YAML file, for offline runs and
// cities whose lists are curated by hand.
package static

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/crowdpulse/internal/catalog"
	"github.com/JakeFAU/crowdpulse/internal/crowd"
)

// CityLists holds both lists for one city.
type CityLists struct {
	Attractions []crowd.TopTenEntry `yaml:"attractions"`
	Activities  []crowd.TopTenEntry `yaml:"activities"`
}

// File is the parsed document. City keys are normalized on load.
type File struct {
	Cities map[string]CityLists `yaml:"cities"`
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read static catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document.
func Parse(data []byte) (*File, error) {
	var raw File
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode static catalog: %w", err)
	}
	f := &File{Cities: make(map[string]CityLists, len(raw.Cities))}
	for city, lists := range raw.Cities {
		f.Cities[crowd.NormalizeCity(city)] = CityLists{
			Attractions: stamp(lists.Attractions, catalog.ItemAttraction),
			Activities:  stamp(lists.Activities, catalog.ItemActivity),
		}
	}
	return f, nil
}

func stamp(entries []crowd.TopTenEntry, itemType string) []crowd.TopTenEntry {
	out := make([]crowd.TopTenEntry, len(entries))
	for i, e := range entries {
		if e.Source == "" {
			e.Source = "static"
		}
		if e.ItemType == "" {
			e.ItemType = itemType
		}
		out[i] = e
	}
	return out
}

// Catalog exposes one list of a File as a crowd.Catalog.
type Catalog struct {
	file     *File
	itemType string
	topN     int
}

// Attractions returns the attractions view, truncated to topN when positive.
func (f *File) Attractions(topN int) *Catalog {
	return &Catalog{file: f, itemType: catalog.ItemAttraction, topN: topN}
}

// Activities returns the activities view, truncated to topN when positive.
func (f *File) Activities(topN int) *Catalog {
	return &Catalog{file: f, itemType: catalog.ItemActivity, topN: topN}
}

// TopTen returns the stored list in file order.
func (c *Catalog) TopTen(_ context.Context, city string) ([]crowd.TopTenEntry, error) {
	lists, ok := c.file.Cities[crowd.NormalizeCity(city)]
	if !ok {
		return nil, fmt.Errorf("static %s list for %q: %w", c.itemType, city, catalog.ErrUnknownCity)
	}
	entries := lists.Attractions
	if c.itemType == catalog.ItemActivity {
		entries = lists.Activities
	}
	if c.topN > 0 && len(entries) > c.topN {
		entries = entries[:c.topN]
	}
	return append([]crowd.TopTenEntry(nil), entries...), nil
}

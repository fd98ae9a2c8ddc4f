package crowd

import (
	"strings"
	"time"
	"unicode"
)

// HoursPerDay is the fixed number of hourly slots in a BusynessRecord.
const HoursPerDay = 24

// PlaceKey identifies a physical place. Always build it through NewPlaceKey or
// NormalizePlaceKey so equal places compare equal.
type PlaceKey string

// NewPlaceKey derives the canonical key for a place name within a city.
func NewPlaceKey(name, city string) PlaceKey {
	name = strings.TrimSpace(name)
	city = strings.TrimSpace(city)
	if city == "" {
		return NormalizePlaceKey(name)
	}
	return NormalizePlaceKey(name + ", " + city)
}

// NormalizePlaceKey lowercases the input, collapses whitespace runs, and strips
// spaces surrounding commas.
func NormalizePlaceKey(raw string) PlaceKey {
	fields := strings.FieldsFunc(strings.ToLower(raw), unicode.IsSpace)
	joined := strings.Join(fields, " ")
	parts := strings.Split(joined, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return PlaceKey(strings.Join(parts, ", "))
}

// String returns the raw key.
func (k PlaceKey) String() string {
	return string(k)
}

// Normalized re-applies canonicalization; useful for keys of unknown origin.
func (k PlaceKey) Normalized() PlaceKey {
	return NormalizePlaceKey(string(k))
}

// Occupancy is an estimated busyness percentage in [0,100], or NoData.
type Occupancy int

// NoData marks an hourly slot (or current indicator) that could not be read.
const NoData Occupancy = -1

// Valid reports whether the value is a real percentage.
func (o Occupancy) Valid() bool {
	return o >= 0 && o <= 100
}

// ClampOccupancy maps a parsed percentage into the valid range or NoData.
func ClampOccupancy(v int) Occupancy {
	if v < 0 {
		return NoData
	}
	if v > 100 {
		return 100
	}
	return Occupancy(v)
}

// Hourly is the per-hour occupancy series indexed by hour of day (0-23).
type Hourly [HoursPerDay]Occupancy

// EmptyHourly returns a series where every slot is NoData.
func EmptyHourly() Hourly {
	var h Hourly
	for i := range h {
		h[i] = NoData
	}
	return h
}

// Known returns the number of slots that carry a value.
func (h Hourly) Known() int {
	n := 0
	for _, v := range h {
		if v.Valid() {
			n++
		}
	}
	return n
}

// Slice returns the series as ints for JSON and SQL encoders.
func (h Hourly) Slice() []int {
	out := make([]int, HoursPerDay)
	for i, v := range h {
		out[i] = int(v)
	}
	return out
}

// HourlyFromSlice rebuilds a series; anything other than exactly 24 values
// yields an all-NoData series.
func HourlyFromSlice(values []int) Hourly {
	if len(values) != HoursPerDay {
		return EmptyHourly()
	}
	var h Hourly
	for i, v := range values {
		h[i] = ClampOccupancy(v)
	}
	return h
}

// BusynessRecord is the structured result of one successful extraction.
type BusynessRecord struct {
	PlaceKey   PlaceKey     `json:"place_key"`
	Day        time.Weekday `json:"day_of_week"`
	Hourly     Hourly       `json:"hourly_occupancy"`
	Current    Occupancy    `json:"current_occupancy"`
	CapturedAt time.Time    `json:"captured_at"`
}

// HasData reports whether any hourly slot was read.
func (r BusynessRecord) HasData() bool {
	return r.Hourly.Known() > 0
}

// LatLng is a WGS84 coordinate in degrees.
type LatLng struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// TopTenEntry is one ranked catalog item. Location is nil when the catalog
// did not report coordinates.
type TopTenEntry struct {
	ID       string  `json:"id" yaml:"id"`
	Name     string  `json:"name" yaml:"name"`
	Address  string  `json:"address" yaml:"address"`
	Rating   float64 `json:"rating" yaml:"rating"`
	Category string  `json:"category" yaml:"category"`
	Source   string  `json:"source" yaml:"source"`
	ItemType string  `json:"item_type" yaml:"item_type"`
	Location *LatLng `json:"location,omitempty" yaml:"location,omitempty"`
}

// PlaceKey derives the lookup key for the entry within city.
func (e TopTenEntry) PlaceKey(city string) PlaceKey {
	if strings.TrimSpace(e.Name) != "" {
		return NewPlaceKey(e.Name, city)
	}
	return NewPlaceKey(e.Address, city)
}

// MergedItem pairs a catalog entry with its busyness data, if any.
type MergedItem struct {
	Entry     TopTenEntry     `json:"entry"`
	PlaceKey  PlaceKey        `json:"place_key"`
	Busyness  *BusynessRecord `json:"busyness,omitempty"`
	Outcome   OutcomeKind     `json:"outcome"`
	FromCache bool            `json:"from_cache"`
}

// MergedCityResult is the unit handed to the persistence gateway.
type MergedCityResult struct {
	City        string       `json:"city"`
	RunID       string       `json:"run_id"`
	GeneratedAt time.Time    `json:"generated_at"`
	Items       []MergedItem `json:"items"`
}

// CityKey returns the normalized city used for persistence keys.
func (m MergedCityResult) CityKey() string {
	return NormalizeCity(m.City)
}

// CountAbsent returns how many items carry no busyness record.
func (m MergedCityResult) CountAbsent() int {
	n := 0
	for _, item := range m.Items {
		if item.Busyness == nil {
			n++
		}
	}
	return n
}

// NormalizeCity canonicalizes a city name for storage keys.
func NormalizeCity(city string) string {
	return strings.Join(strings.Fields(strings.ToLower(city)), " ")
}

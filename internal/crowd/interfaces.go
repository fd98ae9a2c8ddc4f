package crowd

import (
	"context"
	"io"
	"time"
)

// PlaceQuery is the input to one extraction.
type PlaceQuery struct {
	Key  PlaceKey
	Name string
	City string
}

// Text is the search string typed into the map surface.
func (q PlaceQuery) Text() string {
	if q.Key != "" {
		return string(q.Key)
	}
	return string(NewPlaceKey(q.Name, q.City))
}

// Extractor turns a place query into exactly one Outcome.
type Extractor interface {
	Extract(ctx context.Context, query PlaceQuery) Outcome
}

// Cache stores busyness records per (place, weekday) with a time-to-live.
type Cache interface {
	Get(ctx context.Context, key PlaceKey, day time.Weekday) (BusynessRecord, bool, error)
	Put(ctx context.Context, key PlaceKey, day time.Weekday, record BusynessRecord, ttl time.Duration) error
}

// Catalog returns an already ranked, deduplicated Top-N list for a city.
type Catalog interface {
	TopTen(ctx context.Context, city string) ([]TopTenEntry, error)
}

// Gateway persists merged city results with upsert semantics keyed by (city, place).
type Gateway interface {
	UpsertCityResult(ctx context.Context, result MergedCityResult) error
	CityResult(ctx context.Context, city string) (MergedCityResult, error)
	Close() error
}

// SnapshotStore archives raw DOM captures of failed extractions.
type SnapshotStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher announces completed city runs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Sleeper blocks for a duration or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

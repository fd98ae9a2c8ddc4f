// Package persistence holds the encoding shared by the SQL gateways. The
// backends live in subpackages.
package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/crowdpulse/internal/crowd"
)

// EncodeBusyness serializes a record for a JSON column. Absent records
// encode to nil so the column stays NULL.
func EncodeBusyness(record *crowd.BusynessRecord) ([]byte, error) {
	if record == nil {
		return nil, nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode busyness: %w", err)
	}
	return data, nil
}

// DecodeBusyness is the inverse of EncodeBusyness.
func DecodeBusyness(data []byte) (*crowd.BusynessRecord, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var record crowd.BusynessRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode busyness: %w", err)
	}
	return &record, nil
}

// SplitLocation maps a location onto nullable lat and lng columns.
func SplitLocation(loc *crowd.LatLng) (*float64, *float64) {
	if loc == nil {
		return nil, nil
	}
	lat, lng := loc.Lat, loc.Lng
	return &lat, &lng
}

// JoinLocation is the inverse of SplitLocation. A row with either column
// NULL has no location.
func JoinLocation(lat, lng *float64) *crowd.LatLng {
	if lat == nil || lng == nil {
		return nil
	}
	return &crowd.LatLng{Lat: *lat, Lng: *lng}
}

// EncodeEntries serializes a catalog list for a snapshot column.
func EncodeEntries(entries []crowd.TopTenEntry) ([]byte, error) {
	if entries == nil {
		entries = []crowd.TopTenEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode catalog entries: %w", err)
	}
	return data, nil
}

// DecodeEntries is the inverse of EncodeEntries.
func DecodeEntries(data []byte) ([]crowd.TopTenEntry, error) {
	var entries []crowd.TopTenEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode catalog entries: %w", err)
	}
	return entries, nil
}

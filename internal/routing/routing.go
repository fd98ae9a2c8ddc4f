// Package routing ranks a city's items by straight-line distance from a
// starting item.
package routing

import (
	"cmp"
	"errors"
	"math"
	"slices"

	"github.com/JakeFAU/crowdpulse/internal/crowd"
)

const earthRadiusKm = 6371.0

// ErrNoLocation is returned when the starting item has no coordinates.
var ErrNoLocation = errors.New("item has no location")

// Stop is a candidate next item and its distance from the start.
type Stop struct {
	Item       crowd.MergedItem `json:"item"`
	DistanceKm float64          `json:"distance_km"`
}

// HaversineKm is the great-circle distance between a and b.
func HaversineKm(a, b crowd.LatLng) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Closest returns up to n items nearest to start, nearest first. Items
// without coordinates and items sharing start's place key are skipped. Ties
// keep list order.
func Closest(start crowd.MergedItem, items []crowd.MergedItem, n int) ([]Stop, error) {
	from := start.Entry.Location
	if from == nil {
		return nil, ErrNoLocation
	}
	stops := make([]Stop, 0, len(items))
	for _, item := range items {
		if item.Entry.Location == nil || item.PlaceKey == start.PlaceKey {
			continue
		}
		stops = append(stops, Stop{Item: item, DistanceKm: HaversineKm(*from, *item.Entry.Location)})
	}
	slices.SortStableFunc(stops, func(a, b Stop) int {
		return cmp.Compare(a.DistanceKm, b.DistanceKm)
	})
	if n >= 0 && len(stops) > n {
		stops = stops[:n]
	}
	return stops, nil
}

// ClosestTwo is Closest with n = 2.
func ClosestTwo(start crowd.MergedItem, items []crowd.MergedItem) ([]Stop, error) {
	return Closest(start, items, 2)
}

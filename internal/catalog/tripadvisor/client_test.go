package tripadvisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crowdpulse/internal/catalog"
	"github.com/JakeFAU/crowdpulse/internal/crowd"
)

type fakeAPI struct {
	geos       string
	throttled  atomic.Int32
	throttle   int32
	detailHits atomic.Int32
	lastLatLng atomic.Value
}

var detailsByID = map[string]string{
	"1": `{"location_id":"1","name":"Seine River Cruise","rating":"4.5","num_reviews":"12000","address_obj":{"address_string":"Port de la Bourdonnais, Paris"},"category":{"name":"attraction"},"groups":[{"name":"Tours"}]}`,
	"2": `{"location_id":"2","name":"Le Bon Marché","rating":"4.4","num_reviews":"8000","address_obj":{"street1":"24 Rue de Sèvres","city":"Paris","country":"France"},"category":{"name":"attraction"},"groups":[{"name":"Shopping"}]}`,
	"3": `{"location_id":"3","name":"Catacombs Tour","rating":"4.6","num_reviews":"20000","latitude":"48.8338","longitude":"2.3324","address_obj":{"address_string":"1 Av. du Colonel Henri Rol-Tanguy"},"category":{"name":"attraction"},"groups":[{"name":"Tours"},{"name":"Sights & Landmarks"}]}`,
	"4": `{"location_id":"4","name":"Wine Tasting","rating":4.9,"num_reviews":500,"category":{"name":"attraction"},"groups":[{"name":"Food & Drink"}]}`,
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/location/search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "secret", q.Get("key"))
		require.Equal(t, "en", q.Get("language"))
		w.Header().Set("Content-Type", "application/json")
		switch q.Get("category") {
		case "geos":
			_, _ = w.Write([]byte(f.geos))
		case "attractions":
			f.lastLatLng.Store(q.Get("latLong"))
			_, _ = w.Write([]byte(`{"data":[
				{"location_id":"2","name":"Le Bon Marché","num_reviews":"8000"},
				{"location_id":"1","name":"Seine River Cruise","num_reviews":"12000"},
				{"location_id":"","name":"Broken"},
				{"location_id":"4","name":"Wine Tasting","num_reviews":500},
				{"location_id":"3","name":"Catacombs Tour","num_reviews":"20000"}
			]}`))
		default:
			http.Error(w, "bad category", http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/api/v1/location/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/location/"), "/details")
		if id == "3" && f.throttled.Load() < f.throttle {
			f.throttled.Add(1)
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		f.detailHits.Add(1)
		body, ok := detailsByID[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
	return mux
}

func newClient(t *testing.T, api *fakeAPI, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	cfg.APIKey = "secret"
	cfg.BaseURL = srv.URL
	cfg.RetryWait = time.Millisecond
	client, err := New(cfg, nil)
	require.NoError(t, err)
	return client
}

const parisGeo = `{"data":[{"location_id":"187147","name":"Paris","latitude":"48.85","longitude":"2.35"}]}`

func TestTopTenRanksAndFiltersGroups(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{geos: parisGeo, throttle: 1}
	client := newClient(t, api, Config{DenyGroups: []string{"shopping"}, TopN: 3})

	entries, err := client.TopTen(context.Background(), "Paris")
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"Catacombs Tour", "Seine River Cruise", "Wine Tasting"}, names)
	require.Equal(t, "48.85,2.35", api.lastLatLng.Load())
	require.Equal(t, int32(1), api.throttled.Load(), "429 should be retried")

	first := entries[0]
	require.Equal(t, "3", first.ID)
	require.InDelta(t, 4.6, first.Rating, 0.001)
	require.Equal(t, "tripadvisor", first.Source)
	require.Equal(t, catalog.ItemActivity, first.ItemType)
	require.Equal(t, &crowd.LatLng{Lat: 48.8338, Lng: 2.3324}, first.Location)
	require.Equal(t, "Port de la Bourdonnais, Paris", entries[1].Address)
	require.Nil(t, entries[1].Location)
}

func TestTopTenAllowGroupsStopsAtTopN(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{geos: parisGeo}
	client := newClient(t, api, Config{AllowGroups: []string{"Tours"}, TopN: 1})

	entries, err := client.TopTen(context.Background(), "Paris")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "Catacombs Tour", entries[0].Name)
	require.Equal(t, int32(1), api.detailHits.Load())
}

func TestTopTenAddressFallback(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{geos: parisGeo}
	client := newClient(t, api, Config{AllowGroups: []string{"shopping"}})

	entries, err := client.TopTen(context.Background(), "Paris")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "24 Rue de Sèvres, Paris, France", entries[0].Address)
}

func TestTopTenUnknownCity(t *testing.T) {
	t.Parallel()

	client := newClient(t, &fakeAPI{geos: `{"data":[]}`}, Config{})

	_, err := client.TopTen(context.Background(), "Atlantis")
	require.ErrorIs(t, err, catalog.ErrUnknownCity)
}

func TestTopTenPersistentThrottleSurfacesHTTPError(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{geos: parisGeo, throttle: 100}
	client := newClient(t, api, Config{MaxRetries: 2})

	_, err := client.TopTen(context.Background(), "Paris")
	var httpErr *catalog.HTTPError
	require.True(t, errors.As(err, &httpErr), fmt.Sprintf("%v", err))
	require.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	require.Equal(t, int32(3), api.throttled.Load())
}

func TestNumberDecoding(t *testing.T) {
	t.Parallel()

	var n number
	require.NoError(t, n.UnmarshalJSON([]byte(`"4.5"`)))
	require.InDelta(t, 4.5, float64(n), 0.0001)
	require.NoError(t, n.UnmarshalJSON([]byte(`12`)))
	require.InDelta(t, 12, float64(n), 0.0001)
	require.NoError(t, n.UnmarshalJSON([]byte(`null`)))
	require.Zero(t, float64(n))
	require.Error(t, n.UnmarshalJSON([]byte(`"n/a"`)))
}

package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crowdpulse/internal/crowd"
)

func TestBusynessCodec(t *testing.T) {
	t.Parallel()

	data, err := EncodeBusyness(nil)
	require.NoError(t, err)
	require.Nil(t, data)

	decoded, err := DecodeBusyness(nil)
	require.NoError(t, err)
	require.Nil(t, decoded)

	hourly := crowd.EmptyHourly()
	hourly[12] = 64
	rec := &crowd.BusynessRecord{PlaceKey: "a, b", Day: time.Monday, Hourly: hourly, Current: crowd.NoData}
	data, err = EncodeBusyness(rec)
	require.NoError(t, err)
	require.Contains(t, string(data), `"hourly_occupancy":[-1,`)

	decoded, err = DecodeBusyness(data)
	require.NoError(t, err)
	require.Equal(t, rec.Hourly, decoded.Hourly)
	require.Equal(t, time.Monday, decoded.Day)

	_, err = DecodeBusyness([]byte("{"))
	require.Error(t, err)
}

func TestLocationColumns(t *testing.T) {
	t.Parallel()

	lat, lng := SplitLocation(nil)
	require.Nil(t, lat)
	require.Nil(t, lng)
	require.Nil(t, JoinLocation(nil, nil))

	loc := &crowd.LatLng{Lat: 48.8584, Lng: 2.2945}
	lat, lng = SplitLocation(loc)
	require.Equal(t, loc, JoinLocation(lat, lng))

	only := 1.0
	require.Nil(t, JoinLocation(&only, nil))
}

func TestEntriesCodec(t *testing.T) {
	t.Parallel()

	data, err := EncodeEntries(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", string(data))

	in := []crowd.TopTenEntry{
		{ID: "p3", Name: "Eiffel Tower", Rating: 4.7, Source: "google", ItemType: "attraction", Location: &crowd.LatLng{Lat: 48.8584, Lng: 2.2945}},
		{ID: "t1", Name: "Seine Cruise", Source: "tripadvisor", ItemType: "activity"},
	}
	data, err = EncodeEntries(in)
	require.NoError(t, err)
	out, err := DecodeEntries(data)
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = DecodeEntries([]byte("{"))
	require.Error(t, err)
}

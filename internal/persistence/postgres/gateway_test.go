package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crowdpulse/internal/catalog/snapshot"
	"github.com/JakeFAU/crowdpulse/internal/crowd"
	"github.com/JakeFAU/crowdpulse/internal/persistence"
)

var generatedAt = time.Unix(1700000000, 0).UTC()

func sampleResult() crowd.MergedCityResult {
	hourly := crowd.EmptyHourly()
	hourly[15] = 70
	rec := &crowd.BusynessRecord{PlaceKey: "colosseum, rome", Day: time.Monday, Hourly: hourly, Current: crowd.NoData, CapturedAt: generatedAt}
	return crowd.MergedCityResult{
		City:        "Rome",
		RunID:       "run-1",
		GeneratedAt: generatedAt,
		Items: []crowd.MergedItem{
			{
				Entry: crowd.TopTenEntry{
					ID: "g1", Name: "Colosseum", Rating: 4.8, Source: "google", ItemType: "attraction",
					Location: &crowd.LatLng{Lat: 41.8902, Lng: 12.4922},
				},
				PlaceKey: "colosseum, rome",
				Busyness: rec,
				Outcome:  crowd.OutcomeSuccess,
			},
			{
				Entry:    crowd.TopTenEntry{ID: "t1", Name: "Vespa Tour", Source: "tripadvisor", ItemType: "activity"},
				PlaceKey: "vespa tour, rome",
				Outcome:  crowd.OutcomeTransient,
			},
		},
	}
}

func newMockGateway(t *testing.T) (*Gateway, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	g, err := NewWithPool(mock, nil)
	require.NoError(t, err)
	return g, mock
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil)
	require.Error(t, err)
	_, err = NewWithPool(nil, nil)
	require.Error(t, err)
}

func TestUpsertCityResultWritesInOneTransaction(t *testing.T) {
	t.Parallel()

	g, mock := newMockGateway(t)
	res := sampleResult()
	busyness, err := persistence.EncodeBusyness(res.Items[0].Busyness)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO city_runs").
		WithArgs("rome", "Rome", "run-1", generatedAt, 2, 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO city_items").
		WithArgs("rome", "colosseum, rome", 0, "g1", "Colosseum", "", 4.8, "", "google", "attraction",
			"success", false, busyness, "run-1", generatedAt,
			pgtype.Float8{Float64: 41.8902, Valid: true}, pgtype.Float8{Float64: 12.4922, Valid: true}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO city_items").
		WithArgs("rome", "vespa tour, rome", 1, "t1", "Vespa Tour", "", 0.0, "", "tripadvisor", "activity",
			"transient", false, []byte(nil), "run-1", generatedAt, pgtype.Float8{}, pgtype.Float8{}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM city_items").
		WithArgs("rome", "run-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCommit()

	require.NoError(t, g.UpsertCityResult(context.Background(), res))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCityResultRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	g, mock := newMockGateway(t)
	boom := errors.New("unique violation")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO city_runs").
		WithArgs("rome", "Rome", "run-1", generatedAt, 2, 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO city_items").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(boom)
	mock.ExpectRollback()

	err := g.UpsertCityResult(context.Background(), sampleResult())
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCityResultRequiresCity(t *testing.T) {
	t.Parallel()

	g, mock := newMockGateway(t)
	require.Error(t, g.UpsertCityResult(context.Background(), crowd.MergedCityResult{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCityResultReadsItemsInOrder(t *testing.T) {
	t.Parallel()

	g, mock := newMockGateway(t)
	res := sampleResult()
	busyness, err := persistence.EncodeBusyness(res.Items[0].Busyness)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT city, run_id, generated_at FROM city_runs").
		WithArgs("rome").
		WillReturnRows(pgxmock.NewRows([]string{"city", "run_id", "generated_at"}).
			AddRow("Rome", "run-1", generatedAt))
	mock.ExpectQuery("SELECT place_key").
		WithArgs("rome").
		WillReturnRows(pgxmock.NewRows([]string{
			"place_key", "item_id", "name", "address", "rating", "category", "source", "item_type", "outcome", "from_cache", "busyness", "lat", "lng",
		}).
			AddRow("colosseum, rome", "g1", "Colosseum", "", 4.8, "", "google", "attraction", "success", true, busyness,
				pgtype.Float8{Float64: 41.8902, Valid: true}, pgtype.Float8{Float64: 12.4922, Valid: true}).
			AddRow("vespa tour, rome", "t1", "Vespa Tour", "", 0.0, "", "tripadvisor", "activity", "transient", false, []byte(nil),
				pgtype.Float8{}, pgtype.Float8{}))

	got, err := g.CityResult(context.Background(), "  rome ")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Equal(t, "run-1", got.RunID)
	require.Len(t, got.Items, 2)
	require.Equal(t, crowd.OutcomeSuccess, got.Items[0].Outcome)
	require.True(t, got.Items[0].FromCache)
	require.NotNil(t, got.Items[0].Busyness)
	require.Equal(t, crowd.Occupancy(70), got.Items[0].Busyness.Hourly[15])
	require.Nil(t, got.Items[1].Busyness)
	require.Equal(t, &crowd.LatLng{Lat: 41.8902, Lng: 12.4922}, got.Items[0].Entry.Location)
	require.Nil(t, got.Items[1].Entry.Location)
	require.Equal(t, 1, got.CountAbsent())
}

func TestCityResultNotFound(t *testing.T) {
	t.Parallel()

	g, mock := newMockGateway(t)
	mock.ExpectQuery("SELECT city, run_id, generated_at FROM city_runs").
		WithArgs("oslo").
		WillReturnError(pgx.ErrNoRows)

	_, err := g.CityResult(context.Background(), "Oslo")
	require.ErrorIs(t, err, crowd.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogSnapshots(t *testing.T) {
	t.Parallel()

	g, mock := newMockGateway(t)
	ctx := context.Background()
	key := snapshot.Key{CityKey: "rome", Source: "google", ItemType: "attraction"}
	entries := []crowd.TopTenEntry{{ID: "g1", Name: "Colosseum", Source: "google", ItemType: "attraction"}}
	data, err := persistence.EncodeEntries(entries)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT entries FROM catalog_snapshots").
		WithArgs("rome", "google", "attraction").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO catalog_snapshots").
		WithArgs("rome", "Rome", "google", "attraction", data, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT entries FROM catalog_snapshots").
		WithArgs("rome", "google", "attraction").
		WillReturnRows(pgxmock.NewRows([]string{"entries"}).AddRow(data))

	_, ok, err := g.LoadTopTen(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, g.SaveTopTen(ctx, key, "Rome", entries))

	got, ok, err := g.LoadTopTen(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entries, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTopTenSurfacesErrors(t *testing.T) {
	t.Parallel()

	g, mock := newMockGateway(t)
	boom := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO catalog_snapshots").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(boom)

	err := g.SaveTopTen(context.Background(), snapshot.Key{CityKey: "rome", Source: "google", ItemType: "attraction"}, "Rome", nil)
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

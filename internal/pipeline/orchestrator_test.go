package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memcache "github.com/JakeFAU/crowdpulse/internal/cache/memory"
	"github.com/JakeFAU/crowdpulse/internal/catalog"
	"github.com/JakeFAU/crowdpulse/internal/catalog/snapshot"
	"github.com/JakeFAU/crowdpulse/internal/crowd"
	"github.com/JakeFAU/crowdpulse/internal/extractor"
	memgateway "github.com/JakeFAU/crowdpulse/internal/persistence/memory"
	mempub "github.com/JakeFAU/crowdpulse/internal/publisher/memory"
	"github.com/JakeFAU/crowdpulse/internal/ratecontrol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type fakeCatalog struct {
	entries []crowd.TopTenEntry
	err     error
	calls   int
}

func (f *fakeCatalog) TopTen(context.Context, string) ([]crowd.TopTenEntry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

// fakeExtractor returns the outcome scripted for a place name and succeeds
// for everything else.
type fakeExtractor struct {
	mu      sync.Mutex
	script  map[string]crowd.Outcome
	queries []crowd.PlaceQuery
	panicOn string
}

func (f *fakeExtractor) Extract(_ context.Context, q crowd.PlaceQuery) crowd.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if q.Name == f.panicOn {
		panic("page crashed")
	}
	if out, ok := f.script[q.Name]; ok {
		return out
	}
	hourly := crowd.EmptyHourly()
	hourly[12] = 50
	return crowd.Success(crowd.BusynessRecord{PlaceKey: q.Key, Day: time.Tuesday, Hourly: hourly, Current: 40})
}

func (f *fakeExtractor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type fakeSession struct {
	extractor.FixtureReader
	mu       sync.Mutex
	released int
}

func (s *fakeSession) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

type sessions struct {
	err      error
	acquired []*fakeSession
}

func (s *sessions) factory(context.Context) (Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	sess := &fakeSession{}
	s.acquired = append(s.acquired, sess)
	return sess, nil
}

type nopSleeper struct{}

func (nopSleeper) Sleep(context.Context, time.Duration) error { return nil }

type harness struct {
	attractions *fakeCatalog
	activities  *fakeCatalog
	ext         *fakeExtractor
	sessions    *sessions
	cache       *memcache.Cache
	gateway     *memgateway.Gateway
	publisher   *mempub.Publisher
	clock       *fakeClock
	rate        ratecontrol.Config
	snapshots   bool
}

func entries(names ...string) []crowd.TopTenEntry {
	out := make([]crowd.TopTenEntry, 0, len(names))
	for i, n := range names {
		out = append(out, crowd.TopTenEntry{ID: fmt.Sprintf("id-%d", i), Name: n, Source: "test"})
	}
	return out
}

func numbered(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s %d", prefix, i+1)
	}
	return out
}

func newHarness() *harness {
	clock := &fakeClock{now: time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)}
	return &harness{
		attractions: &fakeCatalog{},
		activities:  &fakeCatalog{},
		ext:         &fakeExtractor{script: map[string]crowd.Outcome{}},
		sessions:    &sessions{},
		cache:       memcache.New(clock),
		gateway:     memgateway.New(),
		publisher:   mempub.New(),
		clock:       clock,
	}
}

// catalogs wraps the fakes in gateway-backed snapshots when h.snapshots is set.
func (h *harness) catalogs(t *testing.T) (crowd.Catalog, crowd.Catalog) {
	t.Helper()
	if !h.snapshots {
		return h.attractions, h.activities
	}
	attractions, err := snapshot.New(h.attractions, h.gateway, "google", catalog.ItemAttraction, nil)
	require.NoError(t, err)
	activities, err := snapshot.New(h.activities, h.gateway, "tripadvisor", catalog.ItemActivity, nil)
	require.NoError(t, err)
	return attractions, activities
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	attractions, activities := h.catalogs(t)
	o, err := New(Deps{
		Attractions: attractions,
		Activities:  activities,
		Cache:       h.cache,
		Gateway:     h.gateway,
		Sessions:    h.sessions.factory,
		Extractors: func(extractor.PageReader) (crowd.Extractor, error) {
			return h.ext, nil
		},
		Pacing: func(next crowd.Extractor) (crowd.Extractor, error) {
			return ratecontrol.New(next, h.rate, rand.New(rand.NewSource(1)), nopSleeper{}, nil)
		},
		Publisher: h.publisher,
		IDs:       &seqIDs{},
		Clock:     h.clock,
	}, Config{CacheTTL: time.Hour, Topic: "city-runs"}, nil)
	require.NoError(t, err)
	return o
}

func absentCount(items []crowd.MergedItem) int {
	n := 0
	for _, item := range items {
		if item.Busyness == nil {
			n++
		}
	}
	return n
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	h := newHarness()
	_, err := New(Deps{}, Config{CacheTTL: time.Hour}, nil)
	require.Error(t, err)

	deps := Deps{
		Attractions: h.attractions,
		Activities:  h.activities,
		Cache:       h.cache,
		Gateway:     h.gateway,
		Sessions:    h.sessions.factory,
		Extractors:  func(extractor.PageReader) (crowd.Extractor, error) { return h.ext, nil },
		IDs:         &seqIDs{},
		Clock:       h.clock,
	}
	_, err = New(deps, Config{}, nil)
	require.Error(t, err)
	_, err = New(deps, Config{CacheTTL: time.Minute}, nil)
	require.NoError(t, err)
}

func TestRunMergesAttractionsThenActivities(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.attractions.entries = entries("Colosseum", "Pantheon")
	h.activities.entries = entries("Vespa Tour")
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), "Rome")
	require.NoError(t, err)
	require.Equal(t, "run-1", res.RunID)
	require.Len(t, res.Items, 3)
	require.Equal(t, crowd.PlaceKey("colosseum, rome"), res.Items[0].PlaceKey)
	require.Equal(t, "Vespa Tour", res.Items[2].Entry.Name)
	for _, item := range res.Items {
		require.NotNil(t, item.Busyness)
		require.Len(t, item.Busyness.Hourly.Slice(), crowd.HoursPerDay)
		require.False(t, item.FromCache)
	}

	stored, err := h.gateway.CityResult(context.Background(), "rome")
	require.NoError(t, err)
	require.Len(t, stored.Items, 3)
	require.Len(t, h.sessions.acquired, 1)
	require.Equal(t, 1, h.sessions.acquired[0].released)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "city-runs", msgs[0].Topic)
}

func TestGracefulDegradation(t *testing.T) {
	t.Parallel()

	h := newHarness()
	names := numbered("Attraction", 10)
	h.attractions.entries = entries(names...)
	for _, n := range names[:3] {
		h.ext.script[n] = crowd.Transient(errors.New("widget never rendered"))
	}
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), "Paris")
	require.NoError(t, err)
	require.Len(t, res.Items, 10)
	require.Equal(t, 3, absentCount(res.Items))
	require.Equal(t, 3, res.CountAbsent())
	require.Equal(t, crowd.OutcomeTransient, res.Items[0].Outcome)
	require.Equal(t, crowd.OutcomeSuccess, res.Items[9].Outcome)
	cached := 0
	for _, item := range res.Items {
		if _, hit, _ := h.cache.Get(context.Background(), item.PlaceKey, time.Tuesday); hit {
			cached++
		}
	}
	require.Equal(t, 7, cached)
}

func TestOnlySuccessIsCached(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.attractions.entries = entries("Louvre", "Closed Museum", "Captcha Wall")
	h.ext.script["Closed Museum"] = crowd.NotFound(errors.New("no widget"))
	h.ext.script["Captcha Wall"] = crowd.Blocked(errors.New("captcha"))
	o := h.orchestrator(t)

	_, err := o.Run(context.Background(), "Paris")
	require.NoError(t, err)

	day := h.clock.Now().Weekday()
	_, hit, err := h.cache.Get(context.Background(), "louvre, paris", day)
	require.NoError(t, err)
	require.True(t, hit)
	for _, key := range []crowd.PlaceKey{"closed museum, paris", "captcha wall, paris"} {
		_, hit, err := h.cache.Get(context.Background(), key, day)
		require.NoError(t, err)
		require.False(t, hit, key)
	}
}

func TestSecondRunIsServedFromCache(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.attractions.entries = entries("Colosseum", "Pantheon", "Forum")
	h.activities.entries = entries("Cooking Class")
	h.ext.script["Forum"] = crowd.NotFound(errors.New("no widget"))
	o := h.orchestrator(t)

	_, err := o.Run(context.Background(), "Rome")
	require.NoError(t, err)
	firstRunCalls := h.ext.calls()
	require.Equal(t, 4, firstRunCalls)

	delete(h.ext.script, "Forum")
	h.clock.Advance(10 * time.Minute)
	res, err := o.Run(context.Background(), "Rome")
	require.NoError(t, err)

	// only the uncached miss is retried
	require.Equal(t, firstRunCalls+1, h.ext.calls())
	require.True(t, res.Items[0].FromCache)
	require.False(t, res.Items[2].FromCache)
	require.Equal(t, 2, h.gateway.Upserts())

	// fully cached run never starts a browser
	h.clock.Advance(10 * time.Minute)
	_, err = o.Run(context.Background(), "Rome")
	require.NoError(t, err)
	require.Equal(t, firstRunCalls+1, h.ext.calls())
	require.Len(t, h.sessions.acquired, 2)
}

func TestSecondRunMakesNoCatalogCalls(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.snapshots = true
	h.attractions.entries = entries("Colosseum", "Pantheon")
	h.activities.entries = entries("Cooking Class")
	o := h.orchestrator(t)

	first, err := o.Run(context.Background(), "Rome")
	require.NoError(t, err)
	require.Equal(t, 1, h.attractions.calls)
	require.Equal(t, 1, h.activities.calls)

	h.clock.Advance(10 * time.Minute)
	second, err := o.Run(context.Background(), "  rome")
	require.NoError(t, err)
	require.Equal(t, 1, h.attractions.calls)
	require.Equal(t, 1, h.activities.calls)
	require.Len(t, second.Items, len(first.Items))
	for i := range first.Items {
		require.Equal(t, first.Items[i].Entry.Name, second.Items[i].Entry.Name)
	}
}

func TestCacheKeyedByRecordDay(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.attractions.entries = entries("Colosseum")
	// the widget showed Monday while the host clock reads Tuesday
	h.ext.script["Colosseum"] = crowd.Success(crowd.BusynessRecord{
		PlaceKey: "colosseum, rome",
		Day:      time.Monday,
		Hourly:   crowd.EmptyHourly(),
		Current:  20,
	})
	o := h.orchestrator(t)

	_, err := o.Run(context.Background(), "Rome")
	require.NoError(t, err)

	key := crowd.TopTenEntry{Name: "Colosseum"}.PlaceKey("Rome")
	record, hit, err := h.cache.Get(context.Background(), key, time.Monday)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, time.Monday, record.Day)

	_, hit, err = h.cache.Get(context.Background(), key, time.Tuesday)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestCacheExpiryTriggersRescrape(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.attractions.entries = entries("Colosseum")
	o := h.orchestrator(t)

	_, err := o.Run(context.Background(), "Rome")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	_, err = o.Run(context.Background(), "Rome")
	require.NoError(t, err)
	require.Equal(t, 2, h.ext.calls())
}

func TestBudgetEnforcement(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.attractions.entries = entries(numbered("Attraction", 10)...)
	h.activities.entries = entries(numbered("Activity", 10)...)
	h.rate = ratecontrol.Config{CallBudget: 4}
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), "Paris")
	require.NoError(t, err)
	require.Equal(t, 4, h.ext.calls())
	require.Len(t, res.Items, 20)
	require.Equal(t, 16, res.CountAbsent())
	require.Equal(t, crowd.OutcomeTransient, res.Items[4].Outcome)
}

func TestBudgetResetsPerRun(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.attractions.entries = entries(numbered("Attraction", 5)...)
	h.rate = ratecontrol.Config{CallBudget: 2}
	o := h.orchestrator(t)

	_, err := o.Run(context.Background(), "Paris")
	require.NoError(t, err)
	_, err = o.Run(context.Background(), "Paris")
	require.NoError(t, err)
	require.Equal(t, 4, h.ext.calls())
}

func TestBlockedAbortStopsFurtherScrapes(t *testing.T) {
	t.Parallel()

	h := newHarness()
	names := numbered("Attraction", 6)
	h.attractions.entries = entries(names...)
	h.ext.script[names[1]] = crowd.Blocked(errors.New("unusual traffic"))
	h.ext.script[names[2]] = crowd.Blocked(errors.New("unusual traffic"))
	h.rate = ratecontrol.Config{BlockedAbortThreshold: 2}
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), "Paris")
	require.NoError(t, err)
	require.Equal(t, 3, h.ext.calls())
	require.Len(t, res.Items, 6)
	require.Equal(t, 5, res.CountAbsent())
	for _, item := range res.Items[3:] {
		require.Equal(t, crowd.OutcomeBlocked, item.Outcome)
		require.Nil(t, item.Busyness)
	}
}

func TestCatalogErrorPropagatesBeforeScraping(t *testing.T) {
	t.Parallel()

	h := newHarness()
	apiErr := &catalog.HTTPError{Source: "google", Method: http.MethodPost, StatusCode: http.StatusForbidden}
	h.attractions.entries = entries("Colosseum")
	h.activities.err = apiErr
	o := h.orchestrator(t)

	_, err := o.Run(context.Background(), "Rome")
	require.Error(t, err)
	require.ErrorIs(t, err, apiErr)
	var httpErr *catalog.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusForbidden, httpErr.StatusCode)

	require.Zero(t, h.ext.calls())
	require.Empty(t, h.sessions.acquired)
	require.Zero(t, h.gateway.Upserts())
	require.Empty(t, h.publisher.Messages())
}

func TestSessionUnavailableAbortsWithoutWrite(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.attractions.entries = entries("Colosseum")
	h.sessions.err = fmt.Errorf("acquire session: %w", crowd.ErrSessionUnavailable)
	o := h.orchestrator(t)

	_, err := o.Run(context.Background(), "Rome")
	require.ErrorIs(t, err, crowd.ErrSessionUnavailable)
	require.Zero(t, h.gateway.Upserts())
	require.Zero(t, h.ext.calls())
}

func TestSessionReleasedWhenExtractorPanics(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.attractions.entries = entries("Colosseum", "Pantheon")
	h.ext.panicOn = "Pantheon"
	o := h.orchestrator(t)

	require.Panics(t, func() {
		_, _ = o.Run(context.Background(), "Rome")
	})
	require.Len(t, h.sessions.acquired, 1)
	require.Equal(t, 1, h.sessions.acquired[0].released)
	require.Zero(t, h.gateway.Upserts())

	// the run mutex was released by the panic path
	h.ext.panicOn = ""
	_, err := o.Run(context.Background(), "Rome")
	require.NoError(t, err)
}

func TestDuplicatePlaceScrapedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.attractions.entries = entries("Eiffel Tower")
	h.activities.entries = entries("eiffel  tower")
	h.ext.script["Eiffel Tower"] = crowd.Transient(errors.New("timeout"))
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), "Paris")
	require.NoError(t, err)
	require.Equal(t, 1, h.ext.calls())
	require.Len(t, res.Items, 2)
	require.Equal(t, res.Items[0].PlaceKey, res.Items[1].PlaceKey)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("pubsub down")
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.attractions.entries = entries("Colosseum")
	o := h.orchestrator(t)
	o.deps.Publisher = failingPublisher{}

	_, err := o.Run(context.Background(), "Rome")
	require.NoError(t, err)
	require.Equal(t, 1, h.gateway.Upserts())
}

type failingGateway struct{ memgateway.Gateway }

func (*failingGateway) UpsertCityResult(context.Context, crowd.MergedCityResult) error {
	return errors.New("disk full")
}

func TestPersistFailureSurfaces(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.attractions.entries = entries("Colosseum")
	o := h.orchestrator(t)
	o.deps.Gateway = &failingGateway{}

	_, err := o.Run(context.Background(), "Rome")
	require.ErrorContains(t, err, "disk full")
	require.Empty(t, h.publisher.Messages())
}

func TestCanceledRunDoesNotWrite(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.attractions.entries = entries("Colosseum")
	o := h.orchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Run(ctx, "Rome")
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, h.gateway.Upserts())
}

package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crowdpulse/internal/catalog"
	"github.com/JakeFAU/crowdpulse/internal/crowd"
)

type countingCatalog struct {
	mu      sync.Mutex
	entries []crowd.TopTenEntry
	err     error
	calls   int
}

func (c *countingCatalog) TopTen(context.Context, string) ([]crowd.TopTenEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.entries, nil
}

type mapStore struct {
	mu      sync.Mutex
	lists   map[Key][]crowd.TopTenEntry
	loadErr error
	saveErr error
	saves   int
}

func newMapStore() *mapStore {
	return &mapStore{lists: make(map[Key][]crowd.TopTenEntry)}
}

func (s *mapStore) LoadTopTen(_ context.Context, key Key) ([]crowd.TopTenEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, false, s.loadErr
	}
	entries, ok := s.lists[key]
	return entries, ok, nil
}

func (s *mapStore) SaveTopTen(_ context.Context, key Key, _ string, entries []crowd.TopTenEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.lists[key] = entries
	return nil
}

func colosseum() []crowd.TopTenEntry {
	return []crowd.TopTenEntry{{ID: "g1", Name: "Colosseum", Source: "google", ItemType: catalog.ItemAttraction}}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, newMapStore(), "google", catalog.ItemAttraction, nil)
	require.Error(t, err)
	_, err = New(&countingCatalog{}, nil, "google", catalog.ItemAttraction, nil)
	require.Error(t, err)
	_, err = New(&countingCatalog{}, newMapStore(), "", catalog.ItemAttraction, nil)
	require.Error(t, err)
}

func TestSecondLookupSkipsUpstream(t *testing.T) {
	t.Parallel()

	upstream := &countingCatalog{entries: colosseum()}
	store := newMapStore()
	c, err := New(upstream, store, "google", catalog.ItemAttraction, nil)
	require.NoError(t, err)

	first, err := c.TopTen(context.Background(), "Rome")
	require.NoError(t, err)
	second, err := c.TopTen(context.Background(), "  ROME ")
	require.NoError(t, err)

	require.Equal(t, 1, upstream.calls)
	require.Equal(t, first, second)
	require.Contains(t, store.lists, Key{CityKey: "rome", Source: "google", ItemType: catalog.ItemAttraction})
}

func TestKeysSeparateSourceAndItemType(t *testing.T) {
	t.Parallel()

	store := newMapStore()
	attractions := &countingCatalog{entries: colosseum()}
	activities := &countingCatalog{entries: []crowd.TopTenEntry{{ID: "t1", Name: "Vespa Tour"}}}
	a, err := New(attractions, store, "google", catalog.ItemAttraction, nil)
	require.NoError(t, err)
	b, err := New(activities, store, "tripadvisor", catalog.ItemActivity, nil)
	require.NoError(t, err)

	got, err := a.TopTen(context.Background(), "Rome")
	require.NoError(t, err)
	require.Equal(t, "Colosseum", got[0].Name)
	got, err = b.TopTen(context.Background(), "Rome")
	require.NoError(t, err)
	require.Equal(t, "Vespa Tour", got[0].Name)
	require.Len(t, store.lists, 2)
}

func TestEmptyListIsNotStored(t *testing.T) {
	t.Parallel()

	upstream := &countingCatalog{}
	store := newMapStore()
	c, err := New(upstream, store, "google", catalog.ItemAttraction, nil)
	require.NoError(t, err)

	for range 2 {
		entries, err := c.TopTen(context.Background(), "Ghost Town")
		require.NoError(t, err)
		require.Empty(t, entries)
	}
	require.Equal(t, 2, upstream.calls)
	require.Zero(t, store.saves)
}

func TestUpstreamErrorKeepsChain(t *testing.T) {
	t.Parallel()

	upstream := &countingCatalog{err: &catalog.HTTPError{Source: "google", StatusCode: 403}}
	store := newMapStore()
	c, err := New(upstream, store, "google", catalog.ItemAttraction, nil)
	require.NoError(t, err)

	_, err = c.TopTen(context.Background(), "Rome")
	var httpErr *catalog.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Zero(t, store.saves)
}

func TestStoreFailuresFallBackToUpstream(t *testing.T) {
	t.Parallel()

	upstream := &countingCatalog{entries: colosseum()}
	store := newMapStore()
	store.loadErr = errors.New("database is locked")
	store.saveErr = errors.New("disk full")
	c, err := New(upstream, store, "google", catalog.ItemAttraction, nil)
	require.NoError(t, err)

	entries, err := c.TopTen(context.Background(), "Rome")
	require.NoError(t, err)
	require.Equal(t, colosseum(), entries)
	require.Equal(t, 1, upstream.calls)
	require.Equal(t, 1, store.saves)
}

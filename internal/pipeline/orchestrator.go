// Package pipeline runs one city refresh: catalog fetch, per-place busyness
// resolution through the cache and the rate-controlled extractor, and a single
// write of the merged result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crowdpulse/internal/crowd"
	"github.com/JakeFAU/crowdpulse/internal/extractor"
	"github.com/JakeFAU/crowdpulse/internal/metrics"
)

// Session is a live page the extractor drives. Release must be safe to call
// more than once.
type Session interface {
	extractor.PageReader
	Release()
}

// SessionFactory acquires the browser session for a run.
type SessionFactory func(ctx context.Context) (Session, error)

// ExtractorFactory binds an extractor to the run's session.
type ExtractorFactory func(reader extractor.PageReader) (crowd.Extractor, error)

// PacingFactory wraps the run's extractor in a fresh rate controller so call
// budgets and block streaks reset between runs.
type PacingFactory func(next crowd.Extractor) (crowd.Extractor, error)

// Config controls Orchestrator behavior.
type Config struct {
	CacheTTL time.Duration
	// Topic receives a run-completed notification when non-empty.
	Topic string
}

// Deps groups the collaborators of an Orchestrator.
type Deps struct {
	Attractions crowd.Catalog
	Activities  crowd.Catalog
	Cache       crowd.Cache
	Gateway     crowd.Gateway
	Sessions    SessionFactory
	Extractors  ExtractorFactory
	Pacing      PacingFactory
	Publisher   crowd.Publisher
	IDs         crowd.IDGenerator
	Clock       crowd.Clock
}

// Orchestrator executes city runs one at a time.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	mu     sync.Mutex
}

// New validates deps and constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Attractions == nil || deps.Activities == nil:
		return nil, fmt.Errorf("attraction and activity catalogs are required")
	case deps.Cache == nil:
		return nil, fmt.Errorf("cache is required")
	case deps.Gateway == nil:
		return nil, fmt.Errorf("gateway is required")
	case deps.Sessions == nil || deps.Extractors == nil:
		return nil, fmt.Errorf("session and extractor factories are required")
	case deps.IDs == nil || deps.Clock == nil:
		return nil, fmt.Errorf("id generator and clock are required")
	}
	if cfg.CacheTTL <= 0 {
		return nil, fmt.Errorf("cache ttl must be > 0")
	}
	if deps.Pacing == nil {
		deps.Pacing = func(next crowd.Extractor) (crowd.Extractor, error) { return next, nil }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run refreshes city and returns what was written. Catalog failures are
// returned before any scraping starts; a session that cannot be started
// fails the run without a write.
func (o *Orchestrator) Run(ctx context.Context, city string) (crowd.MergedCityResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	runID, err := o.deps.IDs.NewID()
	if err != nil {
		return crowd.MergedCityResult{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := o.logger.With(zap.String("city", city), zap.String("run_id", runID))
	started := o.deps.Clock.Now()

	entries, err := o.fetchCatalogs(ctx, city)
	if err != nil {
		metrics.ObservePipelineRun("catalog_error")
		logger.Error("catalog fetch failed", zap.Error(err))
		return crowd.MergedCityResult{}, err
	}
	logger.Info("catalogs fetched", zap.Int("items", len(entries)))

	r := &run{o: o, logger: logger, city: city, day: started.Weekday(), seen: make(map[crowd.PlaceKey]resolution)}
	defer r.release()

	items, err := r.resolveAll(ctx, entries)
	if err != nil {
		status := "failed"
		if errors.Is(err, crowd.ErrSessionUnavailable) {
			status = "session_unavailable"
		}
		metrics.ObservePipelineRun(status)
		logger.Error("city run aborted", zap.Error(err))
		return crowd.MergedCityResult{}, err
	}

	result := crowd.MergedCityResult{
		City:        city,
		RunID:       runID,
		GeneratedAt: o.deps.Clock.Now(),
		Items:       items,
	}
	if err := o.deps.Gateway.UpsertCityResult(ctx, result); err != nil {
		metrics.ObservePipelineRun("persist_error")
		return crowd.MergedCityResult{}, fmt.Errorf("persist city result: %w", err)
	}

	absent := result.CountAbsent()
	metrics.ObservePipelineRun("succeeded")
	metrics.ObservePipelineItems(len(items)-absent, absent)
	logger.Info("city run complete",
		zap.Int("items", len(items)),
		zap.Int("absent", absent),
		zap.Int("scrapes", r.scrapes),
		zap.Duration("elapsed", o.deps.Clock.Now().Sub(started)),
	)
	o.publish(ctx, result, logger)
	return result, nil
}

// fetchCatalogs fetches both lists concurrently and returns attractions
// followed by activities. Errors keep their original chain.
func (o *Orchestrator) fetchCatalogs(ctx context.Context, city string) ([]crowd.TopTenEntry, error) {
	var attractions, activities []crowd.TopTenEntry
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if attractions, err = o.deps.Attractions.TopTen(gctx, city); err != nil {
			return fmt.Errorf("fetch attractions for %q: %w", city, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if activities, err = o.deps.Activities.TopTen(gctx, city); err != nil {
			return fmt.Errorf("fetch activities for %q: %w", city, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]crowd.TopTenEntry, 0, len(attractions)+len(activities))
	out = append(out, attractions...)
	return append(out, activities...), nil
}

func (o *Orchestrator) publish(ctx context.Context, result crowd.MergedCityResult, logger *zap.Logger) {
	if o.cfg.Topic == "" || o.deps.Publisher == nil {
		return
	}
	payload := map[string]any{
		"city":         result.City,
		"run_id":       result.RunID,
		"generated_at": result.GeneratedAt.Format(time.RFC3339),
		"items":        len(result.Items),
		"absent":       result.CountAbsent(),
	}
	id, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, payload)
	if err != nil {
		logger.Warn("publish run notification failed", zap.Error(err))
		return
	}
	logger.Debug("run notification published", zap.String("message_id", id))
}

type resolution struct {
	record *crowd.BusynessRecord
	kind   crowd.OutcomeKind
	cached bool
}

// run holds the per-run state: the lazily acquired session and the paced
// extractor bound to it.
type run struct {
	o       *Orchestrator
	logger  *zap.Logger
	city    string
	day     time.Weekday
	session Session
	ext     crowd.Extractor
	seen    map[crowd.PlaceKey]resolution
	scrapes int
}

func (r *run) resolveAll(ctx context.Context, entries []crowd.TopTenEntry) ([]crowd.MergedItem, error) {
	items := make([]crowd.MergedItem, 0, len(entries))
	for _, entry := range entries {
		key := entry.PlaceKey(r.city)
		res, ok := r.seen[key]
		if !ok {
			var err error
			if res, err = r.resolve(ctx, entry, key); err != nil {
				return nil, err
			}
			r.seen[key] = res
		}
		items = append(items, crowd.MergedItem{
			Entry:     entry,
			PlaceKey:  key,
			Busyness:  res.record,
			Outcome:   res.kind,
			FromCache: res.cached,
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("city run canceled: %w", err)
	}
	return items, nil
}

func (r *run) resolve(ctx context.Context, entry crowd.TopTenEntry, key crowd.PlaceKey) (resolution, error) {
	record, hit, err := r.o.deps.Cache.Get(ctx, key, r.day)
	if err != nil {
		r.logger.Warn("cache lookup failed", zap.String("place_key", key.String()), zap.Error(err))
	}
	metrics.ObserveCacheLookup(hit)
	if hit {
		return resolution{record: &record, kind: crowd.OutcomeSuccess, cached: true}, nil
	}

	ext, err := r.extractor(ctx)
	if err != nil {
		return resolution{}, err
	}
	r.scrapes++
	outcome := ext.Extract(ctx, crowd.PlaceQuery{Key: key, Name: entry.Name, City: r.city})
	if !outcome.OK() {
		r.logger.Info("place merged without busyness",
			zap.String("place_key", key.String()),
			zap.Stringer("outcome", outcome.Kind),
			zap.String("reason", outcome.ReasonText()),
		)
		return resolution{kind: outcome.Kind}, nil
	}
	// the record's day is the widget panel that was read, which can differ
	// from the host's weekday
	if err := r.o.deps.Cache.Put(ctx, key, outcome.Record.Day, *outcome.Record, r.o.cfg.CacheTTL); err != nil {
		r.logger.Warn("cache write failed", zap.String("place_key", key.String()), zap.Error(err))
	}
	return resolution{record: outcome.Record, kind: crowd.OutcomeSuccess}, nil
}

// extractor acquires the session on the first cache miss.
func (r *run) extractor(ctx context.Context) (crowd.Extractor, error) {
	if r.ext != nil {
		return r.ext, nil
	}
	session, err := r.o.deps.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("start scraping session: %w", err)
	}
	r.session = session
	ext, err := r.o.deps.Extractors(session)
	if err != nil {
		return nil, fmt.Errorf("build extractor: %w", err)
	}
	paced, err := r.o.deps.Pacing(ext)
	if err != nil {
		return nil, fmt.Errorf("build rate controller: %w", err)
	}
	r.ext = paced
	return paced, nil
}

func (r *run) release() {
	if r.session != nil {
		r.session.Release()
	}
}

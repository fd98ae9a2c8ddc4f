// Package app builds and owns the long-lived services of a crowdpulse process.
// Commands construct one App from config and close it on exit.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crowdpulse/internal/api"
	"github.com/JakeFAU/crowdpulse/internal/browser"
	"github.com/JakeFAU/crowdpulse/internal/catalog"
	memcache "github.com/JakeFAU/crowdpulse/internal/cache/memory"
	sqlitecache "github.com/JakeFAU/crowdpulse/internal/cache/sqlite"
	"github.com/JakeFAU/crowdpulse/internal/catalog/googleplaces"
	"github.com/JakeFAU/crowdpulse/internal/catalog/snapshot"
	"github.com/JakeFAU/crowdpulse/internal/catalog/static"
	"github.com/JakeFAU/crowdpulse/internal/catalog/tripadvisor"
	"github.com/JakeFAU/crowdpulse/internal/clock/system"
	"github.com/JakeFAU/crowdpulse/internal/config"
	"github.com/JakeFAU/crowdpulse/internal/crowd"
	"github.com/JakeFAU/crowdpulse/internal/extractor"
	"github.com/JakeFAU/crowdpulse/internal/hash/sha256"
	"github.com/JakeFAU/crowdpulse/internal/id/uuid"
	memgateway "github.com/JakeFAU/crowdpulse/internal/persistence/memory"
	"github.com/JakeFAU/crowdpulse/internal/persistence/postgres"
	sqlitegateway "github.com/JakeFAU/crowdpulse/internal/persistence/sqlite"
	"github.com/JakeFAU/crowdpulse/internal/pipeline"
	"github.com/JakeFAU/crowdpulse/internal/publisher/pubsub"
	"github.com/JakeFAU/crowdpulse/internal/ratecontrol"
	"github.com/JakeFAU/crowdpulse/internal/storage/gcs"
	"github.com/JakeFAU/crowdpulse/internal/storage/local"
	memstorage "github.com/JakeFAU/crowdpulse/internal/storage/memory"
)

// App holds the services shared by the CLI commands.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    *system.Clock
	cache    crowd.Cache
	gateway  crowd.Gateway
	browser  *browser.Manager
	pipeline *pipeline.Orchestrator
	server   *api.Server
	closers  []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pipeline returns the city orchestrator.
func (a *App) Pipeline() api.Runner {
	return a.pipeline
}

// Gateway returns the configured persistence gateway.
func (a *App) Gateway() crowd.Gateway {
	return a.gateway
}

// Handler returns the HTTP surface bound to the pipeline.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// New initializes every service named by cfg. Partially built services are
// closed when a later step fails.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	logger.Info("initializing services",
		zap.String("cache", cfg.Cache.Backend),
		zap.String("persistence", cfg.Persistence.Backend),
		zap.String("snapshots", cfg.Snapshots.Backend),
	)

	if a.cache, err = a.openCache(ctx); err != nil {
		return nil, err
	}
	if a.gateway, err = a.openGateway(ctx); err != nil {
		return nil, err
	}
	a.track("gateway", a.gateway.Close)

	snapshots, err := a.openSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}
	attractions, activities, err := a.openCatalogs()
	if err != nil {
		return nil, err
	}

	a.browser = browser.NewManager(cfg.BrowserConfig(), logger.Named("browser"))

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Attractions: attractions,
		Activities:  activities,
		Cache:       a.cache,
		Gateway:     a.gateway,
		Sessions:    a.acquireSession,
		Extractors:  a.extractorFactory(snapshots),
		Pacing:      a.pacingFactory(),
		Publisher:   publisher,
		IDs:         uuid.New(),
		Clock:       a.clock,
	}, pipeline.Config{CacheTTL: cfg.Cache.TTL, Topic: cfg.PubSub.Topic}, logger.Named("pipeline"))
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	a.server = api.NewServer(a.pipeline, a.gateway, api.Options{}, logger.Named("api"))
	logger.Info("services initialized")
	return a, nil
}

func (a *App) track(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

func (a *App) openCache(ctx context.Context) (crowd.Cache, error) {
	switch a.cfg.Cache.Backend {
	case config.BackendSQLite:
		c, err := sqlitecache.Open(ctx, a.cfg.Cache.SQLitePath, a.clock, a.logger.Named("cache"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		a.track("cache", c.Close)
		return c, nil
	case config.BackendMemory:
		return memcache.New(a.clock), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", a.cfg.Cache.Backend)
	}
}

func (a *App) openGateway(ctx context.Context) (crowd.Gateway, error) {
	p := a.cfg.Persistence
	switch p.Backend {
	case config.BackendPostgres:
		g, err := postgres.New(ctx, postgres.Config{DSN: p.DSN, MaxConns: p.MaxConns, Migrate: p.Migrate}, a.logger.Named("postgres"))
		if err != nil {
			return nil, fmt.Errorf("open postgres gateway: %w", err)
		}
		return g, nil
	case config.BackendSQLite:
		g, err := sqlitegateway.Open(ctx, p.SQLitePath, a.logger.Named("sqlite"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite gateway: %w", err)
		}
		return g, nil
	case config.BackendMemory:
		return memgateway.New(), nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", p.Backend)
	}
}

func (a *App) openSnapshots(ctx context.Context) (crowd.SnapshotStore, error) {
	s := a.cfg.Snapshots
	switch s.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendMemory:
		return memstorage.New(), nil
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: s.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local snapshots: %w", err)
		}
		return store, nil
	case config.BackendGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: s.Bucket, Prefix: s.Prefix})
		if err != nil {
			return nil, fmt.Errorf("open gcs snapshots: %w", err)
		}
		a.track("snapshots", store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown snapshots backend %q", s.Backend)
	}
}

func (a *App) openPublisher(ctx context.Context) (crowd.Publisher, error) {
	if a.cfg.PubSub.Topic == "" {
		return nil, nil
	}
	p, err := pubsub.Open(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("open pubsub publisher: %w", err)
	}
	a.track("pubsub", p.Close)
	return p, nil
}

func (a *App) openCatalogs() (crowd.Catalog, crowd.Catalog, error) {
	c := a.cfg.Catalog
	var file *static.File
	build := func(source, itemType string) (crowd.Catalog, error) {
		switch source {
		case config.SourceGooglePlaces:
			return googleplaces.New(googleplaces.Config{
				APIKey:     c.GoogleAPIKey,
				Language:   c.Language,
				TopN:       c.TopN,
				SearchPool: c.SearchPool,
				Timeout:    c.Timeout,
			}, a.logger.Named("googleplaces"))
		case config.SourceTripadvisor:
			return tripadvisor.New(tripadvisor.Config{
				APIKey:      c.TripadvisorAPIKey,
				Language:    c.Language,
				TopN:        c.TopN,
				AllowGroups: c.AllowGroups,
				DenyGroups:  c.DenyGroups,
				Timeout:     c.Timeout,
			}, a.logger.Named("tripadvisor"))
		case config.SourceStatic:
			if file == nil {
				f, err := static.Load(c.StaticPath)
				if err != nil {
					return nil, err
				}
				file = f
			}
			if itemType == catalog.ItemAttraction {
				return file.Attractions(c.TopN), nil
			}
			return file.Activities(c.TopN), nil
		default:
			return nil, fmt.Errorf("unknown catalog source %q", source)
		}
	}

	attractions, err := build(c.Attractions, catalog.ItemAttraction)
	if err != nil {
		return nil, nil, fmt.Errorf("build attractions catalog: %w", err)
	}
	if attractions, err = a.withSnapshots(attractions, c.Attractions, catalog.ItemAttraction); err != nil {
		return nil, nil, fmt.Errorf("build attractions catalog: %w", err)
	}
	activities, err := build(c.Activities, catalog.ItemActivity)
	if err != nil {
		return nil, nil, fmt.Errorf("build activities catalog: %w", err)
	}
	if activities, err = a.withSnapshots(activities, c.Activities, catalog.ItemActivity); err != nil {
		return nil, nil, fmt.Errorf("build activities catalog: %w", err)
	}
	return attractions, activities, nil
}

// withSnapshots stores API-backed lists in the gateway so each city is
// fetched from the paid APIs once. Static files are already local.
func (a *App) withSnapshots(next crowd.Catalog, source, itemType string) (crowd.Catalog, error) {
	if !a.cfg.Catalog.ReuseSnapshots || source == config.SourceStatic {
		return next, nil
	}
	store, ok := a.gateway.(snapshot.Store)
	if !ok {
		a.logger.Warn("gateway cannot store catalog snapshots", zap.String("source", source))
		return next, nil
	}
	return snapshot.New(next, store, source, itemType, a.logger.Named("catalog"))
}

// acquireSession returns the concrete session through the interface only on
// success so a failed acquire never yields a non-nil interface.
func (a *App) acquireSession(ctx context.Context) (pipeline.Session, error) {
	s, err := a.browser.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *App) extractorFactory(snapshots crowd.SnapshotStore) pipeline.ExtractorFactory {
	cfg := a.cfg.ExtractorConfig()
	logger := a.logger.Named("extractor")
	return func(reader extractor.PageReader) (crowd.Extractor, error) {
		opts := extractor.Options{Clock: a.clock, Sleeper: a.clock, Logger: logger}
		if snapshots != nil {
			opts.Snapshots = snapshots
			opts.Hasher = sha256.New()
		}
		return extractor.New(reader, cfg, opts)
	}
}

func (a *App) pacingFactory() pipeline.PacingFactory {
	cfg := a.cfg.RateConfig()
	seed := a.cfg.Rate.Seed
	logger := a.logger.Named("ratecontrol")
	return func(next crowd.Extractor) (crowd.Extractor, error) {
		s := seed
		if s == 0 {
			s = time.Now().UnixNano()
		}
		// #nosec G404 -- pacing jitter, not a security boundary
		rnd := rand.New(rand.NewSource(s))
		return ratecontrol.New(next, cfg, rnd, a.clock, logger)
	}
}

// Close releases every service in reverse order of construction and flushes
// the logger.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

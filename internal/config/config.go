// Package config loads and validates crowdpulse configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crowdpulse/internal/browser"
	"github.com/JakeFAU/crowdpulse/internal/extractor"
	"github.com/JakeFAU/crowdpulse/internal/ratecontrol"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Extractor   ExtractorConfig   `mapstructure:"extractor"`
	Rate        RateConfig        `mapstructure:"rate"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Snapshots   SnapshotsConfig   `mapstructure:"snapshots"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// GeolocationConfig is the position reported to the map surface.
type GeolocationConfig struct {
	Latitude  float64 `mapstructure:"latitude"`
	Longitude float64 `mapstructure:"longitude"`
}

// BrowserConfig configures the Chrome session.
type BrowserConfig struct {
	Headless          bool              `mapstructure:"headless"`
	ExecPath          string            `mapstructure:"exec_path"`
	UserAgent         string            `mapstructure:"user_agent"`
	Language          string            `mapstructure:"language"`
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout"`
	Geolocation       GeolocationConfig `mapstructure:"geolocation"`
	MapsURL           string            `mapstructure:"maps_url"`
}

// ExtractorConfig controls waits and disambiguation strictness.
type ExtractorConfig struct {
	SearchURL           string              `mapstructure:"search_url"`
	SearchTimeout       time.Duration       `mapstructure:"search_timeout"`
	WidgetPollTimeout   time.Duration       `mapstructure:"widget_poll_timeout"`
	PollInitial         time.Duration       `mapstructure:"poll_initial"`
	PollMax             time.Duration       `mapstructure:"poll_max"`
	FuzzyMatchThreshold float64             `mapstructure:"fuzzy_match_threshold"`
	Selectors           extractor.Selectors `mapstructure:"selectors"`
}

// RateConfig paces scrape calls within a run.
type RateConfig struct {
	DelayMin              time.Duration `mapstructure:"delay_min"`
	DelayMax              time.Duration `mapstructure:"delay_max"`
	CallBudget            int           `mapstructure:"call_budget"`
	BlockedAbortThreshold int           `mapstructure:"blocked_abort_threshold"`
	MaxPerMinute          float64       `mapstructure:"max_per_minute"`
	// Seed fixes the delay sequence. Zero seeds from the clock.
	Seed int64 `mapstructure:"seed"`
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	Backend    string        `mapstructure:"backend"`
	TTL        time.Duration `mapstructure:"ttl"`
	SQLitePath string        `mapstructure:"sqlite_path"`
}

// CatalogConfig selects the attraction and activity sources.
type CatalogConfig struct {
	Attractions       string        `mapstructure:"attractions"`
	Activities        string        `mapstructure:"activities"`
	Language          string        `mapstructure:"language"`
	TopN              int           `mapstructure:"top_n"`
	SearchPool        int           `mapstructure:"search_pool"`
	Timeout           time.Duration `mapstructure:"timeout"`
	GoogleAPIKey      string        `mapstructure:"google_api_key"`
	TripadvisorAPIKey string        `mapstructure:"tripadvisor_api_key"`
	StaticPath        string        `mapstructure:"static_path"`
	AllowGroups       []string      `mapstructure:"allow_groups"`
	DenyGroups        []string      `mapstructure:"deny_groups"`
	// ReuseSnapshots keeps the first list fetched from an API source per
	// city and serves later runs from the persistence backend.
	ReuseSnapshots bool `mapstructure:"reuse_snapshots"`
}

// PersistenceConfig selects where merged results are written.
type PersistenceConfig struct {
	Backend    string `mapstructure:"backend"`
	DSN        string `mapstructure:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path"`
	MaxConns   int32  `mapstructure:"max_conns"`
	Migrate    bool   `mapstructure:"migrate"`
}

// SnapshotsConfig selects where failed-extraction DOMs are archived.
type SnapshotsConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds run notification settings. An empty topic disables
// notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Backend names.
const (
	BackendMemory      = "memory"
	BackendSQLite      = "sqlite"
	BackendPostgres    = "postgres"
	BackendLocal       = "local"
	BackendGCS         = "gcs"
	BackendNone        = "none"
	SourceGooglePlaces = "googleplaces"
	SourceTripadvisor  = "tripadvisor"
	SourceStatic       = "static"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CROWDPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 8080)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.language", "en-US")
	v.SetDefault("browser.navigation_timeout", 30*time.Second)
	v.SetDefault("browser.geolocation.latitude", 0.0)
	v.SetDefault("browser.geolocation.longitude", 0.0)
	v.SetDefault("browser.maps_url", "https://www.google.com/maps?hl=en")

	v.SetDefault("extractor.search_url", "https://www.google.com/maps/search/%s?hl=en")
	v.SetDefault("extractor.search_timeout", 15*time.Second)
	v.SetDefault("extractor.widget_poll_timeout", 6*time.Second)
	v.SetDefault("extractor.poll_initial", 250*time.Millisecond)
	v.SetDefault("extractor.poll_max", 2*time.Second)
	v.SetDefault("extractor.fuzzy_match_threshold", 0.85)
	sel := extractor.DefaultSelectors()
	v.SetDefault("extractor.selectors.result_link", sel.ResultLink)
	v.SetDefault("extractor.selectors.place_title", sel.PlaceTitle)
	v.SetDefault("extractor.selectors.widget", sel.Widget)
	v.SetDefault("extractor.selectors.day_panel", sel.DayPanel)
	v.SetDefault("extractor.selectors.bar", sel.Bar)
	v.SetDefault("extractor.selectors.captcha", sel.Captcha)

	v.SetDefault("rate.delay_min", 2*time.Second)
	v.SetDefault("rate.delay_max", 6*time.Second)
	v.SetDefault("rate.call_budget", 20)
	v.SetDefault("rate.blocked_abort_threshold", 2)
	v.SetDefault("rate.max_per_minute", 0.0)
	v.SetDefault("rate.seed", 0)

	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.sqlite_path", "crowdpulse-cache.db")

	v.SetDefault("catalog.attractions", SourceGooglePlaces)
	v.SetDefault("catalog.activities", SourceTripadvisor)
	v.SetDefault("catalog.language", "en")
	v.SetDefault("catalog.top_n", 10)
	v.SetDefault("catalog.search_pool", 20)
	v.SetDefault("catalog.timeout", 15*time.Second)
	v.SetDefault("catalog.google_api_key", "")
	v.SetDefault("catalog.tripadvisor_api_key", "")
	v.SetDefault("catalog.static_path", "")
	v.SetDefault("catalog.allow_groups", []string{})
	v.SetDefault("catalog.deny_groups", []string{})
	v.SetDefault("catalog.reuse_snapshots", true)

	v.SetDefault("persistence.backend", BackendMemory)
	v.SetDefault("persistence.dsn", "")
	v.SetDefault("persistence.sqlite_path", "crowdpulse.db")
	v.SetDefault("persistence.max_conns", 4)
	v.SetDefault("persistence.migrate", true)

	v.SetDefault("snapshots.backend", BackendNone)
	v.SetDefault("snapshots.base_dir", "snapshots")
	v.SetDefault("snapshots.bucket", "")
	v.SetDefault("snapshots.prefix", "")

	// registered so AutomaticEnv sees them during Unmarshal
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	if c.Catalog.TopN <= 0 {
		return fmt.Errorf("catalog.top_n must be > 0")
	}
	if err := c.RateConfig().Validate(); err != nil {
		return err
	}
	if err := c.ExtractorConfig().Validate(); err != nil {
		return err
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	return c.validateSources()
}

func (c Config) validateBackends() error {
	switch c.Cache.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Cache.SQLitePath == "" {
			return fmt.Errorf("cache.sqlite_path is required for the sqlite cache")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}

	switch c.Persistence.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Persistence.SQLitePath == "" {
			return fmt.Errorf("persistence.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Persistence.DSN == "" {
			return fmt.Errorf("persistence.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown persistence.backend %q", c.Persistence.Backend)
	}

	switch c.Snapshots.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Snapshots.BaseDir == "" {
			return fmt.Errorf("snapshots.base_dir is required for local snapshots")
		}
	case BackendGCS:
		if c.Snapshots.Bucket == "" {
			return fmt.Errorf("snapshots.bucket is required for gcs snapshots")
		}
	default:
		return fmt.Errorf("unknown snapshots.backend %q", c.Snapshots.Backend)
	}

	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic is set")
	}
	return nil
}

func (c Config) validateSources() error {
	for key, source := range map[string]string{
		"catalog.attractions": c.Catalog.Attractions,
		"catalog.activities":  c.Catalog.Activities,
	} {
		switch source {
		case SourceGooglePlaces:
			if c.Catalog.GoogleAPIKey == "" {
				return fmt.Errorf("catalog.google_api_key is required when %s is %s", key, source)
			}
		case SourceTripadvisor:
			if c.Catalog.TripadvisorAPIKey == "" {
				return fmt.Errorf("catalog.tripadvisor_api_key is required when %s is %s", key, source)
			}
		case SourceStatic:
			if c.Catalog.StaticPath == "" {
				return fmt.Errorf("catalog.static_path is required when %s is %s", key, source)
			}
		default:
			return fmt.Errorf("unknown %s source %q", key, source)
		}
	}
	return nil
}

// BrowserConfig maps the browser section onto the session manager config.
func (c Config) BrowserConfig() browser.Config {
	return browser.Config{
		Headless:          c.Browser.Headless,
		ExecPath:          c.Browser.ExecPath,
		UserAgent:         c.Browser.UserAgent,
		Language:          c.Browser.Language,
		NavigationTimeout: c.Browser.NavigationTimeout,
		Latitude:          c.Browser.Geolocation.Latitude,
		Longitude:         c.Browser.Geolocation.Longitude,
		WarmupURL:         c.Browser.MapsURL,
	}
}

// ExtractorConfig maps the extractor section onto the state machine config.
func (c Config) ExtractorConfig() extractor.Config {
	threshold := c.Extractor.FuzzyMatchThreshold
	return extractor.Config{
		SearchURL:           c.Extractor.SearchURL,
		SearchTimeout:       c.Extractor.SearchTimeout,
		WidgetPollTimeout:   c.Extractor.WidgetPollTimeout,
		PollInitial:         c.Extractor.PollInitial,
		PollMax:             c.Extractor.PollMax,
		FuzzyMatchThreshold: &threshold,
		Selectors:           c.Extractor.Selectors,
	}
}

// RateConfig maps the rate section onto the controller config.
func (c Config) RateConfig() ratecontrol.Config {
	return ratecontrol.Config{
		DelayMin:              c.Rate.DelayMin,
		DelayMax:              c.Rate.DelayMax,
		CallBudget:            c.Rate.CallBudget,
		BlockedAbortThreshold: c.Rate.BlockedAbortThreshold,
		MaxPerMinute:          c.Rate.MaxPerMinute,
	}
}

// Package browser owns the single controllable Chrome instance used for
// scraping. A Manager starts sessions; a Session is the live page reader the
// extractor drives and must be released exactly once.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crowdpulse/internal/crowd"
	"github.com/JakeFAU/crowdpulse/internal/metrics"
)

// Config controls how Chrome is launched and presented to the target site.
type Config struct {
	Headless          bool
	ExecPath          string
	UserAgent         string
	Language          string
	NavigationTimeout time.Duration
	Latitude          float64
	Longitude         float64
	// WarmupURL is opened right after launch so the consent banner is
	// handled once per session. Empty skips the warmup.
	WarmupURL string
}

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultLanguage          = "en-US"
	defaultUserAgent         = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = defaultNavigationTimeout
	}
	if c.Language == "" {
		c.Language = defaultLanguage
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	return c
}

// runFunc executes chromedp actions against a browser context.
type runFunc func(ctx context.Context, actions ...chromedp.Action) error

// startFunc launches a browser and returns its context and teardown.
type startFunc func(ctx context.Context, cfg Config) (context.Context, context.CancelFunc, error)

// Manager starts browser sessions.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	start  startFunc
	run    runFunc
}

// NewManager builds a Manager that launches Chrome through chromedp.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		logger: logger,
		start:  startChrome,
		run:    chromedp.Run,
	}
}

// Acquire launches a browser and returns a ready Session. Launch failures
// wrap crowd.ErrSessionUnavailable.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	browserCtx, cancel, err := m.start(ctx, m.cfg)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w: %w", crowd.ErrSessionUnavailable, err)
	}
	metrics.IncSessions()
	s := &Session{
		ctx:    browserCtx,
		cancel: cancel,
		cfg:    m.cfg,
		run:    m.run,
		logger: m.logger,
	}
	m.logger.Info("browser session acquired", zap.Bool("headless", m.cfg.Headless))

	if m.cfg.WarmupURL != "" {
		if err := s.Open(ctx, m.cfg.WarmupURL); err != nil {
			m.logger.Warn("browser warmup failed", zap.String("url", m.cfg.WarmupURL), zap.Error(err))
		}
	}
	return s, nil
}

func startChrome(ctx context.Context, cfg Config) (context.Context, context.CancelFunc, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headlessFlag(cfg.Headless)),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", cfg.Language),
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(1366, 900),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	// The first Run launches the process and binds it to browserCtx, so it
	// must not carry a timeout of its own.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("launch chrome: %w", err)
	}

	setupCtx, setupCancel := context.WithTimeout(browserCtx, cfg.NavigationTimeout)
	stop := context.AfterFunc(ctx, setupCancel)
	err := chromedp.Run(setupCtx, setupAction(cfg))
	stop()
	setupCancel()
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("configure chrome: %w", err)
	}
	return browserCtx, cancel, nil
}

func headlessFlag(headless bool) any {
	if headless {
		return "new"
	}
	return false
}

// setupAction pins identity and location so results do not drift with the
// host machine.
func setupAction(cfg Config) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(cfg.UserAgent).WithAcceptLanguage(cfg.Language).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		if cfg.Latitude != 0 || cfg.Longitude != 0 {
			err := emulation.SetGeolocationOverride().
				WithLatitude(cfg.Latitude).
				WithLongitude(cfg.Longitude).
				WithAccuracy(100).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("set geolocation: %w", err)
			}
		}
		return nil
	})
}

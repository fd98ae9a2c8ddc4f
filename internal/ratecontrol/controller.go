// Package ratecontrol paces extractor calls within one pipeline run.
package ratecontrol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crowdpulse/internal/crowd"
	"github.com/JakeFAU/crowdpulse/internal/metrics"
)

// Config holds the pacing policy for a run.
type Config struct {
	// DelayMin and DelayMax bound the random pause taken before each call.
	DelayMin time.Duration
	DelayMax time.Duration
	// CallBudget caps extractor invocations per run. Zero means unlimited.
	CallBudget int
	// BlockedAbortThreshold abandons the run after this many consecutive
	// Blocked outcomes. Zero never abandons.
	BlockedAbortThreshold int
	// MaxPerMinute adds a hard ceiling on call rate. Zero disables it.
	MaxPerMinute float64
}

// Validate rejects negative or inverted settings.
func (c Config) Validate() error {
	if c.DelayMin < 0 || c.DelayMax < 0 {
		return fmt.Errorf("rate delay bounds must be >= 0")
	}
	if c.DelayMax < c.DelayMin {
		return fmt.Errorf("rate.delay_max must be >= rate.delay_min")
	}
	if c.CallBudget < 0 {
		return fmt.Errorf("rate.call_budget must be >= 0")
	}
	if c.BlockedAbortThreshold < 0 {
		return fmt.Errorf("rate.blocked_abort_threshold must be >= 0")
	}
	if c.MaxPerMinute < 0 {
		return fmt.Errorf("rate.max_per_minute must be >= 0")
	}
	return nil
}

// Rand is the random source for delays; *math/rand.Rand satisfies it.
type Rand interface {
	Int63n(n int64) int64
}

// Controller wraps an extractor with a randomized delay, a call budget and a
// blocked-abort policy. A Controller serves a single run.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	next    crowd.Extractor
	rand    Rand
	sleeper crowd.Sleeper
	limiter *rate.Limiter
	logger  *zap.Logger

	calls     int
	blocked   int
	abandoned bool
}

// New wraps next. rnd and sleeper are required so pacing stays reproducible.
func New(next crowd.Extractor, cfg Config, rnd Rand, sleeper crowd.Sleeper, logger *zap.Logger) (*Controller, error) {
	if next == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if rnd == nil || sleeper == nil {
		return nil, fmt.Errorf("random source and sleeper are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg:     cfg,
		next:    next,
		rand:    rnd,
		sleeper: sleeper,
		logger:  logger,
	}
	if cfg.MaxPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxPerMinute/60), 1)
	}
	return c, nil
}

// Extract pauses, checks the budget, then calls the wrapped extractor. Calls
// refused by policy never reach the extractor.
func (c *Controller) Extract(ctx context.Context, query crowd.PlaceQuery) crowd.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.abandoned {
		metrics.ObserveShortCircuit("abandoned")
		return crowd.Blocked(crowd.ErrScrapingAbandoned)
	}
	if c.cfg.CallBudget > 0 && c.calls >= c.cfg.CallBudget {
		metrics.ObserveShortCircuit("budget")
		return crowd.Transient(fmt.Errorf("%w: %d calls", crowd.ErrBudgetExhausted, c.cfg.CallBudget))
	}

	if delay := c.delay(); delay > 0 {
		metrics.ObserveRateDelay(delay)
		if err := c.sleeper.Sleep(ctx, delay); err != nil {
			return crowd.Transient(fmt.Errorf("rate delay: %w", err))
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return crowd.Transient(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	c.calls++
	outcome := c.next.Extract(ctx, query)
	c.observe(outcome)
	return outcome
}

func (c *Controller) observe(outcome crowd.Outcome) {
	if outcome.Kind != crowd.OutcomeBlocked {
		c.blocked = 0
		return
	}
	c.blocked++
	if c.cfg.BlockedAbortThreshold > 0 && c.blocked >= c.cfg.BlockedAbortThreshold {
		c.abandoned = true
		metrics.ObserveShortCircuit("abandon_triggered")
		c.logger.Warn("abandoning scrape attempts for this run",
			zap.Int("consecutive_blocked", c.blocked),
			zap.Int("calls", c.calls),
		)
	}
}

func (c *Controller) delay() time.Duration {
	lo, hi := c.cfg.DelayMin, c.cfg.DelayMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(c.rand.Int63n(int64(hi-lo)+1))
}

// Calls returns how many times the extractor was invoked.
func (c *Controller) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Abandoned reports whether the blocked threshold stopped the run.
func (c *Controller) Abandoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abandoned
}

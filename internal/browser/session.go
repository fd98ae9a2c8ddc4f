package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crowdpulse/internal/crowd"
	"github.com/JakeFAU/crowdpulse/internal/metrics"
)

// consentLabels are the buttons of the cookie consent dialog, in preference order.
var consentLabels = []string{"Accept all", "Reject all"}

// Session is one browser tab. It is not safe for concurrent use; the
// extractor drives it sequentially.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	run    runFunc
	logger *zap.Logger

	once     sync.Once
	released bool
	mu       sync.Mutex
}

// Navigate loads url and waits for the document body. Deadline overruns wrap
// crowd.ErrNavigationTimeout.
func (s *Session) Navigate(ctx context.Context, url string) error {
	taskCtx, cancel, err := s.scoped(ctx, s.cfg.NavigationTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	err = s.run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("navigate %s: %w: %w", url, crowd.ErrNavigationTimeout, err)
	}
	return fmt.Errorf("navigate %s: %w", url, err)
}

// Open navigates and then dismisses a consent dialog if one is shown.
func (s *Session) Open(ctx context.Context, url string) error {
	if err := s.Navigate(ctx, url); err != nil {
		return err
	}
	dismissed, err := s.dismissConsent(ctx)
	if err != nil {
		s.logger.Debug("consent dismissal failed", zap.Error(err))
		return nil
	}
	if dismissed {
		s.logger.Debug("consent dialog dismissed", zap.String("url", url))
		return s.waitBody(ctx)
	}
	return nil
}

// Click activates the index-th element matching selector.
func (s *Session) Click(ctx context.Context, selector string, index int) error {
	script, err := clickScript(selector, index)
	if err != nil {
		return err
	}
	taskCtx, cancel, err := s.scoped(ctx, s.cfg.NavigationTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	var clicked bool
	if err := s.run(taskCtx, chromedp.Evaluate(script, &clicked)); err != nil {
		return fmt.Errorf("click %s[%d]: %w", selector, index, err)
	}
	if !clicked {
		return fmt.Errorf("click %s[%d]: element not found", selector, index)
	}
	return nil
}

// HTML returns the rendered document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	taskCtx, cancel, err := s.scoped(ctx, s.cfg.NavigationTimeout)
	if err != nil {
		return "", err
	}
	defer cancel()

	var html string
	if err := s.run(taskCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read outer html: %w", err)
	}
	return html, nil
}

// URL returns the current location.
func (s *Session) URL(ctx context.Context) (string, error) {
	taskCtx, cancel, err := s.scoped(ctx, s.cfg.NavigationTimeout)
	if err != nil {
		return "", err
	}
	defer cancel()

	var location string
	if err := s.run(taskCtx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return location, nil
}

// Release closes the tab and the browser process. Safe to call repeatedly.
func (s *Session) Release() {
	s.once.Do(func() {
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		metrics.DecSessions()
		s.logger.Info("browser session released")
	})
}

func (s *Session) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// scoped derives a task context from the browser context that also ends when
// the caller's ctx does, bounded by timeout.
func (s *Session) scoped(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if s.isReleased() {
		return nil, nil, fmt.Errorf("session already released: %w", crowd.ErrSessionUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	taskCtx, cancel := context.WithTimeout(s.ctx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return taskCtx, func() {
		stop()
		cancel()
	}, nil
}

func (s *Session) dismissConsent(ctx context.Context) (bool, error) {
	script, err := consentScript(consentLabels)
	if err != nil {
		return false, err
	}
	taskCtx, cancel, err := s.scoped(ctx, s.cfg.NavigationTimeout)
	if err != nil {
		return false, err
	}
	defer cancel()

	var dismissed bool
	if err := s.run(taskCtx, chromedp.Evaluate(script, &dismissed)); err != nil {
		return false, fmt.Errorf("evaluate consent script: %w", err)
	}
	return dismissed, nil
}

func (s *Session) waitBody(ctx context.Context) error {
	taskCtx, cancel, err := s.scoped(ctx, s.cfg.NavigationTimeout)
	if err != nil {
		return err
	}
	defer cancel()
	if err := s.run(taskCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for body: %w", err)
	}
	return nil
}

func clickScript(selector string, index int) (string, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("encode selector: %w", err)
	}
	return fmt.Sprintf(`(() => {
	const el = document.querySelectorAll(%s)[%d];
	if (!el) { return false; }
	el.scrollIntoView({block: "center"});
	el.click();
	return true;
})()`, quoted, index), nil
}

func consentScript(labels []string) (string, error) {
	quoted, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("encode consent labels: %w", err)
	}
	return fmt.Sprintf(`(() => {
	const labels = %s;
	const buttons = Array.from(document.querySelectorAll("button, input[type=submit]"));
	for (const label of labels) {
		const match = buttons.find((b) => (b.innerText || b.value || "").trim() === label);
		if (match) { match.click(); return true; }
	}
	return false;
})()`, quoted), nil
}

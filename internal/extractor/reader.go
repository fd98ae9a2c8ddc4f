// Package extractor implements the crowdedness extraction state machine. It
// drives a PageReader through search, disambiguation, widget polling and
// parsing, and reports exactly one crowd.Outcome per call.
package extractor

import (
	"context"
	"errors"
	"sync"
)

// PageReader is the capability surface the state machine needs from a page
// host. The live implementation is browser.Session; FixtureReader replays
// recorded pages in tests.
type PageReader interface {
	// Open navigates the current tab to url.
	Open(ctx context.Context, url string) error
	// Click activates the index-th element matching selector.
	Click(ctx context.Context, selector string, index int) error
	// HTML returns the current rendered DOM.
	HTML(ctx context.Context) (string, error)
	// URL returns the current location.
	URL(ctx context.Context) (string, error)
}

// FixtureStep is the page state produced by one Open or Click. Successive
// HTML calls walk Renders and then stay on the last entry, which lets tests
// model a widget that appears after a few polls.
type FixtureStep struct {
	URL     string
	Renders []string
	Err     error
}

// FixtureReader replays FixtureSteps in order.
type FixtureReader struct {
	mu      sync.Mutex
	steps   []FixtureStep
	current int
	render  int
	opened  []string
	clicks  []int
}

// errFixtureExhausted is returned when a test scripts fewer steps than actions.
var errFixtureExhausted = errors.New("fixture reader has no more steps")

// NewFixtureReader constructs a reader that serves steps in order.
func NewFixtureReader(steps ...FixtureStep) *FixtureReader {
	return &FixtureReader{steps: steps, current: -1}
}

// Open advances to the next step.
func (f *FixtureReader) Open(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, url)
	return f.advance()
}

// Click advances to the next step.
func (f *FixtureReader) Click(_ context.Context, _ string, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, index)
	return f.advance()
}

// HTML returns the current render of the current step.
func (f *FixtureReader) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current < 0 || f.current >= len(f.steps) {
		return "", errFixtureExhausted
	}
	renders := f.steps[f.current].Renders
	if len(renders) == 0 {
		return "", nil
	}
	idx := f.render
	if idx >= len(renders) {
		idx = len(renders) - 1
	}
	f.render++
	return renders[idx], nil
}

// URL returns the current step URL.
func (f *FixtureReader) URL(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current < 0 || f.current >= len(f.steps) {
		return "", errFixtureExhausted
	}
	return f.steps[f.current].URL, nil
}

// Opened lists every URL passed to Open.
func (f *FixtureReader) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

// Clicks lists the candidate indexes clicked.
func (f *FixtureReader) Clicks() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.clicks...)
}

func (f *FixtureReader) advance() error {
	f.current++
	f.render = 0
	if f.current >= len(f.steps) {
		return errFixtureExhausted
	}
	return f.steps[f.current].Err
}

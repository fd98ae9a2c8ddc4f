package extractor

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Selectors locate the parts of the map page the state machine reads. They
// change without notice upstream, so they are configuration.
type Selectors struct {
	ResultLink string `mapstructure:"result_link"`
	PlaceTitle string `mapstructure:"place_title"`
	Widget     string `mapstructure:"widget"`
	DayPanel   string `mapstructure:"day_panel"`
	Bar        string `mapstructure:"bar"`
	Captcha    string `mapstructure:"captcha"`
}

// DefaultSelectors match the English desktop rendering of the map widget.
func DefaultSelectors() Selectors {
	return Selectors{
		ResultLink: "a.hfpxzc",
		PlaceTitle: "h1.DUwDvf",
		Widget:     "div.UmE4Qe",
		DayPanel:   "div.g2BVhd",
		Bar:        "div.dpoVLd",
		Captcha:    "form#captcha-form, #recaptcha, iframe[src*='recaptcha']",
	}
}

func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	if s.ResultLink == "" {
		s.ResultLink = d.ResultLink
	}
	if s.PlaceTitle == "" {
		s.PlaceTitle = d.PlaceTitle
	}
	if s.Widget == "" {
		s.Widget = d.Widget
	}
	if s.DayPanel == "" {
		s.DayPanel = d.DayPanel
	}
	if s.Bar == "" {
		s.Bar = d.Bar
	}
	if s.Captcha == "" {
		s.Captcha = d.Captcha
	}
	return s
}

// Config controls waits and matching strictness.
type Config struct {
	// SearchURL is a format string receiving the path-escaped query.
	SearchURL           string
	SearchTimeout       time.Duration
	WidgetPollTimeout   time.Duration
	PollInitial         time.Duration
	PollMax             time.Duration
	// FuzzyMatchThreshold is the minimum Jaro-Winkler score; nil uses 0.85.
	// An explicit zero accepts the first candidate.
	FuzzyMatchThreshold *float64
	Selectors           Selectors
}

const (
	defaultSearchURL      = "https://www.google.com/maps/search/%s?hl=en"
	defaultSearchTimeout  = 15 * time.Second
	defaultWidgetTimeout  = 6 * time.Second
	defaultPollInitial    = 250 * time.Millisecond
	defaultPollMax        = 2 * time.Second
	defaultFuzzyThreshold = 0.85
)

func (c Config) withDefaults() Config {
	if c.SearchURL == "" {
		c.SearchURL = defaultSearchURL
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = defaultSearchTimeout
	}
	if c.WidgetPollTimeout <= 0 {
		c.WidgetPollTimeout = defaultWidgetTimeout
	}
	if c.PollInitial <= 0 {
		c.PollInitial = defaultPollInitial
	}
	if c.PollMax < c.PollInitial {
		c.PollMax = defaultPollMax
		if c.PollMax < c.PollInitial {
			c.PollMax = c.PollInitial
		}
	}
	if c.FuzzyMatchThreshold == nil {
		t := defaultFuzzyThreshold
		c.FuzzyMatchThreshold = &t
	}
	c.Selectors = c.Selectors.withDefaults()
	return c
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	if c.SearchURL != "" && !strings.Contains(c.SearchURL, "%s") {
		return fmt.Errorf("extractor.search_url must contain a %%s placeholder")
	}
	if t := c.FuzzyMatchThreshold; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("extractor.fuzzy_match_threshold must be within [0,1]")
	}
	if c.PollMax > 0 && c.PollInitial > c.PollMax {
		return fmt.Errorf("extractor.poll_initial must be <= extractor.poll_max")
	}
	return nil
}

// threshold resolves the configured or default minimum score.
func (c Config) threshold() float64 {
	if c.FuzzyMatchThreshold == nil {
		return defaultFuzzyThreshold
	}
	return *c.FuzzyMatchThreshold
}

func (c Config) searchURL(query string) string {
	return fmt.Sprintf(c.SearchURL, url.PathEscape(query))
}

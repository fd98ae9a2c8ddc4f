// Package tripadvisor ranks a city's activities with the TripAdvisor Content
// API, filtering on the groups only the details endpoint reports.
package tripadvisor

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crowdpulse/internal/catalog"
	"github.com/JakeFAU/crowdpulse/internal/crowd"
)

const (
	source          = "tripadvisor"
	defaultBaseURL  = "https://api.content.tripadvisor.com"
	searchPath      = "/api/v1/location/search"
	detailsPath     = "/api/v1/location/{id}/details"
	defaultTimeout  = 30 * time.Second
	defaultTopN     = 10
	defaultPool     = 50
	defaultLanguage = "en"
	defaultRetries  = 3
	defaultBackoff  = time.Second
)

// Config configures the client.
type Config struct {
	APIKey      string
	BaseURL     string
	Language    string
	TopN        int
	SearchPool  int
	AllowGroups []string
	DenyGroups  []string
	Timeout     time.Duration
	// MaxRetries and RetryWait control backoff on HTTP 429 from the details endpoint.
	MaxRetries int
	RetryWait  time.Duration
}

// Client implements crowd.Catalog for activities.
type Client struct {
	http   *resty.Client
	cfg    Config
	allow  map[string]struct{}
	deny   map[string]struct{}
	logger *zap.Logger
}

// New builds a client. An API key is required.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tripadvisor api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.TopN <= 0 {
		cfg.TopN = defaultTopN
	}
	if cfg.SearchPool <= 0 {
		cfg.SearchPool = defaultPool
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultRetries
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetQueryParam("key", cfg.APIKey).
		SetQueryParam("language", cfg.Language).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryWait * 8).
		AddRetryCondition(func(r *resty.Response, _ error) bool {
			return r != nil && r.StatusCode() == http.StatusTooManyRequests
		})
	return &Client{
		http:   client,
		cfg:    cfg,
		allow:  catalog.NormalizeSet(cfg.AllowGroups),
		deny:   catalog.NormalizeSet(cfg.DenyGroups),
		logger: logger,
	}, nil
}

// number decodes TripAdvisor numerics, which arrive as strings or numbers.
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("decode number %q: %w", s, err)
	}
	*n = number(v)
	return nil
}

type searchResponse struct {
	Data []location `json:"data"`
}

type location struct {
	LocationID string `json:"location_id"`
	Name       string `json:"name"`
	Latitude   number `json:"latitude"`
	Longitude  number `json:"longitude"`
	NumReviews number `json:"num_reviews"`
}

type details struct {
	LocationID string `json:"location_id"`
	Name       string `json:"name"`
	Rating     number `json:"rating"`
	NumReviews number `json:"num_reviews"`
	Latitude   number `json:"latitude"`
	Longitude  number `json:"longitude"`
	AddressObj struct {
		AddressString string `json:"address_string"`
		Street1       string `json:"street1"`
		City          string `json:"city"`
		Country       string `json:"country"`
	} `json:"address_obj"`
	Category struct {
		Name string `json:"name"`
	} `json:"category"`
	Groups []struct {
		Name string `json:"name"`
	} `json:"groups"`
}

func (d details) address() string {
	if d.AddressObj.AddressString != "" {
		return d.AddressObj.AddressString
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{d.AddressObj.Street1, d.AddressObj.City, d.AddressObj.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// latLng treats 0,0 as missing; TripAdvisor omits coordinates rather than
// reporting that point.
func (d details) latLng() *crowd.LatLng {
	if d.Latitude == 0 && d.Longitude == 0 {
		return nil
	}
	return &crowd.LatLng{Lat: float64(d.Latitude), Lng: float64(d.Longitude)}
}

func (d details) groups() []string {
	out := make([]string, 0, len(d.Groups))
	for _, g := range d.Groups {
		if g.Name != "" {
			out = append(out, g.Name)
		}
	}
	return out
}

// TopTen resolves the city, ranks nearby attractions by review count and
// keeps those whose groups pass the allow and deny lists.
func (c *Client) TopTen(ctx context.Context, city string) ([]crowd.TopTenEntry, error) {
	geo, err := c.resolveCity(ctx, city)
	if err != nil {
		return nil, err
	}

	params := map[string]string{"category": "attractions"}
	if geo.Latitude != 0 || geo.Longitude != 0 {
		params["latLong"] = fmt.Sprintf("%g,%g", float64(geo.Latitude), float64(geo.Longitude))
	} else {
		params["searchQuery"] = geo.Name
	}
	candidates, err := c.search(ctx, params)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(candidates, func(a, b location) int {
		return cmp.Compare(b.NumReviews, a.NumReviews)
	})
	if len(candidates) > c.cfg.SearchPool {
		candidates = candidates[:c.cfg.SearchPool]
	}

	entries := make([]crowd.TopTenEntry, 0, c.cfg.TopN)
	for _, cand := range candidates {
		if cand.LocationID == "" {
			continue
		}
		d, err := c.details(ctx, cand.LocationID)
		if err != nil {
			return nil, err
		}
		if !catalog.MatchesGroups(d.groups(), c.allow, c.deny) {
			continue
		}
		entries = append(entries, crowd.TopTenEntry{
			ID:       d.LocationID,
			Name:     d.Name,
			Address:  d.address(),
			Rating:   float64(d.Rating),
			Category: d.Category.Name,
			Source:   source,
			ItemType: catalog.ItemActivity,
			Location: d.latLng(),
		})
		if len(entries) >= c.cfg.TopN {
			break
		}
	}
	c.logger.Debug("tripadvisor activities ranked",
		zap.String("city", city),
		zap.Int("candidates", len(candidates)),
		zap.Int("kept", len(entries)),
	)
	return entries, nil
}

func (c *Client) resolveCity(ctx context.Context, city string) (location, error) {
	geos, err := c.search(ctx, map[string]string{
		"searchQuery": strings.TrimSpace(city),
		"category":    "geos",
	})
	if err != nil {
		return location{}, err
	}
	if len(geos) == 0 {
		return location{}, fmt.Errorf("resolve %q: %w", city, catalog.ErrUnknownCity)
	}
	return geos[0], nil
}

func (c *Client) search(ctx context.Context, params map[string]string) ([]location, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(searchPath)
	if err != nil {
		return nil, fmt.Errorf("tripadvisor location search: %w", err)
	}
	if err := catalog.CheckResponse(source, resp); err != nil {
		return nil, err
	}
	var out searchResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode tripadvisor search: %w", err)
	}
	return out.Data, nil
}

func (c *Client) details(ctx context.Context, id string) (details, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		Get(detailsPath)
	if err != nil {
		return details{}, fmt.Errorf("tripadvisor details %s: %w", id, err)
	}
	if err := catalog.CheckResponse(source, resp); err != nil {
		return details{}, err
	}
	var out details
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return details{}, fmt.Errorf("decode tripadvisor details %s: %w", id, err)
	}
	return out, nil
}

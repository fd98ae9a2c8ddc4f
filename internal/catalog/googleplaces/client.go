// Package googleplaces ranks a city's tourist attractions with the Places
// API (New) text search.
package googleplaces

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crowdpulse/internal/catalog"
	"github.com/JakeFAU/crowdpulse/internal/crowd"
)

const (
	source             = "google"
	defaultBaseURL     = "https://places.googleapis.com"
	searchTextPath     = "/v1/places:searchText"
	attractionType     = "tourist_attraction"
	maxResultCountCap  = 20
	defaultTimeout     = 30 * time.Second
	defaultTopN        = 10
	defaultLanguage    = "en"
	searchQueryPattern = "tourist attractions in %s"
)

var fieldMask = strings.Join([]string{
	"places.id",
	"places.displayName",
	"places.formattedAddress",
	"places.rating",
	"places.userRatingCount",
	"places.primaryType",
	"places.types",
	"places.location",
}, ",")

// Config configures the client.
type Config struct {
	APIKey     string
	BaseURL    string
	Language   string
	TopN       int
	SearchPool int
	Timeout    time.Duration
}

// Client implements crowd.Catalog for attractions.
type Client struct {
	http   *resty.Client
	cfg    Config
	logger *zap.Logger
}

// New builds a client. An API key is required.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("google places api key is required")
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
	if cfg.SearchPool <= 0 || cfg.SearchPool > maxResultCountCap {
		cfg.SearchPool = maxResultCountCap
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Goog-Api-Key", cfg.APIKey)
	return &Client{http: client, cfg: cfg, logger: logger}, nil
}

type searchRequest struct {
	TextQuery      string `json:"textQuery"`
	LanguageCode   string `json:"languageCode"`
	MaxResultCount int    `json:"maxResultCount"`
}

type searchResponse struct {
	Places []place `json:"places"`
}

type place struct {
	ID          string `json:"id"`
	DisplayName struct {
		Text string `json:"text"`
	} `json:"displayName"`
	FormattedAddress string   `json:"formattedAddress"`
	Rating           float64  `json:"rating"`
	UserRatingCount  int      `json:"userRatingCount"`
	PrimaryType      string   `json:"primaryType"`
	Types            []string `json:"types"`
	Location         *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
}

func (p place) latLng() *crowd.LatLng {
	if p.Location == nil {
		return nil
	}
	return &crowd.LatLng{Lat: p.Location.Latitude, Lng: p.Location.Longitude}
}

// TopTen returns attractions tagged tourist_attraction, most reviewed first.
func (c *Client) TopTen(ctx context.Context, city string) ([]crowd.TopTenEntry, error) {
	var out searchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Goog-FieldMask", fieldMask).
		SetBody(searchRequest{
			TextQuery:      fmt.Sprintf(searchQueryPattern, strings.TrimSpace(city)),
			LanguageCode:   c.cfg.Language,
			MaxResultCount: c.cfg.SearchPool,
		}).
		SetResult(&out).
		Post(searchTextPath)
	if err != nil {
		return nil, fmt.Errorf("google places text search: %w", err)
	}
	if err := catalog.CheckResponse(source, resp); err != nil {
		return nil, err
	}

	attractions := make([]place, 0, len(out.Places))
	for _, p := range out.Places {
		if slices.Contains(p.Types, attractionType) {
			attractions = append(attractions, p)
		}
	}
	slices.SortStableFunc(attractions, func(a, b place) int {
		return cmp.Compare(b.UserRatingCount, a.UserRatingCount)
	})
	if len(attractions) > c.cfg.TopN {
		attractions = attractions[:c.cfg.TopN]
	}

	entries := make([]crowd.TopTenEntry, 0, len(attractions))
	for _, p := range attractions {
		entries = append(entries, crowd.TopTenEntry{
			ID:       p.ID,
			Name:     p.DisplayName.Text,
			Address:  p.FormattedAddress,
			Rating:   p.Rating,
			Category: p.PrimaryType,
			Source:   source,
			ItemType: catalog.ItemAttraction,
			Location: p.latLng(),
		})
	}
	c.logger.Debug("google attractions ranked",
		zap.String("city", city),
		zap.Int("candidates", len(out.Places)),
		zap.Int("kept", len(entries)),
	)
	return entries, nil
}

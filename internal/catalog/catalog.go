// Package catalog holds what the catalog clients share: the typed HTTP error
// they surface and small ranking helpers.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Item types stamped on entries.
const (
	ItemAttraction = "attraction"
	ItemActivity   = "activity"
)

// ErrUnknownCity is returned when a catalog has nothing for the requested city.
var ErrUnknownCity = errors.New("city not in catalog")

// HTTPError is a non-2xx response from a catalog API. Callers see it
// unchanged through errors.As.
type HTTPError struct {
	Source     string
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s catalog: %s %s returned %d: %s", e.Source, e.Method, e.URL, e.StatusCode, e.Body)
}

// CheckResponse converts an error response into an *HTTPError.
func CheckResponse(source string, resp *resty.Response) error {
	if resp == nil || !resp.IsError() {
		return nil
	}
	body := strings.TrimSpace(resp.String())
	if len(body) > 512 {
		body = body[:512]
	}
	return &HTTPError{
		Source:     source,
		Method:     resp.Request.Method,
		URL:        resp.Request.URL,
		StatusCode: resp.StatusCode(),
		Body:       body,
	}
}

// NormalizeSet lowercases and trims values, dropping empties.
func NormalizeSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

// MatchesGroups applies deny first, then requires one allow match when an
// allow list is given.
func MatchesGroups(groups []string, allow, deny map[string]struct{}) bool {
	have := NormalizeSet(groups)
	for g := range have {
		if _, ok := deny[g]; ok {
			return false
		}
	}
	if len(allow) == 0 {
		return true
	}
	for g := range have {
		if _, ok := allow[g]; ok {
			return true
		}
	}
	return false
}

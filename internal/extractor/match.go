package extractor

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/JakeFAU/crowdpulse/internal/crowd"
)

// Matcher decides whether a search candidate names the place we asked for.
type Matcher struct {
	Threshold float64
}

// Match reports whether candidate refers to want, and the similarity score
// used to decide. Substring containment in either direction is a full match.
func (m Matcher) Match(want, candidate string) (bool, float64) {
	a := string(crowd.NormalizePlaceKey(want))
	b := string(crowd.NormalizePlaceKey(candidate))
	if a == "" || b == "" {
		return false, 0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true, 1
	}
	score := matchr.JaroWinkler(a, b, false)
	return score >= m.Threshold, score
}

// First returns the index of the first matching candidate, or -1.
func (m Matcher) First(want string, candidates []string) int {
	for i, c := range candidates {
		if ok, _ := m.Match(want, c); ok {
			return i
		}
	}
	return -1
}

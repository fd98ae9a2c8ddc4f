package crowd

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Errors shared across the subsystem.
var (
	// ErrSessionUnavailable means the browser engine could not be started.
	ErrSessionUnavailable = errors.New("browser session unavailable")
	// ErrNavigationTimeout means a page did not finish loading in time.
	ErrNavigationTimeout = errors.New("navigation timeout")
	// ErrBudgetExhausted is the reason attached to outcomes short-circuited by the call budget.
	ErrBudgetExhausted = errors.New("scrape call budget exhausted")
	// ErrScrapingAbandoned is the reason attached once repeated blocks stop a run.
	ErrScrapingAbandoned = errors.New("scraping abandoned after repeated blocks")
	// ErrNotFound is returned by read paths when nothing is stored.
	ErrNotFound = errors.New("not found")
)

// OutcomeKind tags the ExtractionOutcome variant.
type OutcomeKind int

// Outcome variants.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeNotFound
	OutcomeBlocked
	OutcomeTransient
)

var outcomeNames = map[OutcomeKind]string{
	OutcomeSuccess:   "success",
	OutcomeNotFound:  "not_found",
	OutcomeBlocked:   "blocked",
	OutcomeTransient: "transient",
}

func (k OutcomeKind) String() string {
	if name, ok := outcomeNames[k]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// MarshalJSON encodes the kind by name.
func (k OutcomeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind by name.
func (k *OutcomeKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("decode outcome kind: %w", err)
	}
	parsed, err := ParseOutcomeKind(name)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseOutcomeKind maps a stored name back to its kind.
func ParseOutcomeKind(name string) (OutcomeKind, error) {
	for kind, n := range outcomeNames {
		if n == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown outcome kind %q", name)
}

// Outcome is the tagged result of one extraction. Record is set only for
// OutcomeSuccess; Reason explains the other variants.
type Outcome struct {
	Kind   OutcomeKind
	Record *BusynessRecord
	Reason error
}

// Success wraps a record.
func Success(record BusynessRecord) Outcome {
	return Outcome{Kind: OutcomeSuccess, Record: &record}
}

// NotFound reports a place without a busyness widget or search match.
func NotFound(reason error) Outcome {
	return Outcome{Kind: OutcomeNotFound, Reason: reason}
}

// Blocked reports an anti-automation response.
func Blocked(reason error) Outcome {
	return Outcome{Kind: OutcomeBlocked, Reason: reason}
}

// Transient reports a timeout or a page that was not ready.
func Transient(reason error) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: reason}
}

// OK reports whether the outcome carries a record.
func (o Outcome) OK() bool {
	return o.Kind == OutcomeSuccess && o.Record != nil
}

// ReasonText renders the failure reason for logs and storage.
func (o Outcome) ReasonText() string {
	if o.Reason == nil {
		return ""
	}
	return o.Reason.Error()
}

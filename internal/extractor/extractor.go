package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/crowdpulse/internal/crowd"
	"github.com/JakeFAU/crowdpulse/internal/metrics"
)

// State is a step of the extraction state machine.
type State int

// Extraction states. Every call starts at StateIdle and ends at StateDone or StateFailed.
const (
	StateIdle State = iota
	StateSearching
	StateDisambiguating
	StateAwaitingWidget
	StateParsing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateDisambiguating:
		return "disambiguating"
	case StateAwaitingWidget:
		return "awaiting_widget"
	case StateParsing:
		return "parsing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	errSearchNotReady = errors.New("search surface did not load")
	errNoCandidate    = errors.New("no search candidate matched")
	errNoWidget       = errors.New("place page has no busyness widget")
	errWidgetTimeout  = errors.New("busyness widget did not render")
)

// failure carries the outcome variant a step ended with.
type failure struct {
	kind crowd.OutcomeKind
	err  error
}

func (f *failure) Error() string { return f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func blocked(err error) error   { return &failure{kind: crowd.OutcomeBlocked, err: err} }
func transient(err error) error { return &failure{kind: crowd.OutcomeTransient, err: err} }
func notFound(err error) error  { return &failure{kind: crowd.OutcomeNotFound, err: err} }

// Options carries the optional collaborators of an Extractor.
type Options struct {
	Clock   crowd.Clock
	Sleeper crowd.Sleeper
	// Snapshots, when set together with Hasher, receives the last DOM of
	// NotFound and Transient extractions.
	Snapshots crowd.SnapshotStore
	Hasher    crowd.Hasher
	Logger    *zap.Logger
}

// Extractor drives a PageReader through one search per call.
type Extractor struct {
	reader    PageReader
	cfg       Config
	clock     crowd.Clock
	sleeper   crowd.Sleeper
	snapshots crowd.SnapshotStore
	hasher    crowd.Hasher
	logger    *zap.Logger
	matcher   Matcher
	detector  blockDetector
	parser    widgetParser
}

// New builds an Extractor over reader. Zero config values fall back to defaults.
func New(reader PageReader, cfg Config, opts Options) (*Extractor, error) {
	if reader == nil {
		return nil, fmt.Errorf("page reader is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil || opts.Sleeper == nil {
		return nil, fmt.Errorf("clock and sleeper are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Extractor{
		reader:    reader,
		cfg:       cfg,
		clock:     opts.Clock,
		sleeper:   opts.Sleeper,
		snapshots: opts.Snapshots,
		hasher:    opts.Hasher,
		logger:    logger,
		matcher:   Matcher{Threshold: cfg.threshold()},
		detector:  blockDetector{captchaSelector: cfg.Selectors.Captcha},
		parser:    widgetParser{selectors: cfg.Selectors},
	}, nil
}

// Extract runs the state machine for one place and returns exactly one outcome.
func (e *Extractor) Extract(ctx context.Context, query crowd.PlaceQuery) crowd.Outcome {
	start := e.clock.Now()
	r := &run{
		e:     e,
		query: query,
		key:   queryKey(query),
		state: StateIdle,
		trace: []string{StateIdle.String()},
	}
	outcome := r.execute(ctx)

	metrics.ObserveExtraction(outcome.Kind.String(), e.clock.Now().Sub(start))
	fields := []zap.Field{
		zap.String("place_key", r.key.String()),
		zap.Stringer("outcome", outcome.Kind),
		zap.Strings("trace", r.trace),
	}
	if outcome.OK() {
		e.logger.Info("extraction finished", fields...)
		return outcome
	}
	e.logger.Warn("extraction failed", append(fields, zap.String("reason", outcome.ReasonText()))...)
	if outcome.Kind == crowd.OutcomeNotFound || outcome.Kind == crowd.OutcomeTransient {
		e.archive(ctx, r.key, r.lastHTML)
	}
	return outcome
}

func queryKey(q crowd.PlaceQuery) crowd.PlaceKey {
	if q.Key != "" {
		return q.Key.Normalized()
	}
	return crowd.NewPlaceKey(q.Name, q.City)
}

// run holds the per-call state so nothing leaks between calls.
type run struct {
	e        *Extractor
	query    crowd.PlaceQuery
	key      crowd.PlaceKey
	state    State
	trace    []string
	lastHTML string
}

func (r *run) enter(s State) {
	r.state = s
	r.trace = append(r.trace, s.String())
	r.e.logger.Debug("extractor state", zap.String("place_key", r.key.String()), zap.Stringer("state", s))
}

func (r *run) execute(ctx context.Context) crowd.Outcome {
	record, err := r.steps(ctx)
	if err != nil {
		r.enter(StateFailed)
		var f *failure
		if !errors.As(err, &f) {
			return crowd.Transient(err)
		}
		switch f.kind {
		case crowd.OutcomeBlocked:
			return crowd.Blocked(f.err)
		case crowd.OutcomeNotFound:
			return crowd.NotFound(f.err)
		default:
			return crowd.Transient(f.err)
		}
	}
	r.enter(StateDone)
	return crowd.Success(record)
}

func (r *run) steps(ctx context.Context) (crowd.BusynessRecord, error) {
	cfg := r.e.cfg

	r.enter(StateSearching)
	doc, err := r.search(ctx)
	if err != nil {
		return crowd.BusynessRecord{}, err
	}

	if !r.e.parser.present(doc) && doc.Find(cfg.Selectors.ResultLink).Length() > 0 {
		r.enter(StateDisambiguating)
		if err := r.disambiguate(ctx, doc); err != nil {
			return crowd.BusynessRecord{}, err
		}
	}

	r.enter(StateAwaitingWidget)
	doc, err = r.awaitWidget(ctx)
	if err != nil {
		return crowd.BusynessRecord{}, err
	}

	r.enter(StateParsing)
	return r.e.parser.parse(doc, r.key, r.e.clock.Now()), nil
}

func (r *run) search(ctx context.Context) (*goquery.Document, error) {
	cfg := r.e.cfg
	searchCtx, cancel := context.WithTimeout(ctx, cfg.SearchTimeout)
	defer cancel()

	if err := r.e.reader.Open(searchCtx, cfg.searchURL(r.query.Text())); err != nil {
		return nil, transient(fmt.Errorf("open search: %w", err))
	}
	doc, ready, err := r.poll(searchCtx, cfg.SearchTimeout, func(d *goquery.Document) bool {
		return d.Find(cfg.Selectors.ResultLink).Length() > 0 ||
			d.Find(cfg.Selectors.PlaceTitle).Length() > 0 ||
			r.e.parser.present(d)
	})
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, transient(errSearchNotReady)
	}
	return doc, nil
}

func (r *run) disambiguate(ctx context.Context, doc *goquery.Document) error {
	cfg := r.e.cfg
	links := doc.Find(cfg.Selectors.ResultLink)
	candidates := make([]string, 0, links.Length())
	links.Each(func(_ int, link *goquery.Selection) {
		name, ok := link.Attr("aria-label")
		if !ok || strings.TrimSpace(name) == "" {
			name = link.Text()
		}
		candidates = append(candidates, strings.TrimSpace(name))
	})

	want := r.wantName()
	idx := r.e.matcher.First(want, candidates)
	if idx < 0 {
		return notFound(fmt.Errorf("%w: %q among %d results", errNoCandidate, want, len(candidates)))
	}
	r.e.logger.Debug("candidate selected",
		zap.String("place_key", r.key.String()),
		zap.Int("index", idx),
		zap.String("candidate", candidates[idx]),
	)

	clickCtx, cancel := context.WithTimeout(ctx, cfg.SearchTimeout)
	defer cancel()
	if err := r.e.reader.Click(clickCtx, cfg.Selectors.ResultLink, idx); err != nil {
		return transient(fmt.Errorf("open candidate %d: %w", idx, err))
	}
	return nil
}

// wantName is the place name compared against candidates. Queries built only
// from a key use the part before the first comma.
func (r *run) wantName() string {
	if name := strings.TrimSpace(r.query.Name); name != "" {
		return name
	}
	name, _, _ := strings.Cut(r.key.String(), ",")
	return name
}

func (r *run) awaitWidget(ctx context.Context) (*goquery.Document, error) {
	cfg := r.e.cfg
	waitCtx, cancel := context.WithTimeout(ctx, cfg.WidgetPollTimeout+cfg.PollMax)
	defer cancel()

	doc, ready, err := r.poll(waitCtx, cfg.WidgetPollTimeout, r.e.parser.present)
	if err != nil {
		return nil, err
	}
	if ready {
		return doc, nil
	}
	if doc != nil && doc.Find(cfg.Selectors.PlaceTitle).Length() > 0 {
		return nil, notFound(errNoWidget)
	}
	return nil, transient(fmt.Errorf("%w within %s", errWidgetTimeout, cfg.WidgetPollTimeout))
}

// poll reads the page until ready holds or budget is spent. The delay between
// reads starts at PollInitial and doubles up to PollMax. Both the planned
// sleep total and wall-clock time are held to budget.
func (r *run) poll(ctx context.Context, budget time.Duration, ready func(*goquery.Document) bool) (*goquery.Document, bool, error) {
	cfg := r.e.cfg
	started := r.e.clock.Now()
	delay := cfg.PollInitial
	var planned time.Duration

	for attempt := 1; ; attempt++ {
		doc, err := r.read(ctx)
		if err != nil {
			return nil, false, err
		}
		if ready(doc) {
			return doc, true, nil
		}
		if planned+delay > budget || r.e.clock.Now().Sub(started)+delay > budget {
			r.e.logger.Debug("poll budget spent",
				zap.String("place_key", r.key.String()),
				zap.Stringer("state", r.state),
				zap.Int("attempt", attempt),
			)
			return doc, false, nil
		}
		if err := r.e.sleeper.Sleep(ctx, delay); err != nil {
			return doc, false, transient(fmt.Errorf("poll wait: %w", err))
		}
		planned += delay
		delay *= 2
		if delay > cfg.PollMax {
			delay = cfg.PollMax
		}
	}
}

// read captures the DOM and checks it for anti-automation responses.
func (r *run) read(ctx context.Context) (*goquery.Document, error) {
	html, err := r.e.reader.HTML(ctx)
	if err != nil {
		return nil, transient(fmt.Errorf("read page: %w", err))
	}
	r.lastHTML = html
	location, err := r.e.reader.URL(ctx)
	if err != nil {
		return nil, transient(fmt.Errorf("read location: %w", err))
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, transient(fmt.Errorf("parse page: %w", err))
	}
	if reason := r.e.detector.detect(location, doc); reason != nil {
		return nil, blocked(reason)
	}
	return doc, nil
}

// archive stores the last DOM so unexpected pages can become fixtures.
func (e *Extractor) archive(ctx context.Context, key crowd.PlaceKey, html string) {
	if e.snapshots == nil || e.hasher == nil || html == "" {
		return
	}
	sum, err := e.hasher.Hash([]byte(html))
	if err != nil {
		e.logger.Warn("failed to hash snapshot", zap.String("place_key", key.String()), zap.Error(err))
		return
	}
	path := fmt.Sprintf("snapshots/%s/%s.html", slug(key.String()), sum)
	uri, err := e.snapshots.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader([]byte(html)))
	if err != nil {
		e.logger.Warn("failed to archive snapshot", zap.String("place_key", key.String()), zap.Error(err))
		return
	}
	e.logger.Debug("snapshot archived", zap.String("place_key", key.String()), zap.String("uri", uri))
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

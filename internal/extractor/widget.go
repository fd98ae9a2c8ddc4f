package extractor

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crowdpulse/internal/crowd"
)

var (
	// "37 aktivitet kl. 1300."
	nordicBarPattern = regexp.MustCompile(`^(\d+)\D+?kl\.\s*(\d{2})\d{2}`)
	// "77% busy at 2 pm"
	englishBarPattern = regexp.MustCompile(`(?i)(\d+)%.*?(\d{1,2})\s*(am|pm)`)
	// "Currently 45% busy, usually 60% busy."
	liveBarPattern = regexp.MustCompile(`(?i)currently\s+(\d+)%`)
	usualPattern   = regexp.MustCompile(`(?i)usually\s+(\d+)%`)
)

// parseBarLabel maps one bar aria-label to (hour, percent).
func parseBarLabel(label string) (int, int, bool) {
	label = strings.TrimSpace(label)
	if m := nordicBarPattern.FindStringSubmatch(label); m != nil {
		pct, _ := strconv.Atoi(m[1])
		hour, _ := strconv.Atoi(m[2])
		return hour, pct, validHour(hour)
	}
	if m := englishBarPattern.FindStringSubmatch(label); m != nil {
		pct, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		hour := h % 12
		if strings.EqualFold(m[3], "pm") {
			hour += 12
		}
		return hour, pct, validHour(hour)
	}
	return 0, 0, false
}

// parseLiveLabel reads the "currently" bar; usual is -1 when absent.
func parseLiveLabel(label string) (int, int, bool) {
	m := liveBarPattern.FindStringSubmatch(label)
	if m == nil {
		return 0, 0, false
	}
	current, _ := strconv.Atoi(m[1])
	usual := -1
	if u := usualPattern.FindStringSubmatch(label); u != nil {
		usual, _ = strconv.Atoi(u[1])
	}
	return current, usual, true
}

func validHour(h int) bool {
	return h >= 0 && h < crowd.HoursPerDay
}

// widgetParser converts the busyness histogram into a record.
type widgetParser struct {
	selectors Selectors
}

// present reports whether the widget is in the DOM.
func (p widgetParser) present(doc *goquery.Document) bool {
	return doc.Find(p.selectors.Widget).Length() > 0
}

// parse reads the displayed day. Bars whose labels cannot be mapped stay NoData.
// The live bar carries no hour of its own; its usual value lands on the hour
// after the preceding bar, or the hour before the following one.
func (p widgetParser) parse(doc *goquery.Document, key crowd.PlaceKey, now time.Time) crowd.BusynessRecord {
	record := crowd.BusynessRecord{
		PlaceKey:   key,
		Day:        now.Weekday(),
		Hourly:     crowd.EmptyHourly(),
		Current:    crowd.NoData,
		CapturedAt: now,
	}
	widget := doc.Find(p.selectors.Widget).First()
	panel, index, total := p.visiblePanel(widget)
	if total == 7 && index >= 0 {
		record.Day = time.Weekday(index)
	}

	var bars []bar
	panel.Find(p.selectors.Bar).Each(func(_ int, sel *goquery.Selection) {
		label, _ := sel.Attr("aria-label")
		if current, usual, ok := parseLiveLabel(label); ok {
			record.Current = crowd.ClampOccupancy(current)
			bars = append(bars, bar{hour: -1, pct: usual, live: true})
			return
		}
		if hour, pct, ok := parseBarLabel(label); ok {
			record.Hourly[hour] = crowd.ClampOccupancy(pct)
			bars = append(bars, bar{hour: hour, pct: pct})
			return
		}
		bars = append(bars, bar{hour: -1, pct: -1})
	})

	for i, b := range bars {
		if !b.live || b.pct < 0 {
			continue
		}
		hour, ok := liveHour(bars, i)
		if ok && !record.Hourly[hour].Valid() {
			record.Hourly[hour] = crowd.ClampOccupancy(b.pct)
		}
	}
	return record
}

// bar is one histogram entry in page order; hour is -1 when unknown.
type bar struct {
	hour int
	pct  int
	live bool
}

// liveHour infers the hour of bars[i] from its immediate neighbours.
func liveHour(bars []bar, i int) (int, bool) {
	if i > 0 && bars[i-1].hour >= 0 {
		if h := bars[i-1].hour + 1; validHour(h) {
			return h, true
		}
	}
	if i+1 < len(bars) && bars[i+1].hour >= 0 {
		if h := bars[i+1].hour - 1; validHour(h) {
			return h, true
		}
	}
	return 0, false
}

// visiblePanel picks the day panel that is not hidden. Widgets without day
// panels are treated as a single panel.
func (p widgetParser) visiblePanel(widget *goquery.Selection) (*goquery.Selection, int, int) {
	panels := widget.Find(p.selectors.DayPanel)
	total := panels.Length()
	if total == 0 {
		return widget, -1, 0
	}
	for i := 0; i < total; i++ {
		panel := panels.Eq(i)
		if !hidden(panel) {
			return panel, i, total
		}
	}
	return panels.First(), 0, total
}

func hidden(sel *goquery.Selection) bool {
	if _, ok := sel.Attr("hidden"); ok {
		return true
	}
	if v, ok := sel.Attr("aria-hidden"); ok && v == "true" {
		return true
	}
	style, _ := sel.Attr("style")
	style = strings.ReplaceAll(strings.ToLower(style), " ", "")
	return strings.Contains(style, "display:none")
}

package scraper

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/parcelwatch/parcelwatch/internal/tracker"
)

// Layouts the upstream page has been seen using, day-month-year with an
// optional clock time. Tried in order; the dated variants must come before
// their date-only counterparts.
var timedLayouts = []string{
	"2 January 2006, 15:04",
	"2 January 2006 15:04",
	"2 Jan 2006, 15:04",
	"2 Jan 2006 15:04",
	"02.01.2006 15:04",
}

var dateOnlyLayouts = []string{
	"2 January 2006",
	"2 Jan 2006",
	"02.01.2006",
}

// ParseEvents extracts tracking milestones from the rendered event-list
// container. A row that carries only a date is accepted as a degraded
// parse; a row that fits no known shape fails the whole scrape, wrapping
// tracker.ErrBadEventRow so the failure is distinguishable in logs.
func ParseEvents(html string, cfg Config) ([]tracker.PackageEvent, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse rendered html: %w", err)
	}

	var (
		events  []tracker.PackageEvent
		rowErr  error
		rowText string
	)
	doc.Find(cfg.RowSelector).EachWithBreak(func(i int, row *goquery.Selection) bool {
		when := collapse(row.Find(cfg.TimeSelector).First().Text())
		desc := collapse(row.Find(cfg.ContentSelector).First().Text())
		if when == "" || desc == "" {
			rowErr = fmt.Errorf("row %d missing time or content element: %w", i, tracker.ErrBadEventRow)
			rowText = when + " " + desc
			return false
		}

		ev, err := parseEventDate(when)
		if err != nil {
			rowErr = fmt.Errorf("row %d: %w", i, err)
			rowText = when
			return false
		}
		ev.Description = desc
		events = append(events, ev)
		return true
	})
	if rowErr != nil {
		return nil, fmt.Errorf("%w (text %q)", rowErr, rowText)
	}
	return events, nil
}

func parseEventDate(text string) (tracker.PackageEvent, error) {
	for _, layout := range timedLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return tracker.PackageEvent{
				Date:    t.Truncate(24 * time.Hour),
				Clock:   t.Format("15:04"),
				HasTime: true,
			}, nil
		}
	}
	for _, layout := range dateOnlyLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return tracker.PackageEvent{Date: t}, nil
		}
	}
	return tracker.PackageEvent{}, fmt.Errorf("unrecognized event date %q: %w", text, tracker.ErrBadEventRow)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

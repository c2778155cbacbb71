package analytics

import (
	"fmt"
	"time"

	"github.com/runnerr0/presence/internal/presence"
)

// civilDay is a calendar date in the analytics time zone.
type civilDay struct {
	Year  int
	Month time.Month
	Day   int
}

func dayOf(t time.Time, loc *time.Location) civilDay {
	y, m, d := t.In(loc).Date()
	return civilDay{y, m, d}
}

func (d civilDay) IsZero() bool { return d.Year == 0 }

func (d civilDay) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d civilDay) Before(o civilDay) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// split walks [s.Start, s.End) in pieces cut at the boundaries returned by
// next, calling fn with each piece's local start and length.
func split(s presence.Session, loc *time.Location, next func(local time.Time) time.Time, fn func(local time.Time, part time.Duration)) {
	for cur := s.Start; cur.Before(s.End); {
		local := cur.In(loc)
		boundary := next(local)
		if !boundary.After(cur) {
			boundary = cur.Add(time.Hour)
		}
		if boundary.After(s.End) {
			boundary = s.End
		}
		fn(local, boundary.Sub(cur))
		cur = boundary
	}
}

func nextHour(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour()+1, 0, 0, 0, local.Location())
}

func nextDay(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, local.Location())
}

// addHours spreads the session's duration, in hours, over hour-of-day buckets.
func addHours(hist *[24]float64, s presence.Session, loc *time.Location) {
	split(s, loc, nextHour, func(local time.Time, part time.Duration) {
		hist[local.Hour()] += part.Hours()
	})
}

// addWeekdays adds weight 1 per session, split across the weekdays it spans
// in proportion to time. A zero-length session puts all of it on its day.
func addWeekdays(hist *[7]float64, s presence.Session, loc *time.Location) {
	total := s.Duration()
	if total <= 0 {
		hist[s.Start.In(loc).Weekday()] += 1
		return
	}
	split(s, loc, nextDay, func(local time.Time, part time.Duration) {
		hist[local.Weekday()] += float64(part) / float64(total)
	})
}

// eachDay reports the session's online time per calendar day.
func eachDay(s presence.Session, loc *time.Location, fn func(day civilDay, part time.Duration)) {
	split(s, loc, nextDay, func(local time.Time, part time.Duration) {
		fn(dayOf(local, loc), part)
	})
}

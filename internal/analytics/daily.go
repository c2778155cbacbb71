package analytics

import (
	"sort"
	"time"

	"github.com/runnerr0/presence/internal/presence"
)

// Daily returns online time per user and calendar day, ordered by user and
// then date. A session crossing midnight is split between its days, and a
// zero-length session still marks its start day.
func (e *Engine) Daily(ss []presence.Session) []presence.DailyActivity {
	type key struct {
		user string
		day  civilDay
	}
	loc := e.cfg.Location
	totals := make(map[key]time.Duration)
	for _, s := range ss {
		k := key{s.UserID, dayOf(s.Start, loc)}
		if _, ok := totals[k]; !ok {
			totals[k] = 0
		}
		eachDay(s, loc, func(day civilDay, part time.Duration) {
			totals[key{s.UserID, day}] += part
		})
	}

	out := make([]presence.DailyActivity, 0, len(totals))
	for k, d := range totals {
		out = append(out, presence.DailyActivity{UserID: k.user, Date: k.day.String(), Online: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Date < out[j].Date
	})
	return out
}

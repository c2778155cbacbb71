// Package outage classifies gaps in the raw snapshot timeline as collection
// outages. It knows nothing about why a gap happened; a crashed collector and
// a suspended laptop look the same.
package outage

import (
	"time"

	"github.com/runnerr0/presence/internal/presence"
)

// Detector flags gaps longer than Cadence * ToleranceFactor.
type Detector struct {
	Cadence         time.Duration
	ToleranceFactor float64
}

// Threshold is the longest gap that is still ordinary sampling jitter.
func (d Detector) Threshold() time.Duration {
	return time.Duration(float64(d.Cadence) * d.ToleranceFactor)
}

// Between returns the outage between two consecutive raw timestamps, if the
// gap exceeds the threshold.
func (d Detector) Between(prev, next time.Time) (presence.Outage, bool) {
	if prev.IsZero() || !next.After(prev) {
		return presence.Outage{}, false
	}
	if next.Sub(prev) <= d.Threshold() {
		return presence.Outage{}, false
	}
	return presence.Outage{Start: prev, End: next}, true
}

// Detect scans an ordered timeline and returns every outage in it.
func (d Detector) Detect(timeline []time.Time) []presence.Outage {
	var out []presence.Outage
	var prev time.Time
	for _, ts := range timeline {
		if o, ok := d.Between(prev, ts); ok {
			out = append(out, o)
		}
		if ts.After(prev) {
			prev = ts
		}
	}
	return out
}

// Detect is a convenience wrapper for a one-off scan.
func Detect(timeline []time.Time, cadence time.Duration, factor float64) []presence.Outage {
	return Detector{Cadence: cadence, ToleranceFactor: factor}.Detect(timeline)
}

// DetectSnapshots scans raw rows in arrival order.
func (d Detector) DetectSnapshots(rows []presence.RawSnapshot) []presence.Outage {
	timeline := make([]time.Time, len(rows))
	for i, r := range rows {
		timeline[i] = r.Timestamp
	}
	return d.Detect(timeline)
}

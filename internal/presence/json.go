package presence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// snapshotJSON is the wire shape delivered by collectors.
type snapshotJSON struct {
	Timestamp     json.RawMessage `json:"timestamp"`
	ObservedUsers *[]string       `json:"observed_users"`
}

// UnmarshalJSON accepts an ISO-8601 string or epoch seconds for timestamp.
// A missing or null observed_users leaves ObservedUsers nil.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	ts, err := parseWireTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	s.Timestamp = ts

	s.ObservedUsers = nil
	if raw.ObservedUsers != nil {
		s.ObservedUsers = *raw.ObservedUsers
		if s.ObservedUsers == nil {
			s.ObservedUsers = []string{}
		}
	}
	return nil
}

// MarshalJSON writes the timestamp as RFC 3339 with nanoseconds.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp     string   `json:"timestamp"`
		ObservedUsers []string `json:"observed_users"`
	}{
		Timestamp:     s.Timestamp.UTC().Format(time.RFC3339Nano),
		ObservedUsers: s.ObservedUsers,
	})
}

// maxEpochSeconds bounds numeric timestamps so time.Unix cannot overflow.
const maxEpochSeconds = 1e11

func parseWireTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		return ParseTimestamp(s)
	}

	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	if math.Abs(secs) > maxEpochSeconds {
		return time.Time{}, fmt.Errorf("timestamp: epoch %g is out of range", secs)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}

// ParseTimestamp tries the timestamp layouts collectors are known to send.
func ParseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp: %s", s)
}

// SessionRecord is the session shape handed to dashboards and exporters.
type SessionRecord struct {
	UserID          string  `json:"user_id"`
	Start           string  `json:"start"`
	End             string  `json:"end"`
	DurationSeconds float64 `json:"duration_seconds"`
	Incomplete      bool    `json:"incomplete"`
	ClosedBy        string  `json:"closed_by,omitempty"`
	SampleCount     int     `json:"sample_count"`
}

// Record converts a session to its output record.
func (s Session) Record() SessionRecord {
	return SessionRecord{
		UserID:          s.UserID,
		Start:           s.Start.UTC().Format(time.RFC3339Nano),
		End:             s.End.UTC().Format(time.RFC3339Nano),
		DurationSeconds: s.Duration().Seconds(),
		Incomplete:      s.Incomplete,
		ClosedBy:        string(s.ClosedBy),
		SampleCount:     s.SampleCount,
	}
}

// OutageRecord is the outage annotation shape.
type OutageRecord struct {
	Start           string  `json:"start"`
	End             string  `json:"end"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Record converts an outage to its output record.
func (o Outage) Record() OutageRecord {
	return OutageRecord{
		Start:           o.Start.UTC().Format(time.RFC3339Nano),
		End:             o.End.UTC().Format(time.RFC3339Nano),
		DurationSeconds: o.Duration().Seconds(),
	}
}

// MetricsRecord is the metrics shape handed to dashboards and exporters.
type MetricsRecord struct {
	UserID                 string      `json:"user_id"`
	TotalSessions          int         `json:"total_sessions"`
	CompletedSessions      int         `json:"completed_sessions"`
	IncompleteSessions     int         `json:"incomplete_sessions"`
	AverageDurationSeconds float64     `json:"average_duration_seconds"`
	MaxDurationSeconds     float64     `json:"max_duration_seconds"`
	TotalOnlineSeconds     float64     `json:"total_online_seconds"`
	DaysActive             int         `json:"days_active"`
	LastSeen               string      `json:"last_seen,omitempty"`
	PeakHourHistogram      [24]float64 `json:"peak_hour_histogram"`
	PeakWeekdayHistogram   [7]float64  `json:"peak_weekday_histogram"`
	ConsistencyScore       *float64    `json:"consistency_score"`
	InsufficientData       []string    `json:"insufficient_data,omitempty"`
	Rank                   int         `json:"rank"`
}

// Record converts metrics to their output record.
func (m UserMetrics) Record() MetricsRecord {
	rec := MetricsRecord{
		UserID:                 m.UserID,
		TotalSessions:          m.TotalSessions,
		CompletedSessions:      m.CompletedSessions,
		IncompleteSessions:     m.IncompleteSessions,
		AverageDurationSeconds: m.AverageDuration.Seconds(),
		MaxDurationSeconds:     m.MaxDuration.Seconds(),
		TotalOnlineSeconds:     m.TotalOnline.Seconds(),
		DaysActive:             m.DaysActive,
		PeakHourHistogram:      m.PeakHourHistogram,
		PeakWeekdayHistogram:   m.PeakWeekdayHistogram,
		ConsistencyScore:       m.ConsistencyScore,
		InsufficientData:       m.InsufficientData,
		Rank:                   m.Rank,
	}
	if !m.LastSeen.IsZero() {
		rec.LastSeen = m.LastSeen.UTC().Format(time.RFC3339Nano)
	}
	return rec
}

// DailyRecord is the per-day activity row handed to exporters.
type DailyRecord struct {
	UserID  string  `json:"user_id"`
	Date    string  `json:"date"`
	Minutes float64 `json:"minutes"`
}

// Record converts daily activity to its output record.
func (d DailyActivity) Record() DailyRecord {
	return DailyRecord{UserID: d.UserID, Date: d.Date, Minutes: d.Online.Minutes()}
}

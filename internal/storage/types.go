package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Window is a closed time range. A zero From or To leaves that side open.
type Window struct {
	From time.Time
	To   time.Time
}

// SessionQuery defines filters for listing sessions.
type SessionQuery struct {
	UserID         string
	From           time.Time // sessions ending at or after From
	To             time.Time // sessions starting at or before To
	IncompleteOnly bool
	Limit          int
	Offset         int
}

// RawQuery selects raw rows in arrival order.
type RawQuery struct {
	AfterSeq int64 // rows with Seq > AfterSeq
	FromSeq  int64 // rows with Seq >= FromSeq, when non-zero
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Stats holds aggregate statistics about the presence database.
type Stats struct {
	RawSnapshots       int64
	DuplicateSnapshots int64
	KnownUsers         int64
	Sessions           int64
	OpenSessions       int64
	Outages            int64
	OldestSnapshot     time.Time
	NewestSnapshot     time.Time
	DatabaseSizeBytes  int64
	TopUsers           []UserCount
}

// UserCount pairs a user with their stored session count.
type UserCount struct {
	UserID   string
	Sessions int64
}

package presence

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedSnapshot marks a snapshot rejected at ingest.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrPersistenceWrite marks a store write that failed after all retries.
	ErrPersistenceWrite = errors.New("persistence write failure")
	// ErrInsufficientData marks an analytics precondition that was not met.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrRebuildConflict marks a rebuild that overlaps another exclusive lock.
	ErrRebuildConflict = errors.New("rebuild conflict")
)

// MalformedSnapshotError describes why a snapshot was rejected.
type MalformedSnapshotError struct {
	Reason string
}

func (e *MalformedSnapshotError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMalformedSnapshot, e.Reason)
}

func (e *MalformedSnapshotError) Unwrap() error { return ErrMalformedSnapshot }

// PersistenceWriteError wraps the last store error once retries are exhausted.
type PersistenceWriteError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *PersistenceWriteError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempts: %v", ErrPersistenceWrite, e.Op, e.Attempts, e.Err)
}

func (e *PersistenceWriteError) Unwrap() []error { return []error{ErrPersistenceWrite, e.Err} }

// InsufficientDataError lists the metrics that could not be computed for a user.
type InsufficientDataError struct {
	UserID  string
	Metrics []string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s for %s: %s", ErrInsufficientData, e.UserID, strings.Join(e.Metrics, ", "))
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// Err returns an *InsufficientDataError when some metrics are missing, nil otherwise.
func (m UserMetrics) Err() error {
	if len(m.InsufficientData) == 0 {
		return nil
	}
	return &InsufficientDataError{UserID: m.UserID, Metrics: m.InsufficientData}
}

// RebuildConflictError names the user and range that is already locked.
type RebuildConflictError struct {
	UserID string
	Range  string
}

func (e *RebuildConflictError) Error() string {
	return fmt.Sprintf("%s: user %s range %s is locked", ErrRebuildConflict, e.UserID, e.Range)
}

func (e *RebuildConflictError) Unwrap() error { return ErrRebuildConflict }

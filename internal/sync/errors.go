package sync

import (
	"errors"
	"fmt"
)

// ErrRunInProgress is returned when a run is requested while another run of
// the same configuration is active.
var ErrRunInProgress = errors.New("sync run already in progress")

// ConfigurationError is fatal to a run: no partial work is attempted.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("sync configuration error: %s", e.Reason)
}

// TransientRemoteError marks a remote failure that survived the retry
// budget. It fails the order, not the run.
type TransientRemoteError struct {
	ExtID string
	Err   error
}

func (e *TransientRemoteError) Error() string {
	return fmt.Sprintf("remote write failed for %s: %v", e.ExtID, e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// DataIntegrityError marks a map-table uniqueness violation or an orphaned
// reference. Never swallowed: it aborts the order's write and is logged in
// full.
type DataIntegrityError struct {
	Op  string
	Err error
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity violation in %s: %v", e.Op, e.Err)
}

func (e *DataIntegrityError) Unwrap() error { return e.Err }

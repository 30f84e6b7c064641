package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job id is not present in the store.
	ErrJobNotFound = errors.New("job not found")

	// ErrChunkOversized is returned when a single job's actions alone exceed
	// the per-transaction action limit. This is a configuration/input error
	// and is never retried by splitting.
	ErrChunkOversized = errors.New("job actions exceed per-transaction limit")
)

// ServiceBusyError rejects a whole SubmitTransfers call when admitting it
// would push the pending-job backlog past its ceiling. Callers should back
// off and retry; no jobs are created for the rejected call.
type ServiceBusyError struct {
	Pending   int
	Requested int
	Limit     int
}

func (e *ServiceBusyError) Error() string {
	return fmt.Sprintf("pending transfer backlog is full (%d pending, requested %d, limit %d)",
		e.Pending, e.Requested, e.Limit)
}

// IsServiceBusy reports whether err is a backlog rejection.
func IsServiceBusy(err error) bool {
	var busy *ServiceBusyError
	return errors.As(err, &busy)
}

// TransferError is the terminal per-job failure delivered to the original
// caller after the attempt budget is exhausted.
type TransferError struct {
	JobID   string
	Message string
	Cause   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s failed: %s", e.JobID, e.Message)
}

func (e *TransferError) Unwrap() error {
	return e.Cause
}

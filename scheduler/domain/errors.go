package domain

import (
	"errors"
)

var (
	// The registry was shut down and accepts no new job contexts.
	ErrClosedRegistry = errors.New("job registry is closed")

	// No slot is free right now. Transient, callers may retry until their deadline.
	ErrSlotUnavailable = errors.New("no slot available")

	// A pending slot request exceeded its deadline.
	ErrSlotRequestTimeout = errors.New("slot request timed out")

	// Two subtasks of one vertex were asked into the same shared slot.
	ErrDuplicateVertexInShare = errors.New("vertex already hosted in shared slot")

	// A co-location anchor exists but cannot honor the request.
	ErrConstraintViolation = errors.New("co-location constraint violated")

	// The request was terminated by job closure before it completed.
	ErrCancelled = errors.New("slot request cancelled")

	// The job graph was rejected before any slot was requested.
	ErrInvalidJobGraph = errors.New("invalid job graph")

	// The worker withdrew a slot that was assigned to a subtask.
	ErrSlotLost = errors.New("slot lost")
)

// Returns true if err may succeed when retried before the request deadline.
func IsTransient(err error) bool {
	return errors.Is(err, ErrSlotUnavailable)
}

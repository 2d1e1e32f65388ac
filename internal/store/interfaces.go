package store

import "context"

// Tracker owns stage transitions and the claim primitive backing the append-only event
// log. Implementations must guarantee that two concurrent ClaimNext callers never claim
// the same order.
type Tracker interface {
	// ClaimNext atomically selects one IMPORT_PENDING order (FIFO by timestamp, tie-broken
	// by uuid), writes a new IMPORT_STARTED event for it, and returns the order. Returns
	// (nil, nil) when no pending order is available.
	ClaimNext(ctx context.Context) (*Order, error)

	// Record appends an event row for uuid. Rejects transitions that violate the state
	// machine with ErrInvalidTransition.
	Record(ctx context.Context, uuid string, stage Stage, message string) error

	// CurrentStage returns the latest stage for uuid.
	CurrentStage(ctx context.Context, uuid string) (Stage, error)

	// ListDangling returns every uuid whose current stage is IMPORT_STARTED right now.
	// Used only at startup recovery.
	ListDangling(ctx context.Context) ([]string, error)
}

// ErrInvalidTransition is returned by Record when the requested stage does not follow
// from the uuid's current stage per the state machine.
type ErrInvalidTransition struct {
	UUID string
	From Stage
	To   Stage
}

func (e *ErrInvalidTransition) Error() string {
	return "invalid stage transition for " + e.UUID + ": " + string(e.From) + " -> " + string(e.To)
}

// ErrNotFound is returned by CurrentStage when no event exists for uuid.
type ErrNotFound struct {
	UUID string
}

func (e *ErrNotFound) Error() string {
	return "no events for uuid " + e.UUID
}

// Package store defines the order/event data model that the Tracker owns and the
// interface every Tracker backend (Postgres, in-memory) implements.
package store

import "time"

// Stage is a persisted, string-valued processing stage. Values are written verbatim to
// the database for auditability and must never be renamed once shipped.
type Stage string

const (
	StagePending   Stage = "IMPORT_PENDING"
	StageStarted   Stage = "IMPORT_STARTED"
	StageCompleted Stage = "IMPORT_COMPLETED"
	StageFailed    Stage = "IMPORT_FAILED"
)

// transitions enumerates the only stage-to-stage edges the machine permits. A zero-value
// "from" (empty string) models the producer's initial insert.
var transitions = map[Stage][]Stage{
	"":             {StagePending},
	StagePending:   {StageStarted},
	StageStarted:   {StageCompleted, StageFailed},
	StageCompleted: {},
	StageFailed:    {},
}

// IsValidTransition reports whether moving from "from" to "to" is permitted by the
// state machine. The zero Stage as "from" represents the very first event for a uuid.
func IsValidTransition(from, to Stage) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a stage is terminal (never transitioned out of).
func IsTerminal(s Stage) bool {
	return s == StageCompleted || s == StageFailed
}

// DestinationType is the kind of repository container an order targets.
type DestinationType string

const (
	DestinationDataset DestinationType = "Dataset"
	DestinationScreen  DestinationType = "Screen"
)

// PreprocessingSpec is the zero-or-one-per-order preprocessing configuration.
type PreprocessingSpec struct {
	ID              int64
	Container       string
	InputFile       string
	OutputFolder    string
	AltOutputFolder string
	ExtraParams     map[string]string
}

// Order is the typed, current view of one uuid's latest event row plus its immutable
// producer-supplied fields.
type Order struct {
	UUID            string
	GroupName       string
	UserName        string
	DestinationID   int64
	DestinationType DestinationType
	Files           []string
	Stage           Stage
	Timestamp       time.Time
	PreprocessingID *int64
	Preprocessing   *PreprocessingSpec
	Message         string
}

// Event is one append-only row: a stage transition for a uuid.
type Event struct {
	UUID      string
	Stage     Stage
	Timestamp time.Time
	Message   string
}

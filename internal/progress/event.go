package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Batch lifecycle and per-unit state machine stages. A unit moves
// Pending → Fetching → (Extracting | Failed) → Done.
const (
	StageBatchStart Stage = "BATCH_START"
	StageBatchDone  Stage = "BATCH_DONE"
	StageBatchError Stage = "BATCH_ERROR"

	StageUnitPending    Stage = "UNIT_PENDING"
	StageUnitFetching   Stage = "UNIT_FETCHING"
	StageUnitExtracting Stage = "UNIT_EXTRACTING"
	StageUnitFailed     Stage = "UNIT_FAILED"
	StageUnitDone       Stage = "UNIT_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for unit completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single step of batch progress.
type Event struct {
	// BatchID uniquely identifies a batch run using the 16-byte UUID form.
	BatchID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Index is the unit's position in the submitted batch.
	Index int
	// Depth is zero for submitted URLs and grows along recursion.
	Depth int
	Site  string
	// URL should not contain credentials.
	URL string
	// Attempt is the 1-based attempt number for fetching events.
	Attempt int
	Bytes   int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// ErrorKind is set on failed units.
	ErrorKind string
	// Dur captures fetch latency for units and wall time for batches.
	Dur time.Duration
	// Partial marks a BATCH_DONE where some units failed.
	Partial bool
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.BatchID == [16]byte{} {
		return errors.New("batch id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchStart, StageBatchDone, StageBatchError:
	case StageUnitPending, StageUnitFetching, StageUnitExtracting:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageUnitFailed:
		if e.URL == "" {
			return errors.New("unit failed requires url")
		}
		if e.ErrorKind == "" {
			return errors.New("unit failed requires error kind")
		}
	case StageUnitDone:
		if e.Site == "" {
			return errors.New("unit done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("unit done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Index < 0 {
		return errors.New("index must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// BatchUUID converts the binary batch ID to uuid.UUID.
func (e Event) BatchUUID() uuid.UUID {
	return uuid.UUID(e.BatchID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

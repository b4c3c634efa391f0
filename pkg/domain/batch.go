package domain

import (
	"fmt"
	"time"
)

// BatchMode distinguishes full entity dumps from incremental envelopes.
type BatchMode string

// Batch modes.
const (
	ModeFull        BatchMode = "full"
	ModeIncremental BatchMode = "incremental"
)

// BatchState is one of the four lifecycle states of a batch file.
type BatchState string

// Lifecycle states. Processed and Failed are terminal.
const (
	BatchPending   BatchState = "pending"
	BatchApplying  BatchState = "applying"
	BatchProcessed BatchState = "processed"
	BatchFailed    BatchState = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s BatchState) Terminal() bool {
	return s == BatchProcessed || s == BatchFailed
}

// batchTransitions enumerates the legal state machine edges. Retry re-enters
// applying from pending; nothing ever leaves a terminal state.
var batchTransitions = map[BatchState][]BatchState{
	BatchPending:  {BatchApplying},
	BatchApplying: {BatchProcessed, BatchFailed, BatchPending},
}

// ErrorEntry is one line of a batch's structured error report: either a
// rejected record or a propagation target that did not succeed.
type ErrorEntry struct {
	Entity EntityType `json:"entity_type,omitempty"`
	Key    string     `json:"key,omitempty"`
	Store  StoreName  `json:"store,omitempty"`
	Reason string     `json:"reason"`
}

// BatchRecord tracks one batch file through the lifecycle state machine.
// It is engine-owned bookkeeping with no external mutation path.
type BatchRecord struct {
	ID        string       `json:"id"`
	Path      string       `json:"path"`
	Mode      BatchMode    `json:"mode"`
	State     BatchState   `json:"state"`
	Attempts  int          `json:"attempts"`
	Errors    []ErrorEntry `json:"errors,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Transition moves the record to next, enforcing the state machine guards.
// Illegal edges, including any transition out of a terminal state, return
// an error and leave the record unchanged.
func (b *BatchRecord) Transition(next BatchState, now time.Time) error {
	for _, allowed := range batchTransitions[b.State] {
		if next == allowed {
			if b.State == BatchPending && next == BatchApplying {
				b.Attempts++
			}
			b.State = next
			b.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("batch %s: illegal transition %s -> %s", b.ID, b.State, next)
}

// RecordError appends an entry to the structured error report.
func (b *BatchRecord) RecordError(entry ErrorEntry) {
	b.Errors = append(b.Errors, entry)
}

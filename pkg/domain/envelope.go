package domain

import (
	"encoding/json"
	"time"
)

// OperationKind enumerates the incremental batch operations.
type OperationKind string

// Incremental operations carried by an envelope. Full batches have no
// envelope; their records are applied with implicit upsert semantics.
const (
	OpInsert OperationKind = "INSERT"
	OpUpdate OperationKind = "UPDATE"
	OpDelete OperationKind = "DELETE"
)

// Valid reports whether the kind is one of the three supported operations.
func (k OperationKind) Valid() bool {
	return k == OpInsert || k == OpUpdate || k == OpDelete
}

// OperationEnvelope is the wrapper object of an incremental batch file:
// an operation kind, a timestamp, the organization scope, and an ordered
// sequence of target payloads. Payloads stay raw so that unknown fields
// are preserved through the pipeline.
type OperationEnvelope struct {
	Operation        OperationKind     `json:"operation"`
	Timestamp        time.Time         `json:"timestamp"`
	OrganizationCode string            `json:"institution_code"`
	EntityType       EntityType        `json:"entity_type,omitempty"`
	Data             []json.RawMessage `json:"data"`
}
